package tunshare

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeOffer is a scripted ForwardOffer backed by a pre-built remote
// ChannelConn.
type fakeOffer struct {
	lock    sync.Mutex
	details ForwardDetails
	remote  ChannelConn

	// acceptGate, when non-nil, blocks Accept until closed, the way a
	// real accept waits on the remote side
	acceptGate <-chan struct{}
	acceptErr  error
	accepted   bool
	rejected   bool
}

func newFakeOffer(remote ChannelConn) *fakeOffer {
	return &fakeOffer{
		details: ForwardDetails{
			BindAddr:   "0.0.0.0",
			BindPort:   8080,
			OriginAddr: "198.51.100.7",
			OriginPort: 49152,
		},
		remote: remote,
	}
}

func (o *fakeOffer) Details() ForwardDetails {
	return o.details
}

func (o *fakeOffer) Accept() (ChannelConn, error) {
	o.lock.Lock()
	o.accepted = true
	gate := o.acceptGate
	err := o.acceptErr
	remote := o.remote
	o.lock.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return remote, nil
}

func (o *fakeOffer) Reject() error {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.rejected = true
	return nil
}

func (o *fakeOffer) wasAccepted() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.accepted
}

func (o *fakeOffer) wasRejected() bool {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.rejected
}

// countingConn counts Close calls on the underlying net.Conn, to verify
// teardown runs exactly once.
type countingConn struct {
	net.Conn
	closes int32
}

func (c *countingConn) Close() error {
	atomic.AddInt32(&c.closes, 1)
	return c.Conn.Close()
}

func (c *countingConn) closeCount() int32 {
	return atomic.LoadInt32(&c.closes)
}

// startEchoServer listens on an ephemeral local port and echoes every
// accepted connection until the test cleans it up.
func startEchoServer(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %s", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func waitForConnections(t *testing.T, tn *Tunnel, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tn.Status().Connections == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("connections = %d, want %d", tn.Status().Connections, want)
}

// connectedTestTunnel builds a tunnel over a fake transport, pointed at
// a local echo server, and brings it to Connected.
func connectedTestTunnel(t *testing.T, localPort int) (*Tunnel, *fakeTransport) {
	t.Helper()
	opts := testOptions()
	opts.LocalPort = localPort
	f := &fakeTransport{autoReady: true}
	tn := newTestTunnel(t, opts, f)
	if err := tn.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %s", err)
	}
	return tn, f
}

func TestForwardOfferBridgesToLocalEndpoint(t *testing.T) {
	ln, port := startEchoServer(t)
	defer ln.Close()
	tn, f := connectedTestTunnel(t, port)
	defer tn.Stop()

	testSide, remoteSide := net.Pipe()
	counted := &countingConn{Conn: remoteSide}
	remoteConn, err := NewSocketConn(tn.Logger, counted)
	if err != nil {
		t.Fatalf("NewSocketConn failed: %s", err)
	}
	offer := newFakeOffer(remoteConn)
	f.sink().OnForwardOffer(offer)
	waitForConnections(t, tn, 1)

	msg := []byte("ping over the tunnel")
	if _, err := testSide.Write(msg); err != nil {
		t.Fatalf("Write failed: %s", err)
	}
	buff := make([]byte, len(msg))
	if _, err := io.ReadFull(testSide, buff); err != nil {
		t.Fatalf("ReadFull failed: %s", err)
	}
	if string(buff) != string(msg) {
		t.Errorf("echoed %q, want %q", buff, msg)
	}

	// remote side hangs up; the connection must tear itself down
	testSide.Close()
	waitForConnections(t, tn, 0)

	if !offer.wasAccepted() {
		t.Error("offer was never accepted")
	}
	if n := counted.closeCount(); n != 1 {
		t.Errorf("remote conn closed %d times, want exactly 1", n)
	}
	if ev := findErrorEvent(drainEvents(tn), ConnectionErrorMessage); ev != nil {
		t.Errorf("unexpected %q error event: %s", ConnectionErrorMessage, ev.Err)
	}
}

func TestForwardOfferLocalDialFailure(t *testing.T) {
	// grab a port that is guaranteed closed
	ln, port := startEchoServer(t)
	ln.Close()
	tn, f := connectedTestTunnel(t, port)
	defer tn.Stop()

	testSide, remoteSide := net.Pipe()
	defer testSide.Close()
	remoteConn, err := NewSocketConn(tn.Logger, remoteSide)
	if err != nil {
		t.Fatalf("NewSocketConn failed: %s", err)
	}
	offer := newFakeOffer(remoteConn)
	f.sink().OnForwardOffer(offer)

	deadline := time.Now().Add(2 * time.Second)
	for !offer.wasRejected() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if !offer.wasRejected() {
		t.Fatal("offer was not rejected after local dial failure")
	}
	if offer.wasAccepted() {
		t.Error("offer was accepted despite local dial failure")
	}
	waitForConnections(t, tn, 0)
	if findErrorEvent(drainEvents(tn), ConnectionErrorMessage) == nil {
		t.Errorf("no %q error event after local dial failure", ConnectionErrorMessage)
	}
}

func TestForwardOfferAcceptFailure(t *testing.T) {
	ln, port := startEchoServer(t)
	defer ln.Close()
	tn, f := connectedTestTunnel(t, port)
	defer tn.Stop()

	offer := newFakeOffer(nil)
	offer.acceptErr = errors.New("channel vanished")
	f.sink().OnForwardOffer(offer)

	waitForConnections(t, tn, 0)
	deadline := time.Now().Add(2 * time.Second)
	var ev *TunnelEvent
	for ev == nil && time.Now().Before(deadline) {
		ev = findErrorEvent(drainEvents(tn), ConnectionErrorMessage)
		time.Sleep(2 * time.Millisecond)
	}
	if ev == nil {
		t.Fatalf("no %q error event after accept failure", ConnectionErrorMessage)
	}
}

func TestStopDestroysActiveConnections(t *testing.T) {
	// Scenario: two live bridged connections, then a clean stop. Both must
	// be destroyed exactly once and the registry drained before Stop
	// returns.
	ln, port := startEchoServer(t)
	defer ln.Close()
	tn, f := connectedTestTunnel(t, port)

	var counted [2]*countingConn
	var testSides [2]net.Conn
	for i := 0; i < 2; i++ {
		testSide, remoteSide := net.Pipe()
		testSides[i] = testSide
		counted[i] = &countingConn{Conn: remoteSide}
		remoteConn, err := NewSocketConn(tn.Logger, counted[i])
		if err != nil {
			t.Fatalf("NewSocketConn failed: %s", err)
		}
		f.sink().OnForwardOffer(newFakeOffer(remoteConn))
	}
	waitForConnections(t, tn, 2)

	if err := tn.Stop(); err != nil {
		t.Fatalf("Stop failed: %s", err)
	}
	st := tn.Status()
	if st.State != TunnelStopped {
		t.Errorf("state = %s, want Stopped", st.State)
	}
	if st.Connections != 0 {
		t.Errorf("connections = %d, want 0 after Stop", st.Connections)
	}
	for i := range counted {
		if n := counted[i].closeCount(); n != 1 {
			t.Errorf("remote conn #%d closed %d times, want exactly 1", i, n)
		}
		testSides[i].Close()
	}
	_, _, unregisters, ends := f.counts()
	if unregisters != 1 {
		t.Errorf("unregisterCalls = %d, want 1", unregisters)
	}
	if ends != 1 {
		t.Errorf("endCalls = %d, want 1", ends)
	}
	// teardown-induced copy interruptions are not connection errors
	if ev := findErrorEvent(drainEvents(tn), ConnectionErrorMessage); ev != nil {
		t.Errorf("unexpected %q error event during stop: %s", ConnectionErrorMessage, ev.Err)
	}
}

func TestStopUnblocksPendingAccept(t *testing.T) {
	// a Connection blocked in Accept must not stall Stop: ending the
	// transport breaks the accept, and the teardown then reaps the
	// half-built connection
	ln, port := startEchoServer(t)
	defer ln.Close()
	tn, f := connectedTestTunnel(t, port)

	gate := make(chan struct{})
	var once sync.Once
	f.lock.Lock()
	f.onEnd = func() { once.Do(func() { close(gate) }) }
	f.lock.Unlock()

	offer := newFakeOffer(nil)
	offer.acceptGate = gate
	offer.acceptErr = errors.New("session ended")
	f.sink().OnForwardOffer(offer)

	deadline := time.Now().Add(2 * time.Second)
	for !offer.wasAccepted() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if !offer.wasAccepted() {
		t.Fatal("offer accept never started")
	}

	done := make(chan struct{})
	go func() {
		tn.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a connection was blocked in accept")
	}
	waitForConnections(t, tn, 0)
	if st := tn.Status(); st.State != TunnelStopped {
		t.Errorf("state = %s, want Stopped", st.State)
	}
}

func TestConnectionDestroyIsIdempotent(t *testing.T) {
	ln, port := startEchoServer(t)
	defer ln.Close()
	tn, _ := connectedTestTunnel(t, port)

	testSide, remoteSide := net.Pipe()
	defer testSide.Close()
	counted := &countingConn{Conn: remoteSide}
	remoteConn, err := NewSocketConn(tn.Logger, counted)
	if err != nil {
		t.Fatalf("NewSocketConn failed: %s", err)
	}
	c := NewConnection(context.Background(), tn, newFakeOffer(remoteConn))
	waitForConnections(t, tn, 1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.StartShutdown(nil)
			c.WaitShutdown()
		}()
	}
	wg.Wait()
	waitForConnections(t, tn, 0)
	if n := counted.closeCount(); n != 1 {
		t.Errorf("remote conn closed %d times, want exactly 1", n)
	}
	tn.Stop()
}
