package tunshare

import (
	"context"
	"time"
)

// TunnelStatus is a point-in-time snapshot of a Tunnel, with no caching:
// every call re-reads the live state, counter, and registry size.
type TunnelStatus struct {
	// State is the current lifecycle state
	State TunnelState

	// Disconnects is the cumulative number of executed disconnects,
	// including the one performed by a clean Stop()
	Disconnects int64

	// Connections is the number of currently bridged connections
	Connections int
}

// Tunnel maintains a persistent reverse tunnel: a long-lived transport
// session to a remote endpoint that forwards inbound connections on a
// remote address back to a local endpoint, bridging bytes both ways for
// each forwarded connection. The session is supervised: a periodic health
// check re-establishes it after any failure, at a fixed interval with no
// backoff.
//
// Tunnel implements TransportEvents; the Transport delivers session
// events directly to it.
type Tunnel struct {
	ShutdownHelper
	options   *TunnelOptions
	transport Transport
	endpoint  LocalEndpoint
	registry  *ConnectionRegistry
	events    *eventSink
	connStats ConnStats
	keyWatch  *KeyWatcher

	// The fields below are guarded by ShutdownHelper.Lock.

	// state is the single authoritative lifecycle state; every mutation
	// goes through setState so a notification is always emitted
	state TunnelState

	// disconnects counts executed disconnects; it is never incremented by
	// a disconnect attempt that the allow-list rejects
	disconnects int64

	// connectedChan, when non-nil, is closed the moment state reaches
	// TunnelConnected; it is the one-shot notification Start() waits on
	connectedChan chan struct{}

	// checkStopChan, when non-nil, stops the health check loop
	checkStopChan chan struct{}

	// stopping is true while Stop() is tearing the tunnel down. It bars
	// the health check and a newly ready session from making progress, so
	// a check that slipped past the stop channel cannot revive the
	// session underneath the stop.
	stopping bool
}

// NewTunnel creates a Tunnel using the standard SSH transport. The
// options are defaulted and validated; they must not be mutated after
// this call.
func NewTunnel(options *TunnelOptions) (*Tunnel, error) {
	options.ApplyDefaults()
	logger := NewLogger("tunnel", options.LogLevel)
	return NewTunnelWithTransport(options, NewSSHTransport(logger.Fork("ssh")))
}

// NewTunnelWithTransport creates a Tunnel driving the given Transport.
// This is the constructor used by tests, which supply a fake transport.
func NewTunnelWithTransport(options *TunnelOptions, transport Transport) (*Tunnel, error) {
	options.ApplyDefaults()
	if err := options.Validate(); err != nil {
		return nil, err
	}
	logger := NewLogger("tunnel", options.LogLevel)
	t := &Tunnel{
		options:   options,
		transport: transport,
		registry:  NewConnectionRegistry(),
		events:    newEventSink(logger),
	}
	t.InitShutdownHelper(logger, t)
	t.PanicOnError(t.Activate())

	if options.Socks {
		ep, err := NewSocksLocalEndpoint(logger)
		if err != nil {
			return nil, err
		}
		t.endpoint = ep
	} else if options.Stdio {
		t.endpoint = NewStdioLocalEndpoint(logger)
	} else {
		t.endpoint = NewTCPLocalEndpoint(logger, options.LocalHost, options.LocalPort, options.ConnectTimeout)
	}

	if options.PrivateKeyFile != "" {
		kw, err := NewKeyWatcher(logger, options.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		t.keyWatch = kw
	}
	return t, nil
}

// Events returns the channel on which state transitions, lifecycle
// notifications, and error notifications are delivered. The tunnel never
// blocks on this channel; a consumer that falls more than the queue
// length behind loses events.
func (t *Tunnel) Events() <-chan TunnelEvent {
	return t.events.ch
}

// Status returns the current tunnel status snapshot; no side effects
func (t *Tunnel) Status() TunnelStatus {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	return TunnelStatus{
		State:       t.state,
		Disconnects: t.disconnects,
		Connections: t.registry.Count(),
	}
}

// setState mutates the authoritative state and emits the state event.
// Callers must hold t.Lock. Reaching TunnelConnected fires the one-shot
// notification Start() is waiting on.
func (t *Tunnel) setState(state TunnelState) {
	t.state = state
	t.DLogf("state -> %s", state)
	t.events.emitState(state)
	if state == TunnelConnected && t.connectedChan != nil {
		close(t.connectedChan)
		t.connectedChan = nil
	}
}

// Start brings the tunnel up. It is a no-op (nil return) unless the
// tunnel is Stopped. It arms the recurring health check, performs one
// immediately, and then waits for the tunnel to reach Connected, bounded
// by the configured connect timeout. A timeout is reported to the caller
// without altering tunnel state: the health check loop keeps retrying at
// its fixed interval regardless.
func (t *Tunnel) Start(ctx context.Context) error {
	t.Lock.Lock()
	if t.state != TunnelStopped {
		t.Lock.Unlock()
		return nil
	}
	t.setState(TunnelDisconnected)
	t.connectedChan = make(chan struct{})
	connected := t.connectedChan
	stop := make(chan struct{})
	t.checkStopChan = stop
	t.Lock.Unlock()

	go t.checkLoop(ctx, stop)

	timer := time.NewTimer(t.options.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-connected:
		return nil
	case <-timer.C:
		return t.Errorf("Timed out waiting for tunnel to connect")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop tears the tunnel down. It is a no-op unless the tunnel has been
// started. The health check timer is cancelled, a full disconnect is
// performed with unregister errors swallowed, and the tunnel returns to
// Stopped, from which a fresh Start() is permitted.
func (t *Tunnel) Stop() error {
	t.Lock.Lock()
	if t.state == TunnelStopped {
		t.Lock.Unlock()
		return nil
	}
	t.stopping = true
	stop := t.checkStopChan
	t.checkStopChan = nil
	t.Lock.Unlock()
	if stop != nil {
		close(stop)
	}

	// a health check tick that already won its select against the stop
	// channel may still be driving a connect; with stopping set no new
	// attempt can begin, so disconnecting until the state settles at
	// Disconnected is bounded by the attempts already in flight
	for {
		t.disconnect(true)
		t.Lock.Lock()
		if t.state == TunnelDisconnected {
			t.setState(TunnelStopped)
		}
		// a concurrent Stop may have stamped Stopped already
		if t.state == TunnelStopped {
			t.stopping = false
			t.Lock.Unlock()
			return nil
		}
		t.Lock.Unlock()
		time.Sleep(time.Millisecond)
	}
}

// checkLoop runs one immediate health check and then one per check
// interval until stopped. The interval is fixed; consecutive failures do
// not grow it.
func (t *Tunnel) checkLoop(ctx context.Context, stop <-chan struct{}) {
	t.healthCheck(ctx)
	ticker := time.NewTicker(t.options.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.healthCheck(ctx)
		}
	}
}

// healthCheck drives a connect attempt iff the tunnel is Disconnected.
// In every other state it does nothing: an attempt already in flight, a
// live session, a teardown in progress, and a stopped tunnel all need no
// help from the timer.
func (t *Tunnel) healthCheck(ctx context.Context) {
	t.Lock.Lock()
	if t.stopping || t.state != TunnelDisconnected {
		t.Lock.Unlock()
		return
	}
	t.setState(TunnelConnecting)
	cfg := t.transportConfig()
	t.Lock.Unlock()

	if err := t.transport.Connect(ctx, cfg, t); err != nil {
		t.events.emitError(TunnelErrorMessage, err)
		t.disconnect(false)
	}
}

// transportConfig assembles the per-attempt transport parameters.
// Callers must hold t.Lock. Key material is re-read from the key watcher
// so a rotated key is picked up on the next attempt.
func (t *Tunnel) transportConfig() *TransportConfig {
	key := t.options.PrivateKey
	if t.keyWatch != nil {
		if k := t.keyWatch.Key(); k != nil {
			key = k
		}
	}
	return &TransportConfig{
		Host:              t.options.Host,
		Port:              t.options.Port,
		WSURL:             t.options.WSURL,
		Username:          t.options.Username,
		Password:          t.options.Password,
		PrivateKey:        key,
		KeepaliveInterval: t.options.KeepaliveInterval,
		ReadyTimeout:      t.options.ConnectTimeout,
	}
}

// disconnect performs the synchronized teardown of the active session.
// It is permitted only from Connecting or Connected (see canDisconnect);
// from any other state, including a disconnect already in flight, it is
// a no-op with no counter change. When silent, an unregister failure is
// swallowed rather than reported; a clean Stop() uses that.
func (t *Tunnel) disconnect(silent bool) {
	t.Lock.Lock()
	if !canDisconnect(t.state) {
		t.Lock.Unlock()
		return
	}
	t.setState(TunnelDisconnecting)
	t.disconnects++
	t.Lock.Unlock()

	if err := t.transport.UnregisterForward(t.options.RemoteHost, t.options.RemotePort); err != nil {
		if !silent {
			t.events.emitError(UnforwardErrorMessage, err)
		}
	}
	// ending the transport first releases any Connection still blocked in
	// setup on the dying session, so DestroyAll cannot stall on it
	t.transport.End()
	t.registry.DestroyAll(nil)

	t.Lock.Lock()
	t.setState(TunnelDisconnected)
	t.Lock.Unlock()
}

// OnReady implements TransportEvents. A ready session is only useful if
// the tunnel is still waiting for one; a session that becomes ready after
// a Stop() or teardown raced ahead is discarded. Otherwise the remote
// forward is registered; only a successful registration makes the tunnel
// Connected.
func (t *Tunnel) OnReady() {
	t.Lock.Lock()
	if t.state != TunnelConnecting || t.stopping {
		t.Lock.Unlock()
		t.transport.End()
		return
	}
	t.Lock.Unlock()

	assignedPort, err := t.transport.RegisterForward(t.options.RemoteHost, t.options.RemotePort)
	if err != nil {
		t.events.emitError(ForwardErrorMessage, err)
		t.disconnect(false)
		return
	}
	t.ILogf("Remote forward registered on %s:%d", t.options.RemoteHost, assignedPort)

	t.Lock.Lock()
	if t.state == TunnelConnecting && !t.stopping {
		t.setState(TunnelConnected)
		t.Lock.Unlock()
		return
	}
	t.Lock.Unlock()

	// a teardown won the race after the forward was registered; undo the
	// registration so no forward outlives the session
	t.transport.UnregisterForward(t.options.RemoteHost, t.options.RemotePort)
	t.transport.End()
}

// OnForwardOffer implements TransportEvents. Offers are only honored
// while Connected; in any other state the offer is declined.
func (t *Tunnel) OnForwardOffer(offer ForwardOffer) {
	t.Lock.Lock()
	connected := t.state == TunnelConnected
	t.Lock.Unlock()
	if !connected {
		t.DLogf("Rejecting forward offer; tunnel is not connected")
		offer.Reject()
		return
	}
	NewConnection(context.Background(), t, offer)
}

// OnEnd implements TransportEvents
func (t *Tunnel) OnEnd() {
	t.events.emit(TunnelEvent{Type: EventEnd})
	t.disconnect(false)
}

// OnClose implements TransportEvents
func (t *Tunnel) OnClose(hadError bool) {
	t.events.emit(TunnelEvent{Type: EventClose, HadError: hadError})
	t.disconnect(false)
}

// OnTimeout implements TransportEvents
func (t *Tunnel) OnTimeout() {
	t.events.emit(TunnelEvent{Type: EventTimeout})
	t.disconnect(false)
}

// OnError implements TransportEvents
func (t *Tunnel) OnError(err error) {
	t.events.emitError(TunnelErrorMessage, err)
	t.disconnect(false)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine.
// It disposes of the tunnel for good: a shut-down Tunnel cannot be
// started again (unlike a merely Stopped one).
func (t *Tunnel) HandleOnceShutdown(completionErr error) error {
	t.Stop()
	if t.keyWatch != nil {
		t.keyWatch.Close()
	}
	return completionErr
}
