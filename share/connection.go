package tunshare

import (
	"context"
	"time"

	"github.com/jpillora/sizestr"
)

// Connection bridges one inbound forwarded connection offered by the
// remote side to the tunnel's local endpoint. It owns both the local
// ChannelConn (once dialed) and the remote ChannelConn (once the offer
// is accepted), and guarantees that teardown happens exactly once no
// matter which side fails or closes first; the ShutdownHelper's
// once-only handler is the mechanism enforcing that.
type Connection struct {
	ShutdownHelper
	ID     int32
	tunnel *Tunnel
	offer  ForwardOffer

	// localConn is nil until the local endpoint has been dialed
	localConn ChannelConn

	// remoteConn is nil until the offer has been accepted
	remoteConn ChannelConn

	// setupTimer bounds the dial+accept phase; stopped when bridging
	// begins or on destruction
	setupTimer *time.Timer
}

// NewConnection creates a Connection for one forward offer and registers
// it with the tunnel's ConnectionRegistry immediately, so that a bulk
// teardown can see it even while setup is still in flight. The setup and
// bridging run in their own goroutine.
func NewConnection(ctx context.Context, tunnel *Tunnel, offer ForwardOffer) *Connection {
	d := offer.Details()
	c := &Connection{
		ID:     AllocBasicConnID(),
		tunnel: tunnel,
		offer:  offer,
	}
	c.InitShutdownHelper(
		tunnel.Logger.Fork("Connection#%d (%s:%d)", c.ID, d.OriginAddr, d.OriginPort),
		c,
	)
	c.PanicOnError(c.Activate())
	c.setupTimer = time.AfterFunc(tunnel.options.ConnectTimeout, func() {
		c.StartShutdown(c.Errorf("Connection setup timed out"))
	})
	tunnel.connStats.New()
	tunnel.registry.Add(c)
	go c.run(ctx)
	return c
}

// run performs the Connection's strictly ordered lifecycle: dial the
// local endpoint, accept the remote offer, then splice both directions
// until either side finishes. Shutdown is paused during setup so that a
// concurrently requested teardown is deferred until both conns are
// attached, never leaking a half-built Connection.
func (c *Connection) run(ctx context.Context) {
	if err := c.PauseShutdown(); err != nil {
		// destroyed before setup began
		c.offer.Reject()
		return
	}

	localConn, err := c.tunnel.endpoint.Dial(ctx)
	if err != nil {
		c.tunnel.events.emitError(ConnectionErrorMessage, err)
		c.offer.Reject()
		c.ResumeShutdown()
		c.StartShutdown(err)
		return
	}
	c.Lock.Lock()
	c.localConn = localConn
	c.Lock.Unlock()

	remoteConn, err := c.offer.Accept()
	if err != nil {
		err = c.Errorf("Failed to accept forward offer: %s", err)
		// an accept broken off by our own teardown ending the session is
		// not reported
		if !c.IsScheduledShutdown() {
			c.tunnel.events.emitError(ConnectionErrorMessage, err)
		}
		c.ResumeShutdown()
		c.StartShutdown(err)
		return
	}
	c.Lock.Lock()
	c.remoteConn = remoteConn
	c.Lock.Unlock()

	c.setupTimer.Stop()
	c.ResumeShutdown()

	c.tunnel.connStats.Open()
	c.DLogf("%s: Open", &c.tunnel.connStats)

	sent, received, err := BridgeChannels(c.Logger, remoteConn, localConn)
	if err != nil && !c.IsStartedShutdown() {
		// copy errors caused by our own teardown closing the conns are not
		// reported; only genuine mid-stream failures are
		c.tunnel.events.emitError(ConnectionErrorMessage, err)
	}
	c.tunnel.connStats.Close()
	c.DLogf("%s: Close (sent %s received %s)",
		&c.tunnel.connStats, sizestr.ToString(sent), sizestr.ToString(received))
	c.StartShutdown(err)
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
// It tolerates partial setup: either conn may still be nil.
func (c *Connection) HandleOnceShutdown(completionErr error) error {
	c.setupTimer.Stop()
	c.Lock.Lock()
	localConn := c.localConn
	remoteConn := c.remoteConn
	c.Lock.Unlock()
	if remoteConn != nil {
		remoteConn.Close()
	}
	if localConn != nil {
		localConn.Close()
	}
	c.tunnel.registry.Remove(c)
	return completionErr
}

func (c *Connection) String() string {
	return c.Logger.Prefix()
}
