package tunshare

import (
	"context"
	"time"
)

// TransportConfig carries the per-attempt parameters for a transport
// connect. It is assembled by the Tunnel from its TunnelOptions just
// before each attempt, so that rotated key material is picked up.
type TransportConfig struct {
	// Host and Port locate the remote endpoint
	Host string
	Port int

	// WSURL, if nonempty, carries the session over a WebSocket connection
	// to this URL instead of a plain TCP connection to Host:Port
	WSURL string

	// Username, Password, and PrivateKey are the session credentials.
	// PrivateKey is PEM-encoded and optional.
	Username   string
	Password   string
	PrivateKey []byte

	// KeepaliveInterval is the session keepalive period; 0 disables
	KeepaliveInterval time.Duration

	// ReadyTimeout bounds the connect/handshake
	ReadyTimeout time.Duration
}

// ForwardDetails describes one inbound forwarded connection offered by
// the remote side.
type ForwardDetails struct {
	// BindAddr and BindPort are the remote address the connection arrived on
	BindAddr string
	BindPort uint32

	// OriginAddr and OriginPort identify the remote peer that connected
	OriginAddr string
	OriginPort uint32
}

// ForwardOffer is one inbound forwarded connection that has not yet been
// accepted. Exactly one of Accept or Reject must be called.
type ForwardOffer interface {
	// Details returns the addressing info for the offered connection
	Details() ForwardDetails

	// Accept accepts the offer and returns the remote channel as a ChannelConn
	Accept() (ChannelConn, error)

	// Reject declines the offer
	Reject() error
}

// TransportEvents is the observer interface through which a Transport
// reports session-level events. All methods may be invoked from transport
// goroutines; implementations must be safe for that.
type TransportEvents interface {
	// OnReady is invoked once per successful Connect, after the session is
	// established and usable
	OnReady()

	// OnForwardOffer is invoked once per inbound forwarded connection
	OnForwardOffer(offer ForwardOffer)

	// OnEnd is invoked when the session ends cleanly
	OnEnd()

	// OnClose is invoked when the session closes; hadError indicates
	// whether an error caused the close
	OnClose(hadError bool)

	// OnTimeout is invoked when the session times out (e.g. a keepalive
	// goes unanswered)
	OnTimeout()

	// OnError is invoked for any other session-scoped error
	OnError(err error)
}

// Transport owns at most one session to the remote endpoint. The Tunnel
// drives it through this interface and never touches the underlying
// protocol; see SSHTransport for the standard implementation.
type Transport interface {
	// Connect establishes a session using cfg, delivering session events to
	// events until the session is torn down. It returns an error if the
	// session could not be established; after a nil return, events.OnReady
	// has been or will imminently be invoked.
	Connect(ctx context.Context, cfg *TransportConfig, events TransportEvents) error

	// End tears down the current session, if any. It is safe to call when
	// no session exists.
	End()

	// RegisterForward asks the remote side to listen on bindAddr:port and
	// forward inbound connections back over the session. It returns the
	// actually bound port (useful when port is 0).
	RegisterForward(bindAddr string, port uint32) (uint32, error)

	// UnregisterForward cancels a previously registered forward
	UnregisterForward(bindAddr string, port uint32) error
}
