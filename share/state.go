package tunshare

// TunnelState describes the lifecycle state of a Tunnel. The zero value
// is TunnelStopped.
type TunnelState int

const (
	// TunnelStopped means the tunnel has not been started, or has been
	// explicitly stopped. The health check timer is not running.
	TunnelStopped TunnelState = iota

	// TunnelDisconnected means the tunnel is started but no transport
	// session exists; the health check timer will attempt a connect.
	TunnelDisconnected

	// TunnelDisconnecting means an orderly teardown of the transport
	// session is in progress.
	TunnelDisconnecting

	// TunnelConnecting means a transport connect attempt is in flight.
	TunnelConnecting

	// TunnelConnected means the transport session is up and the remote
	// forward has been registered.
	TunnelConnected
)

var tunnelStateNames = [...]string{
	"Stopped", "Disconnected", "Disconnecting", "Connecting", "Connected",
}

func (s TunnelState) String() string {
	if s < TunnelStopped || s > TunnelConnected {
		return "Unknown"
	}
	return tunnelStateNames[s]
}

// canDisconnect returns true if an orderly disconnect is permitted from
// the given state. Disconnect is only meaningful while a connect attempt
// or a live session exists; in every other state it is a no-op. An explicit
// allow-list is used rather than ordering comparisons so that inserting a
// new state cannot silently change the permission.
func canDisconnect(s TunnelState) bool {
	return s == TunnelConnecting || s == TunnelConnected
}
