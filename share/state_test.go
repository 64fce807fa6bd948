package tunshare

import (
	"testing"
)

func TestTunnelStateString(t *testing.T) {
	cases := []struct {
		state TunnelState
		want  string
	}{
		{TunnelStopped, "Stopped"},
		{TunnelDisconnected, "Disconnected"},
		{TunnelDisconnecting, "Disconnecting"},
		{TunnelConnecting, "Connecting"},
		{TunnelConnected, "Connected"},
		{TunnelState(99), "Unknown"},
	}
	for _, c := range cases {
		if got := c.state.String(); got != c.want {
			t.Errorf("TunnelState(%d).String() = %q, want %q", c.state, got, c.want)
		}
	}
}

func TestCanDisconnect(t *testing.T) {
	cases := []struct {
		state TunnelState
		want  bool
	}{
		{TunnelStopped, false},
		{TunnelDisconnected, false},
		{TunnelDisconnecting, false},
		{TunnelConnecting, true},
		{TunnelConnected, true},
	}
	for _, c := range cases {
		if got := canDisconnect(c.state); got != c.want {
			t.Errorf("canDisconnect(%s) = %v, want %v", c.state, got, c.want)
		}
	}
}
