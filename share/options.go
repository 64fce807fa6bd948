package tunshare

import (
	"fmt"
	"time"
)

// Default values applied by TunnelOptions.ApplyDefaults
const (
	// DefaultPort is the remote endpoint port used when none is configured
	DefaultPort = 22

	// DefaultConnectTimeout bounds both the transport ready wait and the
	// time Start() will wait for the tunnel to reach Connected
	DefaultConnectTimeout = 30 * time.Second

	// DefaultKeepaliveInterval is the transport session keepalive period.
	// A configured value of 0 disables keepalives.
	DefaultKeepaliveInterval = 10 * time.Second

	// DefaultCheckInterval is the period of the tunnel health check timer
	DefaultCheckInterval = 10 * time.Second
)

// TunnelOptions is the immutable configuration for a Tunnel. It must be
// fully populated (ApplyDefaults helps) before NewTunnel and never mutated
// afterwards.
type TunnelOptions struct {
	// Host is the remote endpoint to establish the transport session with
	Host string

	// Port is the remote endpoint port; defaults to DefaultPort
	Port int

	// Username is the identity presented to the remote endpoint
	Username string

	// Password is an optional password credential
	Password string

	// PrivateKey is optional PEM-encoded private key material
	PrivateKey []byte

	// PrivateKeyFile optionally names a PEM file to load key material from.
	// When set, the file is watched and re-read on change so the next
	// connect attempt picks up a rotated key. See KeyWatcher.
	PrivateKeyFile string

	// RemoteHost is the bind address requested for the remote forward
	RemoteHost string

	// RemotePort is the port requested for the remote forward
	RemotePort uint32

	// LocalHost is the local address forwarded connections are bridged to
	LocalHost string

	// LocalPort is the local port forwarded connections are bridged to
	LocalPort int

	// Socks, if true, serves forwarded connections with an in-process
	// SOCKS5 server instead of dialing LocalHost:LocalPort
	Socks bool

	// Stdio, if true, serves a single forwarded connection over the
	// process's stdin/stdout instead of dialing LocalHost:LocalPort
	Stdio bool

	// WSURL, if nonempty, carries the transport session over a WebSocket
	// connection to this URL instead of a plain TCP connection
	WSURL string

	// ConnectTimeout bounds the transport ready wait and the Start() wait;
	// defaults to DefaultConnectTimeout
	ConnectTimeout time.Duration

	// KeepaliveInterval is the transport keepalive period; 0 disables.
	// Left unset (negative) it defaults to DefaultKeepaliveInterval.
	KeepaliveInterval time.Duration

	// CheckInterval is the health check timer period; defaults to
	// DefaultCheckInterval
	CheckInterval time.Duration

	// LogLevel controls log spew; defaults to LogLevelInfo
	LogLevel LogLevel
}

// ApplyDefaults fills in unset option fields with their default values
// and returns the options for chaining. A zero KeepaliveInterval is
// preserved, since 0 means "disabled"; use a negative value to request
// the default explicitly.
func (o *TunnelOptions) ApplyDefaults() *TunnelOptions {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.KeepaliveInterval < 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.CheckInterval == 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.LocalHost == "" {
		o.LocalHost = "127.0.0.1"
	}
	if o.LogLevel == LogLevelUnknown {
		o.LogLevel = LogLevelInfo
	}
	return o
}

// Validate returns an error if the options are not usable
func (o *TunnelOptions) Validate() error {
	if o.Host == "" && o.WSURL == "" {
		return fmt.Errorf("TunnelOptions: Host or WSURL is required")
	}
	if o.Username == "" {
		return fmt.Errorf("TunnelOptions: Username is required")
	}
	if o.Socks && o.Stdio {
		return fmt.Errorf("TunnelOptions: Socks and Stdio are mutually exclusive")
	}
	if !o.Socks && !o.Stdio && o.LocalPort == 0 {
		return fmt.Errorf("TunnelOptions: LocalPort is required unless Socks or Stdio is enabled")
	}
	return nil
}
