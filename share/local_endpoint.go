package tunshare

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/prep/socketpair"
)

// LocalEndpoint is the local side of the tunnel: it produces one
// ChannelConn per accepted forward offer, to be bridged against the
// remote channel.
type LocalEndpoint interface {
	// Dial initiates a new connection to the local service
	Dial(ctx context.Context) (ChannelConn, error)

	// String names the endpoint for logging
	String() string
}

// TCPLocalEndpoint dials a plain TCP service for each forwarded
// connection.
type TCPLocalEndpoint struct {
	logger      Logger
	addr        string
	dialTimeout time.Duration
}

// NewTCPLocalEndpoint creates a TCPLocalEndpoint for host:port
func NewTCPLocalEndpoint(logger Logger, host string, port int, dialTimeout time.Duration) *TCPLocalEndpoint {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	return &TCPLocalEndpoint{
		logger:      logger.Fork("TCPLocalEndpoint(%s)", addr),
		addr:        addr,
		dialTimeout: dialTimeout,
	}
}

// Dial initiates a new connection to the local TCP service. Part of the
// LocalEndpoint interface
func (ep *TCPLocalEndpoint) Dial(ctx context.Context) (ChannelConn, error) {
	ep.logger.DLogf("Dialing local TCP service")
	d := net.Dialer{Timeout: ep.dialTimeout}
	netConn, err := d.DialContext(ctx, "tcp", ep.addr)
	if err != nil {
		return nil, ep.logger.Errorf("Dial failed: %s", err)
	}
	conn, err := NewSocketConn(ep.logger, netConn)
	if err != nil {
		netConn.Close()
		return nil, ep.logger.Errorf("Unable to create SocketConn: %s", err)
	}
	return conn, nil
}

func (ep *TCPLocalEndpoint) String() string {
	return ep.logger.Prefix()
}

// SocksLocalEndpoint serves each forwarded connection with an in-process
// SOCKS5 server, turning the tunnel into a remotely reachable SOCKS
// proxy with no separate local service to run.
type SocksLocalEndpoint struct {
	logger      Logger
	socksServer *socks5.Server
}

// NewSocksLocalEndpoint creates a SocksLocalEndpoint with a default
// SOCKS5 server configuration
func NewSocksLocalEndpoint(logger Logger) (*SocksLocalEndpoint, error) {
	socksServer, err := socks5.New(&socks5.Config{})
	if err != nil {
		return nil, fmt.Errorf("SocksLocalEndpoint: Failed to create SOCKS5 server: %s", err)
	}
	return &SocksLocalEndpoint{
		logger:      logger.Fork("SocksLocalEndpoint"),
		socksServer: socksServer,
	}, nil
}

// Dial connects the forwarded stream to the SOCKS5 server. A socketpair
// gives the SOCKS5 server something to talk to while we hand our end back
// to the caller; this costs one local hop but keeps the abstraction that
// endpoints produce a ChannelConn which is then bridged.
func (ep *SocksLocalEndpoint) Dial(ctx context.Context) (ChannelConn, error) {
	netConn, socksNetConn, err := socketpair.New("unix")
	if err != nil {
		return nil, ep.logger.Errorf("Unable to create socketpair: %s", err)
	}
	conn, err := NewSocketConn(ep.logger, netConn)
	if err != nil {
		netConn.Close()
		socksNetConn.Close()
		return nil, ep.logger.Errorf("Unable to wrap net.Conn with SocketConn: %s", err)
	}
	go func() {
		if err := ep.socksServer.ServeConn(socksNetConn); err != nil {
			ep.logger.DLogf("SOCKS5 session ended: %s", err)
		}
	}()
	return conn, nil
}

func (ep *SocksLocalEndpoint) String() string {
	return ep.logger.Prefix()
}

// PipeLocalEndpoint serves exactly one forwarded connection over a fixed
// read/write stream pair. The common case is StdioLocalEndpoint, which
// bridges the process's own stdin and stdout, inetd style.
type PipeLocalEndpoint struct {
	logger Logger
	input  io.ReadCloser
	output io.WriteCloser
	used   int32
}

// NewPipeLocalEndpoint creates a PipeLocalEndpoint over input and output
func NewPipeLocalEndpoint(logger Logger, input io.ReadCloser, output io.WriteCloser) *PipeLocalEndpoint {
	return &PipeLocalEndpoint{
		logger: logger.Fork("PipeLocalEndpoint"),
		input:  input,
		output: output,
	}
}

// NewStdioLocalEndpoint creates a PipeLocalEndpoint over the process's
// stdin and stdout; enabled by TunnelOptions.Stdio
func NewStdioLocalEndpoint(logger Logger) *PipeLocalEndpoint {
	return NewPipeLocalEndpoint(logger, os.Stdin, os.Stdout)
}

// Dial hands out the stream pair, once. The streams cannot be shared
// between bridges, so a second forwarded connection is refused.
func (ep *PipeLocalEndpoint) Dial(ctx context.Context) (ChannelConn, error) {
	if !atomic.CompareAndSwapInt32(&ep.used, 0, 1) {
		return nil, ep.logger.Errorf("Stream pair already serving a connection")
	}
	return NewPipeConn(ep.logger, ep.input, ep.output)
}

func (ep *PipeLocalEndpoint) String() string {
	return ep.logger.Prefix()
}
