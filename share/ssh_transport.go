package tunshare

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
)

// SSHTransport is the standard Transport implementation: one SSH session
// to the remote endpoint, carried over plain TCP or over a WebSocket
// connection. The remote forward is established with the standard
// tcpip-forward global request, and inbound forwarded-tcpip channels are
// surfaced as ForwardOffers.
type SSHTransport struct {
	logger Logger

	lock          sync.Mutex
	client        *ssh.Client
	stopKeepalive chan struct{}
}

// NewSSHTransport creates an SSHTransport with no session
func NewSSHTransport(logger Logger) *SSHTransport {
	return &SSHTransport{
		logger: logger,
	}
}

// channelForwardMsg is the wire payload of the tcpip-forward and
// cancel-tcpip-forward global requests (RFC 4254 7.1)
type channelForwardMsg struct {
	Addr  string
	Rport uint32
}

// forwardedTCPPayload is the wire payload of a forwarded-tcpip channel
// open request (RFC 4254 7.2)
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// Connect implements Transport. It dials, performs the SSH handshake
// with the configured credentials, then starts the keepalive loop, the
// session monitor, and the forwarded channel dispatcher. events.OnReady
// is invoked before Connect returns nil.
func (tr *SSHTransport) Connect(ctx context.Context, cfg *TransportConfig, events TransportEvents) error {
	tr.lock.Lock()
	if tr.client != nil {
		tr.lock.Unlock()
		return tr.logger.Errorf("Connect while session already exists")
	}
	tr.lock.Unlock()

	var auth []ssh.AuthMethod
	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return tr.logger.Errorf("Unable to parse private key: %s", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.ReadyTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	var conn net.Conn
	if cfg.WSURL != "" {
		d := websocket.Dialer{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: cfg.ReadyTimeout,
		}
		wsConn, _, err := d.Dial(cfg.WSURL, nil)
		if err != nil {
			return tr.logger.Errorf("WebSocket dial failed: %s", err)
		}
		conn = NewWebSocketConn(wsConn)
	} else {
		var err error
		conn, err = net.DialTimeout("tcp", addr, cfg.ReadyTimeout)
		if err != nil {
			return tr.logger.Errorf("Dial failed: %s", err)
		}
	}

	tr.logger.DLogf("Handshaking...")
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return tr.logger.Errorf("Handshake failed: %s", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	// register the handler before the forward exists so no early channel
	// open is rejected by the mux
	fwdChans := client.HandleChannelOpen("forwarded-tcpip")

	stop := make(chan struct{})
	tr.lock.Lock()
	tr.client = client
	tr.stopKeepalive = stop
	tr.lock.Unlock()

	if cfg.KeepaliveInterval > 0 {
		go tr.keepaliveLoop(client, cfg.KeepaliveInterval, stop, events)
	}
	go tr.offerLoop(fwdChans, events)
	go tr.waitLoop(client, events)

	tr.logger.ILogf("Session established with %s", addr)
	events.OnReady()
	return nil
}

// End implements Transport. Safe to call with no session and safe to
// call more than once.
func (tr *SSHTransport) End() {
	client := tr.takeClient()
	if client != nil {
		client.Close()
	}
}

// takeClient atomically detaches the current session, stopping the
// keepalive loop
func (tr *SSHTransport) takeClient() *ssh.Client {
	tr.lock.Lock()
	client := tr.client
	tr.client = nil
	if tr.stopKeepalive != nil {
		close(tr.stopKeepalive)
		tr.stopKeepalive = nil
	}
	tr.lock.Unlock()
	return client
}

// currentClient returns the live session or an error if none exists
func (tr *SSHTransport) currentClient() (*ssh.Client, error) {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	if tr.client == nil {
		return nil, tr.logger.Errorf("No session")
	}
	return tr.client, nil
}

// RegisterForward implements Transport using the tcpip-forward global
// request. The port actually bound by the remote side is returned, which
// matters when port 0 was requested.
func (tr *SSHTransport) RegisterForward(bindAddr string, port uint32) (uint32, error) {
	client, err := tr.currentClient()
	if err != nil {
		return 0, err
	}
	payload := ssh.Marshal(&channelForwardMsg{Addr: bindAddr, Rport: port})
	ok, resp, err := client.SendRequest("tcpip-forward", true, payload)
	if err != nil {
		return 0, tr.logger.Errorf("tcpip-forward request failed: %s", err)
	}
	if !ok {
		return 0, tr.logger.Errorf("tcpip-forward request denied by remote")
	}
	assignedPort := port
	if port == 0 && len(resp) >= 4 {
		var p struct{ Port uint32 }
		if err := ssh.Unmarshal(resp, &p); err == nil {
			assignedPort = p.Port
		}
	}
	return assignedPort, nil
}

// UnregisterForward implements Transport using the cancel-tcpip-forward
// global request
func (tr *SSHTransport) UnregisterForward(bindAddr string, port uint32) error {
	client, err := tr.currentClient()
	if err != nil {
		return err
	}
	payload := ssh.Marshal(&channelForwardMsg{Addr: bindAddr, Rport: port})
	ok, _, err := client.SendRequest("cancel-tcpip-forward", true, payload)
	if err != nil {
		return tr.logger.Errorf("cancel-tcpip-forward request failed: %s", err)
	}
	if !ok {
		return tr.logger.Errorf("cancel-tcpip-forward request denied by remote")
	}
	return nil
}

// keepaliveLoop pings the remote side at the configured interval. A ping
// that cannot be sent means the session has gone quiet; that is reported
// as a timeout and the session is torn down.
func (tr *SSHTransport) keepaliveLoop(client *ssh.Client, interval time.Duration, stop <-chan struct{}, events TransportEvents) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				tr.logger.WLogf("Keepalive failed: %s", err)
				events.OnTimeout()
				tr.End()
				return
			}
			tr.logger.TLogf("Keepalive OK")
		}
	}
}

// offerLoop surfaces each inbound forwarded-tcpip channel as a
// ForwardOffer. The channel is closed by the mux when the session ends.
func (tr *SSHTransport) offerLoop(fwdChans <-chan ssh.NewChannel, events TransportEvents) {
	for ch := range fwdChans {
		var payload forwardedTCPPayload
		if err := ssh.Unmarshal(ch.ExtraData(), &payload); err != nil {
			tr.logger.WLogf("Bad forwarded-tcpip payload, rejecting: %s", err)
			ch.Reject(ssh.ConnectionFailed, "invalid forwarded-tcpip payload")
			continue
		}
		events.OnForwardOffer(&sshForwardOffer{
			logger: tr.logger,
			ch:     ch,
			details: ForwardDetails{
				BindAddr:   payload.Addr,
				BindPort:   payload.Port,
				OriginAddr: payload.OriginAddr,
				OriginPort: payload.OriginPort,
			},
		})
	}
}

// waitLoop reports how the session finished: OnEnd for a clean EOF,
// OnClose(true) otherwise
func (tr *SSHTransport) waitLoop(client *ssh.Client, events TransportEvents) {
	err := client.Wait()
	tr.lock.Lock()
	stillCurrent := tr.client == client
	if stillCurrent {
		tr.client = nil
		if tr.stopKeepalive != nil {
			close(tr.stopKeepalive)
			tr.stopKeepalive = nil
		}
	}
	tr.lock.Unlock()
	if err == nil || err == io.EOF {
		tr.logger.ILogf("Session ended")
		events.OnEnd()
	} else {
		tr.logger.ILogf("Session closed: %s", err)
		events.OnClose(true)
	}
}

// sshForwardOffer adapts one inbound forwarded-tcpip ssh.NewChannel to
// the ForwardOffer interface
type sshForwardOffer struct {
	logger  Logger
	ch      ssh.NewChannel
	details ForwardDetails
}

// Details returns the addressing info for the offered connection
func (o *sshForwardOffer) Details() ForwardDetails {
	return o.details
}

// Accept accepts the channel and wraps it as a ChannelConn
func (o *sshForwardOffer) Accept() (ChannelConn, error) {
	raw, reqs, err := o.ch.Accept()
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return NewSSHConn(o.logger, raw)
}

// Reject declines the channel
func (o *sshForwardOffer) Reject() error {
	return o.ch.Reject(ssh.Prohibited, "not accepting forwarded connections")
}
