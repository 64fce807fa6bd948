package tunshare

// Implementation of a wrapper turning ssh.Channel into a ChannelConn

import (
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// SSHConn wraps a single forwarded ssh.Channel as a ChannelConn
type SSHConn struct {
	BasicConn
	rawSSHConn ssh.Channel
}

// NewSSHConn creates a new SSHConn
func NewSSHConn(logger Logger, rawSSHConn ssh.Channel) (*SSHConn, error) {
	c := &SSHConn{
		rawSSHConn: rawSSHConn,
	}
	c.InitBasicConn(logger, c, "SSHConn")
	return c, nil
}

// CloseWrite shuts down the writing side of the "socket". Corresponds to net.TCPConn.CloseWrite().
// This method is called when end-of-stream is reached reading from the other ChannelConn of a
// bridged pair. Part of the ChannelConn interface
func (c *SSHConn) CloseWrite() error {
	err := c.rawSSHConn.CloseWrite()
	if err != nil {
		err = c.Errorf("%s", err)
	}
	return err
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (c *SSHConn) HandleOnceShutdown(completionErr error) error {
	err := c.rawSSHConn.Close()
	if err != nil {
		err = c.Errorf("%s", err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// WaitForClose blocks until the Close() method has been called and completed
func (c *SSHConn) WaitForClose() error {
	return c.WaitShutdown()
}

// Read implements the Reader interface
func (c *SSHConn) Read(p []byte) (n int, err error) {
	n, err = c.rawSSHConn.Read(p)
	atomic.AddInt64(&c.NumBytesRead, int64(n))
	return n, err
}

// Write implements the Writer interface
func (c *SSHConn) Write(p []byte) (n int, err error) {
	n, err = c.rawSSHConn.Write(p)
	atomic.AddInt64(&c.NumBytesWritten, int64(n))
	return n, err
}
