// Package sshexec is the persistent SSH command channel into a booted
// build instance. One transport per build, one session per command.
package sshexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// Error is any SSH-level failure: authentication, host key mismatch or a
// dropped transport mid-command. There are no retries at this layer.
type Error struct {
	Addr string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ssh %s: %s: %v", e.Addr, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ParsePrivateKey loads the scheduler's PEM private key.
func ParsePrivateKey(pem []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// ParseHostKey decodes a host public key in OpenSSH authorized-keys form,
// which is how guests report their keys in the phone-home payload.
func ParseHostKey(material string) (ssh.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(material))
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	return key, nil
}

// Channel is an authenticated SSH connection that runs sequential
// commands over fresh sessions.
type Channel struct {
	addr   string
	client *ssh.Client
}

// Dial opens the transport to addr (host:port or bare host, port 22
// assumed), authenticating with signer and accepting only hostKey. The
// timeout bounds the whole connection attempt.
func Dial(ctx context.Context, addr, user string, signer ssh.Signer, hostKey ssh.PublicKey, timeout time.Duration) (*Channel, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.FixedHostKey(hostKey),
		Timeout:         timeout,
	}

	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < cfg.Timeout || cfg.Timeout == 0 {
			cfg.Timeout = until
		}
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Addr: addr, Op: "dial", Err: err}
	}

	// NewClientConn does not honor cfg.Timeout the way ssh.Dial does; the
	// deadline bounds the handshake itself.
	if cfg.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, &Error{Addr: addr, Op: "handshake", Err: err}
	}
	conn.SetDeadline(time.Time{})

	return &Channel{
		addr:   addr,
		client: ssh.NewClient(sshConn, chans, reqs),
	}, nil
}

// Exec runs one command and returns its collected stdout. A non-zero exit
// status or a transport drop is an Error; stderr travels with it.
func (c *Channel) Exec(cmd string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, &Error{Addr: c.addr, Op: "session", Err: err}
	}
	defer session.Close()

	out, err := session.Output(cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return out, &Error{
				Addr: c.addr,
				Op:   "exec " + cmd,
				Err:  fmt.Errorf("exit status %d", exitErr.ExitStatus()),
			}
		}
		return out, &Error{Addr: c.addr, Op: "exec " + cmd, Err: err}
	}
	return out, nil
}

// Close tears down the transport and blocks until the connection is gone.
func (c *Channel) Close() error {
	err := c.client.Close()
	werr := c.client.Wait()
	if err == nil && werr != nil && !errors.Is(werr, net.ErrClosed) && !errors.Is(werr, io.EOF) {
		err = werr
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &Error{Addr: c.addr, Op: "close", Err: err}
	}
	return nil
}
