// Package hypervisor is a typed facade over the libvirt remote protocol.
// Each build opens one connection, performs its work and closes; the
// metadata server does the same for every lookup.
package hypervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/tic-hefr/ipd/internal/config"
)

const defaultDialTimeout = 10 * time.Second

// REMOTE_AUTH_NONE in the libvirt remote protocol auth enum.
const authNone = 0

// Endpoint describes one libvirt host. It is built from configuration at
// startup and never mutated; Key is the identity used by the slot pool
// and the rendezvous records.
type Endpoint struct {
	Key     string
	Address string
	Port    string
	Driver  string
	Mode    string
	TLS     bool

	// TLSConfig is used when TLS is set. Nil means the host default.
	TLSConfig *tls.Config

	DialTimeout time.Duration
}

// NewEndpoint builds an Endpoint from its configuration entry, filling in
// protocol defaults (qemu system driver, port 16509 plain / 16514 TLS).
func NewEndpoint(cfg config.HypervisorConfig) *Endpoint {
	ep := &Endpoint{
		Key:         cfg.Key,
		Address:     cfg.Address,
		Port:        cfg.Port,
		Driver:      cfg.Driver,
		Mode:        cfg.Mode,
		TLS:         cfg.TLS,
		DialTimeout: defaultDialTimeout,
	}
	if ep.Address == "" {
		ep.Address = ep.Key
	}
	if ep.Driver == "" {
		ep.Driver = "qemu"
	}
	if ep.Mode == "" {
		ep.Mode = "system"
	}
	if ep.Port == "" {
		if ep.TLS {
			ep.Port = "16514"
		} else {
			ep.Port = "16509"
		}
	}
	return ep
}

// EndpointMap builds the hypervisor set from configuration, keyed the way
// the scheduler and the metadata server address them.
func EndpointMap(cfgs []config.HypervisorConfig) map[string]*Endpoint {
	m := make(map[string]*Endpoint, len(cfgs))
	for _, c := range cfgs {
		ep := NewEndpoint(c)
		m[ep.Key] = ep
	}
	return m
}

// URI returns the libvirt connection URI, e.g. "qemu:///system".
func (e *Endpoint) URI() string {
	return fmt.Sprintf("%s:///%s", e.Driver, e.Mode)
}

// Connect dials the hypervisor, verifies the anonymous auth handshake and
// opens the driver connection. The returned Conn must be closed on every
// exit path.
func (e *Endpoint) Connect(ctx context.Context) (Conn, error) {
	timeout := e.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	addr := net.JoinHostPort(e.Address, e.Port)

	var (
		sock net.Conn
		err  error
	)
	if e.TLS {
		dialer := &net.Dialer{Timeout: timeout}
		sock, err = tls.DialWithDialer(dialer, "tcp", addr, e.TLSConfig)
	} else {
		sock, err = net.DialTimeout("tcp", addr, timeout)
	}
	if err != nil {
		return nil, &TransportError{Host: e.Key, Err: err}
	}

	l := libvirt.New(sock)

	types, err := l.AuthList()
	if err != nil {
		sock.Close()
		return nil, wrapDial(e.Key, "auth list", err)
	}
	anonymous := false
	for _, t := range types {
		if t == authNone {
			anonymous = true
			break
		}
	}
	if !anonymous {
		sock.Close()
		return nil, &TransportError{Host: e.Key, Err: fmt.Errorf("hypervisor requires authentication")}
	}

	if err := l.ConnectToURI(libvirt.ConnectURI(e.URI())); err != nil {
		sock.Close()
		return nil, wrapDial(e.Key, "connect "+e.URI(), err)
	}

	return &conn{host: e.Key, l: l, sock: sock}, nil
}

func wrapDial(host, op string, err error) error {
	if IsRemote(err) {
		return &RemoteError{Host: host, Op: op, Err: err}
	}
	return &TransportError{Host: host, Err: fmt.Errorf("%s: %w", op, err)}
}
