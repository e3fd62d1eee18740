package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// RemoteError is an error answered by libvirtd itself over an intact
// connection. Negative lookups arrive this way, so callers recover from
// it into create paths.
type RemoteError struct {
	Host string
	Op   string
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("hypervisor %s: %s: %v", e.Host, e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// TransportError is a lost or refused connection. It is never recovered
// locally; the build fails and the slot goes back to the pool.
type TransportError struct {
	Host string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("hypervisor %s: transport: %v", e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRemote reports whether err was produced by libvirtd rather than by
// the transport. go-libvirt surfaces transport failures as net/io/context
// errors; anything else that comes back from an RPC is the remote side
// answering.
func IsRemote(err error) bool {
	if err == nil {
		return false
	}
	var rerr *RemoteError
	if errors.As(err, &rerr) {
		return true
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
