// File: internal/transport/ops.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"net/netip"

	"github.com/momentics/hioload-sock/api"
)

// ErrInProgress is returned by Connect when completion will be signaled
// by writability of the descriptor.
var ErrInProgress = errors.New("connect in progress")

// Ops is the set of native descriptor operations the socket core needs.
// Read and Write return api.ErrWouldBlock instead of EAGAIN; Read returns
// io.EOF on an orderly peer shutdown.
type Ops interface {
	Socket(family api.Family) (int, error)
	Bind(fd int, addr netip.AddrPort) error
	Connect(fd int, addr netip.AddrPort) error
	Listen(fd, backlog int) error
	Accept(fd int) (int, netip.AddrPort, error)
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	ShutdownWrite(fd int) error
	Close(fd int) error

	// Pending returns the number of unread bytes queued on fd.
	Pending(fd int) (int, error)
	// SocketError fetches and clears SO_ERROR.
	SocketError(fd int) error

	SetReuseAddr(fd int) error
	SetNoDelay(fd int, on bool) error
	LocalAddr(fd int) (netip.AddrPort, error)
	PeerAddr(fd int) (netip.AddrPort, error)
	Family(fd int) (api.Family, error)
}

// Default is the platform implementation.
var Default Ops = sysOps{}
