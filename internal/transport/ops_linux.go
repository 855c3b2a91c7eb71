//go:build linux
// +build linux

// internal/transport/ops_linux.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux stream sockets over golang.org/x/sys/unix. Every descriptor is
// created SOCK_NONBLOCK|SOCK_CLOEXEC.

package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/momentics/hioload-sock/api"
	"golang.org/x/sys/unix"
)

type sysOps struct{}

func (sysOps) Socket(family api.Family) (int, error) {
	var domain int
	switch family {
	case api.FamilyIPv4:
		domain = unix.AF_INET
	case api.FamilyIPv6:
		domain = unix.AF_INET6
	default:
		return -1, api.ErrFamilyMismatch
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket create: %w", err)
	}
	return fd, nil
}

func (sysOps) Bind(fd int, addr netip.AddrPort) error {
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	return nil
}

func (sysOps) Connect(fd int, addr netip.AddrPort) error {
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	switch err := unix.Connect(fd, sa); {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR), errors.Is(err, unix.EALREADY):
		return ErrInProgress
	default:
		return fmt.Errorf("connect %s: %w", addr, err)
	}
}

func (sysOps) Listen(fd, backlog int) error {
	if err := unix.Listen(fd, backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (sysOps) Accept(fd int) (int, netip.AddrPort, error) {
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			return nfd, fromSockaddr(sa), nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ECONNABORTED):
			return -1, netip.AddrPort{}, api.ErrWouldBlock
		default:
			return -1, netip.AddrPort{}, fmt.Errorf("accept: %w", err)
		}
	}
}

func (sysOps) Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch {
		case err == nil:
			if n == 0 && len(p) > 0 {
				return 0, io.EOF
			}
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, api.ErrWouldBlock
		default:
			return 0, fmt.Errorf("read: %w", err)
		}
	}
}

func (sysOps) Write(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, api.ErrWouldBlock
		default:
			return 0, fmt.Errorf("write: %w", err)
		}
	}
}

func (sysOps) ShutdownWrite(fd int) error {
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (sysOps) Close(fd int) error {
	return unix.Close(fd)
}

func (sysOps) Pending(fd int) (int, error) {
	n, err := unix.IoctlGetInt(fd, unix.SIOCINQ)
	if err != nil {
		return 0, fmt.Errorf("ioctl FIONREAD: %w", err)
	}
	return n, nil
}

func (sysOps) SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func (sysOps) SetReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func (sysOps) SetNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

func (sysOps) LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return fromSockaddr(sa), nil
}

func (sysOps) PeerAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getpeername: %w", err)
	}
	return fromSockaddr(sa), nil
}

func (sysOps) Family(fd int) (api.Family, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return api.FamilyUnspec, fmt.Errorf("getsockname: %w", err)
	}
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return api.FamilyIPv4, nil
	case *unix.SockaddrInet6:
		return api.FamilyIPv6, nil
	}
	return api.FamilyUnspec, api.ErrFamilyMismatch
}

func toSockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	a := ap.Addr()
	switch {
	case !a.IsValid():
		return nil, fmt.Errorf("%w: invalid address", api.ErrInvalidArgument)
	case a.Is4() || a.Is4In6():
		sa := &unix.SockaddrInet4{Port: int(ap.Port())}
		sa.Addr = a.Unmap().As4()
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port())}
	sa.Addr = a.As16()
	if zone := a.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, nil
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
