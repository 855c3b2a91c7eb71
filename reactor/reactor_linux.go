//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based poller. The registry key travels in EpollEvent.Pad,
// the descriptor in EpollEvent.Fd, so a dispatch can verify both.

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/momentics/hioload-sock/api"
	"golang.org/x/sys/unix"
)

// epollPoller is a level-triggered epoll poller with an eventfd wake-up.
type epollPoller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent

	mu     sync.RWMutex // guards wakefd against Close racing Wake
	closed bool
}

func newPoller() (api.Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wake: %w", err)
	}
	return &epollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, MaxEvents),
	}, nil
}

func epollMask(in api.Interest) uint32 {
	var m uint32
	if in.Read {
		m |= unix.EPOLLIN
	}
	if in.Write {
		m |= unix.EPOLLOUT
	}
	if in.Priority {
		m |= unix.EPOLLPRI
	}
	if in.Hangup {
		m |= unix.EPOLLRDHUP
	}
	return m
}

// Register adds fd to the epoll set under key.
func (p *epollPoller) Register(fd int, key uint32, in api.Interest) error {
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd), Pad: int32(key)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

// Modify replaces the interest set of fd.
func (p *epollPoller) Modify(fd int, key uint32, in api.Interest) error {
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd), Pad: int32(key)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Unregister removes fd from the epoll set.
func (p *epollPoller) Unregister(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}

// Poll waits for readiness and reports every event except wake-ups.
func (p *epollPoller) Poll(timeout time.Duration, fn func(fd int, key uint32, r api.Readiness)) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	handled := 0
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		var r api.Readiness
		if ev.Events&unix.EPOLLIN != 0 {
			r |= api.Readable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			r |= api.Writable
		}
		if ev.Events&unix.EPOLLPRI != 0 {
			r |= api.Priority
		}
		if ev.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
			r |= api.Hangup
		}
		if ev.Events&unix.EPOLLERR != 0 {
			r |= api.Failed
		}
		fn(fd, uint32(ev.Pad), r)
		handled++
	}
	return handled, nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Wake is safe to call from any goroutine.
func (p *epollPoller) Wake() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return api.ErrContextClosed
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.wakefd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Close closes the epoll instance and the wake descriptor.
func (p *epollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
