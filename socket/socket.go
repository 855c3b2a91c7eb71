// File: socket/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking socket handle: descriptor lifecycle, registry attachment,
// poller interest, and the pass-through I/O used when no layers exist.

package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/momentics/hioload-sock/api"
	"github.com/sirupsen/logrus"
)

// linkState tracks the descriptor, independent of the application-level
// state that a layer chain may still hold back.
type linkState int

const (
	linkNone linkState = iota
	linkResolving
	linkConnecting
	linkConnected
	linkListening
)

// CreateOptions selects family, bind address and subscribed events.
type CreateOptions struct {
	Family    api.Family
	Address   string // IP literal; empty binds the family's any address
	Port      int
	Events    api.EventMask // zero subscribes to api.EventsAll
	ReuseAddr bool
}

// Socket is a non-blocking stream socket owned by one Context.
type Socket struct {
	ctx   *Context
	hooks Hooks

	fd           int
	index        int
	family       api.Family
	createFamily api.Family
	state        api.State
	events       api.EventMask
	pending      api.EventMask

	layers      []Layer
	notes       []Notification
	notesPosted bool

	// gen changes on Close, attempt on every new or dropped descriptor.
	gen     uint64
	attempt uint64

	link        linkState
	registered  bool
	interest    api.Interest
	readArmed   bool
	writeArmed  bool
	oobArmed    bool
	closeSeen   bool
	closeQueued bool

	bind    netip.AddrPort
	bindSet bool
	reuse   bool

	host          string
	port          int
	candidates    []netip.AddrPort
	current       netip.AddrPort
	tried         int
	lastErr       error
	resolveSeq    uint64
	resolveCancel context.CancelFunc
}

// New creates an unattached socket bound to ctx. A nil hooks value
// installs NopHooks.
func New(ctx *Context, hooks Hooks) *Socket {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Socket{
		ctx:    ctx,
		hooks:  hooks,
		fd:     -1,
		index:  -1,
		state:  api.StateNotSock,
		events: api.EventsAll,
	}
}

func (s *Socket) Context() *Context { return s.ctx }
func (s *Socket) Hooks() Hooks { return s.hooks }
func (s *Socket) SetHooks(h Hooks) { s.hooks = h }
func (s *Socket) State() api.State { return s.state }
func (s *Socket) Family() api.Family { return s.family }
func (s *Socket) Index() int { return s.index }
func (s *Socket) Descriptor() int { return s.fd }
func (s *Socket) Events() api.EventMask { return s.events }
func (s *Socket) SetEvents(m api.EventMask) { s.events = m }

// Candidate is the address of the current or last connect attempt.
func (s *Socket) Candidate() netip.AddrPort { return s.current }

// Layers returns the chain, application side first.
func (s *Socket) Layers() []Layer {
	return append([]Layer(nil), s.layers...)
}

func (s *Socket) logger() *logrus.Entry {
	return s.ctx.log.WithFields(logrus.Fields{"index": s.index, "fd": s.fd})
}

func (s *Socket) setState(st api.State) {
	if s.state == st {
		return
	}
	s.logger().WithFields(logrus.Fields{"from": s.state, "to": st}).Debug("socket state")
	s.state = st
}

func (s *Socket) transportError(op string, err error) error {
	return api.WrapError(api.ErrCodeTransport, op, err).
		WithContext("fd", s.fd).
		WithContext("index", s.index)
}

// Create allocates the descriptor, or defers it until Connect when the
// family is unspecified and nothing is bound.
func (s *Socket) Create(opts CreateOptions) error {
	if s.state != api.StateNotSock {
		return api.ErrAlreadyCreated
	}
	if opts.Events == 0 {
		opts.Events = api.EventsAll
	}
	s.events = opts.Events
	if len(s.layers) > 0 {
		if err := s.layers[0].Create(opts); err != nil {
			return err
		}
		s.setState(api.StateUnconnected)
		return nil
	}
	if err := s.createTransport(opts); err != nil {
		return err
	}
	s.setState(api.StateUnconnected)
	return nil
}

func (s *Socket) createTransport(opts CreateOptions) error {
	if s.fd >= 0 {
		return api.ErrAlreadyCreated
	}
	fam := opts.Family
	s.reuse = opts.ReuseAddr
	s.bindSet = false
	if opts.Address != "" || opts.Port != 0 {
		if opts.Port < 0 || opts.Port > 65535 {
			return fmt.Errorf("%w: port %d", api.ErrInvalidArgument, opts.Port)
		}
		var addr netip.Addr
		if opts.Address != "" {
			a, err := netip.ParseAddr(opts.Address)
			if err != nil {
				return fmt.Errorf("%w: bind address %q", api.ErrInvalidArgument, opts.Address)
			}
			switch {
			case fam == api.FamilyUnspec:
				fam = api.FamilyOf(a)
			case !fam.Accepts(a):
				return api.ErrFamilyMismatch
			}
			addr = a
		}
		s.bind = netip.AddrPortFrom(addr, uint16(opts.Port))
		s.bindSet = true
	}
	s.createFamily = fam
	s.family = fam
	if fam == api.FamilyUnspec {
		return nil
	}
	return s.openDescriptor(fam)
}

func anyAddr(fam api.Family) netip.Addr {
	if fam == api.FamilyIPv6 {
		return netip.IPv6Unspecified()
	}
	return netip.IPv4Unspecified()
}

// openDescriptor creates and attaches a fresh descriptor. On failure
// nothing is left behind.
func (s *Socket) openDescriptor(fam api.Family) error {
	ops := s.ctx.ops
	fd, err := ops.Socket(fam)
	if err != nil {
		return s.transportError("socket", err)
	}
	if s.reuse {
		if err := ops.SetReuseAddr(fd); err != nil {
			ops.Close(fd)
			return s.transportError("setsockopt", err)
		}
	}
	if s.bindSet {
		addr := s.bind
		if !addr.Addr().IsValid() {
			addr = netip.AddrPortFrom(anyAddr(fam), addr.Port())
		}
		if err := ops.Bind(fd, addr); err != nil {
			ops.Close(fd)
			return s.transportError("bind", err)
		}
	}
	index, err := s.ctx.attach(s)
	if err != nil {
		ops.Close(fd)
		return err
	}
	if s.ctx.cfg.Socket.NoDelay {
		_ = ops.SetNoDelay(fd, true)
	}
	s.fd = fd
	s.index = index
	s.family = fam
	s.attempt++
	s.resetLink()
	return nil
}

func (s *Socket) resetLink() {
	s.link = linkNone
	s.registered = false
	s.interest = api.Interest{}
	s.readArmed = false
	s.writeArmed = false
	s.oobArmed = false
	s.closeSeen = false
}

// closeDescriptor drops the current descriptor but keeps the chain.
func (s *Socket) closeDescriptor() {
	if s.fd < 0 {
		return
	}
	s.unregister()
	_ = s.ctx.ops.Close(s.fd)
	s.ctx.detach(s, s.index)
	s.ctx.cancelCloseRedelivery(s)
	s.fd = -1
	s.index = -1
	s.attempt++
	s.resetLink()
}

func (s *Socket) desiredInterest() api.Interest {
	switch s.link {
	case linkConnecting:
		return api.Interest{Write: true}
	case linkListening:
		return api.Interest{Read: s.readArmed}
	case linkConnected:
		return api.Interest{
			Read:     s.readArmed,
			Write:    s.writeArmed,
			Priority: s.oobArmed && s.events&api.EventOOB != 0,
			Hangup:   true,
		}
	}
	return api.Interest{}
}

// updateInterest registers the descriptor on first use and keeps the
// poller's interest set in sync with the armed flags. Level-triggered
// polling reports current state on registration, so registering with the
// first operation that can produce readiness loses no event.
func (s *Socket) updateInterest() error {
	if s.fd < 0 || s.closeSeen || s.link == linkNone || s.link == linkResolving {
		return nil
	}
	want := s.desiredInterest()
	if !s.registered {
		if err := s.ctx.poller.Register(s.fd, uint32(s.index), want); err != nil {
			return s.transportError("register", err)
		}
		s.registered = true
		s.interest = want
		return nil
	}
	if want == s.interest {
		return nil
	}
	if err := s.ctx.poller.Modify(s.fd, uint32(s.index), want); err != nil {
		s.logger().WithError(err).Error("poller modify failed")
		return s.transportError("modify", err)
	}
	s.interest = want
	return nil
}

func (s *Socket) unregister() {
	if !s.registered {
		return
	}
	if err := s.ctx.poller.Unregister(s.fd); err != nil {
		s.logger().WithError(err).Debug("poller unregister failed")
	}
	s.registered = false
	s.interest = api.Interest{}
}

// Listen starts accepting. An unspecified-family socket listens on IPv4.
func (s *Socket) Listen(backlog int) error {
	switch s.state {
	case api.StateNotSock:
		return api.ErrNotSocket
	case api.StateUnconnected:
	default:
		return api.ErrInvalidState
	}
	if len(s.layers) > 0 {
		if err := s.layers[0].Listen(backlog); err != nil {
			return err
		}
		s.setState(api.StateListening)
		return nil
	}
	if err := s.listenTransport(backlog); err != nil {
		return err
	}
	s.setState(api.StateListening)
	return nil
}

func (s *Socket) listenTransport(backlog int) error {
	if s.link != linkNone {
		return api.ErrInvalidState
	}
	if s.fd < 0 {
		fam := s.createFamily
		if fam == api.FamilyUnspec {
			fam = api.FamilyIPv4
		}
		if err := s.openDescriptor(fam); err != nil {
			return err
		}
	}
	if backlog <= 0 {
		backlog = s.ctx.cfg.Socket.Backlog
	}
	if err := s.ctx.ops.Listen(s.fd, backlog); err != nil {
		return s.transportError("listen", err)
	}
	s.link = linkListening
	s.readArmed = true
	return s.updateInterest()
}

// Accept takes one pending connection into the unattached socket into,
// which must belong to the same Context.
func (s *Socket) Accept(into *Socket) error {
	if into == nil {
		return api.ErrInvalidArgument
	}
	if into.ctx != s.ctx {
		return api.ErrWrongContext
	}
	if into.fd >= 0 || into.state != api.StateNotSock {
		return api.ErrAlreadyCreated
	}
	if s.state != api.StateListening {
		return api.ErrInvalidState
	}
	if len(s.layers) > 0 {
		return s.layers[0].Accept(into)
	}
	return s.acceptTransport(into)
}

func (s *Socket) acceptTransport(into *Socket) error {
	if s.link != linkListening {
		return api.ErrInvalidState
	}
	if into.ctx != s.ctx {
		return api.ErrWrongContext
	}
	nfd, _, err := s.ctx.ops.Accept(s.fd)
	s.readArmed = true
	_ = s.updateInterest()
	if err != nil {
		if errors.Is(err, api.ErrWouldBlock) {
			return err
		}
		return s.transportError("accept", err)
	}
	if err := into.adopt(nfd, s.family, api.StateConnected); err != nil {
		_ = s.ctx.ops.Close(nfd)
		return err
	}
	return nil
}

// adopt takes ownership of an already connected descriptor.
func (s *Socket) adopt(fd int, fam api.Family, st api.State) error {
	index, err := s.ctx.attach(s)
	if err != nil {
		return err
	}
	s.fd = fd
	s.index = index
	s.family = fam
	s.createFamily = fam
	s.attempt++
	s.resetLink()
	s.link = linkConnected
	s.readArmed = true
	s.writeArmed = true
	s.oobArmed = true
	if err := s.updateInterest(); err != nil {
		s.ctx.detach(s, index)
		s.fd = -1
		s.index = -1
		s.resetLink()
		return err
	}
	s.setState(st)
	for _, l := range s.layers {
		l.Base().state = st
	}
	return nil
}

// Attach adopts an existing connected descriptor; the socket enters
// StateAttached until its first event.
func (s *Socket) Attach(fd int) error {
	if s.state != api.StateNotSock || s.fd >= 0 {
		return api.ErrAlreadyCreated
	}
	fam, err := s.ctx.ops.Family(fd)
	if err != nil {
		return err
	}
	return s.adopt(fd, fam, api.StateAttached)
}

// Detach releases the descriptor to the caller without closing it.
func (s *Socket) Detach() (int, error) {
	if s.fd < 0 {
		return -1, api.ErrNotSocket
	}
	if len(s.layers) > 0 {
		return -1, api.ErrInvalidState
	}
	fd := s.fd
	s.unregister()
	s.ctx.detach(s, s.index)
	s.ctx.cancelCloseRedelivery(s)
	s.fd = -1
	s.index = -1
	s.attempt++
	s.gen++
	s.resetLink()
	s.pending = 0
	s.setState(api.StateNotSock)
	return fd, nil
}

// Send writes p through the chain, or directly when there are no layers.
func (s *Socket) Send(p []byte) (int, error) {
	if len(s.layers) > 0 {
		return s.layers[0].Send(p)
	}
	switch s.state {
	case api.StateNotSock:
		return 0, api.ErrNotSocket
	case api.StateConnected, api.StateAttached:
	default:
		return 0, api.ErrNotConnected
	}
	return s.sendTransport(p)
}

func (s *Socket) sendTransport(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, api.ErrNotSocket
	}
	if s.link != linkConnected {
		return 0, api.ErrNotConnected
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.ctx.ops.Write(s.fd, p)
	if err != nil {
		if errors.Is(err, api.ErrWouldBlock) {
			s.writeArmed = true
			_ = s.updateInterest()
			return 0, err
		}
		return 0, s.transportError("send", err)
	}
	if n < len(p) {
		s.writeArmed = true
		_ = s.updateInterest()
	}
	return n, nil
}

// Receive reads into p. It returns io.EOF after an orderly peer close.
func (s *Socket) Receive(p []byte) (int, error) {
	if len(s.layers) > 0 {
		return s.layers[0].Receive(p)
	}
	switch s.state {
	case api.StateNotSock:
		return 0, api.ErrNotSocket
	case api.StateConnected, api.StateAttached, api.StateClosed:
	default:
		return 0, api.ErrNotConnected
	}
	return s.receiveTransport(p)
}

func (s *Socket) receiveTransport(p []byte) (int, error) {
	if s.fd < 0 {
		return 0, api.ErrNotSocket
	}
	if s.link != linkConnected {
		return 0, api.ErrNotConnected
	}
	n, err := s.ctx.ops.Read(s.fd, p)
	if !s.closeSeen {
		// re-enable read notifications after every receive call
		s.readArmed = true
		s.oobArmed = true
		_ = s.updateInterest()
	}
	if err != nil && !errors.Is(err, api.ErrWouldBlock) && n == 0 {
		if isEOF(err) {
			return 0, err
		}
		return 0, s.transportError("receive", err)
	}
	return n, err
}

func isEOF(err error) bool { return errors.Is(err, io.EOF) }

// Pending reports the unread bytes queued on the descriptor.
func (s *Socket) Pending() (int, error) {
	if s.fd < 0 {
		return 0, api.ErrNotSocket
	}
	return s.ctx.ops.Pending(s.fd)
}

// ShutDown half-closes the write side, through the chain if any.
func (s *Socket) ShutDown() error {
	if len(s.layers) > 0 {
		return s.layers[0].ShutDown()
	}
	return s.shutdownTransport()
}

func (s *Socket) shutdownTransport() error {
	if s.fd < 0 {
		return api.ErrNotSocket
	}
	if s.link != linkConnected {
		return api.ErrNotConnected
	}
	if err := s.ctx.ops.ShutdownWrite(s.fd); err != nil {
		return s.transportError("shutdown", err)
	}
	return nil
}

// Close tears down the chain, closes the descriptor, detaches from the
// registry and discards every queued deferred message for this socket.
// The socket can be created again afterwards.
func (s *Socket) Close() error {
	s.gen++
	if s.resolveCancel != nil {
		s.resolveCancel()
		s.resolveCancel = nil
	}
	if len(s.layers) > 0 {
		layers := s.layers
		layers[0].Close()
		for _, l := range layers {
			l.Base().state = api.StateNotSock
		}
	}
	s.closeDescriptor()
	s.layers = nil
	s.notes = nil
	s.notesPosted = false
	s.candidates = nil
	s.current = netip.AddrPort{}
	s.lastErr = nil
	s.resolveSeq++
	s.family = api.FamilyUnspec
	s.createFamily = api.FamilyUnspec
	s.bindSet = false
	s.pending = 0
	s.setState(api.StateNotSock)
	return nil
}

func (s *Socket) closeTransport() {
	s.closeDescriptor()
}

// LocalAddr returns the bound address of the descriptor.
func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	if s.fd < 0 {
		return netip.AddrPort{}, api.ErrNotSocket
	}
	return s.ctx.ops.LocalAddr(s.fd)
}

// PeerAddr returns the connected peer address.
func (s *Socket) PeerAddr() (netip.AddrPort, error) {
	if s.fd < 0 {
		return netip.AddrPort{}, api.ErrNotSocket
	}
	return s.ctx.ops.PeerAddr(s.fd)
}

// SetNoDelay toggles Nagle's algorithm.
func (s *Socket) SetNoDelay(on bool) error {
	if s.fd < 0 {
		return api.ErrNotSocket
	}
	return s.ctx.ops.SetNoDelay(s.fd, on)
}

// TriggerEvent posts a synthetic event that enters the socket as if the
// transport had signaled it.
func (s *Socket) TriggerEvent(ev api.EventMask) error {
	if s.fd < 0 {
		return api.ErrNotSocket
	}
	s.post(targetTransport, ev, nil)
	return nil
}

func (s *Socket) post(target int, ev api.EventMask, err error) {
	s.ctx.enqueue(&message{
		kind:    msgEvent,
		sock:    s,
		gen:     s.gen,
		attempt: s.attempt,
		index:   s.index,
		fd:      s.fd,
		target:  target,
		event:   ev,
		err:     err,
	})
}
