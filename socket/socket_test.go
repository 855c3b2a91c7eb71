//go:build linux
// +build linux

package socket

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/control"
	"github.com/momentics/hioload-sock/internal/transport"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPassThroughRoundTrip(t *testing.T) {
	c := newContext(t)
	a := &acceptor{}
	_, port := listen(t, c, a)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 32*1024)
	cli := &recorder{out: append([]byte(nil), payload...)}
	cli.sock = New(c, cli)
	require.NoError(t, cli.sock.Create(CreateOptions{Family: api.FamilyIPv4}))
	require.NoError(t, cli.sock.Connect("127.0.0.1", port))
	require.Equal(t, api.StateConnecting, cli.sock.State())

	pump(t, func() bool {
		return len(a.children) == 1 && len(a.children[0].data) == len(payload)
	}, c)

	require.Equal(t, payload, a.children[0].data)
	require.Equal(t, api.StateConnected, cli.sock.State())
	require.Equal(t, api.StateConnected, a.children[0].sock.State())
	require.Equal(t, "connect", cli.events[0])
	require.Empty(t, cli.errs)
	require.Empty(t, a.errs)

	peer, err := a.children[0].sock.PeerAddr()
	require.NoError(t, err)
	local, err := cli.sock.LocalAddr()
	require.NoError(t, err)
	require.Equal(t, local, peer)
}

func TestSendBeforeConnectFails(t *testing.T) {
	c := newContext(t)
	s := New(c, nil)
	_, err := s.Send([]byte("x"))
	require.ErrorIs(t, err, api.ErrNotSocket)

	require.NoError(t, s.Create(CreateOptions{Family: api.FamilyIPv4}))
	_, err = s.Send([]byte("x"))
	require.ErrorIs(t, err, api.ErrNotConnected)
	_, err = s.Receive(make([]byte, 1))
	require.ErrorIs(t, err, api.ErrNotConnected)
	require.ErrorIs(t, s.Create(CreateOptions{}), api.ErrAlreadyCreated)
}

func TestCreateDefersDescriptorForUnspecifiedFamily(t *testing.T) {
	c := newContext(t)
	s := New(c, nil)
	require.NoError(t, s.Create(CreateOptions{}))
	require.Equal(t, -1, s.Descriptor())
	require.Equal(t, api.StateUnconnected, s.State())
	require.Zero(t, c.Stats().Live)

	require.ErrorIs(t, s.Create(CreateOptions{}), api.ErrAlreadyCreated)
	require.NoError(t, s.Close())

	err := s.Create(CreateOptions{Family: api.FamilyIPv6, Address: "127.0.0.1"})
	require.ErrorIs(t, err, api.ErrFamilyMismatch)
}

// countingOps counts descriptors and refuses chosen addresses synchronously.
type countingOps struct {
	transport.Ops
	refuse map[netip.AddrPort]bool
	opened int
	closed int
}

func (o *countingOps) Socket(f api.Family) (int, error) {
	fd, err := o.Ops.Socket(f)
	if err == nil {
		o.opened++
	}
	return fd, err
}

func (o *countingOps) Close(fd int) error {
	o.closed++
	return o.Ops.Close(fd)
}

func (o *countingOps) Connect(fd int, addr netip.AddrPort) error {
	if o.refuse[addr] {
		return fmt.Errorf("connect %s: %w", addr, unix.ECONNREFUSED)
	}
	return o.Ops.Connect(fd, addr)
}

func TestCandidateFallbackLeaksNoDescriptors(t *testing.T) {
	srvCtx := newContext(t)
	a := &acceptor{}
	_, port := listen(t, srvCtx, a)

	bad6 := netip.AddrPortFrom(netip.IPv6Loopback(), uint16(port))
	bad4 := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.2"), uint16(port))
	good := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
	ops := &countingOps{Ops: transport.Default, refuse: map[netip.AddrPort]bool{bad6: true, bad4: true}}
	cliCtx := newContext(t, func(o *Options) {
		o.Ops = ops
		o.Resolver = staticResolver{addrs: []netip.Addr{bad6.Addr(), bad4.Addr(), good.Addr()}}
	})

	// The first count opens descriptors of its own inside the runtime.
	_, err := control.OpenDescriptors()
	require.NoError(t, err)
	before, err := control.OpenDescriptors()
	require.NoError(t, err)

	cli := &recorder{}
	cli.sock = New(cliCtx, cli)
	require.NoError(t, cli.sock.Create(CreateOptions{}))
	require.NoError(t, cli.sock.Connect("multi.test", port))
	pump(t, func() bool { return cli.has("connect") }, cliCtx)

	require.Empty(t, cli.errs)
	require.Equal(t, api.StateConnected, cli.sock.State())
	require.Equal(t, api.FamilyIPv4, cli.sock.Family())
	require.Equal(t, good, cli.sock.Candidate())
	require.Equal(t, 1, ops.opened-ops.closed)

	during, err := control.OpenDescriptors()
	require.NoError(t, err)
	require.Equal(t, before+1, during)

	require.NoError(t, cli.sock.Close())
	require.Equal(t, ops.opened, ops.closed)
	after, err := control.OpenDescriptors()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestSynchronousRefusalExhaustsCandidates(t *testing.T) {
	target := netip.MustParseAddrPort("127.0.0.1:9")
	ops := &countingOps{Ops: transport.Default, refuse: map[netip.AddrPort]bool{target: true}}
	c := newContext(t, func(o *Options) { o.Ops = ops })

	s := New(c, nil)
	require.NoError(t, s.Create(CreateOptions{Family: api.FamilyIPv4}))
	err := s.Connect("127.0.0.1", 9)
	require.ErrorIs(t, err, unix.ECONNREFUSED)
	require.Equal(t, api.StateUnconnected, s.State())
	require.Equal(t, ops.opened, ops.closed)
	require.Zero(t, c.Stats().Live)
}

func TestAsyncRefusalFallsBackToNextCandidate(t *testing.T) {
	srvCtx := newContext(t)
	a := &acceptor{}
	_, port := listen(t, srvCtx, a)

	// the listener is bound to 127.0.0.1 only, so 127.0.0.2 is refused by
	// the kernel, usually after connect has already returned in progress
	c := newContext(t, func(o *Options) {
		o.Resolver = staticResolver{addrs: []netip.Addr{
			netip.MustParseAddr("127.0.0.2"),
			netip.MustParseAddr("127.0.0.1"),
		}}
	})
	cli := &recorder{}
	cli.sock = New(c, cli)
	require.NoError(t, cli.sock.Create(CreateOptions{Family: api.FamilyIPv4}))
	require.NoError(t, cli.sock.Connect("pair.test", port))

	pump(t, func() bool { return cli.has("connect") }, c)
	require.Empty(t, cli.errs)
	require.Equal(t, api.StateConnected, cli.sock.State())
	require.Equal(t, netip.MustParseAddr("127.0.0.1"), cli.sock.Candidate().Addr())
}

func TestResolutionFailureReachesOnConnect(t *testing.T) {
	boom := errors.New("no such host")
	c := newContext(t, func(o *Options) { o.Resolver = staticResolver{err: boom} })
	cli := &recorder{}
	cli.sock = New(c, cli)
	require.NoError(t, cli.sock.Create(CreateOptions{}))
	require.NoError(t, cli.sock.Connect("nowhere.test", 443))

	pump(t, func() bool { return cli.has("connect") }, c)
	require.Len(t, cli.errs, 1)
	require.ErrorIs(t, cli.errs[0], boom)
	require.Equal(t, api.StateAborted, cli.sock.State())
}

func TestCloseAfterUnreadDataDeliversEverything(t *testing.T) {
	c := newContext(t)
	payload := bytes.Repeat([]byte{0xA5, 0x5A, 0x01}, 30000)
	a := &acceptor{prepare: func(_ *Socket, rec *recorder) {
		rec.out = append([]byte(nil), payload...)
		rec.closeOut = true
	}}
	_, port := listen(t, c, a)

	cli := &recorder{readOnce: 4096}
	cli.sock = New(c, cli)
	require.NoError(t, cli.sock.Create(CreateOptions{Family: api.FamilyIPv4}))
	require.NoError(t, cli.sock.Connect("127.0.0.1", port))

	pump(t, func() bool { return cli.has("close") }, c)
	settle(t, 20*time.Millisecond, c)

	require.Equal(t, payload, cli.data)
	require.Equal(t, 1, cli.count("close"))
	require.Equal(t, "close", cli.events[len(cli.events)-1])
	require.Equal(t, api.StateClosed, cli.sock.State())
	require.Zero(t, c.Stats().CloseWaiting)
}

func TestPendingEventsReplayInOrder(t *testing.T) {
	c := newContext(t)
	a := &acceptor{}
	_, port := listen(t, c, a)

	cli := &recorder{}
	cli.sock = New(c, cli)
	require.NoError(t, cli.sock.AddLayer(&earlyLayer{}))
	require.NoError(t, cli.sock.Create(CreateOptions{Family: api.FamilyIPv4}))
	require.NoError(t, cli.sock.Connect("127.0.0.1", port))

	pump(t, func() bool { return cli.has("connect") }, c)
	require.GreaterOrEqual(t, len(cli.events), 4)
	require.Equal(t, []string{"connect", "receive", "receive", "send"}, cli.events[:4])
}

func TestReplayHonoursSubscribedMask(t *testing.T) {
	c := newContext(t)
	a := &acceptor{}
	_, port := listen(t, c, a)

	cli := &recorder{}
	cli.sock = New(c, cli)
	require.NoError(t, cli.sock.AddLayer(&earlyLayer{}))
	require.NoError(t, cli.sock.Create(CreateOptions{Family: api.FamilyIPv4, Events: api.EventConnect | api.EventWrite}))
	require.NoError(t, cli.sock.Connect("127.0.0.1", port))

	pump(t, func() bool { return cli.has("connect") }, c)
	settle(t, 10*time.Millisecond, c)
	require.Equal(t, "connect", cli.events[0])
	require.False(t, cli.has("receive"))
	require.True(t, cli.has("send"))
}

// earlyLayer reports readability and writability before passing connect up.
type earlyLayer struct {
	LayerBase
}

func (l *earlyLayer) OnConnect(err error) {
	if err == nil {
		l.TriggerEvent(api.EventWrite, nil, true)
		l.TriggerEvent(api.EventRead, nil, true)
		l.TriggerEvent(api.EventForceRead, nil, true)
	}
	l.LayerBase.OnConnect(err)
}

func TestStaleDeferredMessagesAreDropped(t *testing.T) {
	c := newContext(t)
	rec := &recorder{}
	s := New(c, rec)
	rec.sock = s
	require.NoError(t, s.Create(CreateOptions{Family: api.FamilyIPv4}))
	index, fd := s.Index(), s.Descriptor()
	require.NoError(t, s.TriggerEvent(api.EventRead))
	require.NoError(t, s.Close())

	// recreation may reuse both the index and the descriptor number
	require.NoError(t, s.Create(CreateOptions{Family: api.FamilyIPv4}))
	require.Equal(t, index, s.Index())
	_ = fd

	dropped := c.Metrics().Counter("registry.stale_dropped")
	settle(t, 5*time.Millisecond, c)
	require.Empty(t, rec.events)
	require.Greater(t, c.Metrics().Counter("registry.stale_dropped"), dropped)
}

func TestDispatchRejectsMismatchedDescriptor(t *testing.T) {
	c := newContext(t)
	rec := &recorder{}
	s := New(c, rec)
	require.NoError(t, s.Create(CreateOptions{Family: api.FamilyIPv4}))

	require.False(t, c.dispatch(s.Index(), s.Descriptor()+1000, api.EventRead, nil))
	require.False(t, c.dispatch(s.Index()+1, s.Descriptor(), api.EventRead, nil))
	require.False(t, c.dispatch(-1, s.Descriptor(), api.EventRead, nil))
	require.Equal(t, int64(3), c.Metrics().Counter("registry.stale_dropped"))
	require.Empty(t, rec.events)
}

func TestRegistryCeilingRollsBackDescriptor(t *testing.T) {
	ops := &countingOps{Ops: transport.Default}
	c := newContext(t, func(o *Options) {
		o.Config.Registry.GrowStep = 2
		o.Config.Registry.MaxSockets = 3
		o.Ops = ops
	})
	var socks []*Socket
	for i := 0; i < 3; i++ {
		s := New(c, nil)
		require.NoError(t, s.Create(CreateOptions{Family: api.FamilyIPv4}))
		require.Equal(t, i, s.Index())
		socks = append(socks, s)
	}
	extra := New(c, nil)
	err := extra.Create(CreateOptions{Family: api.FamilyIPv4})
	require.ErrorIs(t, err, api.ErrRegistryFull)
	require.Equal(t, api.StateNotSock, extra.State())
	require.Equal(t, 3, ops.opened-ops.closed)
	require.Equal(t, int64(1), c.Metrics().Counter("registry.full"))

	require.NoError(t, socks[1].Close())
	require.NoError(t, extra.Create(CreateOptions{Family: api.FamilyIPv4}))
	require.Equal(t, 1, extra.Index())
}

type reuseRefusingOps struct {
	countingOps
}

func (o *reuseRefusingOps) SetReuseAddr(int) error { return unix.ENOPROTOOPT }

func TestReuseAddrFailureRollsBackDescriptor(t *testing.T) {
	ops := &reuseRefusingOps{countingOps{Ops: transport.Default}}
	c := newContext(t, func(o *Options) { o.Ops = ops })

	s := New(c, nil)
	err := s.Create(CreateOptions{Family: api.FamilyIPv4, ReuseAddr: true})
	require.ErrorIs(t, err, unix.ENOPROTOOPT)
	require.Equal(t, api.StateNotSock, s.State())
	require.Equal(t, 1, ops.opened)
	require.Equal(t, ops.opened, ops.closed)
	require.Zero(t, c.Stats().Live)

	require.NoError(t, s.Create(CreateOptions{Family: api.FamilyIPv4}))
}

func TestCrossContextAcceptFails(t *testing.T) {
	c1 := newContext(t)
	c2 := newContext(t)
	a := &acceptor{}
	srv, _ := listen(t, c1, a)

	require.ErrorIs(t, srv.Accept(New(c2, nil)), api.ErrWrongContext)
	require.ErrorIs(t, srv.Accept(nil), api.ErrInvalidArgument)
}

func TestLayeredRoundTripAndStateNotes(t *testing.T) {
	c := newContext(t)
	a := &acceptor{prepare: func(child *Socket, _ *recorder) {
		require.NoError(t, child.AddLayer(&passLayer{}))
	}}
	_, port := listen(t, c, a)

	payload := []byte("through the chain")
	cli := &recorder{out: append([]byte(nil), payload...)}
	cli.sock = New(c, cli)
	first, second := &passLayer{}, &passLayer{}
	require.NoError(t, cli.sock.AddLayer(first))
	require.NoError(t, cli.sock.AddLayer(second))
	require.ErrorIs(t, New(c, nil).AddLayer(first), api.ErrLayerAdd)
	require.NoError(t, cli.sock.Create(CreateOptions{Family: api.FamilyIPv4}))
	require.NoError(t, cli.sock.Connect("127.0.0.1", port))

	pump(t, func() bool {
		return len(a.children) == 1 && bytes.Equal(a.children[0].data, payload)
	}, c)

	require.Equal(t, api.StateConnected, first.State())
	require.Equal(t, api.StateConnected, second.State())
	var connected int
	for _, n := range cli.notes {
		if n.Kind == api.KindStateChange && api.State(n.Param1) == api.StateConnected {
			connected++
		}
	}
	require.Equal(t, 2, connected)

	require.NoError(t, cli.sock.Close())
	require.Empty(t, cli.sock.Layers())
	require.Equal(t, api.StateNotSock, first.State())
}

func TestCriticalErrorLatchFailsIO(t *testing.T) {
	c := newContext(t)
	s := New(c, nil)
	l := &passLayer{}
	require.NoError(t, s.AddLayer(l))
	require.NoError(t, s.Create(CreateOptions{Family: api.FamilyIPv4}))

	_, err := s.Send([]byte("x"))
	require.ErrorIs(t, err, api.ErrNotConnected)

	fatal := errors.New("protocol violation")
	l.SetCriticalError(fatal)
	l.SetCriticalError(errors.New("ignored"))
	_, err = s.Send([]byte("x"))
	require.ErrorIs(t, err, fatal)
	_, err = s.Receive(make([]byte, 1))
	require.ErrorIs(t, err, fatal)
	require.ErrorIs(t, s.ShutDown(), fatal)
}

func TestAttachAndDetach(t *testing.T) {
	c := newContext(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	s := New(c, nil)
	// AF_UNIX is not an IP family
	require.Error(t, s.Attach(fds[0]))
	unix.Close(fds[0])

	srvCtx := newContext(t)
	a := &acceptor{}
	_, port := listen(t, srvCtx, a)
	raw, err := transport.Default.Socket(api.FamilyIPv4)
	require.NoError(t, err)
	if err := transport.Default.Connect(raw, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))); err != nil {
		require.ErrorIs(t, err, transport.ErrInProgress)
	}

	rec := &recorder{}
	s = New(c, rec)
	rec.sock = s
	require.NoError(t, s.Attach(raw))
	require.Equal(t, api.StateAttached, s.State())
	pump(t, func() bool { return rec.has("send") }, c)
	require.Equal(t, api.StateConnected, s.State())

	fd, err := s.Detach()
	require.NoError(t, err)
	require.Equal(t, raw, fd)
	require.Equal(t, api.StateNotSock, s.State())
	require.Zero(t, c.Stats().Live)
	require.NoError(t, unix.Close(fd))
}
