//go:build linux
// +build linux

package socket

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/control"
	"github.com/stretchr/testify/require"
)

func newContext(t *testing.T, mutate ...func(*Options)) *Context {
	t.Helper()
	cfg := control.Default()
	cfg.Registry.CloseRedelivery = 2 * time.Millisecond
	opts := Options{Config: &cfg, Logger: control.Discard()}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := NewContext(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// pump runs every context until cond holds.
func pump(t *testing.T, cond func() bool, ctxs ...*Context) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		for _, c := range ctxs {
			_, err := c.RunOnce(2 * time.Millisecond)
			require.NoError(t, err)
		}
	}
}

// settle runs every context for d regardless of progress.
func settle(t *testing.T, d time.Duration, ctxs ...*Context) {
	t.Helper()
	end := time.Now().Add(d)
	for time.Now().Before(end) {
		for _, c := range ctxs {
			_, err := c.RunOnce(time.Millisecond)
			require.NoError(t, err)
		}
	}
}

// recorder logs hook calls and optionally moves data.
type recorder struct {
	sock     *Socket
	events   []string
	errs     []error
	notes    []Notification
	data     []byte
	out      []byte
	readOnce int // read at most this many bytes per notification when set
	closeOut bool

	onConnect func(error)
}

func (r *recorder) record(name string, err error) {
	r.events = append(r.events, name)
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func (r *recorder) has(name string) bool {
	for _, e := range r.events {
		if e == name {
			return true
		}
	}
	return false
}

func (r *recorder) count(name string) int {
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

func (r *recorder) OnReceive(err error) {
	r.record("receive", err)
	if err != nil || r.sock == nil {
		return
	}
	if r.readOnce > 0 {
		buf := make([]byte, r.readOnce)
		n, _ := r.sock.Receive(buf)
		r.data = append(r.data, buf[:n]...)
		return
	}
	buf := make([]byte, 16*1024)
	for {
		n, err := r.sock.Receive(buf)
		r.data = append(r.data, buf[:n]...)
		if err != nil || n == 0 {
			return
		}
	}
}

func (r *recorder) OnSend(err error) {
	r.record("send", err)
	if err == nil {
		r.flush()
	}
}

func (r *recorder) OnConnect(err error) {
	r.record("connect", err)
	if r.onConnect != nil {
		r.onConnect(err)
	}
	if err == nil {
		r.flush()
	}
}

func (r *recorder) OnAccept(err error) { r.record("accept", err) }
func (r *recorder) OnClose(err error)  { r.record("close", err) }

func (r *recorder) OnLayerCallback(notes []Notification) {
	r.notes = append(r.notes, notes...)
}

func (r *recorder) flush() {
	for len(r.out) > 0 {
		n, err := r.sock.Send(r.out)
		r.out = r.out[n:]
		if err != nil {
			return
		}
	}
	if r.closeOut {
		r.closeOut = false
		r.sock.Close()
	}
}

// acceptor accepts every pending connection into a fresh recorder.
type acceptor struct {
	NopHooks
	srv      *Socket
	prepare  func(child *Socket, rec *recorder)
	children []*recorder
	errs     []error
}

func (a *acceptor) OnAccept(err error) {
	if err != nil {
		a.errs = append(a.errs, err)
		return
	}
	rec := &recorder{}
	child := New(a.srv.Context(), rec)
	rec.sock = child
	if a.prepare != nil {
		a.prepare(child, rec)
	}
	if err := a.srv.Accept(child); err != nil {
		if !errors.Is(err, api.ErrWouldBlock) {
			a.errs = append(a.errs, err)
		}
		return
	}
	a.children = append(a.children, rec)
}

func listen(t *testing.T, c *Context, a *acceptor) (*Socket, int) {
	t.Helper()
	srv := New(c, a)
	a.srv = srv
	require.NoError(t, srv.Create(CreateOptions{Family: api.FamilyIPv4, Address: "127.0.0.1", ReuseAddr: true}))
	require.NoError(t, srv.Listen(0))
	addr, err := srv.LocalAddr()
	require.NoError(t, err)
	return srv, int(addr.Port())
}

type staticResolver struct {
	addrs []netip.Addr
	err   error
}

func (r staticResolver) Resolve(context.Context, string) ([]netip.Addr, error) {
	return r.addrs, r.err
}

// passLayer forwards everything with the defaults.
type passLayer struct {
	LayerBase
}
