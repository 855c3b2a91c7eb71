//go:build linux
// +build linux

// Package benchmarks
// Author: momentics <momentics@gmail.com>
//
// Performance benchmarks for hioload-sock components.

package benchmarks

import (
	"crypto/tls"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/control"
	"github.com/momentics/hioload-sock/pool"
	"github.com/momentics/hioload-sock/socket"
	"github.com/momentics/hioload-sock/tlslayer"
)

func newContext(b *testing.B) *socket.Context {
	b.Helper()
	cfg := control.Default()
	c, err := socket.NewContext(socket.Options{Config: &cfg, Logger: control.Discard()})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { c.Close() })
	return c
}

// BenchmarkBufferPool measures the shared transfer buffer pool.
func BenchmarkBufferPool(b *testing.B) {
	p := pool.Default()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := p.Get()
			p.Put(buf)
		}
	})
}

// BenchmarkSessionCache measures TLS session cache lookups under contention.
func BenchmarkSessionCache(b *testing.B) {
	cache := tlslayer.NewSessionCache(time.Hour)
	for i := 0; i < 64; i++ {
		cache.Put("host"+strconv.Itoa(i), &tls.ClientSessionState{})
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			cache.Get("host" + strconv.Itoa(i&63))
			i++
		}
	})
}

// BenchmarkContextPost measures cross-goroutine task hand-off to a loop.
func BenchmarkContextPost(b *testing.B) {
	c := newContext(b)
	ran := 0
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Post(func() { ran++ }); err != nil {
			b.Fatal(err)
		}
		if i%256 == 255 {
			if _, err := c.RunOnce(0); err != nil {
				b.Fatal(err)
			}
		}
	}
	for ran < b.N {
		if _, err := c.RunOnce(0); err != nil {
			b.Fatal(err)
		}
	}
}

type pingPong struct {
	socket.NopHooks
	sock *socket.Socket
	buf  []byte
	got  int
	up   bool
}

func (p *pingPong) OnConnect(err error) { p.up = err == nil }

func (p *pingPong) OnReceive(error) {
	for {
		n, err := p.sock.Receive(p.buf)
		p.got += n
		if err != nil || n == 0 {
			return
		}
	}
}

type acceptor struct {
	socket.NopHooks
	lsn   *socket.Socket
	child *pingPong
}

func (a *acceptor) OnAccept(err error) {
	if err != nil || a.child != nil {
		return
	}
	p := &pingPong{buf: make([]byte, 64*1024)}
	p.sock = socket.New(a.lsn.Context(), p)
	if err := a.lsn.Accept(p.sock); err != nil {
		p.sock.Close()
		return
	}
	a.child = p
}

// BenchmarkLoopbackThroughput pushes 16 KiB chunks over a plain loopback
// socket pair driven by one context.
func BenchmarkLoopbackThroughput(b *testing.B) {
	c := newContext(b)
	a := &acceptor{}
	a.lsn = socket.New(c, a)
	if err := a.lsn.Create(socket.CreateOptions{Family: api.FamilyIPv4, Address: "127.0.0.1"}); err != nil {
		b.Fatal(err)
	}
	if err := a.lsn.Listen(0); err != nil {
		b.Fatal(err)
	}
	addr, err := a.lsn.LocalAddr()
	if err != nil {
		b.Fatal(err)
	}
	cl := &pingPong{}
	cl.sock = socket.New(c, cl)
	if err := cl.sock.Create(socket.CreateOptions{Family: api.FamilyIPv4}); err != nil {
		b.Fatal(err)
	}
	if err := cl.sock.Connect("127.0.0.1", int(addr.Port())); err != nil {
		b.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !cl.up || a.child == nil {
		if time.Now().After(deadline) {
			b.Fatal("loopback connection not established")
		}
		if _, err := c.RunOnce(time.Millisecond); err != nil {
			b.Fatal(err)
		}
	}

	chunk := make([]byte, 16*1024)
	b.SetBytes(int64(len(chunk)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for off := 0; off < len(chunk); {
			n, err := cl.sock.Send(chunk[off:])
			off += n
			if err != nil && !errors.Is(err, api.ErrWouldBlock) {
				b.Fatal(err)
			}
			if off < len(chunk) {
				if _, err := c.RunOnce(time.Millisecond); err != nil {
					b.Fatal(err)
				}
			}
		}
		if _, err := c.RunOnce(0); err != nil {
			b.Fatal(err)
		}
	}
	want := b.N * len(chunk)
	for a.child.got < want {
		if _, err := c.RunOnce(time.Millisecond); err != nil {
			b.Fatal(err)
		}
	}
}
