// File: tlslayer/bridge.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// In-memory plumbing between the blocking crypto/tls engine goroutines and
// the non-blocking loop. The loop side never waits; engine goroutines wait
// on a condition variable.

package tlslayer

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// bridge is the ciphertext side: a net.Conn for the engine whose read
// half is fed by the loop and whose write half is drained by the loop.
type bridge struct {
	mu   sync.Mutex
	cond *sync.Cond

	in        bytes.Buffer
	inEOF     bool
	eofServed bool
	lowWater  int
	wantDrain bool

	out       bytes.Buffer
	highWater int

	closed bool

	onOut   func() // out became non-empty
	onDrain func() // in fell below lowWater after a paused feed

	local, remote net.Addr
}

func newBridge(local, remote net.Addr, highWater int, onOut, onDrain func()) *bridge {
	b := &bridge{
		highWater: highWater,
		lowWater:  highWater / 2,
		onOut:     onOut,
		onDrain:   onDrain,
		local:     local,
		remote:    remote,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *bridge) Read(p []byte) (int, error) {
	b.mu.Lock()
	for b.in.Len() == 0 && !b.inEOF && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		b.mu.Unlock()
		return 0, net.ErrClosed
	}
	if b.in.Len() == 0 {
		b.eofServed = true
		b.mu.Unlock()
		return 0, io.EOF
	}
	n, _ := b.in.Read(p)
	drained := b.wantDrain && b.in.Len() < b.lowWater
	if drained {
		b.wantDrain = false
	}
	b.mu.Unlock()
	if drained && b.onDrain != nil {
		b.onDrain()
	}
	return n, nil
}

func (b *bridge) Write(p []byte) (int, error) {
	b.mu.Lock()
	for b.out.Len() >= b.highWater && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		b.mu.Unlock()
		return 0, net.ErrClosed
	}
	wasEmpty := b.out.Len() == 0
	b.out.Write(p)
	b.mu.Unlock()
	if wasEmpty && len(p) > 0 && b.onOut != nil {
		b.onOut()
	}
	return len(p), nil
}

// Close wakes every waiting engine goroutine with net.ErrClosed.
func (b *bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

func (b *bridge) LocalAddr() net.Addr { return b.local }
func (b *bridge) RemoteAddr() net.Addr { return b.remote }
func (b *bridge) SetDeadline(time.Time) error { return nil }
func (b *bridge) SetReadDeadline(time.Time) error { return nil }
func (b *bridge) SetWriteDeadline(time.Time) error { return nil }

// feed appends ciphertext received from the transport.
func (b *bridge) feed(p []byte) {
	b.mu.Lock()
	b.in.Write(p)
	b.cond.Broadcast()
	b.mu.Unlock()
}

// pauseIfFull reports whether at least max bytes are waiting for the
// engine. If so, onDrain fires once the engine has consumed the backlog.
// The check and the request happen under one lock, so a drain racing the
// caller is never missed.
func (b *bridge) pauseIfFull(max int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.in.Len() < max {
		return false
	}
	b.wantDrain = true
	return true
}

// closeRead marks the transport's read side as finished.
func (b *bridge) closeRead() {
	b.mu.Lock()
	b.inEOF = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// servedEOF reports whether the engine has been handed the transport's
// end of stream.
func (b *bridge) servedEOF() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eofServed
}

func (b *bridge) outLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out.Len()
}

// takeOut removes up to max bytes of engine output.
func (b *bridge) takeOut(max int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.out.Len()
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	p := make([]byte, n)
	b.out.Read(p)
	b.cond.Broadcast()
	return p
}

// plainBuffer holds decrypted bytes waiting for the application.
type plainBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	max    int
	closed bool
}

func newPlainBuffer(max int) *plainBuffer {
	pb := &plainBuffer{max: max}
	pb.cond = sync.NewCond(&pb.mu)
	return pb
}

// push blocks while the buffer is full. It reports whether the buffer was
// empty before, and false once closed.
func (pb *plainBuffer) push(p []byte) (wasEmpty, ok bool) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	for pb.buf.Len() >= pb.max && !pb.closed {
		pb.cond.Wait()
	}
	if pb.closed {
		return false, false
	}
	wasEmpty = pb.buf.Len() == 0
	pb.buf.Write(p)
	return wasEmpty, true
}

func (pb *plainBuffer) pop(p []byte) int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	n, _ := pb.buf.Read(p)
	if n > 0 {
		pb.cond.Broadcast()
	}
	return n
}

func (pb *plainBuffer) len() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.buf.Len()
}

func (pb *plainBuffer) close() {
	pb.mu.Lock()
	pb.closed = true
	pb.cond.Broadcast()
	pb.mu.Unlock()
}
