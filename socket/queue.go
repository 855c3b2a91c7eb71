// File: socket/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Deferred layer messages. Each message remembers the socket generation
// and descriptor attempt it was queued under; a closed socket or a new
// connect attempt makes older messages disappear without being invoked.

package socket

import "github.com/momentics/hioload-sock/api"

type msgKind int

const (
	msgEvent msgKind = iota
	msgNotes
)

// Layer targets with special meaning.
const (
	targetApp       = -1 // the socket's application state machine
	targetTransport = -2 // the innermost layer, or the app without layers
)

type message struct {
	kind    msgKind
	sock    *Socket
	gen     uint64
	attempt uint64
	index   int
	fd      int
	target  int
	event   api.EventMask
	err     error
}

func (c *Context) enqueue(m *message) {
	c.deferred.Add(m)
}

func (c *Context) runDeferred() int {
	n := c.deferred.Length()
	if limit := c.cfg.Registry.MaxDeferredPerTurn; limit > 0 && n > limit {
		n = limit
	}
	for i := 0; i < n; i++ {
		m := c.deferred.Remove().(*message)
		c.metrics.Inc("loop.deferred")
		c.deliverMessage(m)
	}
	return n
}

func (c *Context) deliverMessage(m *message) {
	s := m.sock
	if s.gen != m.gen {
		c.staleDrop("deferred", m.index, m.fd)
		return
	}
	switch m.kind {
	case msgNotes:
		s.flushNotes()
	case msgEvent:
		if s.attempt != m.attempt || s.index != m.index || s.fd != m.fd {
			c.staleDrop("deferred", m.index, m.fd)
			return
		}
		if m.index >= 0 && c.reg.lookup(m.index) != s {
			c.staleDrop("deferred", m.index, m.fd)
			return
		}
		switch {
		case m.target == targetApp:
			s.deliver(m.event, m.err)
		case m.target == targetTransport:
			s.route(m.event, m.err)
		case m.target < len(s.layers):
			s.layers[m.target].Base().callEvent(m.event, m.err)
		}
	}
}
