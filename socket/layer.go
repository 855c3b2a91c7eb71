// File: socket/layer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Layer chain. A socket holds its layers in a slice: index 0 is adjacent
// to the application, the last one to the transport. Calls from the
// application walk toward higher indices, events walk toward index 0 and
// then into the socket's own state machine.

package socket

import (
	"sync/atomic"

	"github.com/momentics/hioload-sock/api"
)

// Layer is a protocol adapter in a socket's chain. Implementations embed
// LayerBase and override the operations they intercept.
type Layer interface {
	Base() *LayerBase

	Create(opts CreateOptions) error
	Connect(host string, port int) error
	Listen(backlog int) error
	Accept(into *Socket) error
	Send(p []byte) (int, error)
	Receive(p []byte) (int, error)
	ShutDown() error
	Close()

	OnReceive(err error)
	OnSend(err error)
	OnConnect(err error)
	OnAccept(err error)
	OnClose(err error)
}

var layerIDs atomic.Uint64

// LayerBase carries chain position, layer state, pending events and the
// critical error latch. Its methods are the default forwarding behaviour.
type LayerBase struct {
	self     Layer
	sock     *Socket
	pos      int
	id       uint64
	state    api.State
	pending  api.EventMask
	critical error
}

func (b *LayerBase) Base() *LayerBase { return b }

// Socket returns the owning socket, nil before AddLayer.
func (b *LayerBase) Socket() *Socket { return b.sock }

// ID identifies the layer on the notification channel.
func (b *LayerBase) ID() uint64 { return b.id }

// State is the layer's own lifecycle state.
func (b *LayerBase) State() api.State { return b.state }

// CriticalError returns the latched error, if any.
func (b *LayerBase) CriticalError() error { return b.critical }

// SetCriticalError latches err. Only the first call has an effect.
func (b *LayerBase) SetCriticalError(err error) {
	if b.critical == nil && err != nil {
		b.critical = err
	}
}

// AddLayer appends l on the transport side of the chain. Layers can be
// added to a socket without a descriptor or to a connected one; a layer
// belongs to one chain for its whole life.
func (s *Socket) AddLayer(l Layer) error {
	b := l.Base()
	if b.sock != nil {
		return api.ErrLayerAdd
	}
	switch s.state {
	case api.StateNotSock, api.StateUnconnected, api.StateConnected, api.StateAttached:
	default:
		return api.ErrLayerAdd
	}
	b.self = l
	b.sock = s
	b.pos = len(s.layers)
	b.id = layerIDs.Add(1)
	b.state = s.state
	s.layers = append(s.layers, l)
	return nil
}

func (b *LayerBase) prev() Layer {
	if b.pos == 0 || b.pos > len(b.sock.layers) {
		return nil
	}
	return b.sock.layers[b.pos-1]
}

func (b *LayerBase) next() Layer {
	if b.pos+1 >= len(b.sock.layers) {
		return nil
	}
	return b.sock.layers[b.pos+1]
}

func (b *LayerBase) attached() bool {
	return b.sock != nil && b.pos < len(b.sock.layers) && b.sock.layers[b.pos] == b.self
}

// SetState moves the layer to st and queues a state-change notification.
func (b *LayerBase) SetState(st api.State) {
	old := b.state
	if old == st {
		return
	}
	b.state = st
	b.DoLayerCallback(Notification{
		Kind:   api.KindStateChange,
		Param1: int(st),
		Param2: int(old),
	})
}

// DoLayerCallback queues n for the owner's LayerCallbackHandler. Queued
// notifications are delivered in order from the loop.
func (b *LayerBase) DoLayerCallback(n Notification) {
	if !b.attached() {
		return
	}
	n.Layer = b.self
	n.LayerID = b.id
	b.sock.queueNote(n)
}

// TriggerEvent posts ev for this layer, or for the previous one (the
// application when first) when passThrough is set.
func (b *LayerBase) TriggerEvent(ev api.EventMask, err error, passThrough bool) {
	if !b.attached() {
		return
	}
	target := b.pos
	if passThrough {
		target = b.pos - 1
		if target < 0 {
			target = targetApp
		}
	}
	b.sock.post(target, ev, err)
}

// CheckIO enforces the I/O preconditions shared by Send, Receive and
// ShutDown.
func (b *LayerBase) CheckIO() error {
	if b.critical != nil {
		return b.critical
	}
	switch b.state {
	case api.StateNotSock:
		return api.ErrNotSocket
	case api.StateUnconnected, api.StateConnecting, api.StateListening:
		return api.ErrNotConnected
	}
	return nil
}

func (b *LayerBase) CreateNext(opts CreateOptions) error {
	if n := b.next(); n != nil {
		return n.Create(opts)
	}
	return b.sock.createTransport(opts)
}

func (b *LayerBase) ConnectNext(host string, port int) error {
	if n := b.next(); n != nil {
		return n.Connect(host, port)
	}
	return b.sock.connectTransport(host, port)
}

func (b *LayerBase) ListenNext(backlog int) error {
	if n := b.next(); n != nil {
		return n.Listen(backlog)
	}
	return b.sock.listenTransport(backlog)
}

func (b *LayerBase) AcceptNext(into *Socket) error {
	if n := b.next(); n != nil {
		return n.Accept(into)
	}
	return b.sock.acceptTransport(into)
}

func (b *LayerBase) SendNext(p []byte) (int, error) {
	if n := b.next(); n != nil {
		return n.Send(p)
	}
	return b.sock.sendTransport(p)
}

func (b *LayerBase) ReceiveNext(p []byte) (int, error) {
	if n := b.next(); n != nil {
		return n.Receive(p)
	}
	return b.sock.receiveTransport(p)
}

func (b *LayerBase) ShutDownNext() error {
	if n := b.next(); n != nil {
		return n.ShutDown()
	}
	return b.sock.shutdownTransport()
}

func (b *LayerBase) CloseNext() {
	if n := b.next(); n != nil {
		n.Close()
		return
	}
	b.sock.closeTransport()
}

func (b *LayerBase) Create(opts CreateOptions) error {
	if err := b.CreateNext(opts); err != nil {
		return err
	}
	b.SetState(api.StateUnconnected)
	return nil
}

func (b *LayerBase) Connect(host string, port int) error {
	if err := b.ConnectNext(host, port); err != nil {
		return err
	}
	b.SetState(api.StateConnecting)
	return nil
}

func (b *LayerBase) Listen(backlog int) error {
	if err := b.ListenNext(backlog); err != nil {
		return err
	}
	b.SetState(api.StateListening)
	return nil
}

func (b *LayerBase) Accept(into *Socket) error { return b.AcceptNext(into) }

func (b *LayerBase) Send(p []byte) (int, error) {
	if err := b.CheckIO(); err != nil {
		return 0, err
	}
	return b.SendNext(p)
}

func (b *LayerBase) Receive(p []byte) (int, error) {
	if err := b.CheckIO(); err != nil {
		return 0, err
	}
	return b.ReceiveNext(p)
}

func (b *LayerBase) ShutDown() error {
	if err := b.CheckIO(); err != nil {
		return err
	}
	return b.ShutDownNext()
}

func (b *LayerBase) Close() {
	b.CloseNext()
	b.state = api.StateNotSock
	b.pending = 0
	b.critical = nil
}

// forward hands an event to the previous layer, or to the application.
func (b *LayerBase) forward(ev api.EventMask, err error) {
	if !b.attached() {
		return
	}
	if p := b.prev(); p != nil {
		p.Base().callEvent(ev, err)
		return
	}
	b.sock.deliver(ev, err)
}

func (b *LayerBase) OnReceive(err error) { b.forward(api.EventRead, err) }
func (b *LayerBase) OnSend(err error)    { b.forward(api.EventWrite, err) }
func (b *LayerBase) OnAccept(err error)  { b.forward(api.EventAccept, err) }
func (b *LayerBase) OnClose(err error)   { b.forward(api.EventClose, err) }

// OnConnect is deferred so the previous layer sees it from the loop, after
// this layer's handler has returned.
func (b *LayerBase) OnConnect(err error) { b.TriggerEvent(api.EventConnect, err, true) }

// ForwardReceive is OnReceive's default for layers that override it but
// still need to signal readability upward.
func (b *LayerBase) ForwardReceive(err error) { b.forward(api.EventRead, err) }

// ForwardSend is the OnSend counterpart of ForwardReceive.
func (b *LayerBase) ForwardSend(err error) { b.forward(api.EventWrite, err) }

// ForwardClose is the OnClose counterpart of ForwardReceive.
func (b *LayerBase) ForwardClose(err error) { b.forward(api.EventClose, err) }

// callEvent runs the layer's state machine for one event and invokes the
// concrete layer's handler.
func (b *LayerBase) callEvent(ev api.EventMask, err error) {
	if b.critical != nil || !b.attached() {
		return
	}
	if err != nil {
		b.critical = err
	}
	self := b.self
	switch ev {
	case api.EventRead, api.EventForceRead:
		if b.state == api.StateConnecting && err == nil {
			b.pending |= ev
			return
		}
		if b.state == api.StateAttached {
			b.SetState(api.StateConnected)
		}
		b.pending &^= ev
		if b.state == api.StateConnected || err != nil {
			if err != nil {
				b.SetState(api.StateAborted)
			}
			self.OnReceive(err)
		}
	case api.EventWrite:
		if b.state == api.StateConnecting && err == nil {
			b.pending |= ev
			return
		}
		if b.state == api.StateAttached {
			b.SetState(api.StateConnected)
		}
		b.pending &^= ev
		if b.state == api.StateConnected || err != nil {
			if err != nil {
				b.SetState(api.StateAborted)
			}
			self.OnSend(err)
		}
	case api.EventConnect:
		if b.state != api.StateConnecting && b.state != api.StateAttached {
			return
		}
		if err == nil {
			b.SetState(api.StateConnected)
		} else {
			b.SetState(api.StateAborted)
		}
		pending := b.pending
		b.pending = 0
		gen := b.sock.gen
		self.OnConnect(err)
		if err != nil {
			return
		}
		for _, p := range replayOrder {
			if pending&p == 0 {
				continue
			}
			if b.sock.gen != gen || !b.attached() || b.state != api.StateConnected {
				return
			}
			if p == api.EventWrite {
				self.OnSend(nil)
			} else {
				self.OnReceive(nil)
			}
		}
	case api.EventAccept:
		if b.state == api.StateListening || b.state == api.StateAttached {
			if err != nil {
				b.SetState(api.StateAborted)
			}
			self.OnAccept(err)
		}
	case api.EventClose:
		if b.state == api.StateConnected || b.state == api.StateAttached {
			if err != nil {
				b.SetState(api.StateAborted)
			} else {
				b.SetState(api.StateClosed)
			}
			self.OnClose(err)
		}
	}
}

// replayOrder is the order latched events are replayed after connect.
var replayOrder = [...]api.EventMask{api.EventRead, api.EventForceRead, api.EventWrite}
