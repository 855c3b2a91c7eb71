// File: socket/dispatch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Readiness translation and the application-facing state machine.

package socket

import (
	"github.com/momentics/hioload-sock/api"
)

// onReadiness turns level-triggered readiness into socket events, honouring
// the armed flags so each notification is re-enabled by the matching call.
func (s *Socket) onReadiness(r api.Readiness) {
	switch s.link {
	case linkConnecting:
		if r&(api.Writable|api.Failed|api.Hangup) == 0 {
			return
		}
		err := s.ctx.ops.SocketError(s.fd)
		if err == nil && r&api.Failed != 0 {
			err = api.NewError(api.ErrCodeTransport, "connect failed")
		}
		if err != nil {
			s.handleEvent(api.EventConnect, s.transportError("connect", err))
			return
		}
		s.link = linkConnected
		s.readArmed = true
		s.writeArmed = true
		s.oobArmed = true
		_ = s.updateInterest()
		s.handleEvent(api.EventConnect, nil)
		return
	case linkListening:
		if r&api.Readable != 0 && s.readArmed {
			s.readArmed = false
			_ = s.updateInterest()
			s.handleEvent(api.EventAccept, nil)
		}
		return
	case linkConnected:
	default:
		return
	}

	fd, gen := s.fd, s.gen
	alive := func() bool { return s.fd == fd && s.gen == gen && s.link == linkConnected && !s.closeSeen }
	closing := r&(api.Hangup|api.Failed) != 0

	if r&api.Priority != 0 && s.oobArmed {
		s.oobArmed = false
		_ = s.updateInterest()
		s.handleEvent(api.EventOOB, nil)
		if !alive() {
			return
		}
	}
	if r&api.Readable != 0 && s.readArmed && !closing {
		s.readArmed = false
		_ = s.updateInterest()
		s.handleEvent(api.EventRead, nil)
		if !alive() {
			return
		}
	}
	if r&api.Writable != 0 && s.writeArmed && r&api.Failed == 0 {
		s.writeArmed = false
		_ = s.updateInterest()
		s.handleEvent(api.EventWrite, nil)
		if !alive() {
			return
		}
	}
	if closing {
		var err error
		if r&api.Failed != 0 {
			if serr := s.ctx.ops.SocketError(s.fd); serr != nil {
				err = s.transportError("close", serr)
			}
		}
		s.handleEvent(api.EventClose, err)
	}
}

// handleEvent applies transport-level rules before routing: candidate
// fallback for failed connects and close deferral while data is unread.
func (s *Socket) handleEvent(ev api.EventMask, err error) {
	switch ev {
	case api.EventConnect:
		if err != nil {
			s.lastErr = err
			next := s.TryNextCandidate()
			if next == nil {
				return
			}
			err = next
		} else {
			s.candidates = nil
		}
	case api.EventClose:
		s.closeSeen = true
		s.unregister()
		if err == nil {
			if n, perr := s.ctx.ops.Pending(s.fd); perr == nil && n > 0 {
				s.ctx.scheduleCloseRedelivery(s)
				ev = api.EventRead
			}
		}
	}
	s.route(ev, err)
}

// route passes an event to the transport-adjacent layer, or straight to
// the application state machine when there are no layers.
func (s *Socket) route(ev api.EventMask, err error) {
	if n := len(s.layers); n > 0 {
		s.layers[n-1].Base().callEvent(ev, err)
		return
	}
	s.deliver(ev, err)
}

// deliver is the application state machine. Layered and plain sockets both
// end up here; hooks only see events the socket subscribed to.
func (s *Socket) deliver(ev api.EventMask, err error) {
	switch ev {
	case api.EventRead, api.EventForceRead, api.EventWrite:
		if s.state == api.StateConnecting && err == nil {
			s.pending |= ev
			return
		}
		if s.state == api.StateAttached && err == nil {
			s.setState(api.StateConnected)
		}
		if err != nil {
			s.setState(api.StateAborted)
		} else if s.state != api.StateConnected {
			return
		}
		if ev == api.EventWrite {
			s.pending &^= api.EventWrite
			if s.events&api.EventWrite != 0 {
				s.hooks.OnSend(err)
			}
			return
		}
		s.pending &^= ev
		if s.events&api.EventRead != 0 {
			s.hooks.OnReceive(err)
		}
	case api.EventOOB:
		if s.state != api.StateConnected || s.events&api.EventOOB == 0 {
			return
		}
		if h, ok := s.hooks.(OutOfBandHandler); ok {
			h.OnOutOfBand(err)
		}
	case api.EventConnect:
		if s.state != api.StateConnecting && s.state != api.StateAttached {
			return
		}
		if err == nil {
			s.setState(api.StateConnected)
		} else {
			s.setState(api.StateAborted)
		}
		pending := s.pending
		s.pending = 0
		gen := s.gen
		if s.events&api.EventConnect != 0 {
			s.hooks.OnConnect(err)
		}
		if err == nil {
			s.replayPending(pending, gen)
		}
	case api.EventAccept:
		if s.state != api.StateListening && s.state != api.StateAttached {
			return
		}
		if err != nil {
			s.setState(api.StateAborted)
		}
		if s.events&api.EventAccept != 0 {
			s.hooks.OnAccept(err)
		}
	case api.EventClose:
		switch s.state {
		case api.StateConnecting:
			// the chain gave up before connect completed
			if err == nil {
				err = api.ErrClosed
			}
			s.deliver(api.EventConnect, err)
		case api.StateConnected, api.StateAttached:
			if err != nil {
				s.setState(api.StateAborted)
			} else {
				s.setState(api.StateClosed)
			}
			if s.events&api.EventClose != 0 {
				s.hooks.OnClose(err)
			}
		}
	}
}

// replayPending delivers events latched while connecting, in the fixed
// order read, forced read, write. A hook that closes or reconnects the
// socket ends the replay.
func (s *Socket) replayPending(pending api.EventMask, gen uint64) {
	for _, ev := range replayOrder {
		if pending&ev == 0 {
			continue
		}
		if s.gen != gen || s.state != api.StateConnected {
			return
		}
		if ev == api.EventWrite {
			if s.events&api.EventWrite != 0 {
				s.hooks.OnSend(nil)
			}
			continue
		}
		if s.events&api.EventRead != 0 {
			s.hooks.OnReceive(nil)
		}
	}
}

func (s *Socket) queueNote(n Notification) {
	s.notes = append(s.notes, n)
	if s.notesPosted {
		return
	}
	s.notesPosted = true
	s.ctx.enqueue(&message{kind: msgNotes, sock: s, gen: s.gen, index: s.index, fd: s.fd})
}

func (s *Socket) flushNotes() {
	notes := s.notes
	s.notes = nil
	s.notesPosted = false
	if len(notes) == 0 {
		return
	}
	if h, ok := s.hooks.(LayerCallbackHandler); ok {
		h.OnLayerCallback(notes)
	}
}
