// File: socket/connect.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outgoing connects: literal or resolved candidates, one fresh descriptor
// per attempt, automatic fallback to the next candidate.

package socket

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/internal/transport"
	"github.com/sirupsen/logrus"
)

// Connect starts a non-blocking connect. A nil result means the attempt is
// in progress; completion arrives through OnConnect. Host may be an IP
// literal or a name resolved off the loop.
func (s *Socket) Connect(host string, port int) error {
	switch s.state {
	case api.StateNotSock:
		return api.ErrNotSocket
	case api.StateUnconnected:
	default:
		return api.ErrInvalidState
	}
	if len(s.layers) > 0 {
		if err := s.layers[0].Connect(host, port); err != nil {
			return err
		}
	} else if err := s.connectTransport(host, port); err != nil {
		return err
	}
	s.setState(api.StateConnecting)
	return nil
}

func (s *Socket) connectTransport(host string, port int) error {
	if s.link != linkNone {
		return api.ErrInvalidState
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: port %d", api.ErrInvalidArgument, port)
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return fmt.Errorf("%w: empty host", api.ErrInvalidArgument)
	}
	s.host, s.port = host, port
	s.lastErr = nil
	s.tried = 0
	if addr, err := netip.ParseAddr(host); err == nil {
		cands, err := s.filterCandidates([]netip.Addr{addr}, port)
		if err != nil {
			return err
		}
		s.candidates = cands
		return s.TryNextCandidate()
	}
	s.resolve(host, port)
	return nil
}

func (s *Socket) filterCandidates(addrs []netip.Addr, port int) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		if s.createFamily != api.FamilyUnspec && !s.createFamily.Accepts(a) {
			continue
		}
		out = append(out, netip.AddrPortFrom(a, uint16(port)))
	}
	if len(out) == 0 {
		return nil, api.ErrFamilyMismatch
	}
	return out, nil
}

func (s *Socket) resolve(host string, port int) {
	s.link = linkResolving
	s.resolveSeq++
	seq, gen := s.resolveSeq, s.gen
	ctx, cancel := context.WithCancel(s.ctx.base)
	s.resolveCancel = cancel
	c, r := s.ctx, s.ctx.resolver
	go func() {
		addrs, err := r.Resolve(ctx, host)
		_ = c.Post(func() { s.onResolved(seq, gen, port, addrs, err) })
	}()
}

func (s *Socket) onResolved(seq, gen uint64, port int, addrs []netip.Addr, err error) {
	if s.gen != gen || s.resolveSeq != seq || s.link != linkResolving {
		return
	}
	s.resolveCancel()
	s.resolveCancel = nil
	s.link = linkNone
	if err != nil {
		err = api.WrapError(api.ErrCodeTransport, "resolve "+s.host, err)
	} else {
		s.candidates, err = s.filterCandidates(addrs, port)
	}
	if err == nil {
		if err = s.TryNextCandidate(); err == nil {
			return
		}
	}
	s.logger().WithError(err).WithField("host", s.host).Debug("connect failed after resolution")
	s.route(api.EventConnect, err)
}

// TryNextCandidate abandons the current attempt, if any, and connects to
// the next remaining candidate. Candidates that fail synchronously are
// skipped. It returns nil once an attempt is in progress and the last
// error when every candidate failed. Safe to call from event handlers.
func (s *Socket) TryNextCandidate() error {
	for len(s.candidates) > 0 {
		cand := s.candidates[0]
		s.candidates = s.candidates[1:]
		fam := api.FamilyOf(cand.Addr())
		reuse := s.tried == 0 && s.fd >= 0 && s.family == fam && s.link == linkNone
		s.tried++
		if !reuse {
			s.closeDescriptor()
			if err := s.openDescriptor(fam); err != nil {
				s.lastErr = err
				if errors.Is(err, api.ErrRegistryFull) {
					break
				}
				continue
			}
		}
		s.current = cand
		err := s.ctx.ops.Connect(s.fd, cand)
		if err == nil || errors.Is(err, transport.ErrInProgress) {
			s.link = linkConnecting
			if err := s.updateInterest(); err != nil {
				s.lastErr = err
				continue
			}
			return nil
		}
		s.lastErr = s.transportError("connect", err)
		s.logger().WithFields(logrus.Fields{"candidate": cand, "error": err}).Debug("connect attempt failed")
	}
	s.candidates = nil
	s.closeDescriptor()
	if s.lastErr == nil {
		return api.ErrNoCandidates
	}
	return s.lastErr
}
