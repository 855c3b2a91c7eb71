// File: tlslayer/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Engine goroutines of one TLS session. They own the tls.Conn and never
// touch layer or socket state: every result is posted to the loop, where
// the layer checks that the session is still current before acting on it.

package tlslayer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"

	"github.com/momentics/hioload-sock/socket"
)

const readChunk = 16 * 1024

type writeJob struct {
	data       []byte
	closeWrite bool
}

type session struct {
	layer *Layer
	loop  *socket.Context
	conn  *tls.Conn
	br    *bridge
	plain *plainBuffer
	jobs  chan writeJob

	ctx    context.Context
	cancel context.CancelFunc

	client     bool
	mode       VerifyMode
	ask        bool
	roots      *x509.CertPool
	serverName string
	host       string
	port       int
}

func (s *session) post(fn func()) {
	_ = s.loop.Post(fn)
}

func (s *session) stop() {
	s.cancel()
	s.br.Close()
	s.plain.close()
}

// readLoop drives the handshake, then moves plaintext into the buffer
// until the engine reports end of stream.
func (s *session) readLoop() {
	l := s.layer
	err := s.conn.HandshakeContext(s.ctx)
	s.post(func() { l.onHandshake(s, err) })
	if err != nil {
		return
	}
	buf := make([]byte, readChunk)
	for {
		n, rerr := s.conn.Read(buf)
		if n > 0 {
			wasEmpty, ok := s.plain.push(buf[:n])
			if !ok {
				return
			}
			if wasEmpty {
				s.post(func() { l.onPlaintext(s) })
			}
		}
		if rerr != nil {
			// crypto/tls reports a bare FIN at a record boundary as io.EOF,
			// the same as close_notify. Only the former needed the bridge's EOF.
			if errors.Is(rerr, io.EOF) && s.br.servedEOF() {
				rerr = ErrTruncated
			}
			s.post(func() { l.onReadEnd(s, rerr) })
			return
		}
	}
}

// writeLoop runs encryption jobs one at a time, in submission order.
func (s *session) writeLoop() {
	l := s.layer
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.jobs:
			var err error
			if j.closeWrite {
				err = s.conn.CloseWrite()
			} else {
				_, err = s.conn.Write(j.data)
			}
			s.post(func() { l.onWritten(s, j, err) })
			if err != nil {
				return
			}
		}
	}
}
