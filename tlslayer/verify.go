// File: tlslayer/verify.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Peer certificate verification. The built-in chain check always runs so
// its outcome can be shown; who decides depends on the verify mode. In ask
// mode the engine goroutine waits for SetVerificationReply while the loop
// keeps running.

package tlslayer

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/socket"
)

func (s *session) verify(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		if s.client {
			return fmt.Errorf("%w: no peer certificate", ErrVerifyCert)
		}
		return nil
	}
	depth, builtinErr := s.builtinVerify(cs.PeerCertificates)
	switch {
	case s.mode == VerifyNone:
		return nil
	case s.mode == VerifyBuiltin || !s.ask:
		if builtinErr != nil {
			return fmt.Errorf("%w: %v", ErrVerifyCert, builtinErr)
		}
		return nil
	}
	data := newCertData(cs.PeerCertificates, builtinErr, depth, s.host, s.port)
	reply := make(chan bool, 1)
	l := s.layer
	s.post(func() { l.requestVerification(s, data, reply) })
	select {
	case ok := <-reply:
		if !ok {
			return ErrCertRejected
		}
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// builtinVerify checks the chain against the configured roots. depth is
// the length of the verified chain, or of the presented one on failure.
func (s *session) builtinVerify(chain []*x509.Certificate) (int, error) {
	opts := x509.VerifyOptions{
		Roots:         s.roots,
		Intermediates: x509.NewCertPool(),
		CurrentTime:   time.Now(),
	}
	for _, c := range chain[1:] {
		opts.Intermediates.AddCert(c)
	}
	if s.client {
		opts.DNSName = s.serverName
	} else {
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	chains, err := chain[0].Verify(opts)
	if err != nil {
		return len(chain), err
	}
	return len(chains[0]), nil
}

// requestVerification runs on the loop and raises VERIFY_CERT.
func (l *Layer) requestVerification(s *session, data *CertData, reply chan bool) {
	if l.sess != s {
		reply <- false
		return
	}
	l.verifyMu.Lock()
	l.verifies[data.ID] = reply
	l.verifyMu.Unlock()
	l.notify(api.NotifyVerifyCert, 0, 0, data.Subject.CommonName, data)
}

// SetVerificationReply answers a VERIFY_CERT notification. Each id is
// accepted once; code must be api.NotifyVerifyCert. Safe from any goroutine.
func (l *Layer) SetVerificationReply(id string, code api.NotifyType, accept bool) error {
	if code != api.NotifyVerifyCert {
		return fmt.Errorf("%w: code %s", api.ErrVerificationReply, code)
	}
	l.verifyMu.Lock()
	reply, ok := l.verifies[id]
	delete(l.verifies, id)
	l.verifyMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown id %q", api.ErrVerificationReply, id)
	}
	reply <- accept
	return nil
}

func (l *Layer) clearVerifies() {
	l.verifyMu.Lock()
	for id, reply := range l.verifies {
		reply <- false
		delete(l.verifies, id)
	}
	l.verifyMu.Unlock()
}

// VerifyRequest extracts certificate data from a VERIFY_CERT notification.
func VerifyRequest(n socket.Notification) (*CertData, bool) {
	if !n.Is(api.NotifyVerifyCert) {
		return nil, false
	}
	d, ok := n.Data.(*CertData)
	return d, ok
}
