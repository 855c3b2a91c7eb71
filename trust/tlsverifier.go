// File: trust/tlsverifier.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package trust

import (
	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/socket"
	"github.com/momentics/hioload-sock/tlslayer"
	"github.com/sirupsen/logrus"
)

// CertAlgorithm names TLS certificate fingerprints in the known-key store.
const CertAlgorithm = "x509-sha256"

type verificationReplier interface {
	SetVerificationReply(id string, code api.NotifyType, accept bool) error
}

// TLSVerifier answers VERIFY_CERT notifications. Known fingerprints are
// accepted on the loop; anything else goes to Prompt on a separate
// goroutine and the answer is posted back to the loop.
type TLSVerifier struct {
	Prompt Prompter
	Known  *KnownHosts
	// TrustVerified accepts certificates that passed the built-in chain
	// check without asking.
	TrustVerified bool
	Log           *logrus.Entry
}

// Handle processes a batch of notifications; call it from
// OnLayerCallback. Notifications other than VERIFY_CERT are ignored.
func (v *TLSVerifier) Handle(loop *socket.Context, notes []socket.Notification) {
	for _, n := range notes {
		d, ok := tlslayer.VerifyRequest(n)
		if !ok {
			continue
		}
		r, ok := n.Layer.(verificationReplier)
		if !ok {
			continue
		}
		v.verify(loop, r, d)
	}
}

func (v *TLSVerifier) logger() *logrus.Entry {
	if v.Log != nil {
		return v.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (v *TLSVerifier) verify(loop *socket.Context, r verificationReplier, d *tlslayer.CertData) {
	fp := d.FingerprintHex()
	log := v.logger().WithFields(logrus.Fields{"host": d.Host, "port": d.Port, "fingerprint": fp})
	if v.TrustVerified && d.Verified() {
		v.reply(r, d.ID, true, log)
		return
	}
	status := Absent
	if v.Known != nil {
		status = v.Known.Check(d.Host, d.Port, CertAlgorithm, fp)
	}
	if status == Match {
		v.reply(r, d.ID, true, log)
		return
	}
	if v.Prompt == nil {
		log.Warn("certificate not trusted and no prompt configured")
		v.reply(r, d.ID, false, log)
		return
	}
	go func() {
		dec, err := v.Prompt.VerifyHostKey(d.Host, d.Port, CertAlgorithm, fp, status == Absent)
		if err != nil {
			log.WithError(err).Warn("certificate rejected")
		}
		if dec == AcceptAndStore && v.Known != nil {
			if err := v.Known.Store(d.Host, d.Port, CertAlgorithm, fp); err != nil {
				log.WithError(err).Warn("could not store certificate fingerprint")
			}
		}
		if perr := loop.Post(func() { v.reply(r, d.ID, dec.Accepted(), log) }); perr != nil {
			log.WithError(perr).Debug("context closed before verification reply")
		}
	}()
}

func (v *TLSVerifier) reply(r verificationReplier, id string, accept bool, log *logrus.Entry) {
	if err := r.SetVerificationReply(id, api.NotifyVerifyCert, accept); err != nil {
		log.WithError(err).Debug("verification reply dropped")
	}
}
