// File: tlslayer/certdata.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tlslayer

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Contact is the distinguished-name subset shown to users.
type Contact struct {
	Organization string
	Unit         string
	CommonName   string
	Mail         string
	Country      string
	StateOrProv  string
	Town         string
}

func contactOf(n pkix.Name) Contact {
	c := Contact{
		Organization: strings.Join(n.Organization, ", "),
		Unit:         strings.Join(n.OrganizationalUnit, ", "),
		CommonName:   n.CommonName,
		Country:      strings.Join(n.Country, ", "),
		StateOrProv:  strings.Join(n.Province, ", "),
		Town:         strings.Join(n.Locality, ", "),
	}
	for _, atv := range n.Names {
		if atv.Type.Equal(oidEmailAddress) {
			if s, ok := atv.Value.(string); ok {
				c.Mail = s
			}
		}
	}
	return c
}

// CertData describes the peer certificate handed to the verification
// callback. ID correlates the reply with the suspended handshake.
type CertData struct {
	ID string

	Subject Contact
	Issuer  Contact

	NotBefore time.Time
	NotAfter  time.Time

	Hash        [sha1.Size]byte
	Fingerprint [sha256.Size]byte

	// VerifyErr is the built-in chain verification result, nil on success.
	VerifyErr   error
	VerifyDepth int

	Host string
	Port int

	Chain []*x509.Certificate
}

func newCertData(chain []*x509.Certificate, verifyErr error, depth int, host string, port int) *CertData {
	d := &CertData{
		ID:          uuid.NewString(),
		VerifyErr:   verifyErr,
		VerifyDepth: depth,
		Host:        host,
		Port:        port,
		Chain:       chain,
	}
	if len(chain) == 0 {
		return d
	}
	leaf := chain[0]
	d.Subject = contactOf(leaf.Subject)
	d.Issuer = contactOf(leaf.Issuer)
	d.NotBefore = leaf.NotBefore
	d.NotAfter = leaf.NotAfter
	d.Hash = sha1.Sum(leaf.Raw)
	d.Fingerprint = sha256.Sum256(leaf.Raw)
	return d
}

// FingerprintHex renders the SHA-256 fingerprint as colon-separated hex.
func (d *CertData) FingerprintHex() string {
	return colonHex(d.Fingerprint[:])
}

// HashHex renders the SHA-1 hash as colon-separated hex.
func (d *CertData) HashHex() string {
	return colonHex(d.Hash[:])
}

func colonHex(b []byte) string {
	parts := make([]string, len(b))
	for i := range b {
		parts[i] = hex.EncodeToString(b[i : i+1])
	}
	return strings.Join(parts, ":")
}

// Verified reports whether the built-in verification succeeded.
func (d *CertData) Verified() bool { return d.VerifyErr == nil }

// Expired reports whether now lies outside the validity window.
func (d *CertData) Expired(now time.Time) bool {
	return now.Before(d.NotBefore) || now.After(d.NotAfter)
}
