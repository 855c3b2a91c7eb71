// File: tlslayer/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tlslayer

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"github.com/momentics/hioload-sock/control"
)

// VerifyMode selects who decides on the peer certificate.
type VerifyMode string

const (
	VerifyAsk     VerifyMode = "ask"
	VerifyBuiltin VerifyMode = "builtin"
	VerifyNone    VerifyMode = "none"
)

// Options configures a TLS layer.
type Options struct {
	// Config is a template cloned per session. Certificates, RootCAs,
	// ClientAuth and version bounds are honoured; verification is always
	// routed through the layer.
	Config     *tls.Config
	ServerName string
	VerifyMode VerifyMode
	// MaxPendingBytes bounds buffered ciphertext and plaintext.
	MaxPendingBytes    int
	AllowRenegotiation bool
	// SessionCache overrides the engine-wide default for client layers.
	SessionCache *SessionCache
}

func (o *Options) normalize() {
	if o.Config == nil {
		o.Config = &tls.Config{}
	}
	if o.VerifyMode == "" {
		o.VerifyMode = VerifyAsk
	}
	if o.MaxPendingBytes <= 0 {
		o.MaxPendingBytes = 256 * 1024
	}
}

// OptionsFromConfig loads certificate material named by cfg.
func OptionsFromConfig(cfg control.TLSConfig) (Options, error) {
	tc := &tls.Config{}
	v, err := parseVersion(cfg.MinVersion)
	if err != nil {
		return Options{}, err
	}
	tc.MinVersion = v
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return Options{}, fmt.Errorf("%w: %v", ErrInit, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return Options{}, fmt.Errorf("%w: no certificates in %s", ErrInit, cfg.CAFile)
		}
		tc.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return Options{}, fmt.Errorf("%w: %v", ErrInit, err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return Options{
		Config:             tc,
		ServerName:         cfg.ServerName,
		VerifyMode:         VerifyMode(cfg.VerifyMode),
		MaxPendingBytes:    cfg.MaxPendingBytes,
		AllowRenegotiation: cfg.AllowRenegotiation,
		SessionCache:       NewSessionCache(cfg.SessionTTL),
	}, nil
}

func parseVersion(s string) (uint16, error) {
	switch s {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("%w: unknown version %q", ErrInit, s)
}

// ticketKeyed remembers server templates whose ticket keys are pinned.
// Clones of a template then encrypt and decrypt each other's tickets.
var (
	ticketMu    sync.Mutex
	ticketKeyed = map[*tls.Config]struct{}{}
)

func shareTicketKeys(base *tls.Config) error {
	if base.SessionTicketsDisabled {
		return nil
	}
	ticketMu.Lock()
	defer ticketMu.Unlock()
	if _, ok := ticketKeyed[base]; ok {
		return nil
	}
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("%w: ticket key: %v", ErrInit, err)
	}
	base.SetSessionTicketKeys([][32]byte{key})
	ticketKeyed[base] = struct{}{}
	return nil
}
