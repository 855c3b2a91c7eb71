// File: tlslayer/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tlslayer

import "errors"

var (
	ErrLoadLibrary    = errors.New("tls: engine unavailable")
	ErrInit           = errors.New("tls: session initialisation failed")
	ErrHandshake      = errors.New("tls: handshake failed")
	ErrVerifyCert     = errors.New("tls: certificate verification failed")
	ErrCertRejected   = errors.New("tls: certificate rejected")
	ErrNoSessionReuse = errors.New("tls: session was not resumed")
	ErrNotUsingTLS    = errors.New("tls: layer not initialised")
	ErrTruncated      = errors.New("tls: connection closed without close_notify")
)
