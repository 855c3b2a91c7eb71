// File: tlslayer/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-wide engine state shared by every TLS layer of every Context.
// The first Acquire loads the system trust store and creates the default
// session cache; the last Release drops both.

package tlslayer

import (
	"crypto/x509"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSessionTTL = 2 * time.Hour

var engine struct {
	mu    sync.Mutex
	refs  atomic.Int32
	roots *x509.CertPool
	cache *SessionCache
}

// loadRoots is replaced in tests to simulate an unusable trust store.
var loadRoots = x509.SystemCertPool

// Acquire takes a reference on the engine, initialising it on first use.
func Acquire() error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.refs.Load() == 0 {
		roots, err := loadRoots()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLoadLibrary, err)
		}
		engine.roots = roots
		engine.cache = NewSessionCache(defaultSessionTTL)
	}
	engine.refs.Add(1)
	return nil
}

// Release drops a reference; the last one tears the shared state down.
func Release() {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	switch engine.refs.Load() {
	case 0:
		return
	case 1:
		engine.cache.Flush()
		engine.cache = nil
		engine.roots = nil
	}
	engine.refs.Add(-1)
}

// Refs reports the current reference count.
func Refs() int { return int(engine.refs.Load()) }

func systemRoots() *x509.CertPool {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.roots
}

// DefaultSessionCache is the cache client layers share when neither a
// peer layer nor an explicit cache is given. Nil while no reference is held.
func DefaultSessionCache() *SessionCache {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return engine.cache
}
