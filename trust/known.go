// File: trust/known.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Known-key cache, optionally persisted as YAML.

package trust

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Status is the result of looking a key up.
type Status int

const (
	Match Status = iota
	Absent
	Changed
)

type knownKey struct {
	Algorithm   string `yaml:"algorithm"`
	Fingerprint string `yaml:"fingerprint"`
}

// KnownHosts maps host and port to the accepted key.
type KnownHosts struct {
	mu   sync.Mutex
	path string
	keys map[string]knownKey
}

// NewKnownHosts returns an in-memory store.
func NewKnownHosts() *KnownHosts {
	return &KnownHosts{keys: make(map[string]knownKey)}
}

// LoadKnownHosts reads path; a missing file yields an empty store that
// is created on the first Store.
func LoadKnownHosts(path string) (*KnownHosts, error) {
	k := NewKnownHosts()
	k.path = path
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trust: %w", err)
	}
	if err := yaml.Unmarshal(data, &k.keys); err != nil {
		return nil, fmt.Errorf("trust: parse %s: %w", path, err)
	}
	if k.keys == nil {
		k.keys = make(map[string]knownKey)
	}
	return k, nil
}

func hostKey(algorithm, host string, port int) string {
	return algorithm + "@" + strconv.Itoa(port) + ":" + host
}

// Check compares fingerprint with the stored key.
func (k *KnownHosts) Check(host string, port int, algorithm, fingerprint string) Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	got, ok := k.keys[hostKey(algorithm, host, port)]
	switch {
	case !ok:
		return Absent
	case got.Fingerprint != fingerprint:
		return Changed
	}
	return Match
}

// Store records the key and persists the file when one was loaded.
func (k *KnownHosts) Store(host string, port int, algorithm, fingerprint string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[hostKey(algorithm, host, port)] = knownKey{Algorithm: algorithm, Fingerprint: fingerprint}
	if k.path == "" {
		return nil
	}
	data, err := yaml.Marshal(k.keys)
	if err != nil {
		return fmt.Errorf("trust: encode: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0o600); err != nil {
		return fmt.Errorf("trust: %w", err)
	}
	return nil
}

// Len reports the number of stored keys.
func (k *KnownHosts) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}
