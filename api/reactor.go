// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the abstract readiness facility the socket registry is driven by.
// A descriptor is registered together with an opaque key; polling yields
// (key, readiness) pairs.

package api

import "time"

// Readiness is the set of conditions a poller reports for one descriptor.
type Readiness uint32

const (
	Readable Readiness = 1 << iota
	Writable
	Priority
	Hangup
	Failed
)

// Interest selects which readiness conditions a registration reports.
// Hangup and Failed are always reported while a descriptor is registered.
type Interest struct {
	Read     bool
	Write    bool
	Priority bool
	Hangup   bool
}

// Poller is the host readiness facility.
type Poller interface {
	// Register associates fd with key. The key comes back on every event.
	Register(fd int, key uint32, in Interest) error

	// Modify changes the interest set of a registered fd.
	Modify(fd int, key uint32, in Interest) error

	// Unregister removes fd. Closing fd afterwards is the caller's job.
	Unregister(fd int) error

	// Poll waits up to timeout (negative blocks) and calls fn per event.
	Poll(timeout time.Duration, fn func(fd int, key uint32, r Readiness)) (int, error)

	// Wake interrupts a blocked Poll from any goroutine.
	Wake() error

	// Close releases the poller backend.
	Close() error
}
