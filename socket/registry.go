// File: socket/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Slot table mapping small integer indices to live sockets. Indices are
// recycled lowest-first; the table grows in fixed steps up to a ceiling.

package socket

import "github.com/momentics/hioload-sock/api"

type registry struct {
	slots []*Socket
	// every index below lowFree is occupied
	lowFree int
	live    int
	step    int
	max     int
}

func newRegistry(step, max int) *registry {
	if step <= 0 {
		step = 512
	}
	if max < step {
		max = step
	}
	return &registry{step: step, max: max}
}

// attach binds s to the lowest free index.
func (r *registry) attach(s *Socket) (int, error) {
	for i := r.lowFree; i < len(r.slots); i++ {
		if r.slots[i] == nil {
			r.bind(i, s)
			return i, nil
		}
	}
	if len(r.slots) >= r.max {
		return -1, api.ErrRegistryFull
	}
	grown := len(r.slots) + r.step
	if grown > r.max {
		grown = r.max
	}
	i := len(r.slots)
	r.slots = append(r.slots, make([]*Socket, grown-len(r.slots))...)
	r.bind(i, s)
	return i, nil
}

func (r *registry) bind(i int, s *Socket) {
	r.slots[i] = s
	r.lowFree = i + 1
	r.live++
}

// detach clears index if it is still bound to s.
func (r *registry) detach(s *Socket, index int) {
	if index < 0 || index >= len(r.slots) || r.slots[index] != s {
		return
	}
	r.slots[index] = nil
	r.live--
	if index < r.lowFree {
		r.lowFree = index
	}
}

func (r *registry) lookup(index int) *Socket {
	if index < 0 || index >= len(r.slots) {
		return nil
	}
	return r.slots[index]
}

func (r *registry) each(fn func(*Socket)) {
	for _, s := range r.slots {
		if s != nil {
			fn(s)
		}
	}
}
