// File: api/events.go
// Package api defines core event and state types for hioload-sock.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "strings"

// EventMask is a set of socket notifications.
type EventMask uint32

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventOOB
	EventAccept
	EventConnect
	EventClose
	// EventForceRead is a read notification synthesized by a layer that
	// holds buffered data the transport no longer signals.
	EventForceRead
)

// EventsAll is the default subscription of a new socket.
const EventsAll = EventRead | EventWrite | EventOOB | EventAccept | EventConnect | EventClose

var eventNames = []struct {
	ev   EventMask
	name string
}{
	{EventRead, "read"},
	{EventWrite, "write"},
	{EventOOB, "oob"},
	{EventAccept, "accept"},
	{EventConnect, "connect"},
	{EventClose, "close"},
	{EventForceRead, "forceread"},
}

func (m EventMask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, e := range eventNames {
		if m&e.ev != 0 {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

// Has reports whether every bit of ev is set in m.
func (m EventMask) Has(ev EventMask) bool { return m&ev == ev }

// State is the lifecycle state of a socket or a layer.
type State int

const (
	StateNotSock State = iota
	StateUnconnected
	StateConnecting
	StateListening
	StateConnected
	StateClosed
	StateAborted
	StateAttached
)

func (s State) String() string {
	switch s {
	case StateNotSock:
		return "notsock"
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	case StateAttached:
		return "attached"
	}
	return "unknown"
}
