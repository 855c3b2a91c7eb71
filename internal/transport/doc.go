// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Native non-blocking stream socket primitives behind the Ops interface.
// The socket core only ever talks to descriptors through Ops, which keeps
// syscalls in one place and lets tests inject failures.

package transport
