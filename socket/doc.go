// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package socket implements the event-driven socket core: a per-context
// dispatch registry and loop (Context), the non-blocking Socket with its
// lifecycle state machine, and the append-only layer chain that protocol
// adapters such as TLS and proxy traversal plug into.
//
// All methods of Socket and of layers must be called from the goroutine
// running the owning Context's loop. Other goroutines hand work to the
// loop through Context.Post.
package socket
