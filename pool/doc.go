// Package pool
// Author: momentics <momentics@gmail.com>
//
// Reusable scratch buffers for the read paths of sockets and layers.
// Buffers never escape a single read call, so a plain sync.Pool suffices.
package pool
