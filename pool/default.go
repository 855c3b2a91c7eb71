// File: pool/default.go
// Author: momentics <momentics@gmail.com>

package pool

import "sync"

// DefaultBufferSize matches the largest TLS record plus framing.
const DefaultBufferSize = 64 * 1024

var (
	defaultOnce sync.Once
	defaultPool *BytePool
)

// Default returns the process-wide scratch pool.
func Default() *BytePool {
	defaultOnce.Do(func() {
		defaultPool = NewBytePool(DefaultBufferSize)
	})
	return defaultPool
}
