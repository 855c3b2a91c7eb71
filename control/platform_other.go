//go:build !linux
// +build !linux

// control/platform_other.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"errors"
	"runtime"
)

// RegisterPlatformProbes sets process-level debug probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("process.goroutines", func() any {
		return runtime.NumGoroutine()
	})
}

// OpenDescriptors is only implemented on Linux.
func OpenDescriptors() (int32, error) {
	return 0, errors.New("open descriptor count not supported")
}
