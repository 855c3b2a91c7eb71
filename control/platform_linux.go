//go:build linux
// +build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux process probes backed by gopsutil.

package control

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/process"
)

// RegisterPlatformProbes sets process-level debug probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("process.goroutines", func() any {
		return runtime.NumGoroutine()
	})
	dp.RegisterProbe("process.open_fds", func() any {
		n, err := OpenDescriptors()
		if err != nil {
			return err.Error()
		}
		return n
	})
}

// OpenDescriptors counts descriptors held by this process.
func OpenDescriptors() (int32, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	return p.NumFDs()
}
