// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral constructor for the readiness facility.

package reactor

import "github.com/momentics/hioload-sock/api"

// MaxEvents bounds a single Poll batch.
const MaxEvents = 256

// New returns the platform poller.
func New() (api.Poller, error) {
	return newPoller()
}
