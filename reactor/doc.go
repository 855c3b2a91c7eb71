// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness facility behind the socket registry:
// an epoll(7) poller keyed by registry index, with an eventfd wake-up.
package reactor
