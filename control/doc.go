// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, logging, metrics and debug introspection for hioload-sock.
//
// Provides concurrent-safe state handling primitives including:
//   - YAML configuration with defaults, validation and a reloadable store
//   - logrus logger construction from configuration
//   - Named counters shared by registries and layers
//   - Debug probe registration and state export
package control
