//go:build !linux
// +build !linux

// File: internal/transport/ops_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package transport

import (
	"net/netip"

	"github.com/momentics/hioload-sock/api"
)

type sysOps struct{}

func (sysOps) Socket(api.Family) (int, error) { return -1, api.ErrUnsupportedPlatform }
func (sysOps) Bind(int, netip.AddrPort) error                 { return api.ErrUnsupportedPlatform }
func (sysOps) Connect(int, netip.AddrPort) error              { return api.ErrUnsupportedPlatform }
func (sysOps) Listen(int, int) error                          { return api.ErrUnsupportedPlatform }
func (sysOps) Accept(int) (int, netip.AddrPort, error) { return -1, netip.AddrPort{}, api.ErrUnsupportedPlatform }
func (sysOps) Read(int, []byte) (int, error) { return 0, api.ErrUnsupportedPlatform }
func (sysOps) Write(int, []byte) (int, error) { return 0, api.ErrUnsupportedPlatform }
func (sysOps) ShutdownWrite(int) error                        { return api.ErrUnsupportedPlatform }
func (sysOps) Close(int) error                                { return api.ErrUnsupportedPlatform }
func (sysOps) Pending(int) (int, error) { return 0, api.ErrUnsupportedPlatform }
func (sysOps) SocketError(int) error                          { return api.ErrUnsupportedPlatform }
func (sysOps) SetReuseAddr(int) error                         { return api.ErrUnsupportedPlatform }
func (sysOps) SetNoDelay(int, bool) error                     { return api.ErrUnsupportedPlatform }
func (sysOps) LocalAddr(int) (netip.AddrPort, error) { return netip.AddrPort{}, api.ErrUnsupportedPlatform }
func (sysOps) PeerAddr(int) (netip.AddrPort, error) { return netip.AddrPort{}, api.ErrUnsupportedPlatform }
func (sysOps) Family(int) (api.Family, error) { return api.FamilyUnspec, api.ErrUnsupportedPlatform }
