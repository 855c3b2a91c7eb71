// File: proxylayer/socks5.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SOCKS5 client messages (RFC 1928, RFC 1929 username/password).

package proxylayer

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/momentics/hioload-sock/api"
)

const (
	socksVersion     = 0x05
	socksAuthVersion = 0x01

	socksMethodNone     = 0x00
	socksMethodPassword = 0x02
	socksMethodRefused  = 0xff

	socksCmdConnect = 0x01

	socksAtypIPv4   = 0x01
	socksAtypDomain = 0x03
	socksAtypIPv6   = 0x04

	socksRepSucceeded       = 0x00
	socksRepHostUnreachable = 0x04
)

func socksGreeting(withPassword bool) []byte {
	if withPassword {
		return []byte{socksVersion, 2, socksMethodNone, socksMethodPassword}
	}
	return []byte{socksVersion, 1, socksMethodNone}
}

func socksPasswordRequest(user, pass string) []byte {
	b := make([]byte, 0, 3+len(user)+len(pass))
	b = append(b, socksAuthVersion, byte(len(user)))
	b = append(b, user...)
	b = append(b, byte(len(pass)))
	return append(b, pass...)
}

func socksConnectRequest(host string, port int) ([]byte, error) {
	b := []byte{socksVersion, socksCmdConnect, 0}
	if ip, err := netip.ParseAddr(host); err == nil {
		ip = ip.Unmap()
		if ip.Is4() {
			b = append(b, socksAtypIPv4)
		} else {
			b = append(b, socksAtypIPv6)
		}
		b = append(b, ip.AsSlice()...)
	} else {
		if len(host) > 255 {
			return nil, fmt.Errorf("%w: host name longer than 255 bytes", api.ErrInvalidArgument)
		}
		b = append(b, socksAtypDomain, byte(len(host)))
		b = append(b, host...)
	}
	return binary.BigEndian.AppendUint16(b, uint16(port)), nil
}

// socksReplyLen returns the full length of the CONNECT reply at the head
// of b, or 0 while too few bytes are known to tell.
func socksReplyLen(b []byte) (int, error) {
	if len(b) < 5 {
		return 0, nil
	}
	if b[0] != socksVersion {
		return 0, fmt.Errorf("%w: reply version %d", ErrProtocol, b[0])
	}
	switch b[3] {
	case socksAtypIPv4:
		return 4 + 4 + 2, nil
	case socksAtypIPv6:
		return 4 + 16 + 2, nil
	case socksAtypDomain:
		return 4 + 1 + int(b[4]) + 2, nil
	}
	return 0, fmt.Errorf("%w: address type %d", ErrProtocol, b[3])
}

// socksReplyError maps a reply code to an error and a FAILURE value.
func socksReplyError(rep byte) (int, error) {
	if rep == socksRepHostUnreachable {
		return api.ProxyErrorCantResolveHost, fmt.Errorf("%w: host unreachable", ErrResolveProxy)
	}
	return api.ProxyErrorRequestFailed, fmt.Errorf("%w: reply code %d", ErrRequest, rep)
}
