// File: proxylayer/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package proxylayer

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/momentics/hioload-sock/control"
)

// Type selects the proxy protocol.
type Type string

const (
	SOCKS5 Type = "socks5"
	HTTP   Type = "http"
)

var (
	ErrConfig       = errors.New("proxy: invalid configuration")
	ErrNoConn       = errors.New("proxy: connection to proxy failed")
	ErrRequest      = errors.New("proxy: request refused")
	ErrAuth         = errors.New("proxy: authentication failed")
	ErrProtocol     = errors.New("proxy: malformed reply")
	ErrResolveProxy = errors.New("proxy: target could not be resolved")
)

// Options configures the proxy layer.
type Options struct {
	Type     Type
	Host     string
	Port     int
	Username string
	Password string
}

func (o Options) validate() error {
	switch o.Type {
	case SOCKS5, HTTP:
	default:
		return fmt.Errorf("%w: type %q", ErrConfig, o.Type)
	}
	if o.Host == "" || o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("%w: address %s:%d", ErrConfig, o.Host, o.Port)
	}
	if len(o.Username) > 255 || len(o.Password) > 255 {
		return fmt.Errorf("%w: credentials longer than 255 bytes", ErrConfig)
	}
	return nil
}

// OptionsFromConfig converts the proxy section of the configuration.
func OptionsFromConfig(cfg control.ProxyConfig) (Options, error) {
	host, portStr, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Options{}, fmt.Errorf("%w: port %q", ErrConfig, portStr)
	}
	o := Options{
		Type:     Type(cfg.Type),
		Host:     host,
		Port:     port,
		Username: cfg.Username,
		Password: cfg.Password,
	}
	return o, o.validate()
}
