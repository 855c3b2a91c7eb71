// File: proxylayer/layer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Layer tunnels a connection through a SOCKS5 or HTTP CONNECT proxy. The
// layers above stay in Connecting until the proxy confirms the tunnel;
// only then is their Connect event raised.

package proxylayer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/internal/resolver"
	"github.com/momentics/hioload-sock/pool"
	"github.com/momentics/hioload-sock/socket"
	"github.com/sirupsen/logrus"
)

type phase int

const (
	phaseIdle phase = iota
	phaseTransport
	phaseGreeting
	phasePassword
	phaseRequest
	phaseHTTP
	phaseUp
	phaseFailed
)

// Layer is a proxy traversal layer. Add it below any TLS layer so the
// handshake runs through the tunnel.
type Layer struct {
	socket.LayerBase

	opts Options
	host string
	port int

	phase phase
	out   []byte
	in    []byte
	// over holds tunnel bytes that arrived with the proxy reply.
	over []byte
}

// New validates opts and returns a proxy layer.
func New(opts Options) (*Layer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Layer{opts: opts}, nil
}

func (l *Layer) logger() *logrus.Entry {
	return l.Socket().Context().Logger().WithFields(logrus.Fields{
		"layer": l.ID(),
		"proxy": net.JoinHostPort(l.opts.Host, fmt.Sprint(l.opts.Port)),
	})
}

// Target returns the host and port the tunnel leads to.
func (l *Layer) Target() (string, int) { return l.host, l.port }

// Up reports whether the tunnel is established.
func (l *Layer) Up() bool { return l.phase == phaseUp }

// Connect records the target and connects the layers below to the proxy.
func (l *Layer) Connect(host string, port int) error {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" || port <= 0 || port > 65535 {
		return api.ErrInvalidArgument
	}
	if err := l.ConnectNext(l.opts.Host, l.opts.Port); err != nil {
		return err
	}
	l.host, l.port = host, port
	l.phase = phaseTransport
	l.SetState(api.StateConnecting)
	return nil
}

func (l *Layer) OnConnect(err error) {
	if l.phase != phaseTransport {
		l.LayerBase.OnConnect(err)
		return
	}
	if err != nil {
		code := api.ProxyErrorNoConn
		var dnsErr *net.DNSError
		if errors.Is(err, resolver.ErrNoAddresses) || errors.As(err, &dnsErr) {
			code = api.ProxyErrorCantResolveHost
		}
		l.fail(code, fmt.Errorf("%w: %w", ErrNoConn, err))
		return
	}
	switch l.opts.Type {
	case SOCKS5:
		l.phase = phaseGreeting
		l.out = socksGreeting(l.opts.Username != "")
	case HTTP:
		l.phase = phaseHTTP
		l.out = httpConnectRequest(l.host, l.port, l.opts.Username, l.opts.Password)
	}
	l.logger().WithField("target", net.JoinHostPort(l.host, fmt.Sprint(l.port))).Debug("proxy negotiation started")
	l.flushOut()
}

// fail reports code on the notification channel and fails the pending
// connect of the layers above.
func (l *Layer) fail(code int, err error) {
	if l.phase == phaseFailed {
		return
	}
	l.phase = phaseFailed
	l.out, l.in, l.over = nil, nil, nil
	l.Socket().Context().Metrics().Inc("proxy.failures")
	l.logger().WithError(err).Warn("proxy negotiation failed")
	l.DoLayerCallback(socket.Notification{
		Kind:   api.KindLayerSpecific,
		Type:   api.NotifyFailure,
		Param1: code,
		Str:    err.Error(),
	})
	l.SetCriticalError(err)
	l.SetState(api.StateAborted)
	l.TriggerEvent(api.EventConnect, err, true)
}

func (l *Layer) negotiating() bool {
	return l.phase > phaseTransport && l.phase < phaseUp
}

func (l *Layer) flushOut() {
	for len(l.out) > 0 {
		n, err := l.SendNext(l.out)
		l.out = l.out[n:]
		if err != nil {
			if !api.IsTransient(err) {
				l.fail(api.ProxyErrorNoConn, fmt.Errorf("%w: %w", ErrNoConn, err))
			}
			return
		}
	}
}

func (l *Layer) OnSend(err error) {
	switch {
	case l.phase == phaseUp:
		l.ForwardSend(err)
	case err != nil:
		l.fail(api.ProxyErrorNoConn, fmt.Errorf("%w: %w", ErrNoConn, err))
	case l.negotiating():
		l.flushOut()
	}
}

func (l *Layer) OnReceive(err error) {
	switch {
	case l.phase == phaseUp:
		l.ForwardReceive(err)
		return
	case err != nil:
		l.fail(api.ProxyErrorNoConn, fmt.Errorf("%w: %w", ErrNoConn, err))
		return
	case !l.negotiating():
		return
	}
	buf := pool.Default().Get()
	defer pool.Default().Put(buf)
	for l.negotiating() {
		n, rerr := l.ReceiveNext(buf)
		if n > 0 {
			l.in = append(l.in, buf[:n]...)
			l.advance()
		}
		switch {
		case rerr == nil && n > 0:
			continue
		case rerr == nil, api.IsTransient(rerr):
			return
		case errors.Is(rerr, io.EOF):
			l.fail(api.ProxyErrorNoConn, fmt.Errorf("%w: proxy closed the connection", ErrNoConn))
		default:
			l.fail(api.ProxyErrorNoConn, fmt.Errorf("%w: %w", ErrNoConn, rerr))
		}
		return
	}
}

func (l *Layer) OnClose(err error) {
	if l.phase == phaseUp {
		l.ForwardClose(err)
		return
	}
	if l.negotiating() {
		if err == nil {
			err = errors.New("proxy closed the connection")
		}
		l.fail(api.ProxyErrorNoConn, fmt.Errorf("%w: %w", ErrNoConn, err))
	}
}

// advance consumes complete replies from l.in.
func (l *Layer) advance() {
	for l.negotiating() {
		switch l.phase {
		case phaseGreeting:
			if len(l.in) < 2 {
				return
			}
			ver, method := l.in[0], l.in[1]
			l.in = l.in[2:]
			if ver != socksVersion {
				l.fail(api.ProxyErrorProtocol, fmt.Errorf("%w: greeting version %d", ErrProtocol, ver))
				return
			}
			switch {
			case method == socksMethodNone:
				l.sendRequest()
			case method == socksMethodPassword && l.opts.Username != "":
				l.phase = phasePassword
				l.out = socksPasswordRequest(l.opts.Username, l.opts.Password)
				l.flushOut()
			case method == socksMethodRefused:
				l.fail(api.ProxyErrorAuthFailed, fmt.Errorf("%w: no acceptable method", ErrAuth))
				return
			default:
				l.fail(api.ProxyErrorProtocol, fmt.Errorf("%w: method %d not offered", ErrProtocol, method))
				return
			}
		case phasePassword:
			if len(l.in) < 2 {
				return
			}
			status := l.in[1]
			l.in = l.in[2:]
			if status != 0 {
				l.fail(api.ProxyErrorAuthFailed, fmt.Errorf("%w: status %d", ErrAuth, status))
				return
			}
			l.sendRequest()
		case phaseRequest:
			n, err := socksReplyLen(l.in)
			if err != nil {
				l.fail(api.ProxyErrorProtocol, err)
				return
			}
			if n == 0 || len(l.in) < n {
				return
			}
			if rep := l.in[1]; rep != socksRepSucceeded {
				code, err := socksReplyError(rep)
				l.fail(code, err)
				return
			}
			l.up(n)
		case phaseHTTP:
			n, code, err := parseHTTPReply(l.in)
			if err != nil {
				l.fail(code, err)
				return
			}
			if n == 0 {
				return
			}
			l.up(n)
		}
	}
}

func (l *Layer) sendRequest() {
	req, err := socksConnectRequest(l.host, l.port)
	if err != nil {
		l.fail(api.ProxyErrorRequestFailed, err)
		return
	}
	l.phase = phaseRequest
	l.out = req
	l.flushOut()
}

// up completes negotiation; reply is the length of the proxy's reply.
func (l *Layer) up(reply int) {
	l.phase = phaseUp
	if rest := l.in[reply:]; len(rest) > 0 {
		l.over = append([]byte(nil), rest...)
	}
	l.in = nil
	l.Socket().Context().Metrics().Inc("proxy.tunnels")
	l.logger().WithField("target", net.JoinHostPort(l.host, fmt.Sprint(l.port))).Info("proxy tunnel up")
	l.TriggerEvent(api.EventConnect, nil, true)
	if len(l.over) > 0 {
		l.TriggerEvent(api.EventRead, nil, true)
	}
}

func (l *Layer) Send(p []byte) (int, error) {
	if err := l.CheckIO(); err != nil {
		return 0, err
	}
	if l.phase != phaseUp {
		return 0, api.ErrWouldBlock
	}
	return l.SendNext(p)
}

// Receive serves bytes that followed the proxy reply before reading on.
func (l *Layer) Receive(p []byte) (int, error) {
	if err := l.CheckIO(); err != nil {
		return 0, err
	}
	if l.phase != phaseUp {
		return 0, api.ErrWouldBlock
	}
	if len(l.over) > 0 {
		n := copy(p, l.over)
		l.over = l.over[n:]
		if len(l.over) == 0 {
			l.over = nil
		}
		return n, nil
	}
	return l.ReceiveNext(p)
}

func (l *Layer) ShutDown() error {
	if l.phase != phaseUp {
		return api.ErrNotConnected
	}
	return l.LayerBase.ShutDown()
}

func (l *Layer) Close() {
	l.phase = phaseIdle
	l.out, l.in, l.over = nil, nil, nil
	l.host, l.port = "", 0
	l.LayerBase.Close()
}
