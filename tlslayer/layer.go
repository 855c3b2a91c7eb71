// File: tlslayer/layer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Layer adds TLS to a socket. Until InitConnection it forwards everything
// unchanged. Once enabled, ciphertext moves between the transport and an
// in-memory bridge on the loop while crypto/tls runs on two engine
// goroutines per session.

package tlslayer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/pool"
	"github.com/momentics/hioload-sock/socket"
	"github.com/sirupsen/logrus"
)

const (
	// maxWriteChunk bounds plaintext accepted by one Send.
	maxWriteChunk = 64 * 1024
	flushChunk    = 64 * 1024
)

type shutdownState int

const (
	shutdownNone shutdownState = iota
	shuttingDown
	shutDown
)

// Layer is a TLS socket layer. Create one per socket with New and add it
// with Socket.AddLayer before calling InitConnection.
type Layer struct {
	socket.LayerBase

	opts Options

	tlsOn        bool
	acquired     bool
	client       bool
	requireReuse bool
	started      bool
	failed       bool
	cache        *SessionCache

	host string
	port int

	sess        *session
	established bool

	// retry is ciphertext the transport did not take yet.
	retry        []byte
	writeBlocked bool
	writing      bool

	shutdown         shutdownState
	closeWriteQueued bool
	alertSent        bool
	replyClose       bool
	readEOF          bool
	truncated        bool
	transportEOF     bool
	upClosePending   bool
	upClosed         bool

	// Re-entrancy guards toward the transport and edge flags toward the
	// layer above.
	mayTriggerRead    bool
	mayTriggerWrite   bool
	mayTriggerReadUp  bool
	mayTriggerWriteUp bool

	verifyMu sync.Mutex
	verifies map[string]chan bool
}

// New returns a disabled TLS layer.
func New(opts Options) *Layer {
	opts.normalize()
	return &Layer{
		opts:     opts,
		verifies: make(map[string]chan bool),
	}
}

func (l *Layer) logger() *logrus.Entry {
	return l.Socket().Context().Logger().WithField("layer", l.ID())
}

func (l *Layer) notify(typ api.NotifyType, p1, p2 int, str string, data any) {
	l.DoLayerCallback(socket.Notification{
		Kind:   api.KindLayerSpecific,
		Type:   typ,
		Param1: p1,
		Param2: p2,
		Str:    str,
		Data:   data,
	})
}

// InitConnection enables TLS. A client layer with a peer shares the
// peer's session cache so the handshake can resume the peer's session;
// with requireReuse a full handshake is a failure. The handshake starts
// right away when the layer is connected, otherwise once it becomes so.
func (l *Layer) InitConnection(client bool, peer *Layer, requireReuse bool) error {
	if l.Socket() == nil || l.tlsOn {
		return api.ErrInvalidState
	}
	if err := Acquire(); err != nil {
		l.notify(api.NotifyFailure, api.FailureLoadLibrary, 0, err.Error(), nil)
		return err
	}
	l.acquired = true
	if !client {
		if err := shareTicketKeys(l.opts.Config); err != nil {
			l.notify(api.NotifyFailure, api.FailureInit, 0, err.Error(), nil)
			l.release()
			return err
		}
	}
	switch {
	case peer != nil && peer.cache != nil:
		l.cache = peer.cache
	case l.opts.SessionCache != nil:
		l.cache = l.opts.SessionCache
	default:
		l.cache = DefaultSessionCache()
	}
	if client && peer != nil && l.opts.ServerName == "" {
		l.opts.ServerName = peer.serverName()
	}
	l.tlsOn = true
	l.client = client
	l.requireReuse = requireReuse
	l.mayTriggerRead = true
	l.mayTriggerWrite = true
	l.mayTriggerReadUp = true
	l.maybeStart()
	return nil
}

func (l *Layer) release() {
	if l.acquired {
		l.acquired = false
		Release()
	}
}

func (l *Layer) serverName() string {
	switch {
	case l.opts.ServerName != "":
		return l.opts.ServerName
	case l.opts.Config.ServerName != "":
		return l.opts.Config.ServerName
	}
	return l.host
}

func (l *Layer) Connect(host string, port int) error {
	l.host, l.port = host, port
	return l.LayerBase.Connect(host, port)
}

func (l *Layer) maybeStart() {
	if !l.tlsOn || l.started || l.failed {
		return
	}
	if st := l.State(); st != api.StateConnected && st != api.StateAttached {
		return
	}
	l.started = true
	l.start()
}

func tcpAddr(ap netip.AddrPort, err error) net.Addr {
	if err != nil {
		return nil
	}
	return net.TCPAddrFromAddrPort(ap)
}

func (l *Layer) start() {
	sock := l.Socket()
	cfg := l.opts.Config.Clone()
	s := &session{
		layer:  l,
		loop:   sock.Context(),
		plain:  newPlainBuffer(l.opts.MaxPendingBytes),
		jobs:   make(chan writeJob, 2),
		client: l.client,
		mode:   l.opts.VerifyMode,
		host:   l.host,
		port:   l.port,
		roots:  cfg.RootCAs,
	}
	_, s.ask = sock.Hooks().(socket.LayerCallbackHandler)
	if s.roots == nil {
		s.roots = systemRoots()
	}
	if !l.client {
		if peer, err := sock.PeerAddr(); err == nil {
			s.host, s.port = peer.Addr().String(), int(peer.Port())
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.br = newBridge(tcpAddr(sock.LocalAddr()), tcpAddr(sock.PeerAddr()), l.opts.MaxPendingBytes,
		func() { s.post(func() { l.onCipherOut(s) }) },
		func() { s.post(func() { l.onInputDrained(s) }) })

	cfg.VerifyConnection = s.verify
	if l.client {
		cfg.InsecureSkipVerify = true
		if cfg.ServerName == "" {
			cfg.ServerName = l.serverName()
		}
		s.serverName = cfg.ServerName
		cfg.ClientSessionCache = l.cache
		cfg.Renegotiation = tls.RenegotiateNever
		if l.opts.AllowRenegotiation {
			cfg.Renegotiation = tls.RenegotiateFreelyAsClient
		}
		s.conn = tls.Client(s.br, cfg)
	} else {
		s.conn = tls.Server(s.br, cfg)
	}
	l.sess = s
	l.logger().WithField("client", l.client).Debug("tls handshake started")
	go s.readLoop()
	go s.writeLoop()
}

func (l *Layer) teardown() {
	s := l.sess
	if s == nil {
		return
	}
	l.sess = nil
	s.stop()
	l.clearVerifies()
}

// fail latches err, tears the session down and closes the layers above.
// code >= 0 also raises a FAILURE notification.
func (l *Layer) fail(code int, err error) {
	if l.failed {
		return
	}
	l.failed = true
	l.Socket().Context().Metrics().Inc("tls.failures")
	l.logger().WithError(err).Warn("tls failure")
	if code >= 0 {
		l.notify(api.NotifyFailure, code, 0, err.Error(), nil)
	}
	l.SetCriticalError(err)
	l.teardown()
	l.TriggerEvent(api.EventClose, err, true)
}

func (l *Layer) failTransport(err error) { l.fail(-1, err) }

func (l *Layer) onHandshake(s *session, err error) {
	if l.sess != s {
		return
	}
	l.clearVerifies()
	if err != nil {
		code := api.FailureEstablish
		switch {
		case errors.Is(err, ErrCertRejected):
			code = api.FailureCertRejected
		case errors.Is(err, ErrVerifyCert):
			code = api.FailureVerifyCert
		}
		l.fail(code, fmt.Errorf("%w: %w", ErrHandshake, err))
		return
	}
	st := s.conn.ConnectionState()
	if l.requireReuse && !st.DidResume {
		l.fail(api.FailureNoSessionReuse, ErrNoSessionReuse)
		return
	}
	l.established = true
	l.Socket().Context().Metrics().Inc("tls.handshakes")
	l.logger().WithFields(logrus.Fields{
		"protocol": tls.VersionName(st.Version),
		"cipher":   tls.CipherSuiteName(st.CipherSuite),
		"resumed":  st.DidResume,
	}).Info("tls established")
	l.notify(api.NotifyInfo, api.InfoEstablished, 0, "", nil)
	l.notify(api.NotifyVerboseInfo, 0, 0,
		fmt.Sprintf("Using %s, cipher %s", tls.VersionName(st.Version), tls.CipherSuiteName(st.CipherSuite)), nil)
	if st.Version < tls.VersionTLS12 {
		l.notify(api.NotifyVerboseWarning, 0, 0, "protocol version below TLS 1.2", nil)
	}
	l.mayTriggerWriteUp = true
	l.maybeSignalWritable()
	l.signalReadable()
}

func (l *Layer) onCipherOut(s *session) {
	if l.sess == s {
		l.flush()
	}
}

func (l *Layer) onInputDrained(s *session) {
	if l.sess == s {
		l.pumpIn(false)
	}
}

func (l *Layer) onPlaintext(s *session) {
	if l.sess == s {
		l.signalReadable()
	}
}

func (l *Layer) onWritten(s *session, j writeJob, err error) {
	if l.sess != s {
		return
	}
	if err != nil {
		l.fail(api.FailureUnknown, err)
		return
	}
	if j.closeWrite {
		l.alertSent = true
		l.flush()
		return
	}
	l.writing = false
	l.maybeSignalWritable()
}

func (l *Layer) onReadEnd(s *session, err error) {
	if l.sess != s {
		return
	}
	l.readEOF = true
	if errors.Is(err, ErrTruncated) {
		// Whatever plaintext arrived is still delivered; the close that
		// follows carries the error and a pending shutdown never completes.
		l.truncated = true
		l.Socket().Context().Metrics().Inc("tls.truncated")
		l.logger().Debug("tls stream truncated")
		l.notify(api.NotifyVerboseWarning, 0, 0, ErrTruncated.Error(), nil)
		l.upClosePending = true
		l.tryUpClose()
		return
	}
	if !errors.Is(err, io.EOF) {
		l.fail(api.FailureUnknown, err)
		return
	}
	switch {
	case l.shutdown == shuttingDown:
		l.checkShutdown()
		if l.transportEOF {
			l.upClosePending = true
			l.tryUpClose()
		}
	case l.transportEOF:
		l.upClosePending = true
		l.tryUpClose()
	default:
		// Peer sent close_notify: answer it, then report the close.
		l.replyClose = true
		l.queueCloseWrite()
	}
}

// flush moves engine output to the transport until it blocks. A short
// write is retried at once; only a refusal waits for the next OnSend.
func (l *Layer) flush() {
	s := l.sess
	if s == nil || !l.mayTriggerWrite {
		return
	}
	if st := l.State(); st != api.StateConnected && st != api.StateAttached {
		return
	}
	l.mayTriggerWrite = false
	defer func() { l.mayTriggerWrite = true }()
	for {
		if len(l.retry) == 0 {
			l.retry = s.br.takeOut(flushChunk)
			if len(l.retry) == 0 {
				break
			}
		}
		n, err := l.SendNext(l.retry)
		l.retry = l.retry[n:]
		if err != nil {
			if api.IsTransient(err) {
				l.writeBlocked = true
				return
			}
			l.failTransport(err)
			return
		}
		if n == 0 && len(l.retry) > 0 {
			l.writeBlocked = true
			return
		}
	}
	l.retry = nil
	l.writeBlocked = false
	l.checkShutdown()
	l.maybeSignalWritable()
}

func (l *Layer) maybeSignalWritable() {
	if !l.mayTriggerWriteUp || !l.established || l.sess == nil {
		return
	}
	if l.writing || l.writeBlocked || len(l.retry) > 0 {
		return
	}
	l.mayTriggerWriteUp = false
	l.TriggerEvent(api.EventWrite, nil, true)
}

func (l *Layer) signalReadable() {
	s := l.sess
	if s == nil || !l.established || !l.mayTriggerReadUp || s.plain.len() == 0 {
		return
	}
	l.mayTriggerReadUp = false
	l.TriggerEvent(api.EventRead, nil, true)
}

// pumpIn feeds transport bytes into the engine. Unless force is set it
// stops at MaxPendingBytes and resumes when the engine drains.
func (l *Layer) pumpIn(force bool) {
	s := l.sess
	if s == nil || !l.mayTriggerRead {
		return
	}
	l.mayTriggerRead = false
	defer func() { l.mayTriggerRead = true }()
	buf := pool.Default().Get()
	defer pool.Default().Put(buf)
	for {
		if !force && s.br.pauseIfFull(l.opts.MaxPendingBytes) {
			return
		}
		n, err := l.ReceiveNext(buf)
		if n > 0 {
			s.br.feed(buf[:n])
		}
		switch {
		case err == nil && n > 0:
			continue
		case err == nil, api.IsTransient(err):
			return
		case errors.Is(err, io.EOF):
			l.transportEOF = true
			s.br.closeRead()
			return
		default:
			l.failTransport(err)
			return
		}
	}
}

func (l *Layer) queueCloseWrite() {
	if l.closeWriteQueued || l.sess == nil {
		return
	}
	l.closeWriteQueued = true
	l.sess.jobs <- writeJob{closeWrite: true}
}

// checkShutdown completes a local shutdown once our alert is on the wire
// and the peer's has arrived, and reports a peer-initiated close once our
// answer is flushed.
func (l *Layer) checkShutdown() {
	s := l.sess
	if s == nil || !l.alertSent || len(l.retry) > 0 || s.br.outLen() > 0 {
		return
	}
	if l.shutdown == shuttingDown && l.readEOF && !l.truncated {
		l.shutdown = shutDown
		l.logger().Debug("tls shutdown complete")
		l.notify(api.NotifyInfo, api.InfoShutdownComplete, 0, "", nil)
	}
	if l.replyClose {
		l.upClosePending = true
		l.tryUpClose()
	}
}

func (l *Layer) tryUpClose() {
	if !l.upClosePending || l.upClosed {
		return
	}
	if s := l.sess; s != nil && s.plain.len() > 0 {
		return
	}
	l.upClosed = true
	var err error
	if l.truncated {
		err = ErrTruncated
	}
	l.TriggerEvent(api.EventClose, err, true)
}

func (l *Layer) Send(p []byte) (int, error) {
	if !l.tlsOn {
		return l.LayerBase.Send(p)
	}
	if err := l.CheckIO(); err != nil {
		return 0, err
	}
	if l.shutdown != shutdownNone || l.replyClose {
		return 0, api.ErrClosed
	}
	if !l.established || l.sess == nil {
		l.mayTriggerWriteUp = true
		return 0, api.ErrWouldBlock
	}
	if l.writeBlocked || len(l.retry) > 0 {
		l.mayTriggerWriteUp = true
		return 0, api.ErrBusy
	}
	if l.writing {
		l.mayTriggerWriteUp = true
		return 0, api.ErrWouldBlock
	}
	if len(p) == 0 {
		return 0, nil
	}
	n := min(len(p), maxWriteChunk)
	l.writing = true
	l.sess.jobs <- writeJob{data: append([]byte(nil), p[:n]...)}
	return n, nil
}

func (l *Layer) Receive(p []byte) (int, error) {
	if !l.tlsOn {
		return l.LayerBase.Receive(p)
	}
	if err := l.CheckIO(); err != nil {
		return 0, err
	}
	s := l.sess
	if s == nil {
		return 0, api.ErrWouldBlock
	}
	n := s.plain.pop(p)
	l.mayTriggerReadUp = true
	if n == 0 {
		if l.readEOF {
			l.tryUpClose()
			return 0, io.EOF
		}
		return 0, api.ErrWouldBlock
	}
	if s.plain.len() > 0 {
		l.signalReadable()
	} else {
		l.tryUpClose()
	}
	return n, nil
}

// ShutDown sends close_notify. It returns nil once queued, ErrWouldBlock
// while waiting for the peer's alert and nil again after completion.
func (l *Layer) ShutDown() error {
	if !l.tlsOn {
		return l.LayerBase.ShutDown()
	}
	if err := l.CheckIO(); err != nil {
		return err
	}
	if !l.established || l.sess == nil {
		return api.ErrNotConnected
	}
	switch l.shutdown {
	case shutDown:
		return nil
	case shuttingDown:
		return api.ErrWouldBlock
	}
	l.shutdown = shuttingDown
	l.queueCloseWrite()
	l.checkShutdown()
	return nil
}

// SendRaw writes p to the transport below, bypassing TLS. It fails with
// ErrBusy while ciphertext is queued.
func (l *Layer) SendRaw(p []byte) (int, error) {
	if l.writing || l.writeBlocked || len(l.retry) > 0 {
		return 0, api.ErrBusy
	}
	if s := l.sess; s != nil && s.br.outLen() > 0 {
		return 0, api.ErrBusy
	}
	return l.SendNext(p)
}

func (l *Layer) OnConnect(err error) {
	if err == nil {
		l.maybeStart()
	}
	l.LayerBase.OnConnect(err)
}

func (l *Layer) OnReceive(err error) {
	if !l.tlsOn {
		l.ForwardReceive(err)
		return
	}
	if err != nil {
		l.failTransport(err)
		return
	}
	l.maybeStart()
	l.pumpIn(false)
}

func (l *Layer) OnSend(err error) {
	if !l.tlsOn {
		l.ForwardSend(err)
		return
	}
	if err != nil {
		l.failTransport(err)
		return
	}
	l.maybeStart()
	l.writeBlocked = false
	l.flush()
}

func (l *Layer) OnClose(err error) {
	if !l.tlsOn || l.sess == nil {
		l.ForwardClose(err)
		return
	}
	if err != nil {
		l.failTransport(err)
		return
	}
	l.pumpIn(true)
	if s := l.sess; s != nil {
		l.transportEOF = true
		s.br.closeRead()
		if !l.established {
			return
		}
		if l.readEOF {
			l.upClosePending = true
			l.tryUpClose()
		}
	}
}

func (l *Layer) Close() {
	l.teardown()
	l.release()
	l.tlsOn, l.started, l.failed, l.established = false, false, false, false
	l.retry, l.writeBlocked, l.writing = nil, false, false
	l.shutdown, l.closeWriteQueued, l.alertSent, l.replyClose = shutdownNone, false, false, false
	l.readEOF, l.transportEOF, l.upClosePending, l.upClosed = false, false, false, false
	l.truncated = false
	l.LayerBase.Close()
}

// IsUsingTLS reports whether InitConnection enabled TLS.
func (l *Layer) IsUsingTLS() bool { return l.tlsOn }

// Established reports whether the handshake completed.
func (l *Layer) Established() bool { return l.established }

// ShutdownComplete reports whether both close_notify alerts were exchanged.
func (l *Layer) ShutdownComplete() bool { return l.shutdown == shutDown }

// ConnectionState returns the negotiated parameters after the handshake.
func (l *Layer) ConnectionState() (tls.ConnectionState, bool) {
	if l.sess == nil || !l.established {
		return tls.ConnectionState{}, false
	}
	return l.sess.conn.ConnectionState(), true
}

// PeerCertificate returns the peer's leaf certificate.
func (l *Layer) PeerCertificate() (*x509.Certificate, error) {
	st, ok := l.ConnectionState()
	if !ok {
		return nil, ErrNotUsingTLS
	}
	if len(st.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%w: no peer certificate", ErrVerifyCert)
	}
	return st.PeerCertificates[0], nil
}

// DidResume reports whether the session was resumed.
func (l *Layer) DidResume() bool {
	st, ok := l.ConnectionState()
	return ok && st.DidResume
}

func (l *Layer) CipherName() string {
	st, ok := l.ConnectionState()
	if !ok {
		return ""
	}
	return tls.CipherSuiteName(st.CipherSuite)
}

func (l *Layer) ProtocolName() string {
	st, ok := l.ConnectionState()
	if !ok {
		return ""
	}
	return tls.VersionName(st.Version)
}
