//go:build linux
// +build linux

package proxylayer

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/control"
	"github.com/momentics/hioload-sock/internal/resolver"
	"github.com/momentics/hioload-sock/socket"
	"github.com/stretchr/testify/require"
)

func newContext(t *testing.T) *socket.Context {
	t.Helper()
	return newContextWith(t, nil)
}

func newContextWith(t *testing.T, r resolver.Resolver) *socket.Context {
	t.Helper()
	cfg := control.Default()
	c, err := socket.NewContext(socket.Options{Config: &cfg, Logger: control.Discard(), Resolver: r})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func pump(t *testing.T, c *socket.Context, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		_, err := c.RunOnce(2 * time.Millisecond)
		require.NoError(t, err)
	}
}

type client struct {
	sock   *socket.Socket
	proxy  *Layer
	events []string
	errs   []error
	notes  []socket.Notification
	data   []byte
	out    []byte
}

func (c *client) record(name string, err error) {
	c.events = append(c.events, name)
	if err != nil {
		c.errs = append(c.errs, err)
	}
}

func (c *client) has(name string) bool {
	for _, e := range c.events {
		if e == name {
			return true
		}
	}
	return false
}

func (c *client) OnReceive(err error) {
	c.record("receive", err)
	buf := make([]byte, 4096)
	for {
		n, err := c.sock.Receive(buf)
		c.data = append(c.data, buf[:n]...)
		if err != nil || n == 0 {
			return
		}
	}
}

func (c *client) OnSend(err error) {
	c.record("send", err)
	c.flush()
}

func (c *client) OnConnect(err error) {
	c.record("connect", err)
	if err == nil {
		c.flush()
	}
}

func (c *client) OnAccept(err error) { c.record("accept", err) }
func (c *client) OnClose(err error)  { c.record("close", err) }

func (c *client) OnLayerCallback(notes []socket.Notification) {
	c.notes = append(c.notes, notes...)
}

func (c *client) flush() {
	for len(c.out) > 0 {
		n, err := c.sock.Send(c.out)
		c.out = c.out[n:]
		if err != nil {
			return
		}
	}
}

func (c *client) failure() (int, bool) {
	for _, n := range c.notes {
		if n.Is(api.NotifyFailure) {
			return n.Param1, true
		}
	}
	return 0, false
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) ([]netip.Addr, error) {
	return nil, resolver.ErrNoAddresses
}

// dialThrough connects to host:port via a proxy layer described by opts.
func dialThrough(t *testing.T, c *socket.Context, opts Options, host string, port int) *client {
	t.Helper()
	cl, err := tryDial(t, c, opts, host, port)
	require.NoError(t, err)
	return cl
}

func tryDial(t *testing.T, c *socket.Context, opts Options, host string, port int) (*client, error) {
	t.Helper()
	l, err := New(opts)
	require.NoError(t, err)
	cl := &client{proxy: l}
	cl.sock = socket.New(c, cl)
	require.NoError(t, cl.sock.AddLayer(l))
	t.Cleanup(func() { cl.sock.Close() })
	require.NoError(t, cl.sock.Create(socket.CreateOptions{Family: api.FamilyIPv4}))
	return cl, cl.sock.Connect(host, port)
}

func listenTCP(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func portOf(ln net.Listener) int { return ln.Addr().(*net.TCPAddr).Port }

// echoServer answers every connection with its own bytes.
func echoServer(t *testing.T) int {
	ln := listenTCP(t)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return portOf(ln)
}

// socksServer is a minimal SOCKS5 proxy for tests.
type socksServer struct {
	user, pass string
	// rep, when set, fails every CONNECT with this reply code.
	rep byte
	// early is written right after a successful reply.
	early []byte

	mu      sync.Mutex
	targets []string
	methods [][]byte
}

func (s *socksServer) start(t *testing.T) int {
	ln := listenTCP(t)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(c)
		}
	}()
	return portOf(ln)
}

func (s *socksServer) seen() ([]string, [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...), append([][]byte(nil), s.methods...)
}

func (s *socksServer) serve(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return
	}
	s.mu.Lock()
	s.methods = append(s.methods, methods)
	s.mu.Unlock()

	if s.user != "" {
		offered := false
		for _, m := range methods {
			offered = offered || m == socksMethodPassword
		}
		if !offered {
			c.Write([]byte{socksVersion, socksMethodRefused})
			return
		}
		c.Write([]byte{socksVersion, socksMethodPassword})
		user, pass, ok := readPassword(r)
		if !ok || user != s.user || pass != s.pass {
			c.Write([]byte{socksAuthVersion, 1})
			return
		}
		c.Write([]byte{socksAuthVersion, 0})
	} else {
		c.Write([]byte{socksVersion, socksMethodNone})
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(r, req); err != nil {
		return
	}
	var host string
	switch req[3] {
	case socksAtypIPv4:
		ip := make([]byte, 4)
		io.ReadFull(r, ip)
		host = net.IP(ip).String()
	case socksAtypIPv6:
		ip := make([]byte, 16)
		io.ReadFull(r, ip)
		host = net.IP(ip).String()
	case socksAtypDomain:
		n, _ := r.ReadByte()
		name := make([]byte, n)
		io.ReadFull(r, name)
		host = string(name)
	}
	portb := make([]byte, 2)
	io.ReadFull(r, portb)
	target := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(portb))))
	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.mu.Unlock()

	if s.rep != 0 {
		c.Write([]byte{socksVersion, s.rep, 0, socksAtypIPv4, 0, 0, 0, 0, 0, 0})
		return
	}
	up, err := net.Dial("tcp", target)
	if err != nil {
		c.Write([]byte{socksVersion, 5, 0, socksAtypIPv4, 0, 0, 0, 0, 0, 0})
		return
	}
	defer up.Close()
	reply := []byte{socksVersion, socksRepSucceeded, 0, socksAtypIPv4, 127, 0, 0, 1, 0, 0}
	binary.BigEndian.PutUint16(reply[8:], uint16(up.LocalAddr().(*net.TCPAddr).Port))
	c.Write(append(reply, s.early...))
	go io.Copy(up, r)
	io.Copy(c, up)
}

func readPassword(r *bufio.Reader) (string, string, bool) {
	ver, err := r.ReadByte()
	if err != nil || ver != socksAuthVersion {
		return "", "", false
	}
	field := func() (string, bool) {
		n, err := r.ReadByte()
		if err != nil {
			return "", false
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", false
		}
		return string(b), true
	}
	user, ok := field()
	if !ok {
		return "", "", false
	}
	pass, ok := field()
	return user, pass, ok
}
