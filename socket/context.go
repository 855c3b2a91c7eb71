// File: socket/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Context is one execution context: a private registry, one poller and
// the single-goroutine loop that dispatches readiness events, deferred
// layer messages, posted tasks and close re-deliveries.

package socket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/momentics/hioload-sock/api"
	"github.com/momentics/hioload-sock/control"
	"github.com/momentics/hioload-sock/internal/resolver"
	"github.com/momentics/hioload-sock/internal/transport"
	"github.com/momentics/hioload-sock/reactor"
	"github.com/sirupsen/logrus"
)

// Options configures a Context. Zero values select defaults.
type Options struct {
	Config   *control.Config
	Logger   *logrus.Logger
	Metrics  *control.MetricsRegistry
	Probes   *control.DebugProbes
	Poller   api.Poller
	Resolver resolver.Resolver
	// Ops overrides native descriptor operations; tests inject failures here.
	Ops transport.Ops
}

// Stats is a point-in-time view of a Context.
type Stats struct {
	Live         int
	Slots        int
	Deferred     int
	CloseWaiting int
}

// Context owns a registry and its dispatch loop.
type Context struct {
	id       string
	cfg      control.Config
	log      *logrus.Entry
	metrics  *control.MetricsRegistry
	probes   *control.DebugProbes
	poller   api.Poller
	ops      transport.Ops
	resolver resolver.Resolver

	reg      *registry
	deferred *queue.Queue // *message; loop goroutine only

	inboxMu sync.Mutex
	inbox   []func()

	closeWait []*Socket
	closeAt   time.Time

	base   context.Context
	cancel context.CancelFunc
	closed bool
}

// NewContext creates an execution context with its own poller.
func NewContext(opts Options) (*Context, error) {
	cfg := control.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	poller := opts.Poller
	if poller == nil {
		p, err := reactor.New()
		if err != nil {
			return nil, err
		}
		poller = p
	}
	c := &Context{
		id:       uuid.NewString(),
		cfg:      cfg,
		metrics:  opts.Metrics,
		probes:   opts.Probes,
		poller:   poller,
		ops:      opts.Ops,
		resolver: opts.Resolver,
		reg:      newRegistry(cfg.Registry.GrowStep, cfg.Registry.MaxSockets),
		deferred: queue.New(),
	}
	c.log = logger.WithField("context", c.id)
	if c.metrics == nil {
		c.metrics = control.NewMetricsRegistry()
	}
	if c.ops == nil {
		c.ops = transport.Default
	}
	if c.resolver == nil {
		c.resolver = newResolver(cfg.Resolver)
	}
	c.base, c.cancel = context.WithCancel(context.Background())
	if c.probes != nil {
		c.probes.RegisterProbe(c.probeName(), func() any { return c.Stats() })
	}
	return c, nil
}

func newResolver(cfg control.ResolverConfig) resolver.Resolver {
	if len(cfg.Servers) > 0 {
		return resolver.DNS{Servers: cfg.Servers, Net: cfg.Net, Timeout: cfg.Timeout}
	}
	return resolver.System{Timeout: cfg.Timeout}
}

func (c *Context) probeName() string { return "socket.context." + c.id }

// ID identifies the context in logs and probes.
func (c *Context) ID() string { return c.id }

// Config returns the configuration the context was built with.
func (c *Context) Config() control.Config { return c.cfg }

// Logger returns the context's log entry.
func (c *Context) Logger() *logrus.Entry { return c.log }

// Metrics returns the counters this context updates.
func (c *Context) Metrics() *control.MetricsRegistry { return c.metrics }

// Follow applies log settings from every config reload of store.
func (c *Context) Follow(store *control.ConfigStore) {
	store.OnReload(func(_, cur control.Config) {
		if err := control.ApplyLogConfig(c.log.Logger, cur.Log); err != nil {
			c.log.WithError(err).Warn("log config not applied")
		}
	})
}

// Stats reports table occupancy and queue depths. Loop goroutine only.
func (c *Context) Stats() Stats {
	return Stats{
		Live:         c.reg.live,
		Slots:        len(c.reg.slots),
		Deferred:     c.deferred.Length(),
		CloseWaiting: len(c.closeWait),
	}
}

// Post queues fn to run on the loop goroutine. Safe from any goroutine.
func (c *Context) Post(fn func()) error {
	c.inboxMu.Lock()
	if c.closed {
		c.inboxMu.Unlock()
		return api.ErrContextClosed
	}
	first := len(c.inbox) == 0
	c.inbox = append(c.inbox, fn)
	c.inboxMu.Unlock()
	c.metrics.Inc("loop.posted")
	if first {
		return c.poller.Wake()
	}
	return nil
}

func (c *Context) inboxPending() bool {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	return len(c.inbox) > 0
}

// RunOnce polls at most timeout, then runs everything that became ready.
// It returns the number of items processed.
func (c *Context) RunOnce(timeout time.Duration) (int, error) {
	if c.closed {
		return 0, api.ErrContextClosed
	}
	wait := timeout
	if c.deferred.Length() > 0 || c.inboxPending() {
		wait = 0
	}
	if len(c.closeWait) > 0 {
		until := time.Until(c.closeAt)
		if until < 0 {
			until = 0
		}
		if wait < 0 || until < wait {
			wait = until
		}
	}
	n, err := c.poller.Poll(wait, c.onReady)
	if err != nil {
		c.log.WithError(err).Error("poll failed")
		return n, err
	}
	n += c.runInbox()
	n += c.runDeferred()
	n += c.runCloseRedelivery(time.Now())
	return n, nil
}

// Run drives the loop until ctx is done or the context is closed.
func (c *Context) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.poller.Wake() })
	defer stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.RunOnce(time.Second); err != nil {
			if errors.Is(err, api.ErrContextClosed) {
				return nil
			}
			return err
		}
	}
}

// Close closes every live socket and releases the poller.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.reg.each(func(s *Socket) { _ = s.Close() })
	c.inboxMu.Lock()
	c.closed = true
	c.inbox = nil
	c.inboxMu.Unlock()
	c.cancel()
	if c.probes != nil {
		c.probes.UnregisterProbe(c.probeName())
	}
	return c.poller.Close()
}

func (c *Context) runInbox() int {
	c.inboxMu.Lock()
	tasks := c.inbox
	c.inbox = nil
	c.inboxMu.Unlock()
	for _, fn := range tasks {
		fn()
	}
	return len(tasks)
}

// onReady is the poller callback. The key is the registry index.
func (c *Context) onReady(fd int, key uint32, r api.Readiness) {
	s := c.reg.lookup(int(key))
	if s == nil || s.fd != fd {
		c.staleDrop("readiness", int(key), fd)
		return
	}
	s.onReadiness(r)
}

func (c *Context) staleDrop(what string, index, fd int) {
	c.metrics.Inc("registry.stale_dropped")
	c.log.WithFields(logrus.Fields{"index": index, "fd": fd, "kind": what}).Debug("dropping stale event")
}

// attach binds s into the registry.
func (c *Context) attach(s *Socket) (int, error) {
	index, err := c.reg.attach(s)
	if err != nil {
		c.metrics.Inc("registry.full")
		c.log.WithField("limit", c.reg.max).Warn("socket registry full")
		return -1, err
	}
	c.metrics.Inc("registry.attached")
	return index, nil
}

func (c *Context) detach(s *Socket, index int) {
	c.reg.detach(s, index)
}

// dispatch delivers a raw event for index after de-aliasing it against
// the live slot and descriptor.
func (c *Context) dispatch(index, fd int, ev api.EventMask, err error) bool {
	s := c.reg.lookup(index)
	if s == nil || s.fd != fd || fd < 0 {
		c.staleDrop(ev.String(), index, fd)
		return false
	}
	s.handleEvent(ev, err)
	return true
}

func (c *Context) scheduleCloseRedelivery(s *Socket) {
	if s.closeQueued {
		return
	}
	s.closeQueued = true
	if len(c.closeWait) == 0 {
		c.closeAt = time.Now().Add(c.cfg.Registry.CloseRedelivery)
	}
	c.closeWait = append(c.closeWait, s)
}

func (c *Context) cancelCloseRedelivery(s *Socket) {
	if !s.closeQueued {
		return
	}
	s.closeQueued = false
	for i, w := range c.closeWait {
		if w == s {
			c.closeWait = append(c.closeWait[:i], c.closeWait[i+1:]...)
			return
		}
	}
}

func (c *Context) runCloseRedelivery(now time.Time) int {
	if len(c.closeWait) == 0 || now.Before(c.closeAt) {
		return 0
	}
	due := c.closeWait
	c.closeWait = nil
	for _, s := range due {
		s.closeQueued = false
		c.dispatch(s.index, s.fd, api.EventClose, nil)
	}
	if len(c.closeWait) > 0 {
		c.closeAt = now.Add(c.cfg.Registry.CloseRedelivery)
	}
	return len(due)
}
