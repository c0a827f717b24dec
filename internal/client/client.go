// Package client maintains a resumable connection to a context service. It
// owns the connection state, reconnects with capped exponential backoff,
// resumes watches from the last applied sequence and stamps every write
// with the current actor and an idempotency key.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/converge/internal/metrics"
	"github.com/user/converge/internal/types"
)

// Client is safe for concurrent use.
type Client struct {
	duplexDialer types.DuplexDialer
	unaryDialer  types.UnaryDialer

	backoff      Backoff
	clock        Clock
	dialTimeout  time.Duration
	pollInterval time.Duration
	pollLimit    int
	dedupSize    int
	logger       *slog.Logger
	metrics      *metrics.ClientMetrics

	sm   *StateMachine
	runs *runTracker

	mu       sync.Mutex
	duplex   types.Duplex
	fallback types.Unary
	rc       *reconnector
	closed   bool

	actorMu sync.RWMutex
	actor   types.Actor

	subsMu   sync.Mutex
	subs     map[watchKey]*Subscription
	watchSem *semaphore.Weighted
	subsWG   sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

func WithActor(a types.Actor) Option {
	return func(c *Client) { c.actor = a.Clone() }
}

func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithDialTimeout bounds each transport construction attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithPolling sets how often and how many entries a watch pulls in Degraded.
func WithPolling(interval time.Duration, limit int) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.pollLimit = limit
	}
}

// WithMaxWatches limits concurrently registered subscriptions.
func WithMaxWatches(n int64) Option {
	return func(c *Client) { c.watchSem = semaphore.NewWeighted(n) }
}

// WithRunLimit caps how many runs RunStatus remembers.
func WithRunLimit(n int) Option {
	return func(c *Client) { c.runs.limit = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.ClientMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates an Offline client. unary may be nil, in which case the
// client never enters Degraded.
func New(duplex types.DuplexDialer, unary types.UnaryDialer, opts ...Option) *Client {
	c := &Client{
		duplexDialer: duplex,
		unaryDialer:  unary,
		backoff:      DefaultBackoff(),
		clock:        realClock{},
		dialTimeout:  10 * time.Second,
		pollInterval: 2 * time.Second,
		pollLimit:    100,
		dedupSize:    defaultDedupWindow,
		logger:       slog.Default(),
		actor:        types.Actor{Kind: types.ActorUser},
		subs:         make(map[watchKey]*Subscription),
		watchSem:     semaphore.NewWeighted(64),
		runs:         newRunTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sm = NewStateMachine(c.logger)
	c.sm.onChange = c.metrics.SetState
	c.metrics.SetState(types.StateOffline)
	return c
}

// State returns the current connection state.
func (c *Client) State() types.ConnectionState {
	return c.sm.Current()
}

// SubscribeState streams state changes; call the returned func to stop.
func (c *Client) SubscribeState() (<-chan types.ConnectionState, func()) {
	return c.sm.Subscribe()
}

// WaitReady blocks until the client can serve request/response calls.
func (c *Client) WaitReady(ctx context.Context) (types.ConnectionState, error) {
	return c.sm.WaitFor(ctx, types.StateStreaming, types.StateDegraded)
}

func (c *Client) Actor() types.Actor {
	c.actorMu.RLock()
	defer c.actorMu.RUnlock()
	return c.actor.Clone()
}

// SetActor replaces the actor stamped on subsequent writes.
func (c *Client) SetActor(a types.Actor) {
	c.actorMu.Lock()
	c.actor = a.Clone()
	c.actorMu.Unlock()
}

// RunStatus returns the derived status of a run seen by any watch.
func (c *Client) RunStatus(id types.RunID) (types.RunStatus, bool) {
	return c.runs.get(id)
}

// SubscribeRuns streams run status updates. A slow reader loses the oldest
// pending updates.
func (c *Client) SubscribeRuns() (<-chan types.RunStatus, func()) {
	return c.runs.watchers.subscribe(nil)
}

// Connect moves an Offline client to Reconnecting and waits for the first
// connection attempt to finish. Transport failures are not returned; they
// are retried in the background until Disconnect. Connect on a client that
// is not Offline does nothing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.sm.fire(TriggerConnect) {
		c.mu.Unlock()
		return nil
	}
	rc := c.startReconnectLocked(false)
	c.mu.Unlock()

	return rc.waitFirst(ctx, "connect")
}

// Reconnect abandons the current channel and starts a fresh attempt cycle
// without delay. On an Offline client it behaves like Connect.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	var stale []closer
	switch c.sm.Current() {
	case types.StateOffline:
		c.mu.Unlock()
		return c.Connect(ctx)
	case types.StateStreaming:
		if c.duplex != nil {
			stale = append(stale, c.duplex)
			c.duplex = nil
		}
		c.sm.fire(TriggerDropped)
	default:
		if c.rc != nil {
			c.rc.cancel()
			c.rc = nil
		}
	}
	rc := c.startReconnectLocked(false)
	c.mu.Unlock()

	closeAll(c.logger, stale)
	return rc.waitFirst(ctx, "reconnect")
}

// Disconnect moves the client to Offline, stops the reconnect loop and
// closes all transports. Watches park until the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.sm.fire(TriggerDisconnect)
	rc := c.rc
	c.rc = nil
	var stale []closer
	if c.duplex != nil {
		stale = append(stale, c.duplex)
		c.duplex = nil
	}
	if c.fallback != nil {
		stale = append(stale, c.fallback)
		c.fallback = nil
	}
	c.mu.Unlock()

	if rc != nil {
		rc.cancel()
		<-rc.done
	}
	closeAll(c.logger, stale)
}

// Close disconnects, ends every subscription with ErrClosed and releases
// observers. It must not be called from an EntryHandler.
func (c *Client) Close() error {
	c.Disconnect()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.subsMu.Lock()
	for _, s := range c.subs {
		s.cancel(ErrClosed)
	}
	c.subsMu.Unlock()
	c.subsWG.Wait()

	c.sm.close()
	c.runs.watchers.close()
	return nil
}

// channelDropped handles the end of a watch on d. Reports for a channel
// that is no longer current are ignored.
func (c *Client) channelDropped(d types.Duplex, cause error) {
	c.mu.Lock()
	if c.duplex != d || c.sm.Current() != types.StateStreaming {
		c.mu.Unlock()
		return
	}
	c.duplex = nil
	c.sm.fire(TriggerDropped)
	c.startReconnectLocked(true)
	c.mu.Unlock()

	c.logger.Warn("stream dropped", "error", cause)
	c.metrics.StreamDropped()
	closeAll(c.logger, []closer{d})
}

func (c *Client) currentDuplex() types.Duplex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sm.Current() != types.StateStreaming {
		return nil
	}
	return c.duplex
}

func (c *Client) currentFallback() types.Unary {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sm.Current() != types.StateDegraded {
		return nil
	}
	return c.fallback
}

type closer interface {
	Close() error
}

func closeAll(logger *slog.Logger, cs []closer) {
	for _, cl := range cs {
		if err := cl.Close(); err != nil {
			logger.Debug("close transport", "error", fmt.Errorf("close: %w", err))
		}
	}
}
