package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/converge/internal/types"
)

// EntryHandler applies one entry to application state. Returning an error
// ends the subscription; the entry is not counted as applied.
type EntryHandler func(ctx context.Context, entry *types.ContextEntry) error

type WatchOptions struct {
	ContextID     types.ContextID
	CorrelationID types.CorrelationID
	// SinceSequence starts the watch after this sequence. Zero replays from
	// the beginning.
	SinceSequence int64
}

type watchKey struct {
	contextID     types.ContextID
	correlationID types.CorrelationID
}

// Subscription is one logical watch. It survives reconnects: while the
// client is Offline or Reconnecting it parks, in Degraded it polls, and
// whenever the client is Streaming it (re)opens a watch from its cursor.
type Subscription struct {
	client  *Client
	key     watchKey
	handler EntryHandler
	tracker *ResumeTracker
	dedup   *dedupWindow

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// Watch registers a subscription for (ContextID, CorrelationID). Only one
// subscription per pair may be active; ctx bounds its lifetime.
func (c *Client) Watch(ctx context.Context, opts WatchOptions, handler EntryHandler) (*Subscription, error) {
	if err := opts.ContextID.Validate(); err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if handler == nil {
		return nil, fmt.Errorf("watch: %w: nil handler", types.ErrInvalidArgument)
	}
	if opts.SinceSequence < 0 {
		return nil, fmt.Errorf("watch: %w: negative since sequence", types.ErrInvalidArgument)
	}

	key := watchKey{contextID: opts.ContextID, correlationID: opts.CorrelationID}
	if !c.watchSem.TryAcquire(1) {
		return nil, ErrTooManyWatches
	}

	c.subsMu.Lock()
	if c.isClosed() {
		c.subsMu.Unlock()
		c.watchSem.Release(1)
		return nil, ErrClosed
	}
	if _, ok := c.subs[key]; ok {
		c.subsMu.Unlock()
		c.watchSem.Release(1)
		return nil, fmt.Errorf("watch %s: %w", opts.ContextID, ErrSubscriptionActive)
	}
	sctx, cancel := context.WithCancelCause(ctx)
	s := &Subscription{
		client:  c,
		key:     key,
		handler: handler,
		tracker: NewResumeTracker(opts.SinceSequence),
		dedup:   newDedupWindow(c.dedupSize),
		ctx:     sctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.subs[key] = s
	c.subsWG.Add(1)
	c.subsMu.Unlock()

	c.metrics.WatchAdded(1)
	go s.run()
	return s, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Cancel stops the subscription without touching the connection state.
func (s *Subscription) Cancel() {
	s.cancel(nil)
}

// Done is closed once the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription stopped: nil after Cancel or context
// cancellation, ErrClosed after Client.Close, otherwise the handler or
// permanent service error. It is nil while the subscription runs.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Subscription) LastKnownSequence() int64 {
	return s.tracker.LastKnownSequence()
}

func (s *Subscription) run() {
	c := s.client
	err := s.loop()
	if err != nil {
		c.logger.Warn("watch ended", "context_id", string(s.key.contextID), "correlation_id", string(s.key.correlationID), "error", err)
	}

	c.subsMu.Lock()
	if c.subs[s.key] == s {
		delete(c.subs, s.key)
	}
	c.subsMu.Unlock()
	c.watchSem.Release(1)
	c.metrics.WatchAdded(-1)

	s.err = err
	s.cancel(nil)
	close(s.done)
	c.subsWG.Done()
}

func (s *Subscription) loop() error {
	c := s.client
	states, unsubscribe := c.sm.Subscribe()
	defer unsubscribe()

	resets := 0
	for {
		if s.ctx.Err() != nil {
			return s.stopErr()
		}

		switch c.sm.Current() {
		case types.StateStreaming:
			if d := c.currentDuplex(); d != nil {
				before := s.tracker.LastKnownSequence()
				err := s.stream(d)
				if s.ctx.Err() != nil {
					return s.stopErr()
				}
				if fatal := terminal(err); fatal != nil {
					return fatal
				}
				if !errors.Is(err, types.ErrStreamReset) {
					c.channelDropped(d, err)
					continue
				}
				if s.tracker.LastKnownSequence() > before {
					resets = 0
				}
				resets++
				if err := s.resubscribeDelay(resets, err); err != nil {
					return s.stopErr()
				}
				continue
			}
		case types.StateDegraded:
			if u := c.currentFallback(); u != nil {
				if err := s.poll(u, states); err != nil {
					if s.ctx.Err() != nil {
						return s.stopErr()
					}
					return err
				}
				continue
			}
		}

		select {
		case <-s.ctx.Done():
			return s.stopErr()
		case _, ok := <-states:
			if !ok {
				return ErrClosed
			}
		}
	}
}

// resubscribeDelay waits before reopening a watch the service reset. The
// first reopen is immediate; repeated resets without progress back off.
func (s *Subscription) resubscribeDelay(resets int, cause error) error {
	c := s.client
	c.metrics.Resubscribed()
	c.logger.Info("watch reset, resubscribing",
		"context_id", string(s.key.contextID),
		"since_sequence", s.tracker.LastKnownSequence(),
		"error", cause,
	)
	if resets <= 1 {
		return nil
	}
	return c.clock.Sleep(s.ctx, c.backoff.NextDelay(resets-1))
}

func (s *Subscription) stopErr() error {
	if errors.Is(context.Cause(s.ctx), ErrClosed) {
		return ErrClosed
	}
	return nil
}

// terminal returns the error that should end the subscription, or nil when
// the watch should be reopened.
func terminal(err error) error {
	var he *handlerError
	if errors.As(err, &he) {
		return err
	}
	if types.IsPermanent(err) {
		return err
	}
	return nil
}

func (s *Subscription) stream(d types.Duplex) error {
	req := s.tracker.ResumeRequest(s.key.contextID, s.key.correlationID)
	st, err := d.Watch(s.ctx, req)
	if err != nil {
		return fmt.Errorf("open watch: %w", err)
	}
	defer st.Close()

	s.client.logger.Debug("watch opened", "context_id", string(req.ContextID), "since_sequence", req.SinceSequence)
	for {
		entry, err := st.Recv()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if err := s.apply(entry); err != nil {
			return err
		}
	}
}

// poll pulls entries over the request/response path until the connection
// state changes or a fatal error occurs.
func (s *Subscription) poll(u types.Unary, states <-chan types.ConnectionState) error {
	c := s.client
	limiter := rate.NewLimiter(rate.Every(c.pollInterval), 1)
	for {
		r := limiter.Reserve()
		timer := time.NewTimer(r.Delay())
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil
		case _, ok := <-states:
			timer.Stop()
			r.Cancel()
			if !ok {
				return ErrClosed
			}
			return nil
		case <-timer.C:
		}

		entries, err := u.Get(s.ctx, s.key.contextID, types.GetOptions{
			CorrelationID: s.key.correlationID,
			AfterSequence: s.tracker.LastKnownSequence(),
			Limit:         c.pollLimit,
		})
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			if types.IsPermanent(err) {
				return fmt.Errorf("poll: %w", err)
			}
			c.logger.Warn("poll failed", "context_id", string(s.key.contextID), "error", err)
			continue
		}
		for _, e := range entries {
			if err := s.apply(e); err != nil {
				return err
			}
		}
	}
}

// apply hands e to the handler unless it was already applied, then moves
// the cursor past it.
func (s *Subscription) apply(e *types.ContextEntry) error {
	c := s.client
	if e == nil {
		return nil
	}
	if s.dedup.contains(e.EntryID) || (e.Sequence > 0 && e.Sequence <= s.tracker.LastKnownSequence()) {
		c.metrics.Duplicate()
		c.logger.Debug("duplicate entry skipped", "entry_id", string(e.EntryID), "sequence", e.Sequence)
		return nil
	}
	if err := s.handler(s.ctx, e); err != nil {
		return &handlerError{entryID: e.EntryID, err: err}
	}
	s.dedup.add(e.EntryID)
	s.tracker.Advance(e.Sequence)
	c.runs.observe(e)
	c.metrics.Applied()
	return nil
}

type handlerError struct {
	entryID types.EntryID
	err     error
}

func (e *handlerError) Error() string {
	return fmt.Sprintf("apply entry %s: %v", e.entryID, e.err)
}

func (e *handlerError) Unwrap() error { return e.err }
