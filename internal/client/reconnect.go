package client

import (
	"context"
	"sync"

	"github.com/user/converge/internal/types"
)

// reconnector is one run of the background reconnect loop.
type reconnector struct {
	cancel    context.CancelFunc
	done      chan struct{}
	first     chan struct{}
	firstOnce sync.Once
}

func (rc *reconnector) markFirst() {
	rc.firstOnce.Do(func() { close(rc.first) })
}

// waitFirst blocks until the loop's first attempt has finished.
func (rc *reconnector) waitFirst(ctx context.Context, op string) error {
	select {
	case <-rc.first:
		return nil
	case <-ctx.Done():
		return cancelled(op, ctx.Err())
	}
}

// startReconnectLocked starts the loop unless one is already running.
// afterFailure makes the first attempt wait one backoff step. c.mu must be held.
func (c *Client) startReconnectLocked(afterFailure bool) *reconnector {
	if c.rc != nil {
		return c.rc
	}
	ctx, cancel := context.WithCancel(context.Background())
	rc := &reconnector{
		cancel: cancel,
		done:   make(chan struct{}),
		first:  make(chan struct{}),
	}
	c.rc = rc

	failures := 0
	if afterFailure {
		failures = 1
	}
	go c.reconnectLoop(ctx, rc, failures)
	return rc
}

func (c *Client) reconnectLoop(ctx context.Context, rc *reconnector, failures int) {
	defer close(rc.done)
	defer rc.markFirst()
	defer func() {
		c.mu.Lock()
		if c.rc == rc {
			c.rc = nil
		}
		c.mu.Unlock()
	}()

	for {
		if failures > 0 {
			delay := c.backoff.NextDelay(failures)
			c.logger.Debug("reconnect scheduled", "delay", delay, "failures", failures)
			if err := c.clock.Sleep(ctx, delay); err != nil {
				return
			}
		}
		if s := c.sm.Current(); s != types.StateReconnecting && s != types.StateDegraded {
			return
		}

		state := c.attempt(ctx, rc)
		rc.markFirst()
		if state == types.StateStreaming || ctx.Err() != nil {
			return
		}
		failures++
	}
}

// attempt tries the duplex transport, falling back to the unary one. It
// returns the state the client is in afterwards.
func (c *Client) attempt(ctx context.Context, rc *reconnector) types.ConnectionState {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	duplex, err := c.duplexDialer.DialDuplex(dctx)
	cancel()
	if err == nil {
		if c.installDuplex(rc, duplex) {
			c.metrics.ConnectAttempt("streaming")
			return types.StateStreaming
		}
		closeAll(c.logger, []closer{duplex})
		return c.sm.Current()
	}
	if ctx.Err() != nil {
		return c.sm.Current()
	}
	c.logger.Warn("duplex connect failed", "error", err)

	if c.unaryDialer == nil {
		c.metrics.ConnectAttempt("failed")
		return c.sm.Current()
	}
	if c.sm.Current() == types.StateDegraded {
		if err := c.probeFallback(ctx); err != nil {
			if ctx.Err() != nil {
				return c.sm.Current()
			}
			c.logger.Warn("fallback lost", "error", err)
			c.metrics.ConnectAttempt("failed")
			c.dropFallback(rc)
			return c.sm.Current()
		}
		c.metrics.ConnectAttempt("degraded")
		return types.StateDegraded
	}

	dctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
	unary, err := c.unaryDialer.DialUnary(dctx)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("fallback connect failed", "error", err)
			c.metrics.ConnectAttempt("failed")
		}
		return c.sm.Current()
	}
	if !c.installFallback(rc, unary) {
		closeAll(c.logger, []closer{unary})
		return c.sm.Current()
	}
	c.metrics.ConnectAttempt("degraded")
	return types.StateDegraded
}

func (c *Client) installDuplex(rc *reconnector, d types.Duplex) bool {
	c.mu.Lock()
	if c.rc != rc {
		c.mu.Unlock()
		return false
	}
	c.duplex = d
	fallback := c.fallback
	c.fallback = nil
	ok := c.sm.fire(TriggerEstablished)
	if !ok {
		c.duplex = nil
		c.fallback = fallback
		c.mu.Unlock()
		return false
	}
	// The loop exits after this attempt; a drop from here on starts a new one.
	c.rc = nil
	c.mu.Unlock()

	if fallback != nil {
		closeAll(c.logger, []closer{fallback})
	}
	return true
}

func (c *Client) installFallback(rc *reconnector, u types.Unary) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rc != rc {
		return false
	}
	c.fallback = u
	if !c.sm.fire(TriggerTransportFailed) {
		c.fallback = nil
		return false
	}
	return true
}

// probeFallback dials the unary transport again to confirm the fallback
// still answers. The probe connection is closed right away.
func (c *Client) probeFallback(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	probe, err := c.unaryDialer.DialUnary(dctx)
	if err != nil {
		return err
	}
	closeAll(c.logger, []closer{probe})
	return nil
}

// dropFallback leaves Degraded for Reconnecting and closes the fallback.
func (c *Client) dropFallback(rc *reconnector) {
	c.mu.Lock()
	if c.rc != rc || !c.sm.fire(TriggerFallbackLost) {
		c.mu.Unlock()
		return
	}
	fallback := c.fallback
	c.fallback = nil
	c.mu.Unlock()

	if fallback != nil {
		closeAll(c.logger, []closer{fallback})
	}
}
