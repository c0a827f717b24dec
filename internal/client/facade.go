package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/converge/internal/types"
)

var tracer = otel.Tracer("github.com/user/converge/internal/client")

// AppendRequest describes one write. EntryID and IdempotencyKey are
// generated when empty; a caller retrying the same logical write passes
// back the values from its first attempt.
type AppendRequest struct {
	ContextID      types.ContextID
	EntryType      types.EntryType
	Payload        []byte
	CorrelationID  types.CorrelationID
	RunID          types.RunID
	TruthID        string
	EntryID        types.EntryID
	IdempotencyKey string
}

// Append writes an entry and returns it with its service-assigned sequence.
func (c *Client) Append(ctx context.Context, req AppendRequest) (*types.ContextEntry, error) {
	ctx, span := tracer.Start(ctx, "client.Append", trace.WithAttributes(
		attribute.String("converge.context_id", string(req.ContextID)),
		attribute.String("converge.entry_type", string(req.EntryType)),
	))
	defer span.End()

	if err := req.ContextID.Validate(); err != nil {
		return nil, c.fail(ctx, span, "append", err)
	}
	if !req.EntryType.Valid() {
		return nil, c.fail(ctx, span, "append", fmt.Errorf("%w: entry type %q", types.ErrInvalidArgument, req.EntryType))
	}
	u, err := c.requestPath()
	if err != nil {
		return nil, c.fail(ctx, span, "append", err)
	}

	entry := &types.ContextEntry{
		EntryID:        req.EntryID,
		EntryType:      req.EntryType,
		Timestamp:      c.clock.Now().UTC(),
		CorrelationID:  req.CorrelationID,
		RunID:          req.RunID,
		TruthID:        req.TruthID,
		Actor:          c.Actor(),
		Payload:        bytes.Clone(req.Payload),
		IdempotencyKey: req.IdempotencyKey,
	}
	if entry.EntryID == "" {
		entry.EntryID = types.NewEntryID()
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = types.NewCorrelationID()
	}
	if entry.IdempotencyKey == "" {
		entry.IdempotencyKey = c.NewIdempotencyKey("append")
	}
	span.SetAttributes(attribute.String("converge.idempotency_key", entry.IdempotencyKey))

	stored, err := u.Append(ctx, req.ContextID, entry)
	if err != nil {
		return nil, c.fail(ctx, span, "append", err)
	}
	span.SetAttributes(attribute.Int64("converge.sequence", stored.Sequence))
	c.metrics.Call("append", "ok")
	return stored, nil
}

// Get pulls entries with Sequence > opts.AfterSequence.
func (c *Client) Get(ctx context.Context, contextID types.ContextID, opts types.GetOptions) ([]*types.ContextEntry, error) {
	ctx, span := tracer.Start(ctx, "client.Get", trace.WithAttributes(
		attribute.String("converge.context_id", string(contextID)),
		attribute.Int64("converge.after_sequence", opts.AfterSequence),
	))
	defer span.End()

	if err := contextID.Validate(); err != nil {
		return nil, c.fail(ctx, span, "get", err)
	}
	if opts.Limit < 0 || opts.AfterSequence < 0 {
		return nil, c.fail(ctx, span, "get", fmt.Errorf("%w: negative limit or sequence", types.ErrInvalidArgument))
	}
	u, err := c.requestPath()
	if err != nil {
		return nil, c.fail(ctx, span, "get", err)
	}
	entries, err := u.Get(ctx, contextID, opts)
	if err != nil {
		return nil, c.fail(ctx, span, "get", err)
	}
	c.metrics.Call("get", "ok")
	return entries, nil
}

func (c *Client) Snapshot(ctx context.Context, contextID types.ContextID) (*types.ContextSnapshot, error) {
	ctx, span := tracer.Start(ctx, "client.Snapshot", trace.WithAttributes(
		attribute.String("converge.context_id", string(contextID)),
	))
	defer span.End()

	if err := contextID.Validate(); err != nil {
		return nil, c.fail(ctx, span, "snapshot", err)
	}
	u, err := c.requestPath()
	if err != nil {
		return nil, c.fail(ctx, span, "snapshot", err)
	}
	snap, err := u.Snapshot(ctx, contextID)
	if err != nil {
		return nil, c.fail(ctx, span, "snapshot", err)
	}
	c.metrics.Call("snapshot", "ok")
	return snap, nil
}

// Load restores a context from snapshot data and returns its last sequence.
// With failIfExists, a context that already has entries is left untouched
// and an already_exists error is returned.
func (c *Client) Load(ctx context.Context, contextID types.ContextID, data []byte, failIfExists bool) (int64, error) {
	ctx, span := tracer.Start(ctx, "client.Load", trace.WithAttributes(
		attribute.String("converge.context_id", string(contextID)),
		attribute.Bool("converge.fail_if_exists", failIfExists),
	))
	defer span.End()

	if err := contextID.Validate(); err != nil {
		return 0, c.fail(ctx, span, "load", err)
	}
	u, err := c.requestPath()
	if err != nil {
		return 0, c.fail(ctx, span, "load", err)
	}
	seq, err := u.Load(ctx, contextID, types.LoadRequest{
		Data:           bytes.Clone(data),
		FailIfExists:   failIfExists,
		Actor:          c.Actor(),
		IdempotencyKey: c.NewIdempotencyKey("load"),
	})
	if err != nil {
		return 0, c.fail(ctx, span, "load", err)
	}
	c.metrics.Call("load", "ok")
	return seq, nil
}

// requestPath returns the transport for request/response calls: the duplex
// channel while Streaming, the fallback while Degraded.
func (c *Client) requestPath() (types.Unary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	switch c.sm.Current() {
	case types.StateStreaming:
		if c.duplex != nil {
			return c.duplex, nil
		}
	case types.StateDegraded:
		if c.fallback != nil {
			return c.fallback, nil
		}
	}
	return nil, ErrNotConnected
}

func (c *Client) fail(ctx context.Context, span trace.Span, op string, err error) error {
	result := "error"
	switch {
	case errors.Is(err, ErrNotConnected):
		result = "not_connected"
		err = fmt.Errorf("%s: %w", op, err)
	case ctx.Err() != nil:
		result = "cancelled"
		err = cancelled(op, ctx.Err())
	default:
		err = fmt.Errorf("%s: %w", op, err)
	}
	c.metrics.Call(op, result)
	span.RecordError(err)
	span.SetStatus(codes.Error, result)
	return err
}
