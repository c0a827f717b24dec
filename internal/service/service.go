// Package service implements the context service that clients connect to:
// an append-only entry log per context with live watches, snapshots and
// bulk load.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/converge/internal/metrics"
	"github.com/user/converge/internal/state"
	"github.com/user/converge/internal/types"
)

const (
	defaultGetLimit = 100
	maxGetLimit     = 1000
	watcherBuffer   = 256
)

// Service is safe for concurrent use.
type Service struct {
	entries   types.EntryStore
	snapshots types.SnapshotStore
	hub       *hub
	metrics   *metrics.ServerMetrics
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	locks map[types.ContextID]*sync.Mutex
}

type Option func(*Service)

func WithMetrics(m *metrics.ServerMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithWatcherBuffer sets how many entries a watcher may lag before it is dropped.
func WithWatcherBuffer(n int) Option {
	return func(s *Service) { s.hub = newHub(n) }
}

func New(entries types.EntryStore, snapshots types.SnapshotStore, opts ...Option) *Service {
	s := &Service{
		entries:   entries,
		snapshots: snapshots,
		hub:       newHub(watcherBuffer),
		logger:    slog.Default(),
		now:       time.Now,
		locks:     make(map[types.ContextID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// getLock returns the per-context write mutex, creating one if it doesn't exist.
func (s *Service) getLock(contextID types.ContextID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[contextID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[contextID] = lock
	return lock
}

// Append stores entry and notifies watchers. Writes to one context are
// published in sequence order.
func (s *Service) Append(ctx context.Context, contextID types.ContextID, entry *types.ContextEntry) (*types.ContextEntry, error) {
	if err := validateEntry(contextID, entry); err != nil {
		s.metrics.Append("error")
		return nil, err
	}
	if entry.Timestamp.IsZero() {
		copied := *entry
		copied.Timestamp = s.now().UTC()
		entry = &copied
	}

	lock := s.getLock(contextID)
	lock.Lock()
	stored, created, err := s.entries.Append(ctx, contextID, entry)
	if err == nil && created {
		if lagging := s.hub.publish(contextID, stored); lagging > 0 {
			s.logger.Warn("dropped lagging watchers", "context_id", string(contextID), "count", lagging)
		}
	}
	lock.Unlock()

	if err != nil {
		s.metrics.Append("error")
		return nil, fmt.Errorf("append entry: %w", err)
	}
	if !created {
		s.metrics.Append("duplicate")
		s.logger.Debug("duplicate append", "context_id", string(contextID), "idempotency_key", entry.IdempotencyKey, "sequence", stored.Sequence)
		return stored, nil
	}
	s.metrics.Append("created")
	s.logger.Debug("entry appended",
		"context_id", string(contextID),
		"sequence", stored.Sequence,
		"entry_type", string(stored.EntryType),
		"actor_kind", string(stored.Actor.Kind),
		"device_id", stored.Actor.DeviceID,
		"idempotency_key", stored.IdempotencyKey,
	)
	return stored, nil
}

func validateEntry(contextID types.ContextID, entry *types.ContextEntry) error {
	if err := contextID.Validate(); err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("%w: missing entry", types.ErrInvalidArgument)
	}
	if entry.EntryID == "" {
		return fmt.Errorf("%w: missing entry id", types.ErrInvalidArgument)
	}
	if !entry.EntryType.Valid() {
		return fmt.Errorf("%w: entry type %q", types.ErrInvalidArgument, entry.EntryType)
	}
	return nil
}

// Get returns up to opts.Limit entries after opts.AfterSequence.
func (s *Service) Get(ctx context.Context, contextID types.ContextID, opts types.GetOptions) ([]*types.ContextEntry, error) {
	if err := contextID.Validate(); err != nil {
		return nil, err
	}
	if opts.Limit < 0 || opts.AfterSequence < 0 {
		return nil, fmt.Errorf("%w: negative limit or sequence", types.ErrInvalidArgument)
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultGetLimit
	}
	limit = min(limit, maxGetLimit)

	entries, err := s.entries.Range(ctx, contextID, types.RangeQuery{
		CorrelationID: opts.CorrelationID,
		AfterSequence: opts.AfterSequence,
		Limit:         limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	return entries, nil
}

// Snapshot compacts every entry of the context into a snapshot and stores it.
func (s *Service) Snapshot(ctx context.Context, contextID types.ContextID) (*types.ContextSnapshot, error) {
	if err := contextID.Validate(); err != nil {
		return nil, err
	}
	lock := s.getLock(contextID)
	lock.Lock()
	entries, err := s.entries.Range(ctx, contextID, types.RangeQuery{})
	lock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("snapshot %s: %w", contextID, types.ErrNotFound)
	}

	data, err := state.EncodeEntries(entries)
	if err != nil {
		return nil, err
	}
	snap := &types.ContextSnapshot{
		Data:       data,
		Sequence:   entries[len(entries)-1].Sequence,
		EntryCount: int64(len(entries)),
		CreatedAt:  s.now().UTC(),
	}
	if err := s.snapshots.Put(ctx, contextID, snap); err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	s.logger.Info("snapshot created", "context_id", string(contextID), "sequence", snap.Sequence, "entries", snap.EntryCount)
	return snap, nil
}

// Load replaces the context's entries with those in req.Data and returns
// the last restored sequence. Sequences of a context never go backwards:
// restored entries that would land at or below the current last sequence
// are shifted above it. Live watchers of the context are dropped so they
// resubscribe against the restored log.
func (s *Service) Load(ctx context.Context, contextID types.ContextID, req types.LoadRequest) (int64, error) {
	if err := contextID.Validate(); err != nil {
		return 0, err
	}
	entries, err := state.DecodeEntries(req.Data)
	if err != nil {
		return 0, err
	}

	lock := s.getLock(contextID)
	lock.Lock()
	defer lock.Unlock()

	if req.FailIfExists {
		n, err := s.entries.Count(ctx, contextID)
		if err != nil {
			return 0, fmt.Errorf("count entries: %w", err)
		}
		if n > 0 {
			return 0, fmt.Errorf("load %s: %w", contextID, types.ErrAlreadyExists)
		}
	}
	prev, err := s.entries.LastSequence(ctx, contextID)
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	if err := renumberAbove(entries, prev); err != nil {
		return 0, fmt.Errorf("load %s: %w", contextID, err)
	}
	if err := s.entries.Reset(ctx, contextID, entries); err != nil {
		return 0, fmt.Errorf("load entries: %w", err)
	}
	s.hub.reset(contextID)

	var last int64
	if len(entries) > 0 {
		last = entries[len(entries)-1].Sequence
	}
	s.logger.Info("context loaded",
		"context_id", string(contextID),
		"entries", len(entries),
		"sequence", last,
		"previous_sequence", prev,
		"actor_kind", string(req.Actor.Kind),
		"device_id", req.Actor.DeviceID,
		"idempotency_key", req.IdempotencyKey,
	)
	return last, nil
}

// renumberAbove shifts entries by prev when the first of them is not above
// prev. An empty load cannot keep the sequence and is rejected once the
// context has entries.
func renumberAbove(entries []*types.ContextEntry, prev int64) error {
	if prev == 0 {
		return nil
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty load would rewind sequence %d", types.ErrInvalidArgument, prev)
	}
	if entries[0] != nil && entries[0].Sequence > prev {
		return nil
	}
	for _, e := range entries {
		if e != nil {
			e.Sequence += prev
		}
	}
	return nil
}

// Watch sends every entry with Sequence > req.SinceSequence in order, then
// follows new entries until ctx is done. It returns an error matching
// types.ErrStreamReset when the watcher falls behind or the context is
// reloaded, and types.ErrUnavailable when the service closes; either way
// the caller resumes from the last sequence it received.
func (s *Service) Watch(ctx context.Context, req types.WatchRequest, send func(*types.ContextEntry) error) error {
	if err := req.ContextID.Validate(); err != nil {
		return err
	}
	if req.SinceSequence < 0 {
		return fmt.Errorf("%w: negative since sequence", types.ErrInvalidArgument)
	}

	w := s.hub.subscribe(req.ContextID, req.CorrelationID)
	defer s.hub.unsubscribe(req.ContextID, w)
	s.metrics.WatcherAdded(1)
	defer s.metrics.WatcherAdded(-1)

	last := req.SinceSequence
	backlog, err := s.entries.Range(ctx, req.ContextID, types.RangeQuery{
		CorrelationID: req.CorrelationID,
		AfterSequence: last,
	})
	if err != nil {
		return fmt.Errorf("replay entries: %w", err)
	}
	for _, e := range backlog {
		if err := send(e); err != nil {
			return err
		}
		s.metrics.Streamed()
		last = e.Sequence
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-w.ch:
			if !ok {
				if w.err == nil {
					return fmt.Errorf("watch %s: %w: stream interrupted", req.ContextID, types.ErrUnavailable)
				}
				return fmt.Errorf("watch %s: %w", req.ContextID, w.err)
			}
			if e.Sequence <= last {
				continue
			}
			if err := send(e); err != nil {
				return err
			}
			s.metrics.Streamed()
			last = e.Sequence
		}
	}
}

// CompactAll snapshots every context whose log advanced past its latest
// snapshot and returns how many were compacted.
func (s *Service) CompactAll(ctx context.Context) (int, error) {
	ids, err := s.entries.Contexts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list contexts: %w", err)
	}
	compacted := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return compacted, ctx.Err()
		}
		last, err := s.entries.LastSequence(ctx, id)
		if err != nil {
			s.metrics.Compaction("error")
			s.logger.Error("read last sequence", "context_id", string(id), "error", err)
			continue
		}
		prev, err := s.snapshots.Latest(ctx, id)
		if err == nil && prev.Sequence >= last {
			continue
		}
		if _, err := s.Snapshot(ctx, id); err != nil {
			s.metrics.Compaction("error")
			s.logger.Error("compact context", "context_id", string(id), "error", err)
			continue
		}
		s.metrics.Compaction("ok")
		compacted++
	}
	return compacted, nil
}

// Close drops all live watchers.
func (s *Service) Close() {
	s.hub.closeAll()
}
