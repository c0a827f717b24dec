// Package compaction snapshots context logs on a cron schedule.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Compactor snapshots every context whose log advanced since its last snapshot.
type Compactor interface {
	CompactAll(ctx context.Context) (int, error)
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr is an accepted cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid compaction schedule %q: %w", expr, err)
	}
	return nil
}

// Scheduler fires a compaction pass on each tick of its schedule. Passes
// never overlap; a tick that arrives while one is running is skipped.
type Scheduler struct {
	compactor Compactor
	schedule  string
	timeout   time.Duration
	logger    *slog.Logger

	cron    *cron.Cron
	running sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

type Option func(*Scheduler)

// WithTimeout bounds a single pass. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func New(c Compactor, schedule string, opts ...Option) (*Scheduler, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	s := &Scheduler{
		compactor: c,
		schedule:  schedule,
		logger:    slog.Default(),
		cron:      cron.New(cron.WithParser(cronParser)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start registers the schedule and starts the cron ticker. Passes run under
// a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.schedule, s.tick); err != nil {
		s.cancel()
		return fmt.Errorf("schedule compaction: %w", err)
	}
	s.cron.Start()
	s.logger.Info("compaction scheduled", "schedule", s.schedule)
	return nil
}

func (s *Scheduler) tick() {
	if !s.running.TryLock() {
		s.logger.Warn("compaction still running, skipping tick")
		return
	}
	defer s.running.Unlock()
	s.RunOnce(s.ctx)
}

// RunOnce performs a single compaction pass and returns how many contexts
// were snapshotted.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	n, err := s.compactor.CompactAll(ctx)
	if err != nil {
		s.logger.Error("compaction failed", "compacted", n, "error", err)
		return n
	}
	if n > 0 {
		s.logger.Info("compaction finished", "compacted", n, "duration", time.Since(start))
	}
	return n
}

// Stop halts the ticker, cancels a running pass and waits for it to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	<-done.Done()
}
