package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/user/converge/internal/types"
)

var errTransportClosing = errors.New("transport is closing")

// fakeService is an in-memory context service shared by every fake channel.
type fakeService struct {
	mu          sync.Mutex
	entries     map[types.ContextID][]*types.ContextEntry
	streams     map[*fakeStream]struct{}
	watches     []types.WatchRequest
	appendsVia  []string
	gets        int
	blockAppend bool
	watchErr    error
}

func newFakeService() *fakeService {
	return &fakeService{
		entries: make(map[types.ContextID][]*types.ContextEntry),
		streams: make(map[*fakeStream]struct{}),
	}
}

func (s *fakeService) append(contextID types.ContextID, e *types.ContextEntry) *types.ContextEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *e
	stored.Sequence = int64(len(s.entries[contextID])) + 1
	s.entries[contextID] = append(s.entries[contextID], &stored)
	for st := range s.streams {
		if st.req.ContextID == contextID && matches(st.req.CorrelationID, &stored) {
			st.ch <- &stored
		}
	}
	return &stored
}

// redeliver pushes e again to every open stream on contextID.
func (s *fakeService) redeliver(contextID types.ContextID, e *types.ContextEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.streams {
		if st.req.ContextID == contextID {
			st.ch <- e
		}
	}
}

// endStreams ends every open stream on contextID with err.
func (s *fakeService) endStreams(contextID types.ContextID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.streams {
		if st.req.ContextID == contextID {
			select {
			case st.end <- err:
			default:
			}
		}
	}
}

func (s *fakeService) watchRequests() []types.WatchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.WatchRequest(nil), s.watches...)
}

func (s *fakeService) appendPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.appendsVia...)
}

func (s *fakeService) openStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func matches(correlationID types.CorrelationID, e *types.ContextEntry) bool {
	return correlationID == "" || e.CorrelationID == correlationID
}

// fakeChannel implements types.Duplex over fakeService.
type fakeChannel struct {
	svc       *fakeService
	via       string
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel(svc *fakeService, via string) *fakeChannel {
	return &fakeChannel{svc: svc, via: via, closed: make(chan struct{})}
}

func (f *fakeChannel) Append(ctx context.Context, contextID types.ContextID, entry *types.ContextEntry) (*types.ContextEntry, error) {
	f.svc.mu.Lock()
	block := f.svc.blockAppend
	f.svc.appendsVia = append(f.svc.appendsVia, f.via)
	f.svc.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.svc.append(contextID, entry), nil
}

func (f *fakeChannel) Get(ctx context.Context, contextID types.ContextID, opts types.GetOptions) ([]*types.ContextEntry, error) {
	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	f.svc.gets++
	var out []*types.ContextEntry
	for _, e := range f.svc.entries[contextID] {
		if e.Sequence <= opts.AfterSequence || !matches(opts.CorrelationID, e) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeChannel) Snapshot(ctx context.Context, contextID types.ContextID) (*types.ContextSnapshot, error) {
	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	entries := f.svc.entries[contextID]
	if len(entries) == 0 {
		return nil, &types.RemoteError{Op: "snapshot", Code: types.CodeNotFound, Message: "no entries"}
	}
	return &types.ContextSnapshot{
		Sequence:   entries[len(entries)-1].Sequence,
		EntryCount: int64(len(entries)),
	}, nil
}

func (f *fakeChannel) Load(ctx context.Context, contextID types.ContextID, req types.LoadRequest) (int64, error) {
	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	if req.FailIfExists && len(f.svc.entries[contextID]) > 0 {
		return 0, &types.RemoteError{Op: "load", Code: types.CodeAlreadyExists, Message: "context has entries"}
	}
	return int64(len(f.svc.entries[contextID])), nil
}

func (f *fakeChannel) Watch(ctx context.Context, req types.WatchRequest) (types.EntryStream, error) {
	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	if f.svc.watchErr != nil {
		return nil, f.svc.watchErr
	}
	f.svc.watches = append(f.svc.watches, req)
	st := &fakeStream{
		svc:    f.svc,
		req:    req,
		ctx:    ctx,
		closed: f.closed,
		ch:     make(chan *types.ContextEntry, 1024),
		end:    make(chan error, 1),
	}
	for _, e := range f.svc.entries[req.ContextID] {
		if e.Sequence > req.SinceSequence && matches(req.CorrelationID, e) {
			st.ch <- e
		}
	}
	f.svc.streams[st] = struct{}{}
	return st, nil
}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

type fakeStream struct {
	svc    *fakeService
	req    types.WatchRequest
	ctx    context.Context
	closed chan struct{}
	ch     chan *types.ContextEntry
	end    chan error
}

func (st *fakeStream) Recv() (*types.ContextEntry, error) {
	select {
	case e := <-st.ch:
		return e, nil
	case <-st.ctx.Done():
		return nil, st.ctx.Err()
	case <-st.closed:
		return nil, errTransportClosing
	case err := <-st.end:
		return nil, err
	}
}

func (st *fakeStream) Close() error {
	st.svc.mu.Lock()
	delete(st.svc.streams, st)
	st.svc.mu.Unlock()
	return nil
}

// fakeDialer hands out channels, failing while failures != 0. A negative
// failures value fails forever.
type fakeDialer struct {
	svc *fakeService

	mu       sync.Mutex
	failures int
	attempts int
	channels []*fakeChannel
}

func (d *fakeDialer) DialDuplex(ctx context.Context) (types.Duplex, error) {
	ch, err := d.dial("duplex")
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (d *fakeDialer) DialUnary(ctx context.Context) (types.Unary, error) {
	ch, err := d.dial("fallback")
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (d *fakeDialer) dial(via string) (*fakeChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failures != 0 {
		if d.failures > 0 {
			d.failures--
		}
		return nil, errors.New("connection refused")
	}
	ch := newFakeChannel(d.svc, via)
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) setFailures(n int) {
	d.mu.Lock()
	d.failures = n
	d.mu.Unlock()
}

func (d *fakeDialer) channel(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[i]
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// dropAll closes every channel handed out so far.
func (d *fakeDialer) dropAll() {
	d.mu.Lock()
	chans := append([]*fakeChannel(nil), d.channels...)
	d.mu.Unlock()
	for _, ch := range chans {
		ch.Close()
	}
}

// manualClock records every backoff sleep. With step set, each sleep waits
// for a token; otherwise sleeps return at once.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
	step   chan struct{}
}

func newManualClock(stepped bool) *manualClock {
	m := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if stepped {
		m.step = make(chan struct{})
	}
	return m
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) Sleep(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	m.delays = append(m.delays, d)
	m.mu.Unlock()
	if m.step == nil {
		return ctx.Err()
	}
	select {
	case <-m.step:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manualClock) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.delays...)
}

type collector struct {
	mu      sync.Mutex
	entries []*types.ContextEntry
	fail    error
}

func (c *collector) handle(ctx context.Context, e *types.ContextEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.entries = append(c.entries, e)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *collector) sequences() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Sequence
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, duplex types.DuplexDialer, unary types.UnaryDialer, clock Clock, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithClock(clock),
		WithDialTimeout(time.Second),
		WithPolling(5*time.Millisecond, 100),
		WithLogger(discardLogger()),
	}
	c := New(duplex, unary, append(base, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitState(t *testing.T, c *Client, want types.ConnectionState) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := c.sm.WaitFor(ctx, want)
	if err != nil {
		t.Fatalf("waiting for %s: got %s: %v", want, got, err)
	}
}
