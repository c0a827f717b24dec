package client

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/converge/internal/metrics"
	"github.com/user/converge/internal/types"
)

func TestFacadeFailsFastWhenOffline(t *testing.T) {
	svc := newFakeService()
	dialer := &fakeDialer{svc: svc}
	reg := prometheus.NewRegistry()
	m := metrics.NewClientMetrics(reg)
	c := newTestClient(t, dialer, nil, newManualClock(false), WithMetrics(m))
	ctx := context.Background()

	_, err := c.Append(ctx, AppendRequest{ContextID: "ctx-1", EntryType: types.EntryFact})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Get(ctx, "ctx-1", types.GetOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Snapshot(ctx, "ctx-1")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Load(ctx, "ctx-1", nil, false)
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Empty(t, svc.appendPaths())
	assert.Equal(t, 0, dialer.attemptCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Calls.WithLabelValues("append", "not_connected")))
}

func TestFacadeFailsFastWhileReconnecting(t *testing.T) {
	svc := newFakeService()
	c := newTestClient(t, &fakeDialer{svc: svc, failures: -1}, nil, newManualClock(true))
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, types.StateReconnecting, c.State())

	_, err := c.Append(context.Background(), AppendRequest{ContextID: "ctx-1", EntryType: types.EntryFact})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, svc.appendPaths())
}

func TestAppendStampsEnvelope(t *testing.T) {
	svc := newFakeService()
	actor := types.Actor{Kind: types.ActorAgent, DeviceID: "dev-3", Roles: []string{"planner"}}
	c := newTestClient(t, &fakeDialer{svc: svc}, nil, newManualClock(false), WithActor(actor))
	require.NoError(t, c.Connect(context.Background()))

	entry, err := c.Append(context.Background(), AppendRequest{
		ContextID: "ctx-1",
		EntryType: types.EntryProposal,
		Payload:   []byte("opaque"),
		RunID:     "run-1",
		TruthID:   "truth-1",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), entry.Sequence)
	assert.NotEmpty(t, entry.EntryID)
	assert.NotEmpty(t, entry.CorrelationID)
	assert.Equal(t, actor, entry.Actor)
	assert.Equal(t, "opaque", string(entry.Payload))
	assert.True(t, strings.HasPrefix(entry.IdempotencyKey, "dev-3:append:"), entry.IdempotencyKey)
	assert.Equal(t, types.RunID("run-1"), entry.RunID)

	c.SetActor(types.Actor{Kind: types.ActorUser, DeviceID: "dev-4"})
	entry, err = c.Append(context.Background(), AppendRequest{ContextID: "ctx-1", EntryType: types.EntryFact})
	require.NoError(t, err)
	assert.Equal(t, "dev-4", entry.Actor.DeviceID)
}

func TestAppendReusesCallerKey(t *testing.T) {
	svc := newFakeService()
	c := newTestClient(t, &fakeDialer{svc: svc}, nil, newManualClock(false))
	require.NoError(t, c.Connect(context.Background()))

	key := c.NewIdempotencyKey("append")
	req := AppendRequest{ContextID: "ctx-1", EntryType: types.EntryFact, EntryID: "e-1", IdempotencyKey: key}
	entry, err := c.Append(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, key, entry.IdempotencyKey)
	assert.Equal(t, types.EntryID("e-1"), entry.EntryID)
}

func TestAppendCancelledByCaller(t *testing.T) {
	svc := newFakeService()
	svc.blockAppend = true
	c := newTestClient(t, &fakeDialer{svc: svc}, nil, newManualClock(false))
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Append(ctx, AppendRequest{ContextID: "ctx-1", EntryType: types.EntryFact})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.StateStreaming, c.State())
}

func TestAppendRejectsInvalidInput(t *testing.T) {
	svc := newFakeService()
	c := newTestClient(t, &fakeDialer{svc: svc}, nil, newManualClock(false))
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Append(context.Background(), AppendRequest{ContextID: "../x", EntryType: types.EntryFact})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = c.Append(context.Background(), AppendRequest{ContextID: "ctx-1", EntryType: "rumor"})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
	assert.Empty(t, svc.appendPaths())
}

func TestRemoteErrorsKeepClassification(t *testing.T) {
	svc := newFakeService()
	c := newTestClient(t, &fakeDialer{svc: svc}, nil, newManualClock(false))
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Snapshot(context.Background(), "empty")
	assert.True(t, IsNotFound(err), "got %v", err)

	_, err = c.Append(context.Background(), AppendRequest{ContextID: "ctx-1", EntryType: types.EntryFact})
	require.NoError(t, err)
	_, err = c.Load(context.Background(), "ctx-1", []byte("{}"), true)
	assert.True(t, IsAlreadyExists(err), "got %v", err)

	entries, err := c.Get(context.Background(), "ctx-1", types.GetOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
