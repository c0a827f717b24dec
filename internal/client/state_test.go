package client

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/converge/internal/types"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    types.ConnectionState
		trigger Trigger
		want    types.ConnectionState
		ok      bool
	}{
		{types.StateOffline, TriggerConnect, types.StateReconnecting, true},
		{types.StateReconnecting, TriggerEstablished, types.StateStreaming, true},
		{types.StateReconnecting, TriggerTransportFailed, types.StateDegraded, true},
		{types.StateStreaming, TriggerDropped, types.StateReconnecting, true},
		{types.StateDegraded, TriggerEstablished, types.StateStreaming, true},
		{types.StateDegraded, TriggerFallbackLost, types.StateReconnecting, true},
		{types.StateStreaming, TriggerDisconnect, types.StateOffline, true},
		{types.StateDegraded, TriggerDisconnect, types.StateOffline, true},
		{types.StateReconnecting, TriggerDisconnect, types.StateOffline, true},

		{types.StateStreaming, TriggerConnect, types.StateStreaming, false},
		{types.StateOffline, TriggerDisconnect, types.StateOffline, false},
		{types.StateOffline, TriggerEstablished, types.StateOffline, false},
		{types.StateDegraded, TriggerTransportFailed, types.StateDegraded, false},
		{types.StateReconnecting, TriggerDropped, types.StateReconnecting, false},
		{types.StateDegraded, TriggerDropped, types.StateDegraded, false},
		{types.StateStreaming, TriggerFallbackLost, types.StateStreaming, false},
	}
	for _, tt := range tests {
		got, ok := transition(tt.from, tt.trigger)
		assert.Equal(t, tt.want, got, "%s on %s", tt.from, tt.trigger)
		assert.Equal(t, tt.ok, ok, "%s on %s", tt.from, tt.trigger)
	}
}

func TestRandomTriggerSequencesStayDefined(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	triggers := []Trigger{TriggerConnect, TriggerEstablished, TriggerTransportFailed, TriggerDropped, TriggerFallbackLost, TriggerDisconnect}

	for run := 0; run < 200; run++ {
		m := NewStateMachine(discardLogger())
		for step := 0; step < 50; step++ {
			m.fire(triggers[rng.IntN(len(triggers))])
			require.True(t, m.Current().Valid(), "undefined state %q", m.Current())
		}
	}
}

func TestStateSubscriberDoesNotBlockTransitions(t *testing.T) {
	m := NewStateMachine(discardLogger())
	ch, cancel := m.Subscribe()
	defer cancel()

	assert.Equal(t, types.StateOffline, <-ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			m.fire(TriggerConnect)
			m.fire(TriggerEstablished)
			m.fire(TriggerDisconnect)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("transitions blocked on an idle subscriber")
	}

	assert.Equal(t, types.StateOffline, <-ch)
}

func TestWaitForRespectsContext(t *testing.T) {
	m := NewStateMachine(discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	got, err := m.WaitFor(ctx, types.StateStreaming)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.StateOffline, got)
}

func TestWatchersDropOldest(t *testing.T) {
	w := newWatchers[int](2)
	ch, cancel := w.subscribe(nil)
	defer cancel()

	for i := 1; i <= 5; i++ {
		w.publish(i)
	}
	assert.Equal(t, 4, <-ch)
	assert.Equal(t, 5, <-ch)

	w.close()
	_, ok := <-ch
	assert.False(t, ok)
}
