package client

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/user/converge/internal/types"
)

// Trigger is an event that may move the connection state.
type Trigger int

const (
	TriggerConnect Trigger = iota
	TriggerEstablished
	TriggerTransportFailed
	TriggerDropped
	TriggerFallbackLost
	TriggerDisconnect
)

func (t Trigger) String() string {
	switch t {
	case TriggerConnect:
		return "connect"
	case TriggerEstablished:
		return "established"
	case TriggerTransportFailed:
		return "transport_failed"
	case TriggerDropped:
		return "dropped"
	case TriggerFallbackLost:
		return "fallback_lost"
	case TriggerDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// transition returns the state reached from "from" on t. ok is false when
// the pair is not a defined transition.
func transition(from types.ConnectionState, t Trigger) (to types.ConnectionState, ok bool) {
	switch t {
	case TriggerConnect:
		if from == types.StateOffline {
			return types.StateReconnecting, true
		}
	case TriggerEstablished:
		if from == types.StateReconnecting || from == types.StateDegraded {
			return types.StateStreaming, true
		}
	case TriggerTransportFailed:
		if from == types.StateReconnecting {
			return types.StateDegraded, true
		}
	case TriggerDropped:
		if from == types.StateStreaming {
			return types.StateReconnecting, true
		}
	case TriggerFallbackLost:
		if from == types.StateDegraded {
			return types.StateReconnecting, true
		}
	case TriggerDisconnect:
		if from != types.StateOffline {
			return types.StateOffline, true
		}
	}
	return from, false
}

// StateMachine owns the connection state. Only the client fires triggers;
// everyone else reads Current or subscribes.
type StateMachine struct {
	mu       sync.RWMutex
	state    types.ConnectionState
	watchers *watchers[types.ConnectionState]
	onChange func(types.ConnectionState)
	logger   *slog.Logger
}

func NewStateMachine(logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		state:    types.StateOffline,
		watchers: newWatchers[types.ConnectionState](1),
		logger:   logger,
	}
}

func (m *StateMachine) Current() types.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// fire applies t and reports whether the state changed.
func (m *StateMachine) fire(t Trigger) bool {
	m.mu.Lock()
	from := m.state
	to, ok := transition(from, t)
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.state = to
	// Publish under the lock so subscribers observe transitions in order.
	m.watchers.publish(to)
	if m.onChange != nil {
		m.onChange(to)
	}
	m.mu.Unlock()

	m.logger.Info("connection state changed", "from", string(from), "to", string(to), "trigger", t.String())
	return true
}

// Subscribe returns a channel that immediately carries the current state and
// then the latest state after every transition. Slow readers miss
// intermediate states, never the latest one.
func (m *StateMachine) Subscribe() (<-chan types.ConnectionState, func()) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur := m.state
	return m.watchers.subscribe(&cur)
}

// WaitFor blocks until the state is one of states.
func (m *StateMachine) WaitFor(ctx context.Context, states ...types.ConnectionState) (types.ConnectionState, error) {
	ch, cancel := m.Subscribe()
	defer cancel()
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return m.Current(), ErrClosed
			}
			if slices.Contains(states, s) {
				return s, nil
			}
		case <-ctx.Done():
			return m.Current(), ctx.Err()
		}
	}
}

func (m *StateMachine) close() {
	m.watchers.close()
}
