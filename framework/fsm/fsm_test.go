package fsm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	stateReceived   State = "received"
	stateProcessing State = "processing"
	stateDone       State = "done"
	stateFailed     State = "failed"

	eventStart   Event = "start"
	eventSucceed Event = "succeed"
	eventFail    Event = "fail"
)

func lifecycle(t *testing.T) *Definition {
	t.Helper()
	def, err := NewDefinition(stateReceived,
		Transition{From: stateReceived, Event: eventStart, To: stateProcessing},
		Transition{From: stateProcessing, Event: eventSucceed, To: stateDone},
		Transition{From: stateProcessing, Event: eventFail, To: stateFailed},
	)
	require.NoError(t, err)
	return def
}

func TestDefinition_Validation(t *testing.T) {
	_, err := NewDefinition("")
	assert.Error(t, err)

	_, err = NewDefinition(stateReceived, Transition{From: stateReceived, To: stateDone})
	assert.Error(t, err)

	_, err = NewDefinition(stateReceived,
		Transition{From: stateReceived, Event: eventStart, To: stateProcessing},
		Transition{From: stateReceived, Event: eventStart, To: stateDone},
	)
	assert.Error(t, err)

	_, err = NewDefinition(stateReceived,
		Transition{From: stateReceived, Event: eventStart, To: stateProcessing},
		Transition{From: stateFailed, Event: eventStart, To: stateProcessing},
	)
	assert.Error(t, err, "unreachable source state")

	assert.Panics(t, func() { MustDefinition("") })
}

func TestDefinition_Terminal(t *testing.T) {
	def := lifecycle(t)
	assert.False(t, def.IsTerminal(stateReceived))
	assert.False(t, def.IsTerminal(stateProcessing))
	assert.True(t, def.IsTerminal(stateDone))
	assert.True(t, def.IsTerminal(stateFailed))
	assert.False(t, def.IsTerminal("unknown"))
	assert.True(t, def.Has(stateFailed))
}

func TestFSM_HappyPath(t *testing.T) {
	ctx := context.Background()
	m := NewFSM(lifecycle(t), Config{MaxHistory: 10})

	assert.Equal(t, stateReceived, m.CurrentState())
	require.NoError(t, m.Trigger(ctx, eventStart, nil))
	require.NoError(t, m.Trigger(ctx, eventSucceed, nil))

	assert.Equal(t, stateDone, m.CurrentState())
	assert.True(t, m.IsTerminal())

	history := m.History()
	require.Len(t, history, 2)
	assert.Equal(t, stateReceived, history[0].From)
	assert.Equal(t, stateProcessing, history[0].To)
	assert.Equal(t, eventSucceed, history[1].Event)
}

func TestFSM_InvalidTransition(t *testing.T) {
	m := NewFSM(lifecycle(t))

	err := m.Trigger(context.Background(), eventSucceed, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, stateReceived, m.CurrentState())
	assert.False(t, m.Can(eventSucceed))
	assert.True(t, m.Can(eventStart))
}

func TestFSM_TerminalStateRejectsEvents(t *testing.T) {
	ctx := context.Background()
	m := NewFSM(lifecycle(t))
	require.NoError(t, m.Trigger(ctx, eventStart, nil))
	require.NoError(t, m.Trigger(ctx, eventFail, nil))

	assert.Error(t, m.Trigger(ctx, eventSucceed, nil))
	assert.Equal(t, stateFailed, m.CurrentState())
}

func TestFSM_Guard(t *testing.T) {
	ctx := context.Background()
	def := MustDefinition(stateReceived,
		Transition{From: stateReceived, Event: eventStart, To: stateProcessing, Guard: func(ctx context.Context, from, to State, data interface{}) (bool, error) {
			return data == "ok", nil
		}},
	)
	m := NewFSM(def)

	err := m.Trigger(ctx, eventStart, "nope")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	require.NoError(t, m.Trigger(ctx, eventStart, "ok"))

	boom := errors.New("boom")
	failing := NewFSM(MustDefinition(stateReceived,
		Transition{From: stateReceived, Event: eventStart, To: stateProcessing, Guard: func(context.Context, State, State, interface{}) (bool, error) {
			return false, boom
		}},
	))
	assert.ErrorIs(t, failing.Trigger(ctx, eventStart, nil), boom)
}

func TestFSM_HooksRunOutsideLock(t *testing.T) {
	ctx := context.Background()
	var seen []State
	var m *FSM
	m = NewFSM(lifecycle(t), Config{Hooks: []TransitionHook{
		func(ctx context.Context, from, to State, event Event) {
			seen = append(seen, m.CurrentState())
		},
	}})

	require.NoError(t, m.Trigger(ctx, eventStart, nil))
	require.NoError(t, m.Trigger(ctx, eventFail, nil))
	assert.Equal(t, []State{stateProcessing, stateFailed}, seen)
}

func TestFSM_HistoryLimitAndReset(t *testing.T) {
	ctx := context.Background()
	m := NewFSM(lifecycle(t), Config{MaxHistory: 1})
	require.NoError(t, m.Trigger(ctx, eventStart, nil))
	require.NoError(t, m.Trigger(ctx, eventSucceed, nil))

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, stateDone, history[0].To)

	m.Reset()
	assert.Equal(t, stateReceived, m.CurrentState())
	assert.Empty(t, m.History())

	noHistory := NewFSM(lifecycle(t))
	require.NoError(t, noHistory.Trigger(ctx, eventStart, nil))
	assert.Empty(t, noHistory.History())
}

func TestFSM_SharedDefinitionIndependentInstances(t *testing.T) {
	def := lifecycle(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := NewFSM(def)
			_ = m.Trigger(context.Background(), eventStart, nil)
			if i%2 == 0 {
				_ = m.Trigger(context.Background(), eventSucceed, nil)
				assert.Equal(t, stateDone, m.CurrentState())
			} else {
				_ = m.Trigger(context.Background(), eventFail, nil)
				assert.Equal(t, stateFailed, m.CurrentState())
			}
		}(i)
	}
	wg.Wait()
}
