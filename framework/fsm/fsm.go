// Package fsm предоставляет конечный автомат для жизненного цикла обработки сообщений.
package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LuanFBA/estoque-system/framework/core"
)

// ErrInvalidTransition возвращается, если из текущего состояния нет перехода по событию
var ErrInvalidTransition = core.NewError(core.ErrInvalidState, "invalid state transition")

// TransitionHook вызывается после каждого выполненного перехода
type TransitionHook func(ctx context.Context, from, to State, event Event)

// StateHistory запись истории состояний
type StateHistory struct {
	From      State
	To        State
	Event     Event
	Timestamp time.Time
}

// Config конфигурация FSM
type Config struct {
	// MaxHistory ограничивает историю (0 = история не ведется)
	MaxHistory int
	Hooks      []TransitionHook
}

// FSM экземпляр автомата по таблице Definition
type FSM struct {
	mu         sync.RWMutex
	def        *Definition
	current    State
	history    []StateHistory
	maxHistory int
	hooks      []TransitionHook
}

// NewFSM создает автомат в начальном состоянии таблицы
func NewFSM(def *Definition, config ...Config) *FSM {
	cfg := Config{}
	if len(config) > 0 {
		cfg = config[0]
	}

	return &FSM{
		def:        def,
		current:    def.Initial(),
		maxHistory: cfg.MaxHistory,
		hooks:      cfg.Hooks,
	}
}

// CurrentState возвращает текущее состояние
func (f *FSM) CurrentState() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// IsTerminal сообщает, достигнуто ли конечное состояние
func (f *FSM) IsTerminal() bool {
	return f.def.IsTerminal(f.CurrentState())
}

// Can проверяет наличие перехода по событию без его выполнения
func (f *FSM) Can(event Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.def.lookup(f.current, event)
	return ok
}

// Trigger выполняет переход по событию
func (f *FSM) Trigger(ctx context.Context, event Event, data interface{}) error {
	f.mu.Lock()

	from := f.current
	t, ok := f.def.lookup(from, event)
	if !ok {
		f.mu.Unlock()
		return ErrInvalidTransition.WithContext(fmt.Sprintf("no transition from %s on %s", from, event))
	}

	if t.Guard != nil {
		allowed, err := t.Guard(ctx, from, t.To, data)
		if err != nil {
			f.mu.Unlock()
			return fmt.Errorf("guard check failed: %w", err)
		}
		if !allowed {
			f.mu.Unlock()
			return ErrInvalidTransition.WithContext(fmt.Sprintf("transition from %s on %s rejected by guard", from, event))
		}
	}

	f.current = t.To
	f.addHistory(from, t.To, event)
	hooks := f.hooks
	f.mu.Unlock()

	// Хуки вызываются вне блокировки и могут читать состояние автомата
	for _, hook := range hooks {
		hook(ctx, from, t.To, event)
	}
	return nil
}

// addHistory добавляет запись в историю; вызывается под f.mu
func (f *FSM) addHistory(from, to State, event Event) {
	if f.maxHistory <= 0 {
		return
	}

	f.history = append(f.history, StateHistory{
		From:      from,
		To:        to,
		Event:     event,
		Timestamp: time.Now(),
	})

	// Ограничиваем размер истории
	if len(f.history) > f.maxHistory {
		f.history = f.history[len(f.history)-f.maxHistory:]
	}
}

// History возвращает историю состояний
func (f *FSM) History() []StateHistory {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make([]StateHistory, len(f.history))
	copy(result, f.history)
	return result
}

// Reset возвращает автомат в начальное состояние и очищает историю
func (f *FSM) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.current = f.def.Initial()
	f.history = nil
}
