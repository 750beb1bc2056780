package fsm

import (
	"context"
	"fmt"
)

// Guard проверяет, разрешен ли переход для данных события
type Guard func(ctx context.Context, from, to State, data interface{}) (bool, error)

// Transition переход из From в To по событию Event
type Transition struct {
	From  State
	Event Event
	To    State
	Guard Guard
}

// Definition неизменяемая таблица переходов.
// Одна Definition разделяется всеми экземплярами Machine.
type Definition struct {
	initial     State
	transitions map[State]map[Event]Transition
	states      map[State]bool
}

// NewDefinition строит таблицу переходов и проверяет ее согласованность
func NewDefinition(initial State, transitions ...Transition) (*Definition, error) {
	if initial == "" {
		return nil, fmt.Errorf("initial state cannot be empty")
	}

	d := &Definition{
		initial:     initial,
		transitions: make(map[State]map[Event]Transition),
		states:      map[State]bool{initial: true},
	}

	for _, t := range transitions {
		if t.From == "" || t.To == "" || t.Event == "" {
			return nil, fmt.Errorf("transition %q -(%q)-> %q is incomplete", t.From, t.Event, t.To)
		}
		byEvent, ok := d.transitions[t.From]
		if !ok {
			byEvent = make(map[Event]Transition)
			d.transitions[t.From] = byEvent
		}
		if _, exists := byEvent[t.Event]; exists {
			return nil, fmt.Errorf("duplicate transition from %s on %s", t.From, t.Event)
		}
		byEvent[t.Event] = t
		d.states[t.From] = true
		d.states[t.To] = true
	}

	for s := range d.transitions {
		if s != initial && !d.reachable(s) {
			return nil, fmt.Errorf("state %s is unreachable from %s", s, initial)
		}
	}

	return d, nil
}

// MustDefinition как NewDefinition, но паникует при ошибке
func MustDefinition(initial State, transitions ...Transition) *Definition {
	d, err := NewDefinition(initial, transitions...)
	if err != nil {
		panic(err)
	}
	return d
}

// Initial возвращает начальное состояние
func (d *Definition) Initial() State {
	return d.initial
}

// IsTerminal сообщает, что из состояния нет переходов
func (d *Definition) IsTerminal(s State) bool {
	return d.states[s] && len(d.transitions[s]) == 0
}

// Has сообщает, известно ли состояние
func (d *Definition) Has(s State) bool {
	return d.states[s]
}

func (d *Definition) lookup(from State, event Event) (Transition, bool) {
	t, ok := d.transitions[from][event]
	return t, ok
}

func (d *Definition) reachable(target State) bool {
	seen := map[State]bool{d.initial: true}
	queue := []State{d.initial}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			return true
		}
		for _, t := range d.transitions[cur] {
			if !seen[t.To] {
				seen[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}
	return false
}
