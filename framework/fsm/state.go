package fsm

// State имя состояния автомата
type State string

// Event имя события, вызывающего переход
type Event string

func (s State) String() string {
	return string(s)
}

func (e Event) String() string {
	return string(e)
}
