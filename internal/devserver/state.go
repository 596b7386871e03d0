package devserver

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vk/devgrid/internal/reload"
)

// State is a phase of a watch session.
type State int

const (
	StateIdle State = iota
	StateBuilding
	StateServing
	StateRebuildingStyle
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateServing:
		return "serving"
	case StateRebuildingStyle:
		return "rebuilding-style"
	case StateRestarting:
		return "restarting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event drives the watch session from one state to the next.
type Event int

const (
	EventStart Event = iota
	EventBuilt
	EventStyleChanged
	EventStyleDone
	EventBackendChanged
	EventReady
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventBuilt:
		return "built"
	case EventStyleChanged:
		return "style-changed"
	case EventStyleDone:
		return "style-done"
	case EventBackendChanged:
		return "backend-changed"
	case EventReady:
		return "ready"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// ErrInvalidTransition is returned by Fire for an event the current state
// does not accept.
var ErrInvalidTransition = errors.New("invalid transition")

type edge struct {
	from State
	on   Event
}

// A backend restart and a style rebuild run on separate watchers, so the
// restarting state absorbs style events until the new backend is ready.
var transitions = map[edge]State{
	{StateIdle, EventStart}: StateBuilding,

	{StateBuilding, EventBuilt}: StateServing,

	{StateServing, EventReady}:          StateServing,
	{StateServing, EventStyleChanged}:   StateRebuildingStyle,
	{StateServing, EventBackendChanged}: StateRestarting,

	{StateRebuildingStyle, EventStyleDone}:      StateServing,
	{StateRebuildingStyle, EventStyleChanged}:   StateRebuildingStyle,
	{StateRebuildingStyle, EventBackendChanged}: StateRestarting,
	{StateRebuildingStyle, EventReady}:          StateRebuildingStyle,

	{StateRestarting, EventBackendChanged}: StateRestarting,
	{StateRestarting, EventStyleChanged}:   StateRestarting,
	{StateRestarting, EventStyleDone}:      StateRestarting,
	{StateRestarting, EventReady}:          StateServing,
}

// Transition is one accepted state change.
type Transition struct {
	From  State
	To    State
	Event Event
	// First is true for the first transition into StateServing.
	First bool
}

// Observer is called after every accepted transition, in order.
type Observer func(Transition)

// Machine is the watch session state machine.
type Machine struct {
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	served    bool
	observers []Observer
}

// NewMachine returns a machine in StateIdle.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{logger: logger.With("component", "watch-state")}
}

// State reports the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Observe registers fn for every later transition.
func (m *Machine) Observe(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Fire applies ev. Events the current state does not accept are rejected,
// logged and leave the state unchanged.
func (m *Machine) Fire(ev Event) (Transition, error) {
	m.mu.Lock()
	from := m.state
	to, ok := transitions[edge{from, ev}]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("Rejected watch state transition.", "state", from, "event", ev)
		return Transition{}, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
	tr := Transition{From: from, To: to, Event: ev}
	if to == StateServing && !m.served {
		m.served = true
		tr.First = true
	}
	m.state = to
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if from != to {
		m.logger.Debug("Watch state changed.", "from", from, "to", to, "event", ev)
	}
	for _, fn := range observers {
		fn(tr)
	}
	return tr, nil
}

// ReloadOn pushes reloads through bridge: a full reload once a restarted
// backend is ready and a style reload once a style rebuild finished.
func (m *Machine) ReloadOn(bridge reload.Bridge) {
	m.Observe(func(tr Transition) {
		switch {
		case tr.From == StateRestarting && tr.To == StateServing:
			bridge.Reload(reload.KindFull)
		case tr.From == StateRebuildingStyle && tr.To == StateServing:
			bridge.Reload(reload.KindCSS)
		}
	})
}
