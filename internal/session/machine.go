// Package session drives one participant's side of a room: admission
// through the hub, then offer/answer/candidate negotiation of the peer
// connection.
package session

import (
	"fmt"
	"slices"
	"sync"
)

// Phase is the negotiation phase of a participant.
type Phase int

const (
	Idle Phase = iota
	AwaitingApproval
	Connecting
	Connected
	Ended
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingApproval:
		return "awaiting-approval"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further progress is possible without a
// teardown to Idle.
func (p Phase) Terminal() bool {
	return p == Ended || p == Failed
}

// Idle is reachable from every phase and is not listed.
var transitions = map[Phase][]Phase{
	Idle:             {AwaitingApproval, Connecting},
	AwaitingApproval: {Connecting, Failed},
	Connecting:       {Connected, Failed, Ended},
	Connected:        {Connecting, Ended},
}

// Machine holds the current phase and the room it belongs to. It is safe
// for concurrent use; observers run synchronously on the goroutine that
// made the transition.
type Machine struct {
	mu        sync.Mutex
	phase     Phase
	room      string
	observers []func(from, to Phase)
}

func NewMachine() *Machine {
	return &Machine{}
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Machine) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

func (m *Machine) SetRoom(roomID string) {
	m.mu.Lock()
	m.room = roomID
	m.mu.Unlock()
}

// OnPhaseChange registers fn to be called after every transition.
func (m *Machine) OnPhaseChange(fn func(from, to Phase)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Transition moves the machine to phase to. Connected to Connected and
// Idle to Idle are no-ops; other moves not in the transition table fail
// with ErrInvalidTransition.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	from := m.phase
	if from == to && (to == Connected || to == Idle) {
		m.mu.Unlock()
		return nil
	}
	if to != Idle && !slices.Contains(transitions[from], to) {
		m.mu.Unlock()
		return WrapError("transition", ErrInvalidTransition, from.String()+" -> "+to.String())
	}
	m.phase = to
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(from, to)
	}
	return nil
}
