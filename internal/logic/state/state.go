// Package state gates every hardware-affecting guider operation through
// an explicit finite state machine.
package state

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/GuideGo/internal/debug"
	"github.com/cjeanneret/GuideGo/internal/fault"
)

// State of a guider.
type State int

const (
	Unconfigured State = iota
	Idle
	Calibrating
	Calibrated
	Guiding
	DarkAcquire
	FlatAcquire
	Imaging
)

var names = [...]string{
	Unconfigured: "unconfigured",
	Idle:         "idle",
	Calibrating:  "calibrating",
	Calibrated:   "calibrated",
	Guiding:      "guiding",
	DarkAcquire:  "darkacquire",
	FlatAcquire:  "flatacquire",
	Imaging:      "imaging",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText lets states appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Listener is told about every successful transition. It is called with
// the machine unlocked.
type Listener func(from, to State)

// Machine holds the state of one guider. The zero value is not usable,
// use New. All methods are safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	state    State
	saved    State // state before the current acquire
	listener Listener
}

// New returns a machine in the Unconfigured state.
func New() *Machine {
	return &Machine{state: Unconfigured}
}

// OnTransition installs the listener, replacing any previous one.
func (m *Machine) OnTransition(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to the state computed by next if allowed returns
// true for the current state.
func (m *Machine) transition(op string, allowed func(State) bool, next func(from State) State) error {
	m.mu.Lock()
	from := m.state
	if !allowed(from) {
		m.mu.Unlock()
		return fault.New(fault.BadStateTransition, "%s not allowed in state %s", op, from)
	}
	to := next(from)
	m.state = to
	l := m.listener
	m.mu.Unlock()

	debug.State(from.String(), to.String())
	if l != nil {
		l(from, to)
	}
	return nil
}

func in(states ...State) func(State) bool {
	return func(s State) bool {
		for _, x := range states {
			if s == x {
				return true
			}
		}
		return false
	}
}

func not(s State) func(State) bool {
	return func(x State) bool { return x != s }
}

func to(s State) func(State) State {
	return func(State) State { return s }
}

// Configure: unconfigured -> idle.
func (m *Machine) Configure() error {
	return m.transition("configure", in(Unconfigured), to(Idle))
}

// StartCalibrating: idle, calibrated -> calibrating.
func (m *Machine) StartCalibrating() error {
	return m.transition("startCalibrating", in(Idle, Calibrated), to(Calibrating))
}

// AddCalibration: any state but guiding -> calibrated.
func (m *Machine) AddCalibration() error {
	return m.transition("addCalibration", not(Guiding), to(Calibrated))
}

// FailCalibration: any state but guiding -> idle.
func (m *Machine) FailCalibration() error {
	return m.transition("failCalibration", not(Guiding), to(Idle))
}

// StartGuiding: calibrated -> guiding.
func (m *Machine) StartGuiding() error {
	return m.transition("startGuiding", in(Calibrated), to(Guiding))
}

// StopGuiding: guiding -> calibrated.
func (m *Machine) StopGuiding() error {
	return m.transition("stopGuiding", in(Guiding), to(Calibrated))
}

// startAcquire saves the current state; only one level is kept.
func (m *Machine) startAcquire(op string, target State) error {
	return m.transition(op, in(Idle, Calibrated), func(from State) State {
		m.saved = from
		return target
	})
}

func (m *Machine) endAcquire(op string, current State) error {
	return m.transition(op, in(current), func(State) State {
		return m.saved
	})
}

func (m *Machine) StartDarkAcquire() error { return m.startAcquire("startDarkAcquire", DarkAcquire) }
func (m *Machine) EndDarkAcquire() error   { return m.endAcquire("endDarkAcquire", DarkAcquire) }
func (m *Machine) StartFlatAcquire() error { return m.startAcquire("startFlatAcquire", FlatAcquire) }
func (m *Machine) EndFlatAcquire() error   { return m.endAcquire("endFlatAcquire", FlatAcquire) }
func (m *Machine) StartImaging() error     { return m.startAcquire("startImaging", Imaging) }
func (m *Machine) EndImaging() error       { return m.endAcquire("endImaging", Imaging) }

// Predicates mirroring the operations, for callers that want to check
// before doing expensive preparation.

func (m *Machine) CanConfigure() bool        { return m.Current() == Unconfigured }
func (m *Machine) CanStartCalibrating() bool { return in(Idle, Calibrated)(m.Current()) }
func (m *Machine) CanAddCalibration() bool   { return m.Current() != Guiding }
func (m *Machine) CanFailCalibration() bool  { return m.Current() != Guiding }
func (m *Machine) CanStartGuiding() bool     { return m.Current() == Calibrated }
func (m *Machine) CanStopGuiding() bool      { return m.Current() == Guiding }
func (m *Machine) CanStartAcquire() bool     { return in(Idle, Calibrated)(m.Current()) }
func (m *Machine) CanEndDarkAcquire() bool   { return m.Current() == DarkAcquire }
func (m *Machine) CanEndFlatAcquire() bool   { return m.Current() == FlatAcquire }
func (m *Machine) CanEndImaging() bool       { return m.Current() == Imaging }
