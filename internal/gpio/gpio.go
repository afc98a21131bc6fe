// Package gpio drives a heater relay from a GPIO output line.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"log"

	"github.com/sweeney/water-heater/internal/logic"
)

// Line is a single GPIO output.
type Line interface {
	// SetValue drives the line to the raw level (0 or 1).
	SetValue(value int) error

	// Value returns the current raw level.
	Value() (int, error)

	// Close releases the line.
	Close() error
}

// Relay is a logic.HeaterActuator switching a heater through a relay on a
// GPIO line. All methods except Close must be called from the dispatch loop.
type Relay struct {
	id        string
	line      Line
	activeLow bool
	dispatch  func(func())

	state    logic.ActuatorState
	next     int
	watchers map[int]func(logic.ActuatorState)
}

// NewRelay wraps line. The initial state is read back from the line; if that
// fails the relay starts unavailable.
func NewRelay(id string, line Line, activeLow bool, dispatch func(func())) *Relay {
	r := &Relay{
		id:        id,
		line:      line,
		activeLow: activeLow,
		dispatch:  dispatch,
		watchers:  make(map[int]func(logic.ActuatorState)),
	}
	raw, err := line.Value()
	if err != nil {
		log.Printf("gpio: %s: read line: %v", id, err)
		r.state = logic.ActuatorUnavailable
	} else {
		r.state = r.logical(raw)
	}
	return r
}

// logical converts a raw level to a heater state.
// With activeLow set, raw 0 energises the relay.
func (r *Relay) logical(raw int) logic.ActuatorState {
	if (raw != 0) != r.activeLow {
		return logic.ActuatorOn
	}
	return logic.ActuatorOff
}

func (r *Relay) raw(s logic.ActuatorState) int {
	if (s == logic.ActuatorOn) != r.activeLow {
		return 1
	}
	return 0
}

func (r *Relay) ID() string { return r.id }

// State returns the last level written or read.
func (r *Relay) State() logic.ActuatorState { return r.state }

// Watch registers fn for state changes.
func (r *Relay) Watch(fn func(logic.ActuatorState)) func() {
	id := r.next
	r.next++
	r.watchers[id] = fn
	return func() { delete(r.watchers, id) }
}

// Submit drives the line. A failed write marks the relay unavailable. Any
// state change is reported to watchers through the dispatch loop.
func (r *Relay) Submit(cmd logic.Command) {
	next := cmd.State
	if err := r.line.SetValue(r.raw(cmd.State)); err != nil {
		log.Printf("gpio: %s: set %s: %v", r.id, cmd.State, err)
		next = logic.ActuatorUnavailable
	} else {
		log.Printf("gpio: %s <- %s (context %s)", r.id, cmd.State, cmd.Context)
	}
	r.set(next)
}

// Refresh reads the line back and reports a change. It recovers a relay
// that was marked unavailable after a failed write.
func (r *Relay) Refresh() {
	raw, err := r.line.Value()
	if err != nil {
		log.Printf("gpio: %s: read line: %v", r.id, err)
		r.set(logic.ActuatorUnavailable)
		return
	}
	r.set(r.logical(raw))
}

func (r *Relay) set(s logic.ActuatorState) {
	if s == r.state {
		return
	}
	r.state = s
	r.dispatch(func() {
		for _, fn := range r.watchers {
			fn(s)
		}
	})
}

// Close releases the line.
func (r *Relay) Close() error {
	return r.line.Close()
}
