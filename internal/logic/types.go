// Package logic contains the hysteresis control loop for a water heater.
// It has no knowledge of MQTT, GPIO or HTTP: sensors, actuators and display
// sinks are injected through the interfaces declared here.
package logic

import (
	"errors"
	"fmt"
	"strings"
)

// Mode is the user's intended operating mode.
type Mode string

const (
	ModeOn  Mode = "on"
	ModeOff Mode = "off"
)

// OperationList is the set of modes a water heater accepts.
var OperationList = []Mode{ModeOn, ModeOff}

// ErrInvalidMode is returned for anything other than on/off.
var ErrInvalidMode = errors.New("invalid operation mode")

// ParseMode accepts "on"/"off" in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeOn:
		return ModeOn, nil
	case ModeOff:
		return ModeOff, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// ActuatorState is the state a heater actuator reports.
type ActuatorState string

const (
	ActuatorOn          ActuatorState = "on"
	ActuatorOff         ActuatorState = "off"
	ActuatorUnavailable ActuatorState = "unavailable"
	ActuatorUnknown     ActuatorState = "unknown"
)

// Valid reports whether the state is a real on/off value.
func (s ActuatorState) Valid() bool {
	return s == ActuatorOn || s == ActuatorOff
}

// ReadingStatus qualifies a temperature reading.
type ReadingStatus string

const (
	ReadingOK          ReadingStatus = "ok"
	ReadingUnavailable ReadingStatus = "unavailable"
	ReadingUnknown     ReadingStatus = "unknown"
)

// Reading is a single report from a temperature source.
// The zero value is not valid.
type Reading struct {
	Value  float64
	Status ReadingStatus
}

// Temperature returns a valid reading.
func Temperature(v float64) Reading {
	return Reading{Value: v, Status: ReadingOK}
}

// Valid reports whether the reading carries a usable value.
func (r Reading) Valid() bool {
	return r.Status == ReadingOK
}

func (r Reading) String() string {
	if r.Valid() {
		return fmt.Sprintf("%g", r.Value)
	}
	if r.Status == "" {
		return string(ReadingUnknown)
	}
	return string(r.Status)
}

// Command asks an actuator to switch on or off.
type Command struct {
	Entity  string        // actuator ID
	State   ActuatorState // ActuatorOn or ActuatorOff
	Context string        // ID of the controller that issued it
}

// TemperatureSource provides the tank temperature.
type TemperatureSource interface {
	// ID identifies the sensor (e.g. "sensor.tank").
	ID() string

	// Reading returns the last known reading. It must not block.
	Reading() Reading

	// Watch registers fn for future readings. fn is invoked on the host's
	// dispatch loop. The returned func unregisters it.
	Watch(fn func(Reading)) (cancel func())
}

// HeaterActuator is the switch driving the heating element.
type HeaterActuator interface {
	// ID identifies the actuator (e.g. "switch.boiler").
	ID() string

	// State returns the last reported state. It must not block.
	State() ActuatorState

	// Submit sends cmd without waiting for the result.
	Submit(cmd Command)

	// Watch registers fn for state changes, invoked on the host's dispatch loop.
	Watch(fn func(ActuatorState)) (cancel func())
}

// Snapshot is the part of the controller state restored after a restart.
type Snapshot struct {
	TargetTemperature *float64
	Mode              Mode
}

// SnapshotStore supplies previously persisted snapshots.
type SnapshotStore interface {
	// Load returns nil, nil when nothing was stored for name.
	Load(name string) (*Snapshot, error)
}

// DisplayState is what the controller exposes to presentation sinks.
type DisplayState struct {
	Name               string
	CurrentTemperature *float64
	TargetTemperature  *float64
	Mode               Mode
	Available          bool
	Heater             ActuatorState
	OperationList      []Mode
	MinTemp            float64
	MaxTemp            float64
	Unit               Unit
}

// DisplayPublisher receives the display state after every reaction.
type DisplayPublisher interface {
	Publish(state DisplayState)
}

// Publishers fans a display state out to several sinks in order.
type Publishers []DisplayPublisher

// Publish calls every non-nil publisher.
func (p Publishers) Publish(state DisplayState) {
	for _, pub := range p {
		if pub != nil {
			pub.Publish(state)
		}
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(DisplayState) {}
