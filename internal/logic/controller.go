package logic

import (
	"errors"
	"log"
	"math"

	"github.com/google/uuid"
)

// ErrInvalidTolerance is returned when the dead band is not positive.
var ErrInvalidTolerance = errors.New("tolerance must be positive")

// Decision is the outcome of a control evaluation.
type Decision int

const (
	DecideNone Decision = iota // leave the heater as it is
	DecideOn
	DecideOff
)

func (d Decision) String() string {
	switch d {
	case DecideOn:
		return "on"
	case DecideOff:
		return "off"
	default:
		return "none"
	}
}

// Decide applies the hysteresis rule. A nil current or target temperature
// means no decision can be made, except that mode off always switches off
// once a reading is available.
func Decide(current, target *float64, tolerance float64, mode Mode) Decision {
	if current == nil {
		return DecideNone
	}
	if mode == ModeOff {
		return DecideOff
	}
	if target == nil {
		return DecideNone
	}
	if math.Abs(*current-*target) > tolerance {
		if *current < *target {
			return DecideOn
		}
		return DecideOff
	}
	return DecideNone
}

// Config holds the construction-time settings of a Controller.
type Config struct {
	Name              string
	TargetTemperature *float64
	Tolerance         float64
	MinTemp           *float64
	MaxTemp           *float64
	Unit              Unit

	// Context tags outgoing commands. A random ID is used when empty.
	Context string

	// Logger defaults to log.Default().
	Logger *log.Logger
}

// Controller switches a heater on and off to keep a sensor within
// Tolerance of the target temperature.
//
// A Controller is not safe for concurrent use: every method must be called
// from the host's dispatch loop.
type Controller struct {
	name      string
	sensor    TemperatureSource
	heater    HeaterActuator
	publisher DisplayPublisher
	logger    *log.Logger
	context   string

	tolerance float64
	unit      Unit
	target    *float64
	minTemp   *float64
	maxTemp   *float64
	current   *float64
	mode      Mode
	available bool

	cancels []func()
}

// NewController creates a controller in mode on. publisher may be nil.
func NewController(cfg Config, sensor TemperatureSource, heater HeaterActuator, publisher DisplayPublisher) (*Controller, error) {
	if !(cfg.Tolerance > 0) {
		return nil, ErrInvalidTolerance
	}
	if sensor == nil || heater == nil {
		return nil, errors.New("sensor and heater are required")
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctxID := cfg.Context
	if ctxID == "" {
		ctxID = uuid.NewString()
	}
	unit := cfg.Unit
	if unit == "" {
		unit = Celsius
	}

	return &Controller{
		name:      cfg.Name,
		sensor:    sensor,
		heater:    heater,
		publisher: publisher,
		logger:    logger,
		context:   ctxID,
		tolerance: cfg.Tolerance,
		unit:      unit,
		target:    copyFloat(cfg.TargetTemperature),
		minTemp:   copyFloat(cfg.MinTemp),
		maxTemp:   copyFloat(cfg.MaxTemp),
		mode:      ModeOn,
	}, nil
}

// Attach restores snap (may be nil), primes state from the live sensor and
// actuator, subscribes to both and publishes the display state. It never
// commands the heater.
func (c *Controller) Attach(snap *Snapshot) {
	if snap != nil {
		if snap.TargetTemperature != nil {
			c.target = copyFloat(snap.TargetTemperature)
		}
		if m, err := ParseMode(string(snap.Mode)); err == nil {
			c.mode = m
		}
	}

	if r := c.sensor.Reading(); r.Valid() {
		v := r.Value
		c.current = &v
	}
	c.available = c.heater.State().Valid()

	c.cancels = append(c.cancels,
		c.sensor.Watch(c.OnSensorReading),
		c.heater.Watch(c.OnActuatorStateChange),
	)
	c.publish()
}

// Detach unregisters the subscriptions made by Attach.
func (c *Controller) Detach() {
	for _, cancel := range c.cancels {
		if cancel != nil {
			cancel()
		}
	}
	c.cancels = nil
}

// SetTargetTemperature changes the target and re-evaluates.
func (c *Controller) SetTargetTemperature(v float64) {
	c.target = &v
	c.controlHeating()
}

// SetMode changes the operating mode and re-evaluates.
func (c *Controller) SetMode(m Mode) error {
	m, err := ParseMode(string(m))
	if err != nil {
		return err
	}
	c.mode = m
	c.controlHeating()
	return nil
}

// OnSensorReading handles a new report from the temperature source.
func (c *Controller) OnSensorReading(r Reading) {
	if !r.Valid() {
		c.logger.Printf("failsafe: no temperature information (%s), turning off heater %s", r, c.heater.ID())
		c.turnOff()
		c.current = nil
	} else {
		v := r.Value
		c.current = &v
	}
	c.controlHeating()
}

// OnActuatorStateChange tracks availability and lets an externally switched
// heater override the mode.
func (c *Controller) OnActuatorStateChange(s ActuatorState) {
	if !s.Valid() {
		c.available = false
	} else {
		c.available = true
		switch {
		case s == ActuatorOn && c.mode == ModeOff:
			c.logger.Printf("%s: heater %s switched on externally, mode on", c.name, c.heater.ID())
			c.mode = ModeOn
		case s == ActuatorOff && c.mode == ModeOn:
			c.logger.Printf("%s: heater %s switched off externally, mode off", c.name, c.heater.ID())
			c.mode = ModeOff
		}
	}
	c.publish()
}

func (c *Controller) controlHeating() {
	switch Decide(c.current, c.target, c.tolerance, c.mode) {
	case DecideOn:
		c.turnOn()
	case DecideOff:
		c.turnOff()
	}
	c.publish()
}

func (c *Controller) turnOn() {
	c.command(ActuatorOn)
}

func (c *Controller) turnOff() {
	c.command(ActuatorOff)
}

func (c *Controller) command(want ActuatorState) {
	if c.heater.State() == want {
		return
	}
	c.logger.Printf("%s: turning %s heater %s", c.name, want, c.heater.ID())
	c.heater.Submit(Command{
		Entity:  c.heater.ID(),
		State:   want,
		Context: c.context,
	})
}

// MinTemp returns the configured minimum, or the converted default on first use.
func (c *Controller) MinTemp() float64 {
	if c.minTemp == nil {
		v := ConvertTemperature(DefaultMinTemp, Fahrenheit, c.unit)
		c.minTemp = &v
	}
	return *c.minTemp
}

// MaxTemp returns the configured maximum, or the converted default on first use.
func (c *Controller) MaxTemp() float64 {
	if c.maxTemp == nil {
		v := ConvertTemperature(DefaultMaxTemp, Fahrenheit, c.unit)
		c.maxTemp = &v
	}
	return *c.maxTemp
}

// Name returns the controller name.
func (c *Controller) Name() string { return c.name }

// Context returns the ID attached to outgoing commands.
func (c *Controller) Context() string { return c.context }

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode { return c.mode }

// Available reports whether the heater actuator was last seen on or off.
func (c *Controller) Available() bool { return c.available }

// TargetTemperature returns the target and whether one is set.
func (c *Controller) TargetTemperature() (float64, bool) {
	if c.target == nil {
		return 0, false
	}
	return *c.target, true
}

// CurrentTemperature returns the last valid reading and whether it is known.
func (c *Controller) CurrentTemperature() (float64, bool) {
	if c.current == nil {
		return 0, false
	}
	return *c.current, true
}

// Snapshot returns the state worth persisting.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{TargetTemperature: copyFloat(c.target), Mode: c.mode}
}

// State returns the current display state.
func (c *Controller) State() DisplayState {
	ops := make([]Mode, len(OperationList))
	copy(ops, OperationList)
	return DisplayState{
		Name:               c.name,
		CurrentTemperature: copyFloat(c.current),
		TargetTemperature:  copyFloat(c.target),
		Mode:               c.mode,
		Available:          c.available,
		Heater:             c.heater.State(),
		OperationList:      ops,
		MinTemp:            c.MinTemp(),
		MaxTemp:            c.MaxTemp(),
		Unit:               c.unit,
	}
}

func (c *Controller) publish() {
	c.publisher.Publish(c.State())
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
