// Package metrics exports controller state as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/water-heater/internal/logic"
)

const namespace = "water_heater"

// Collector holds the metric vectors, all labelled by heater name.
type Collector struct {
	current   *prometheus.GaugeVec
	target    *prometheus.GaugeVec
	available *prometheus.GaugeVec
	modeOn    *prometheus.GaugeVec
	heaterOn  *prometheus.GaugeVec
	commands  *prometheus.CounterVec
}

// New creates a Collector and registers it with reg.
func New(reg prometheus.Registerer) *Collector {
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, []string{"heater"})
	}
	c := &Collector{
		current:   gauge("current_temperature", "Last valid tank temperature reading."),
		target:    gauge("target_temperature", "Configured target temperature."),
		available: gauge("available", "1 if the heater actuator reports on or off."),
		modeOn:    gauge("mode_on", "1 if the operating mode is on."),
		heaterOn:  gauge("heater_on", "1 if the heater actuator reports on."),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands submitted to the heater actuator.",
		}, []string{"heater", "state"}),
	}
	reg.MustRegister(c.current, c.target, c.available, c.modeOn, c.heaterOn, c.commands)
	return c
}

// Publish updates the gauges from a display state. Unknown temperatures
// remove the series instead of reporting a stale value.
func (c *Collector) Publish(s logic.DisplayState) {
	setOrDelete(c.current, s.Name, s.CurrentTemperature)
	setOrDelete(c.target, s.Name, s.TargetTemperature)
	c.available.WithLabelValues(s.Name).Set(boolFloat(s.Available))
	c.modeOn.WithLabelValues(s.Name).Set(boolFloat(s.Mode == logic.ModeOn))
	c.heaterOn.WithLabelValues(s.Name).Set(boolFloat(s.Heater == logic.ActuatorOn))
}

// Instrument wraps a so that every submitted command is counted under name.
func (c *Collector) Instrument(name string, a logic.HeaterActuator) logic.HeaterActuator {
	return &instrumented{HeaterActuator: a, name: name, commands: c.commands}
}

type instrumented struct {
	logic.HeaterActuator
	name     string
	commands *prometheus.CounterVec
}

func (i *instrumented) Submit(cmd logic.Command) {
	i.commands.WithLabelValues(i.name, string(cmd.State)).Inc()
	i.HeaterActuator.Submit(cmd)
}

func setOrDelete(g *prometheus.GaugeVec, name string, v *float64) {
	if v == nil {
		g.DeleteLabelValues(name)
		return
	}
	g.WithLabelValues(name).Set(*v)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
