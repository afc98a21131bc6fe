// Package mqtt connects water heater controllers to an MQTT broker: sensor
// and heater state topics in, heater commands and display state out.
package mqtt

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/water-heater/internal/logic"
)

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "water_heater/system"

// SystemPublisher publishes daemon lifecycle events.
type SystemPublisher interface {
	// PublishSystem sends a system lifecycle event to the broker.
	// Returns error if publishing fails (should not crash the process).
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// StatePayload is the retained JSON document published for each heater.
type StatePayload struct {
	Name               string   `json:"name"`
	CurrentTemperature *float64 `json:"current_temperature"`
	TargetTemperature  *float64 `json:"temperature"`
	Mode               string   `json:"mode"`
	Available          bool     `json:"available"`
	Heater             string   `json:"heater"`
	OperationList      []string `json:"operation_list"`
	MinTemp            float64  `json:"min_temp"`
	MaxTemp            float64  `json:"max_temp"`
	Unit               string   `json:"unit"`
}

// FormatState creates the JSON payload for a heater's display state.
func FormatState(s logic.DisplayState) ([]byte, error) {
	ops := make([]string, len(s.OperationList))
	for i, m := range s.OperationList {
		ops[i] = string(m)
	}
	heater := string(s.Heater)
	if heater == "" {
		heater = string(logic.ActuatorUnknown)
	}
	return json.Marshal(StatePayload{
		Name:               s.Name,
		CurrentTemperature: s.CurrentTemperature,
		TargetTemperature:  s.TargetTemperature,
		Mode:               string(s.Mode),
		Available:          s.Available,
		Heater:             heater,
		OperationList:      ops,
		MinTemp:            s.MinTemp,
		MaxTemp:            s.MaxTemp,
		Unit:               string(s.Unit),
	})
}

// ParseReading decodes a sensor state payload. Numbers are valid readings;
// "unavailable" is reported as such and anything else is unknown.
func ParseReading(payload []byte) logic.Reading {
	s := strings.TrimSpace(string(payload))
	if strings.EqualFold(s, string(logic.ReadingUnavailable)) {
		return logic.Reading{Status: logic.ReadingUnavailable}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return logic.Reading{Status: logic.ReadingUnknown}
	}
	return logic.Temperature(v)
}

// ParseActuatorState decodes a heater state payload. The configured on/off
// payloads are accepted alongside ON/OFF and 1/0.
func ParseActuatorState(payload []byte, on, off string) logic.ActuatorState {
	s := strings.TrimSpace(string(payload))
	switch {
	case s == "":
		return logic.ActuatorUnknown
	case s == on || strings.EqualFold(s, "on") || s == "1":
		return logic.ActuatorOn
	case s == off || strings.EqualFold(s, "off") || s == "0":
		return logic.ActuatorOff
	case strings.EqualFold(s, string(logic.ActuatorUnavailable)):
		return logic.ActuatorUnavailable
	}
	return logic.ActuatorUnknown
}

// ParseTemperature decodes a target temperature command.
func ParseTemperature(payload []byte) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("temperature %q is not finite", payload)
	}
	return v, nil
}
