// Package config loads the daemon's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/water-heater/internal/logic"
)

// Defaults.
const (
	DefaultBroker     = "tcp://127.0.0.1:1883"
	DefaultClientID   = "water-heater"
	DefaultHTTPAddr   = ":80"
	DefaultHeartbeat  = 15 * time.Minute
	DefaultStateFile  = "/var/lib/water-heater/state.db"
	DefaultTempDelta  = 1.0
	DefaultPayloadOn  = "ON"
	DefaultPayloadOff = "OFF"
)

// Config is the top-level configuration file.
type Config struct {
	Broker       string        `yaml:"broker"`
	ClientID     string        `yaml:"client_id"`
	HTTPAddr     string        `yaml:"http"` // "" disables the HTTP server
	Heartbeat    time.Duration `yaml:"heartbeat"`
	StateFile    string        `yaml:"state_file"`
	Unit         string        `yaml:"unit"`
	WaterHeaters []WaterHeater `yaml:"water_heaters"`
}

// WaterHeater configures one controlled heater.
type WaterHeater struct {
	Name       string   `yaml:"name"`
	Heater     string   `yaml:"heater"` // actuator entity ID
	Sensor     string   `yaml:"sensor"` // temperature sensor entity ID
	TargetTemp *float64 `yaml:"target_temp"`
	TempDelta  float64  `yaml:"temp_delta"`
	MinTemp    *float64 `yaml:"min_temp"`
	MaxTemp    *float64 `yaml:"max_temp"`
	Topics     Topics   `yaml:"topics"`
	GPIO       *GPIO    `yaml:"gpio"`
}

// Topics holds the MQTT topics of a heater. Empty topics are derived from
// the entity IDs and the heater name.
type Topics struct {
	SensorState   string `yaml:"sensor_state"`
	HeaterState   string `yaml:"heater_state"`
	HeaterCommand string `yaml:"heater_command"`
	TargetCommand string `yaml:"target_command"`
	ModeCommand   string `yaml:"mode_command"`
	State         string `yaml:"state"`
	PayloadOn     string `yaml:"payload_on"`
	PayloadOff    string `yaml:"payload_off"`
}

// GPIO drives the heater through a relay on a local GPIO line instead of MQTT.
type GPIO struct {
	Chip      string `yaml:"chip"`
	Pin       int    `yaml:"pin"`
	ActiveLow bool   `yaml:"active_low"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data strictly, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	// An explicit empty http address must survive defaulting.
	cfg := Config{HTTPAddr: DefaultHTTPAddr}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills empty fields. HTTPAddr is left alone since empty
// disables the server; Parse seeds its default.
func (c *Config) ApplyDefaults() {
	if c.Broker == "" {
		c.Broker = DefaultBroker
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.StateFile == "" {
		c.StateFile = DefaultStateFile
	}
	if c.Unit == "" {
		c.Unit = string(logic.Celsius)
	}
	for i := range c.WaterHeaters {
		c.WaterHeaters[i].applyDefaults()
	}
}

func (h *WaterHeater) applyDefaults() {
	if h.TempDelta == 0 {
		h.TempDelta = DefaultTempDelta
	}
	t := &h.Topics
	if t.SensorState == "" {
		t.SensorState = entityTopic(h.Sensor) + "/state"
	}
	if t.HeaterState == "" {
		t.HeaterState = entityTopic(h.Heater) + "/state"
	}
	if t.HeaterCommand == "" {
		t.HeaterCommand = entityTopic(h.Heater) + "/set"
	}
	base := "water_heater/" + Slug(h.Name)
	if t.TargetCommand == "" {
		t.TargetCommand = base + "/temperature/set"
	}
	if t.ModeCommand == "" {
		t.ModeCommand = base + "/mode/set"
	}
	if t.State == "" {
		t.State = base + "/state"
	}
	if t.PayloadOn == "" {
		t.PayloadOn = DefaultPayloadOn
	}
	if t.PayloadOff == "" {
		t.PayloadOff = DefaultPayloadOff
	}
	if h.GPIO != nil && h.GPIO.Chip == "" {
		h.GPIO.Chip = "gpiochip0"
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if _, err := logic.ParseUnit(c.Unit); err != nil {
		return err
	}
	if c.Heartbeat < 0 {
		return errors.New("heartbeat must not be negative")
	}
	if len(c.WaterHeaters) == 0 {
		return errors.New("no water_heaters configured")
	}
	seen := make(map[string]bool)
	for i, h := range c.WaterHeaters {
		if h.Name == "" {
			return fmt.Errorf("water_heaters[%d]: name is required", i)
		}
		if seen[Slug(h.Name)] {
			return fmt.Errorf("water_heaters[%d]: duplicate name %q", i, h.Name)
		}
		seen[Slug(h.Name)] = true
		if h.Heater == "" {
			return fmt.Errorf("%s: heater is required", h.Name)
		}
		if h.Sensor == "" {
			return fmt.Errorf("%s: sensor is required", h.Name)
		}
		if !(h.TempDelta > 0) {
			return fmt.Errorf("%s: temp_delta must be positive, got %v", h.Name, h.TempDelta)
		}
		if h.MinTemp != nil && h.MaxTemp != nil && *h.MinTemp > *h.MaxTemp {
			return fmt.Errorf("%s: min_temp %v is above max_temp %v", h.Name, *h.MinTemp, *h.MaxTemp)
		}
		if h.GPIO != nil && h.GPIO.Pin < 0 {
			return fmt.Errorf("%s: invalid gpio pin %d", h.Name, h.GPIO.Pin)
		}
	}
	return nil
}

// TemperatureUnit returns the parsed unit. Call after Validate.
func (c *Config) TemperatureUnit() logic.Unit {
	u, _ := logic.ParseUnit(c.Unit)
	return u
}

// Slug lowercases name and replaces anything but letters and digits with '_'.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// entityTopic maps "switch.boiler" to "switch/boiler".
func entityTopic(entity string) string {
	return strings.ReplaceAll(entity, ".", "/")
}
