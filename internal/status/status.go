// Package status provides a thread-safe status tracker for the water-heater daemon.
// It is written from the dispatch loop and read by HTTP handlers.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/water-heater/internal/logic"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
	StateFile   string
	Unit        string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Heaters       []logic.DisplayState // sorted by name
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether every heater has a temperature and a reachable switch.
func (s Snapshot) Ready() bool {
	if len(s.Heaters) == 0 {
		return false
	}
	for _, h := range s.Heaters {
		if h.CurrentTemperature == nil || !h.Available {
			return false
		}
	}
	return true
}

// Tracker holds mutable daemon state behind an RWMutex.
// It is a logic.DisplayPublisher.
type Tracker struct {
	mu      sync.RWMutex
	snap    Snapshot
	heaters map[string]logic.DisplayState
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		heaters: make(map[string]logic.DisplayState),
	}
}

// Publish records the latest display state of one heater.
func (t *Tracker) Publish(s logic.DisplayState) {
	s.CurrentTemperature = copyFloat(s.CurrentTemperature)
	s.TargetTemperature = copyFloat(s.TargetTemperature)
	s.OperationList = append([]logic.Mode(nil), s.OperationList...)

	t.mu.Lock()
	t.heaters[s.Name] = s
	t.mu.Unlock()
}

// Heater returns the last published state of the named heater.
func (t *Tracker) Heater(name string) (logic.DisplayState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.heaters[name]
	return s, ok
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Heaters = make([]logic.DisplayState, 0, len(t.heaters))
	for _, h := range t.heaters {
		s.Heaters = append(s.Heaters, h)
	}
	t.mu.RUnlock()

	sort.Slice(s.Heaters, func(i, j int) bool { return s.Heaters[i].Name < s.Heaters[j].Name })
	s.Now = time.Now()
	return s
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
