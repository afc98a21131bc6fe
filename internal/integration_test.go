package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sweeney/water-heater/internal/gpio"
	"github.com/sweeney/water-heater/internal/logic"
	"github.com/sweeney/water-heater/internal/metrics"
	"github.com/sweeney/water-heater/internal/status"
	"github.com/sweeney/water-heater/internal/store"
)

// queue stands in for the dispatch loop.
type queue []func()

func (q *queue) dispatch(fn func()) { *q = append(*q, fn) }

func (q *queue) run() {
	for len(*q) > 0 {
		fn := (*q)[0]
		*q = (*q)[1:]
		fn()
	}
}

func f64(v float64) *float64 { return &v }

type rig struct {
	q       queue
	line    *gpio.FakeLine
	relay   *gpio.Relay
	sensor  *logic.FakeSensor
	st      *store.Store
	tracker *status.Tracker
	reg     *prometheus.Registry
	ctrl    *logic.Controller
	logs    bytes.Buffer
}

// newRig wires a controller the way the daemon does, with a GPIO relay on a
// fake line and a bbolt store in a temp dir.
func newRig(t *testing.T, path string, initial logic.Reading) *rig {
	t.Helper()
	r := &rig{
		line:    &gpio.FakeLine{},
		sensor:  logic.NewFakeSensor("sensor.tank", initial),
		tracker: status.NewTracker(time.Now(), status.Config{Unit: "°F"}),
		reg:     prometheus.NewRegistry(),
	}
	r.relay = gpio.NewRelay("relay.boiler", r.line, false, r.q.dispatch)

	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	r.st = st

	collector := metrics.New(r.reg)
	ctrl, err := logic.NewController(logic.Config{
		Name:              "Boiler",
		TargetTemperature: f64(120),
		Tolerance:         2,
		Unit:              logic.Fahrenheit,
		Context:           "ctx-int",
		Logger:            log.New(&r.logs, "", 0),
	}, r.sensor, collector.Instrument("Boiler", r.relay),
		logic.Publishers{r.tracker, store.NewPersister(st), collector})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	r.ctrl = ctrl

	snap, err := st.Load("Boiler")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	ctrl.Attach(snap)
	r.q.run()
	return r
}

// report delivers a reading and drains the resulting relay notifications.
func (r *rig) report(reading logic.Reading) {
	r.sensor.Report(reading)
	r.q.run()
}

func (r *rig) heater(t *testing.T) logic.DisplayState {
	t.Helper()
	h, ok := r.tracker.Heater("Boiler")
	if !ok {
		t.Fatal("Boiler not in tracker")
	}
	return h
}

// TestIntegrationFullFlow drives one heater through heat-up, dead band,
// overshoot, failsafe and restart.
func TestIntegrationFullFlow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	// A previous run left target 130 and mode on.
	seed, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := seed.Save("Boiler", logic.Snapshot{TargetTemperature: f64(130), Mode: logic.ModeOn}); err != nil {
		t.Fatal(err)
	}
	seed.Close()

	r := newRig(t, path, logic.Temperature(125))

	// Attach restores and primes without commanding.
	if len(r.line.Writes) != 0 {
		t.Fatalf("attach must not command the heater, got writes %v", r.line.Writes)
	}
	h := r.heater(t)
	if *h.TargetTemperature != 130 || *h.CurrentTemperature != 125 || !h.Available {
		t.Fatalf("unexpected state after attach %+v", h)
	}

	// 125 is 5 below 130: heat.
	r.report(logic.Temperature(125))
	if r.line.Level != 1 {
		t.Fatalf("expected relay on, got level %d", r.line.Level)
	}
	if h := r.heater(t); h.Heater != logic.ActuatorOn || h.Mode != logic.ModeOn {
		t.Errorf("expected heater on in mode on, got %s/%s", h.Heater, h.Mode)
	}

	// Inside the dead band nothing is sent.
	r.report(logic.Temperature(129))
	r.report(logic.Temperature(131.5))
	if len(r.line.Writes) != 1 {
		t.Errorf("expected no new writes in dead band, got %v", r.line.Writes)
	}

	// 133 is 3 above 130: stop. The relay reporting off while mode is on
	// brings the mode to off.
	r.report(logic.Temperature(133))
	if r.line.Level != 0 {
		t.Fatalf("expected relay off, got level %d", r.line.Level)
	}
	if r.ctrl.Mode() != logic.ModeOff {
		t.Errorf("expected mode to follow the relay to off, got %s", r.ctrl.Mode())
	}

	// The user turns the heater back on; still too hot, so no command.
	if err := r.ctrl.SetMode(logic.ModeOn); err != nil {
		t.Fatal(err)
	}
	if len(r.line.Writes) != 2 {
		t.Errorf("expected no command while above target, got %v", r.line.Writes)
	}

	// Sensor drops out: failsafe off (already off) and the reading is cleared.
	r.report(logic.Reading{Status: logic.ReadingUnavailable})
	if !strings.Contains(r.logs.String(), "failsafe") {
		t.Errorf("expected failsafe log, got %q", r.logs.String())
	}
	if h := r.heater(t); h.CurrentTemperature != nil {
		t.Errorf("expected current temperature cleared, got %v", *h.CurrentTemperature)
	}
	if len(r.line.Writes) != 2 {
		t.Errorf("failsafe should not resend off, got %v", r.line.Writes)
	}

	// Metrics saw one command each way and dropped the unknown reading.
	expected := `
# HELP water_heater_commands_total Commands submitted to the heater actuator.
# TYPE water_heater_commands_total counter
water_heater_commands_total{heater="Boiler",state="off"} 1
water_heater_commands_total{heater="Boiler",state="on"} 1
`
	if err := testutil.GatherAndCompare(r.reg, strings.NewReader(expected), "water_heater_commands_total"); err != nil {
		t.Error(err)
	}
	if n, err := testutil.GatherAndCount(r.reg, "water_heater_current_temperature"); err != nil || n != 0 {
		t.Errorf("expected no current temperature series, got %d (%v)", n, err)
	}

	// The heartbeat payload carries the heater.
	var parsed status.StatusJSON
	if err := json.Unmarshal(status.FormatStatusEvent(r.tracker.Snapshot(), "HEARTBEAT", ""), &parsed); err != nil {
		t.Fatal(err)
	}
	if len(parsed.Status.Heaters) != 1 || parsed.Status.Heaters[0].Mode != "on" || parsed.Status.Ready {
		t.Errorf("unexpected heartbeat status %+v", parsed.Status)
	}

	// Restart: the persisted target and mode come back.
	r.ctrl.Detach()
	recs, err := r.st.Records()
	if err != nil {
		t.Fatal(err)
	}
	rec := recs["Boiler"]
	if rec.Mode != "on" || rec.TargetTemperature == nil || *rec.TargetTemperature != 130 {
		t.Errorf("unexpected stored record %+v", rec)
	}
}

// TestIntegrationFailsafeBeforeFirstReading checks that an unknown reading
// forces the relay off even though no decision has been made yet.
func TestIntegrationFailsafeBeforeFirstReading(t *testing.T) {
	r := newRig(t, filepath.Join(t.TempDir(), "state.db"), logic.Reading{Status: logic.ReadingUnknown})

	// Someone switched the relay on by hand.
	r.relay.Submit(logic.Command{Entity: "relay.boiler", State: logic.ActuatorOn, Context: "manual"})
	r.q.run()
	if r.ctrl.Mode() != logic.ModeOn {
		t.Fatalf("expected mode on, got %s", r.ctrl.Mode())
	}

	r.report(logic.Reading{Status: logic.ReadingUnknown})
	if r.line.Level != 0 {
		t.Errorf("failsafe should release the relay, got level %d", r.line.Level)
	}
	if _, ok := r.ctrl.CurrentTemperature(); ok {
		t.Error("current temperature should be unset")
	}
}

// TestIntegrationRelayFault marks the heater unavailable when the line
// cannot be driven and recovers on refresh.
func TestIntegrationRelayFault(t *testing.T) {
	r := newRig(t, filepath.Join(t.TempDir(), "state.db"), logic.Temperature(110))

	r.line.SetError = errors.New("line released")
	r.report(logic.Temperature(110))
	if h := r.heater(t); h.Available || h.Heater != logic.ActuatorUnavailable {
		t.Errorf("expected unavailable after write error, got %+v", h)
	}

	// Still cold: the next reading tries again.
	r.line.SetError = nil
	r.report(logic.Temperature(111))
	if r.line.Level != 1 {
		t.Errorf("expected relay on after recovery, got level %d", r.line.Level)
	}
	if h := r.heater(t); !h.Available || h.Heater != logic.ActuatorOn {
		t.Errorf("expected available and on, got %+v", h)
	}
}
