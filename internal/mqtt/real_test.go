package mqtt

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/water-heater/internal/logic"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

// fakePaho implements the parts of paho.Client used by Client.
type fakePaho struct {
	paho.Client

	mu        sync.Mutex
	connected bool
	handlers  map[string]paho.MessageHandler
	published []published
}

func newFakePaho() *fakePaho {
	return &fakePaho{connected: true, handlers: make(map[string]paho.MessageHandler)}
}

func (f *fakePaho) IsConnectionOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	var s string
	switch p := payload.(type) {
	case string:
		s = p
	case []byte:
		s = string(p)
	}
	f.mu.Lock()
	f.published = append(f.published, published{topic, qos, retained, s})
	f.mu.Unlock()
	return doneToken{}
}

func (f *fakePaho) Subscribe(topic string, _ byte, h paho.MessageHandler) paho.Token {
	f.mu.Lock()
	f.handlers[topic] = h
	f.mu.Unlock()
	return doneToken{}
}

func (f *fakePaho) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", topic)
	}
	h(f, fakeMessage{topic: topic, payload: []byte(payload)})
}

func (f *fakePaho) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// syncDispatch runs callbacks inline, standing in for the host loop.
func syncDispatch(fn func()) { fn() }

func TestSensorDeliversReadings(t *testing.T) {
	fp := newFakePaho()
	c := newClient(fp, syncDispatch)

	s, err := c.Sensor("sensor.tank", "sensor/tank/state")
	if err != nil {
		t.Fatalf("Sensor: %v", err)
	}
	if s.ID() != "sensor.tank" {
		t.Errorf("ID: got %s", s.ID())
	}
	if s.Reading().Valid() {
		t.Error("initial reading should be unknown")
	}

	var got []logic.Reading
	cancel := s.Watch(func(r logic.Reading) { got = append(got, r) })

	fp.deliver(t, "sensor/tank/state", "48.5")
	fp.deliver(t, "sensor/tank/state", "unavailable")

	if len(got) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(got))
	}
	if got[0] != logic.Temperature(48.5) {
		t.Errorf("reading 0: got %+v", got[0])
	}
	if got[1].Status != logic.ReadingUnavailable {
		t.Errorf("reading 1: got %+v", got[1])
	}
	if s.Reading().Status != logic.ReadingUnavailable {
		t.Errorf("cached reading: got %+v", s.Reading())
	}

	cancel()
	fp.deliver(t, "sensor/tank/state", "50")
	if len(got) != 2 {
		t.Error("cancelled watcher still notified")
	}
	if s.Reading() != logic.Temperature(50) {
		t.Errorf("cache should still update, got %+v", s.Reading())
	}
}

func TestActuatorStateAndCommands(t *testing.T) {
	fp := newFakePaho()
	c := newClient(fp, syncDispatch)

	a, err := c.Actuator("switch.boiler", ActuatorTopics{
		State: "switch/boiler/state", Command: "switch/boiler/set", PayloadOn: "1", PayloadOff: "0",
	})
	if err != nil {
		t.Fatalf("Actuator: %v", err)
	}
	if a.State() != logic.ActuatorUnknown {
		t.Errorf("initial state: got %s", a.State())
	}

	var states []logic.ActuatorState
	a.Watch(func(s logic.ActuatorState) { states = append(states, s) })
	fp.deliver(t, "switch/boiler/state", "0")
	if a.State() != logic.ActuatorOff || len(states) != 1 || states[0] != logic.ActuatorOff {
		t.Fatalf("expected off, got %s %v", a.State(), states)
	}

	a.Submit(logic.Command{Entity: "switch.boiler", State: logic.ActuatorOn, Context: "ctx"})
	sent := fp.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(sent))
	}
	if sent[0].topic != "switch/boiler/set" || sent[0].payload != "1" || sent[0].retained {
		t.Errorf("unexpected command publish %+v", sent[0])
	}
	if a.State() != logic.ActuatorOn {
		t.Errorf("expected optimistic on, got %s", a.State())
	}
	if len(states) != 1 {
		t.Error("optimistic update must not notify watchers")
	}
}

func TestActuatorDropsCommandWhenDisconnected(t *testing.T) {
	fp := newFakePaho()
	c := newClient(fp, syncDispatch)
	a, err := c.Actuator("switch.boiler", ActuatorTopics{State: "s", Command: "c", PayloadOn: "ON", PayloadOff: "OFF"})
	if err != nil {
		t.Fatal(err)
	}
	fp.Disconnect(0)

	a.Submit(logic.Command{Entity: "switch.boiler", State: logic.ActuatorOff})

	if len(fp.sent()) != 0 {
		t.Error("commands must not be sent or buffered while disconnected")
	}
	if c.buffer.len() != 0 {
		t.Error("commands must not be buffered")
	}
	if a.State() != logic.ActuatorUnknown {
		t.Errorf("state should be unchanged, got %s", a.State())
	}
}

func TestStatePublisherRoutesAndBuffers(t *testing.T) {
	fp := newFakePaho()
	c := newClient(fp, syncDispatch)
	p := c.StatePublisher()
	p.Route("Boiler", "water_heater/boiler/state")

	p.Publish(logic.DisplayState{Name: "Other"})
	if len(fp.sent()) != 0 {
		t.Fatal("unrouted heater should not publish")
	}

	p.Publish(logic.DisplayState{Name: "Boiler", Mode: logic.ModeOn})
	sent := fp.sent()
	if len(sent) != 1 || sent[0].topic != "water_heater/boiler/state" || !sent[0].retained || sent[0].qos != 1 {
		t.Fatalf("unexpected publish %+v", sent)
	}
	var payload StatePayload
	if err := json.Unmarshal([]byte(sent[0].payload), &payload); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if payload.Name != "Boiler" || payload.Mode != "on" {
		t.Errorf("unexpected payload %+v", payload)
	}

	fp.Disconnect(0)
	p.Publish(logic.DisplayState{Name: "Boiler", Mode: logic.ModeOff})
	if len(fp.sent()) != 1 {
		t.Error("should not publish while disconnected")
	}
	if c.buffer.len() != 1 {
		t.Errorf("expected 1 buffered message, got %d", c.buffer.len())
	}
}

func TestOnConnectResubscribesAndFlushes(t *testing.T) {
	fp := newFakePaho()
	c := newClient(fp, syncDispatch)

	c.onConnect(fp) // initial connect
	if _, err := c.Sensor("sensor.tank", "sensor/tank/state"); err != nil {
		t.Fatal(err)
	}

	fp.Disconnect(0)
	if err := c.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: "HEARTBEAT"}); err != nil {
		t.Fatalf("PublishSystem while offline: %v", err)
	}

	fresh := newFakePaho()
	c.client = fresh
	c.onConnect(fresh)

	if _, ok := fresh.handlers["sensor/tank/state"]; !ok {
		t.Error("subscription not restored")
	}
	sent := fresh.sent()
	if len(sent) != 2 {
		t.Fatalf("expected flushed heartbeat and RECONNECTED, got %+v", sent)
	}
	var hb, rc SystemPayload
	json.Unmarshal([]byte(sent[0].payload), &hb)
	json.Unmarshal([]byte(sent[1].payload), &rc)
	if hb.System.Event != "HEARTBEAT" {
		t.Errorf("first message: got %s", hb.System.Event)
	}
	if rc.System.Event != "RECONNECTED" || !sent[1].retained {
		t.Errorf("second message: got %s retained=%v", rc.System.Event, sent[1].retained)
	}
	if c.buffer.len() != 0 {
		t.Error("buffer should be empty after flush")
	}
}

func TestOnMessageDispatches(t *testing.T) {
	fp := newFakePaho()
	var queued []func()
	c := newClient(fp, func(fn func()) { queued = append(queued, fn) })

	var got []string
	if err := c.OnMessage("water_heater/boiler/mode/set", func(p []byte) { got = append(got, string(p)) }); err != nil {
		t.Fatal(err)
	}
	fp.deliver(t, "water_heater/boiler/mode/set", "off")

	if len(got) != 0 {
		t.Fatal("callback must run on the dispatch loop, not inline")
	}
	for _, fn := range queued {
		fn()
	}
	if len(got) != 1 || got[0] != "off" {
		t.Errorf("got %v", got)
	}
}

func TestPublishSystemConnected(t *testing.T) {
	fp := newFakePaho()
	c := newClient(fp, syncDispatch)

	if err := c.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: "STARTUP", Retained: true}); err != nil {
		t.Fatal(err)
	}
	sent := fp.sent()
	if len(sent) != 1 || sent[0].topic != TopicSystem || sent[0].qos != 1 || !sent[0].retained {
		t.Errorf("unexpected publish %+v", sent)
	}
	if !c.IsConnected() {
		t.Error("expected connected")
	}
	c.Close()
	if c.IsConnected() {
		t.Error("expected disconnected after Close")
	}
}

// queue collects dispatched callbacks so tests control when they run.
type queue []func()

func (q *queue) dispatch(fn func()) { *q = append(*q, fn) }

func (q *queue) run() {
	for len(*q) > 0 {
		fn := (*q)[0]
		*q = (*q)[1:]
		fn()
	}
}

func TestActuatorRetainedStateKeepsRestoredMode(t *testing.T) {
	fp := newFakePaho()
	var q queue
	c := newClient(fp, q.dispatch)

	a, err := c.Actuator("switch.boiler", ActuatorTopics{
		State: "switch/boiler/state", Command: "switch/boiler/set", PayloadOn: "ON", PayloadOff: "OFF",
	})
	if err != nil {
		t.Fatal(err)
	}
	// The broker replays the retained state on subscribe.
	fp.deliver(t, "switch/boiler/state", "OFF")

	sensor := logic.NewFakeSensor("sensor.tank", logic.Reading{Status: logic.ReadingUnknown})
	ctrl, err := logic.NewController(logic.Config{Name: "Boiler", Tolerance: 2, Unit: logic.Fahrenheit}, sensor, a, nil)
	if err != nil {
		t.Fatal(err)
	}
	target := 120.0
	ctrl.Attach(&logic.Snapshot{TargetTemperature: &target, Mode: logic.ModeOn})
	q.run()

	if ctrl.Mode() != logic.ModeOn {
		t.Fatalf("replayed state overrode restored mode: got %s", ctrl.Mode())
	}
	if !ctrl.Available() {
		t.Error("heater should be available")
	}

	sensor.Report(logic.Temperature(100))
	q.run()
	sent := fp.sent()
	if len(sent) != 1 || sent[0].topic != "switch/boiler/set" || sent[0].payload != "ON" {
		t.Fatalf("expected ON command, got %+v", sent)
	}

	// The switch confirms, then a duplicate arrives: one notification.
	var states []logic.ActuatorState
	a.Watch(func(s logic.ActuatorState) { states = append(states, s) })
	fp.deliver(t, "switch/boiler/state", "ON")
	fp.deliver(t, "switch/boiler/state", "ON")
	q.run()
	if len(states) != 1 || states[0] != logic.ActuatorOn {
		t.Errorf("expected a single on notification, got %v", states)
	}
}

func TestActuatorReportClearsCommandedState(t *testing.T) {
	fp := newFakePaho()
	c := newClient(fp, syncDispatch)
	a, err := c.Actuator("switch.boiler", ActuatorTopics{State: "s", Command: "c", PayloadOn: "ON", PayloadOff: "OFF"})
	if err != nil {
		t.Fatal(err)
	}
	fp.deliver(t, "s", "OFF")

	a.Submit(logic.Command{Entity: "switch.boiler", State: logic.ActuatorOn})
	if a.State() != logic.ActuatorOn {
		t.Fatalf("expected commanded on, got %s", a.State())
	}

	// The switch did not follow.
	fp.deliver(t, "s", "OFF")
	if a.State() != logic.ActuatorOff {
		t.Errorf("report should win over the command, got %s", a.State())
	}
}
