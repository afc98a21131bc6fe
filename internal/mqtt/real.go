package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/water-heater/internal/logic"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	bufferCapacity = 100
)

// Client wraps a single broker connection shared by every heater.
//
// Incoming messages are decoded on paho's goroutine and handed to dispatch,
// which must run the callback on the host's dispatch loop.
type Client struct {
	client   paho.Client
	dispatch func(func())

	mu       sync.Mutex
	subs     map[string]paho.MessageHandler
	buffer   *ringBuffer
	connects int
}

// NewClient connects to broker. Retained messages that arrive before the
// subscriptions are made are delivered once they are.
func NewClient(broker, clientID string, dispatch func(func())) (*Client, error) {
	c := newClient(nil, dispatch)

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "LWT", Reason: "connection lost"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

func newClient(pc paho.Client, dispatch func(func())) *Client {
	return &Client{
		client:   pc,
		dispatch: dispatch,
		subs:     make(map[string]paho.MessageHandler),
		buffer:   newRingBuffer(bufferCapacity),
	}
}

// onConnect restores subscriptions and flushes messages buffered while offline.
func (c *Client) onConnect(pc paho.Client) {
	c.mu.Lock()
	c.connects++
	reconnect := c.connects > 1
	subs := make(map[string]paho.MessageHandler, len(c.subs))
	for topic, h := range c.subs {
		subs[topic] = h
	}
	pending := c.buffer.drainAll()
	c.mu.Unlock()

	for topic, h := range subs {
		pc.Subscribe(topic, 1, h)
	}
	for _, m := range pending {
		pc.Publish(m.topic, m.qos, m.retained, m.payload)
	}
	if len(pending) > 0 {
		log.Printf("mqtt: flushed %d buffered messages", len(pending))
	}
	if reconnect {
		log.Printf("mqtt: reconnected, restored %d subscriptions", len(subs))
		payload, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
		if err == nil {
			pc.Publish(TopicSystem, 1, true, payload)
		}
	}
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}

func (c *Client) subscribe(topic string, h paho.MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()

	token := c.client.Subscribe(topic, 1, h)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// OnMessage calls fn on the dispatch loop for every message on topic.
func (c *Client) OnMessage(topic string, fn func(payload []byte)) error {
	return c.subscribe(topic, func(_ paho.Client, m paho.Message) {
		payload := m.Payload()
		c.dispatch(func() { fn(payload) })
	})
}

// publishAsync publishes without blocking the caller. While disconnected the
// message is buffered and sent on reconnect.
func (c *Client) publishAsync(topic string, qos byte, retained bool, payload []byte) {
	if !c.client.IsConnectionOpen() {
		c.mu.Lock()
		c.buffer.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		c.mu.Unlock()
		return
	}
	token := c.client.Publish(topic, qos, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			log.Printf("mqtt: publish %s: timeout", topic)
			return
		}
		if err := token.Error(); err != nil {
			log.Printf("mqtt: publish %s: %v", topic, err)
		}
	}()
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (c *Client) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	if !c.client.IsConnectionOpen() {
		c.mu.Lock()
		c.buffer.push(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
		c.mu.Unlock()
		return nil
	}

	// QoS 1 (at-least-once) - lifecycle events should arrive
	token := c.client.Publish(TopicSystem, 1, event.Retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish system timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish system: %w", err)
	}
	return nil
}

// watchers is a set of callbacks. It is only touched from the dispatch loop.
type watchers[T any] struct {
	next int
	fns  map[int]func(T)
}

func (w *watchers[T]) add(fn func(T)) func() {
	if w.fns == nil {
		w.fns = make(map[int]func(T))
	}
	id := w.next
	w.next++
	w.fns[id] = fn
	return func() { delete(w.fns, id) }
}

func (w *watchers[T]) notify(v T) {
	for _, fn := range w.fns {
		fn(v)
	}
}

// Sensor is a logic.TemperatureSource fed by a state topic.
type Sensor struct {
	id       string
	mu       sync.Mutex
	reading  logic.Reading
	watchers watchers[logic.Reading]
}

// Sensor subscribes to topic and returns the source for entity id.
func (c *Client) Sensor(id, topic string) (*Sensor, error) {
	s := &Sensor{id: id, reading: logic.Reading{Status: logic.ReadingUnknown}}
	err := c.subscribe(topic, func(_ paho.Client, m paho.Message) {
		r := s.update(m.Payload())
		c.dispatch(func() { s.watchers.notify(r) })
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sensor) update(payload []byte) logic.Reading {
	r := ParseReading(payload)
	if r.Status == logic.ReadingUnknown && len(payload) > 0 && string(payload) != string(logic.ReadingUnknown) {
		log.Printf("mqtt: %s: unparsable reading %q", s.id, payload)
	}
	s.mu.Lock()
	s.reading = r
	s.mu.Unlock()
	return r
}

func (s *Sensor) ID() string { return s.id }

// Reading returns the last decoded payload.
func (s *Sensor) Reading() logic.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

// Watch registers fn. Call from the dispatch loop.
func (s *Sensor) Watch(fn func(logic.Reading)) func() {
	return s.watchers.add(fn)
}

// Actuator is a logic.HeaterActuator driven through a command topic.
type Actuator struct {
	id           string
	commandTopic string
	payloadOn    string
	payloadOff   string
	c            *Client

	mu        sync.Mutex
	reported  logic.ActuatorState
	commanded logic.ActuatorState // optimistic, cleared by the next report

	// seen is the last state handed to watchers or read when they
	// registered. Only touched from the dispatch loop.
	seen     logic.ActuatorState
	watchers watchers[logic.ActuatorState]
}

// ActuatorTopics addresses a heater switch.
type ActuatorTopics struct {
	State      string
	Command    string
	PayloadOn  string
	PayloadOff string
}

// Actuator subscribes to the heater's state topic and returns the actuator
// for entity id.
func (c *Client) Actuator(id string, t ActuatorTopics) (*Actuator, error) {
	a := &Actuator{
		id:           id,
		commandTopic: t.Command,
		payloadOn:    t.PayloadOn,
		payloadOff:   t.PayloadOff,
		c:            c,
		reported:     logic.ActuatorUnknown,
		seen:         logic.ActuatorUnknown,
	}
	err := c.subscribe(t.State, func(_ paho.Client, m paho.Message) {
		s := a.update(m.Payload())
		c.dispatch(func() { a.deliver(s) })
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Actuator) update(payload []byte) logic.ActuatorState {
	s := ParseActuatorState(payload, a.payloadOn, a.payloadOff)
	a.mu.Lock()
	a.reported = s
	a.commanded = ""
	a.mu.Unlock()
	return s
}

// deliver notifies watchers of a reported state they have not seen yet.
// Replays of the same state, such as the retained message the broker sends
// on subscribe, are dropped.
func (a *Actuator) deliver(s logic.ActuatorState) {
	if s == a.seen {
		return
	}
	a.seen = s
	a.watchers.notify(s)
}

func (a *Actuator) ID() string { return a.id }

// State returns the last commanded state if a command was sent since the
// last report, otherwise the last reported one.
func (a *Actuator) State() logic.ActuatorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.commanded != "" {
		return a.commanded
	}
	return a.reported
}

// Watch registers fn. Call from the dispatch loop. The state reported so far
// counts as seen by fn.
func (a *Actuator) Watch(fn func(logic.ActuatorState)) func() {
	a.mu.Lock()
	a.seen = a.reported
	a.mu.Unlock()
	return a.watchers.add(fn)
}

// Submit publishes the command and returns immediately. Commands are not
// buffered: if the broker is unreachable the command is dropped and the next
// control evaluation decides again.
func (a *Actuator) Submit(cmd logic.Command) {
	payload := a.payloadOff
	if cmd.State == logic.ActuatorOn {
		payload = a.payloadOn
	}
	if !a.c.client.IsConnectionOpen() {
		log.Printf("mqtt: %s: not connected, dropping command %s", cmd.Entity, payload)
		return
	}

	a.mu.Lock()
	a.commanded = cmd.State
	a.mu.Unlock()

	log.Printf("mqtt: %s <- %s (context %s)", cmd.Entity, payload, cmd.Context)
	token := a.c.client.Publish(a.commandTopic, 1, false, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			log.Printf("mqtt: command %s to %s: timeout", payload, cmd.Entity)
			return
		}
		if err := token.Error(); err != nil {
			log.Printf("mqtt: command %s to %s: %v", payload, cmd.Entity, err)
		}
	}()
}

// StatePublisher is a logic.DisplayPublisher writing retained JSON state.
type StatePublisher struct {
	c      *Client
	topics map[string]string
}

// StatePublisher returns a publisher with no routes.
func (c *Client) StatePublisher() *StatePublisher {
	return &StatePublisher{c: c, topics: make(map[string]string)}
}

// Route publishes the state of heater name on topic.
func (p *StatePublisher) Route(name, topic string) {
	p.topics[name] = topic
}

// Publish sends s to the heater's state topic, if routed.
func (p *StatePublisher) Publish(s logic.DisplayState) {
	topic, ok := p.topics[s.Name]
	if !ok {
		return
	}
	payload, err := FormatState(s)
	if err != nil {
		log.Printf("mqtt: format state %s: %v", s.Name, err)
		return
	}
	p.c.publishAsync(topic, 1, true, payload)
}
