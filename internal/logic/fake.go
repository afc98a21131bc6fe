package logic

// FakeSensor is a TemperatureSource driven by tests.
type FakeSensor struct {
	Name    string
	Current Reading

	watchers map[int]func(Reading)
	next     int
}

// NewFakeSensor creates a sensor reporting r.
func NewFakeSensor(id string, r Reading) *FakeSensor {
	return &FakeSensor{Name: id, Current: r, watchers: make(map[int]func(Reading))}
}

func (f *FakeSensor) ID() string       { return f.Name }
func (f *FakeSensor) Reading() Reading { return f.Current }

// Watch registers fn.
func (f *FakeSensor) Watch(fn func(Reading)) func() {
	id := f.next
	f.next++
	f.watchers[id] = fn
	return func() { delete(f.watchers, id) }
}

// Watchers returns the number of registered watchers.
func (f *FakeSensor) Watchers() int { return len(f.watchers) }

// Report stores r and notifies watchers synchronously.
func (f *FakeSensor) Report(r Reading) {
	f.Current = r
	for _, fn := range f.watchers {
		fn(r)
	}
}

// FakeActuator is a HeaterActuator that records commands.
type FakeActuator struct {
	Name    string
	Current ActuatorState

	// Commands contains every submitted command.
	Commands []Command

	// Follow makes Submit update Current, like a switch that obeys instantly.
	Follow bool

	watchers map[int]func(ActuatorState)
	next     int
}

// NewFakeActuator creates an actuator in state s that follows commands.
func NewFakeActuator(id string, s ActuatorState) *FakeActuator {
	return &FakeActuator{Name: id, Current: s, Follow: true, watchers: make(map[int]func(ActuatorState))}
}

func (f *FakeActuator) ID() string           { return f.Name }
func (f *FakeActuator) State() ActuatorState { return f.Current }

// Submit records cmd.
func (f *FakeActuator) Submit(cmd Command) {
	f.Commands = append(f.Commands, cmd)
	if f.Follow {
		f.Current = cmd.State
	}
}

// Watch registers fn.
func (f *FakeActuator) Watch(fn func(ActuatorState)) func() {
	id := f.next
	f.next++
	f.watchers[id] = fn
	return func() { delete(f.watchers, id) }
}

// Watchers returns the number of registered watchers.
func (f *FakeActuator) Watchers() int { return len(f.watchers) }

// Report stores s and notifies watchers synchronously.
func (f *FakeActuator) Report(s ActuatorState) {
	f.Current = s
	for _, fn := range f.watchers {
		fn(s)
	}
}

// Reset clears recorded commands.
func (f *FakeActuator) Reset() {
	f.Commands = nil
}

// RecordingPublisher keeps every published display state.
type RecordingPublisher struct {
	States []DisplayState
}

// Publish records state.
func (r *RecordingPublisher) Publish(state DisplayState) {
	r.States = append(r.States, state)
}

// Last returns the most recent state, or the zero value.
func (r *RecordingPublisher) Last() DisplayState {
	if len(r.States) == 0 {
		return DisplayState{}
	}
	return r.States[len(r.States)-1]
}
