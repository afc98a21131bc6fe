package gpio

// FakeLine is a test double recording writes.
type FakeLine struct {
	// Level is the current raw value.
	Level int

	// Writes contains every value passed to SetValue, including failed ones.
	Writes []int

	// SetError, if set, is returned by SetValue and Level is left unchanged.
	SetError error

	// ValueError, if set, is returned by Value.
	ValueError error

	// Closed tracks if Close was called.
	Closed bool
}

// SetValue records value and updates Level.
func (f *FakeLine) SetValue(value int) error {
	f.Writes = append(f.Writes, value)
	if f.SetError != nil {
		return f.SetError
	}
	f.Level = value
	return nil
}

// Value returns Level.
func (f *FakeLine) Value() (int, error) {
	if f.ValueError != nil {
		return 0, f.ValueError
	}
	return f.Level, nil
}

// Close marks the line as closed.
func (f *FakeLine) Close() error {
	f.Closed = true
	return nil
}
