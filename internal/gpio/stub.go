//go:build !linux

package gpio

import "errors"

// RealLine is not available on non-Linux platforms.
type RealLine struct{}

// OpenLine returns an error on non-Linux platforms.
func OpenLine(chip string, pin int, activeLow bool) (*RealLine, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

func (r *RealLine) SetValue(int) error {
	return errors.New("gpio: not supported")
}

func (r *RealLine) Value() (int, error) {
	return 0, errors.New("gpio: not supported")
}

func (r *RealLine) Close() error {
	return nil
}
