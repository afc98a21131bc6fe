//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealLine is an output line on a Linux GPIO character device.
type RealLine struct {
	chip      *gpiocdev.Chip
	line      *gpiocdev.Line
	activeLow bool
}

// OpenLine requests pin on chip as an output at the inactive level.
func OpenLine(chip string, pin int, activeLow bool) (*RealLine, error) {
	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	initial := 0
	if activeLow {
		initial = 1
	}
	l, err := c.RequestLine(pin, gpiocdev.AsOutput(initial))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("request pin %d: %w", pin, err)
	}
	return &RealLine{chip: c, line: l, activeLow: activeLow}, nil
}

func (r *RealLine) SetValue(value int) error {
	return r.line.SetValue(value)
}

func (r *RealLine) Value() (int, error) {
	return r.line.Value()
}

// Close releases GPIO resources.
// The pin is returned to input first, pulled towards the inactive level so the
// relay drops out.
func (r *RealLine) Close() error {
	var errs []error

	if r.line != nil {
		bias := gpiocdev.WithPullDown
		if r.activeLow {
			bias = gpiocdev.WithPullUp
		}
		if err := r.line.Reconfigure(gpiocdev.AsInput, bias); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin: %w", err))
		}
		if err := r.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
