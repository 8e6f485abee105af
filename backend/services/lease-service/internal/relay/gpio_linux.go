//go:build linux

package relay

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "lease-service"

// GPIOFactory requests output lines from a Linux GPIO chip.
type GPIOFactory struct {
	chip      *gpiocdev.Chip
	activeLow bool
}

// NewGPIOFactory opens the named chip, e.g. "gpiochip0".
// With activeLow set, logical on drives the line low (common for relay boards).
func NewGPIOFactory(chipName string, activeLow bool) (*GPIOFactory, error) {
	chip, err := gpiocdev.NewChip(chipName, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	return &GPIOFactory{chip: chip, activeLow: activeLow}, nil
}

// Open requests pin as an output, initially off.
func (f *GPIOFactory) Open(pin int) (Output, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if f.activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}

	line, err := f.chip.RequestLine(pin, opts...)
	if err != nil {
		return nil, fmt.Errorf("request pin %d: %w", pin, err)
	}
	return &gpioOutput{line: line, pin: pin}, nil
}

// Close releases the chip.
func (f *GPIOFactory) Close() error {
	return f.chip.Close()
}

type gpioOutput struct {
	line *gpiocdev.Line
	pin  int
}

func (o *gpioOutput) Set(on bool) error {
	value := 0
	if on {
		value = 1
	}
	if err := o.line.SetValue(value); err != nil {
		return fmt.Errorf("write pin %d: %w", o.pin, err)
	}
	return nil
}

// Close leaves the line driven off before releasing it so the relay stays open.
func (o *gpioOutput) Close() error {
	var errs []error
	if err := o.line.SetValue(0); err != nil {
		errs = append(errs, fmt.Errorf("reset pin %d: %w", o.pin, err))
	}
	if err := o.line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pin %d: %w", o.pin, err))
	}
	return errors.Join(errs...)
}
