//go:build !linux

package relay

import "errors"

// GPIOFactory is not available on non-Linux platforms.
type GPIOFactory struct{}

// NewGPIOFactory returns an error on non-Linux platforms.
func NewGPIOFactory(chipName string, activeLow bool) (*GPIOFactory, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Open is not implemented on non-Linux platforms.
func (f *GPIOFactory) Open(pin int) (Output, error) {
	return nil, errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (f *GPIOFactory) Close() error {
	return nil
}
