package relay

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// SimulatedOutput stands in for a GPIO line. It records the last written
// state and logs transitions.
type SimulatedOutput struct {
	pin    int
	logger *zap.Logger

	mu          sync.Mutex
	on          bool
	writes      int
	transitions int
	closed      bool
}

// Set records the state.
func (s *SimulatedOutput) Set(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("simulated output closed")
	}
	s.writes++
	if on != s.on {
		s.transitions++
		s.logger.Debug("simulated output transition", zap.Int("pin", s.pin), zap.Bool("on", on))
	}
	s.on = on
	return nil
}

// Close turns the output off and marks it released.
func (s *SimulatedOutput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.on {
		s.transitions++
	}
	s.on = false
	s.closed = true
	return nil
}

// On returns the last written state.
func (s *SimulatedOutput) On() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// Writes returns how many times Set reached the output.
func (s *SimulatedOutput) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Transitions returns how many times the state actually changed.
func (s *SimulatedOutput) Transitions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitions
}

// Closed reports whether Close was called.
func (s *SimulatedOutput) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SimulatedFactory hands out one SimulatedOutput per pin.
type SimulatedFactory struct {
	logger *zap.Logger

	mu      sync.Mutex
	outputs map[int]*SimulatedOutput
	opens   int
}

// NewSimulatedFactory returns a factory without hardware access.
func NewSimulatedFactory(logger *zap.Logger) *SimulatedFactory {
	return &SimulatedFactory{
		logger:  logger,
		outputs: make(map[int]*SimulatedOutput),
	}
}

// Open returns the output for pin, creating it on first use.
func (f *SimulatedFactory) Open(pin int) (Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens++
	out, ok := f.outputs[pin]
	if !ok || out.Closed() {
		out = &SimulatedOutput{pin: pin, logger: f.logger}
		f.outputs[pin] = out
	}
	return out, nil
}

// Output returns the output opened for pin, or nil.
func (f *SimulatedFactory) Output(pin int) *SimulatedOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs[pin]
}

// Opens returns how many times Open was called.
func (f *SimulatedFactory) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}
