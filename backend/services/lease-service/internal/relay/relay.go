// Package relay drives the socket power relays.
// Real outputs use the Linux GPIO character device; the simulated outputs
// let the service run unchanged on machines without GPIO.
package relay

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	apperrors "socketlease/backend/libs/errors"
)

// Output is one switchable output line.
type Output interface {
	// Set writes the logical state; true energizes the socket.
	Set(on bool) error

	// Close drives the line off and releases it.
	Close() error
}

// OutputFactory opens output lines by pin number.
// Factories that also implement io.Closer are closed on Shutdown.
type OutputFactory interface {
	Open(pin int) (Output, error)
}

// ErrShutdown is returned for actuation requests after Shutdown.
var ErrShutdown = errors.New("relay: controller is shut down")

type channel struct {
	mu     sync.Mutex
	pin    int
	out    Output
	on     bool
	known  bool
	closed bool
}

// Controller owns one long-lived output per socket. Writes to the same socket
// are serialized; different sockets never block each other.
type Controller struct {
	factory OutputFactory
	pins    map[int]int
	logger  *zap.Logger

	mu       sync.Mutex
	channels map[int]*channel
	shutdown bool
}

// NewController maps socket numbers to pins; outputs are opened on first use.
func NewController(factory OutputFactory, pins map[int]int, logger *zap.Logger) *Controller {
	copied := make(map[int]int, len(pins))
	for socket, pin := range pins {
		copied[socket] = pin
	}
	return &Controller{
		factory:  factory,
		pins:     copied,
		logger:   logger,
		channels: make(map[int]*channel),
	}
}

// Energize switches the socket on. Repeating it is a no-op.
func (c *Controller) Energize(socket int) error {
	return c.set(socket, true)
}

// Deenergize switches the socket off. Repeating it is a no-op.
func (c *Controller) Deenergize(socket int) error {
	return c.set(socket, false)
}

// States returns the last written state of every socket touched so far.
func (c *Controller) States() map[int]bool {
	c.mu.Lock()
	channels := make(map[int]*channel, len(c.channels))
	for socket, ch := range c.channels {
		channels[socket] = ch
	}
	c.mu.Unlock()

	states := make(map[int]bool, len(channels))
	for socket, ch := range channels {
		ch.mu.Lock()
		if ch.known {
			states[socket] = ch.on
		}
		ch.mu.Unlock()
	}
	return states
}

func (c *Controller) channel(socket int) (*channel, error) {
	pin, ok := c.pins[socket]
	if !ok {
		return nil, apperrors.NotFound(fmt.Sprintf("socket %d", socket))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil, apperrors.ActuationFailure(socket, ErrShutdown)
	}
	ch, ok := c.channels[socket]
	if !ok {
		ch = &channel{pin: pin}
		c.channels[socket] = ch
	}
	return ch, nil
}

func (c *Controller) set(socket int, on bool) error {
	ch, err := c.channel(socket)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return apperrors.ActuationFailure(socket, ErrShutdown)
	}
	if ch.out == nil {
		out, err := c.factory.Open(ch.pin)
		if err != nil {
			return apperrors.ActuationFailure(socket, fmt.Errorf("open pin %d: %w", ch.pin, err))
		}
		ch.out = out
	}
	if ch.known && ch.on == on {
		return nil
	}

	if err := ch.out.Set(on); err != nil {
		// the line state is unknown now, so the next request writes again
		ch.known = false
		return apperrors.ActuationFailure(socket, err)
	}
	ch.on, ch.known = on, true

	c.logger.Info("socket actuated",
		zap.Int("socket", socket),
		zap.Int("pin", ch.pin),
		zap.Bool("on", on),
	)
	return nil
}

// Shutdown drives every opened output off and releases it. It must run before
// the process exits; later calls return nil and later actuation fails.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	sockets := make([]int, 0, len(c.channels))
	for socket := range c.channels {
		sockets = append(sockets, socket)
	}
	channels := c.channels
	c.mu.Unlock()

	sort.Ints(sockets)

	var errs []error
	for _, socket := range sockets {
		ch := channels[socket]
		ch.mu.Lock()
		if ch.out != nil {
			if err := ch.out.Set(false); err != nil {
				errs = append(errs, fmt.Errorf("socket %d off: %w", socket, err))
			}
			if err := ch.out.Close(); err != nil {
				errs = append(errs, fmt.Errorf("socket %d close: %w", socket, err))
			}
			ch.on, ch.known = false, true
		}
		ch.closed = true
		ch.mu.Unlock()
	}

	if closer, ok := c.factory.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output factory: %w", err))
		}
	}

	if len(errs) > 0 {
		c.logger.Error("relay shutdown incomplete", zap.Errors("errors", errs))
		return errors.Join(errs...)
	}
	c.logger.Info("relay outputs released", zap.Ints("sockets", sockets))
	return nil
}
