package relay

import "go.uber.org/zap"

// NewOutputFactory returns GPIO outputs for chipName, or simulated outputs when
// chipName is empty or the chip cannot be opened.
func NewOutputFactory(chipName string, activeLow bool, logger *zap.Logger) OutputFactory {
	if chipName == "" {
		logger.Info("no gpio chip configured, using simulated relay outputs")
		return NewSimulatedFactory(logger)
	}

	factory, err := NewGPIOFactory(chipName, activeLow)
	if err != nil {
		logger.Warn("gpio unavailable, using simulated relay outputs",
			zap.String("chip", chipName),
			zap.Error(err),
		)
		return NewSimulatedFactory(logger)
	}
	return factory
}
