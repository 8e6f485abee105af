// Package billing converts points to lease time and computes refunds.
// All arithmetic is integer; a started point is always billed in full.
package billing

import "time"

// DefaultSecondsPerPoint is the lease time bought by one point.
const DefaultSecondsPerPoint = 120

// Calculator holds the system-wide price of a point.
type Calculator struct {
	secondsPerPoint int64
}

// NewCalculator returns a calculator; non-positive values fall back to the default.
func NewCalculator(secondsPerPoint int) Calculator {
	if secondsPerPoint <= 0 {
		secondsPerPoint = DefaultSecondsPerPoint
	}
	return Calculator{secondsPerPoint: int64(secondsPerPoint)}
}

// SecondsPerPoint returns the configured rate.
func (c Calculator) SecondsPerPoint() int64 {
	return c.secondsPerPoint
}

// DurationFromPoints returns the lease length in seconds.
func (c Calculator) DurationFromPoints(points int) int64 {
	return DurationFromPoints(points, c.secondsPerPoint)
}

// Duration is DurationFromPoints as a time.Duration.
func (c Calculator) Duration(points int) time.Duration {
	return time.Duration(c.DurationFromPoints(points)) * time.Second
}

// Refund returns the points to credit back after elapsedSeconds of a lease.
func (c Calculator) Refund(pointsReserved int, elapsedSeconds int64) int {
	return Refund(pointsReserved, elapsedSeconds, c.secondsPerPoint)
}

// DurationFromPoints returns points * secondsPerPoint.
func DurationFromPoints(points int, secondsPerPoint int64) int64 {
	return int64(points) * secondsPerPoint
}

// UsedPoints returns the points consumed after elapsedSeconds, capped at the reservation.
// Any started point counts as used.
func UsedPoints(pointsReserved int, elapsedSeconds, secondsPerPoint int64) int {
	if pointsReserved <= 0 || secondsPerPoint <= 0 {
		return 0
	}
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}

	expected := DurationFromPoints(pointsReserved, secondsPerPoint)
	used := elapsedSeconds
	if used > expected {
		used = expected
	}

	// ceil(used / secondsPerPoint) without floating point
	return int((used + secondsPerPoint - 1) / secondsPerPoint)
}

// Refund returns pointsReserved minus the used points, floored at 0.
func Refund(pointsReserved int, elapsedSeconds, secondsPerPoint int64) int {
	refund := pointsReserved - UsedPoints(pointsReserved, elapsedSeconds, secondsPerPoint)
	if refund < 0 {
		return 0
	}
	return refund
}
