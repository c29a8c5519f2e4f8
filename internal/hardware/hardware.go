// Package hardware drives the lid servos and reads the ultrasonic range
// sensors mounted above each bin. Two backends are provided: a Simulator for
// development and tests, and a SerialBridge that talks to a microcontroller
// over a serial line.
package hardware

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/banshee-data/wastesort/internal/waste"
)

// Servo geometry. Angles are in the servo's 0-100 command range.
const (
	OpenAngle   = 80
	ClosedAngle = 20
	MaxAngle    = 100

	PWMFrequencyHz = 50
)

var (
	// ErrSensorTimeout is returned when no echo arrives before the deadline.
	ErrSensorTimeout = errors.New("hardware: no echo before timeout")
	// ErrClosed is returned once the backend has been released.
	ErrClosed = errors.New("hardware: backend closed")
)

// DutyCycle converts a servo angle to the PWM duty percentage at 50 Hz.
func DutyCycle(angle int) float64 {
	return 2 + float64(angle)/100*10
}

// Actuator moves a lid servo to an angle.
type Actuator interface {
	Drive(bin waste.BinID, angle int) error
}

// RangeSensor measures the distance in centimetres from the lid to the top
// of the bin contents. Implementations return ErrSensorTimeout when the
// context deadline passes before an echo is observed.
type RangeSensor interface {
	Measure(ctx context.Context, bin waste.BinID) (float64, error)
}

// Backend is the full hardware surface of the controller node.
type Backend interface {
	Actuator
	RangeSensor
	Close() error
}

func knownBin(bin waste.BinID) error {
	if !lo.Contains(waste.Bins, bin) {
		return fmt.Errorf("%w: %q", waste.ErrUnknownBin, bin)
	}
	return nil
}
