// Package pen drives a pen-lift servo from the Z position, as on pen
// plotters that have no Z stepper.
package pen

import (
	"errors"
	"math"

	"stepcore/standalone"
)

// Servo is an RC servo positioned in degrees
type Servo interface {
	SetAngle(angle int) error
}

// ErrBadRange is returned for a servo config with an empty Z range
var ErrBadRange = errors.New("pen servo z range is empty")

// Lift maps Z onto the servo angle
type Lift struct {
	cfg   standalone.ServoConfig
	servo Servo
	angle int
	set   bool
}

// NewLift creates a lift for servo. The servo is not moved until the
// first Update.
func NewLift(cfg standalone.ServoConfig, servo Servo) (*Lift, error) {
	if cfg.ZMax <= cfg.ZMin {
		return nil, ErrBadRange
	}
	return &Lift{cfg: cfg, servo: servo}, nil
}

// Angle returns the servo angle for z. Z is clamped to the configured range.
func (l *Lift) Angle(z float64) int {
	f := (z - l.cfg.ZMin) / (l.cfg.ZMax - l.cfg.ZMin)
	f = math.Max(0, math.Min(1, f))
	return l.cfg.MinAngle + int(math.Round(f*float64(l.cfg.MaxAngle-l.cfg.MinAngle)))
}

// Update moves the servo when z maps onto a new angle
func (l *Lift) Update(z float64) error {
	angle := l.Angle(z)
	if l.set && angle == l.angle {
		return nil
	}
	if err := l.servo.SetAngle(angle); err != nil {
		return err
	}
	l.angle = angle
	l.set = true
	return nil
}
