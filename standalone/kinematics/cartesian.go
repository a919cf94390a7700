package kinematics

import (
	"errors"

	"stepcore/standalone"
)

// Cartesian implements basic Cartesian kinematics (one motor per axis, 1:1 mapping)
type Cartesian struct {
	config *standalone.MachineConfig
}

// NewCartesian creates a new Cartesian kinematics instance
func NewCartesian(config *standalone.MachineConfig) (*Cartesian, error) {
	if config.NumAxes() == 0 {
		return nil, errors.New("no axes configured")
	}

	return &Cartesian{
		config: config,
	}, nil
}

// Name returns "cartesian"
func (k *Cartesian) Name() string {
	return "cartesian"
}

// Forward converts XYZ coordinates to motor positions
func (k *Cartesian) Forward(pos standalone.Position) standalone.MotorPosition {
	return standalone.MotorPosition(pos)
}

// Inverse converts motor positions to XYZ coordinates
func (k *Cartesian) Inverse(motors standalone.MotorPosition) standalone.Position {
	return standalone.Position(motors)
}

// FeedRateScale leaves the feed rate unchanged since motor and Cartesian
// distances are equal
func (k *Cartesian) FeedRateScale(target, position standalone.Position, pl *standalone.LineData) {
	scaleFeedRate(k, target, position, pl)
}

// PreHoming accepts any cycle layout
func (k *Cartesian) PreHoming(requested standalone.AxisMask, cycles []standalone.AxisMask) error {
	return nil
}

// PostHoming does nothing for Cartesian machines
func (k *Cartesian) PostHoming() {}

// CheckTravel validates that a position is within configured limits
func (k *Cartesian) CheckTravel(target standalone.Position) error {
	return checkTravel(k.config, target)
}

// MotorsFor returns axes unchanged
func (k *Cartesian) MotorsFor(axes standalone.AxisMask) standalone.AxisMask {
	return axes
}
