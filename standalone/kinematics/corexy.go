package kinematics

import (
	"errors"
	"fmt"

	"stepcore/standalone"
)

// Motor indices of the two belt motors
const (
	MotorA = standalone.AxisX
	MotorB = standalone.AxisY
)

// CoreXY implements belt-coupled XY kinematics:
//
//	A = k·x + y
//	B = k·x − y
//
// k is the geometry factor, 1 for a classic CoreXY and 2 for the midTbot
// belt layout. Axes beyond Y map 1:1 to their motors.
type CoreXY struct {
	config *standalone.MachineConfig
	k      float64
}

// NewCoreXY creates CoreXY kinematics from the configured geometry factor
func NewCoreXY(config *standalone.MachineConfig) (*CoreXY, error) {
	if config.NumAxes() < 2 {
		return nil, errors.New("corexy kinematics needs X and Y axes")
	}
	k := config.Kinematics.GeometryFactor
	if k == 0 {
		return nil, errors.New("corexy geometry factor must not be zero")
	}
	return &CoreXY{config: config, k: k}, nil
}

// Name returns the configured kinematics name
func (c *CoreXY) Name() string {
	if c.config.Kinematics.Type == "midtbot" {
		return "midtbot"
	}
	return "corexy"
}

// GeometryFactor returns k
func (c *CoreXY) GeometryFactor() float64 {
	return c.k
}

// Forward converts Cartesian XY to belt motor positions
func (c *CoreXY) Forward(pos standalone.Position) standalone.MotorPosition {
	motors := standalone.MotorPosition(pos)
	motors[MotorA] = c.k*pos[standalone.AxisX] + pos[standalone.AxisY]
	motors[MotorB] = c.k*pos[standalone.AxisX] - pos[standalone.AxisY]
	return motors
}

// Inverse converts belt motor positions to Cartesian XY
func (c *CoreXY) Inverse(motors standalone.MotorPosition) standalone.Position {
	pos := standalone.Position(motors)
	pos[standalone.AxisX] = 0.5 * (motors[MotorA] + motors[MotorB]) / c.k
	pos[standalone.AxisY] = 0.5 * (motors[MotorA] - motors[MotorB])
	return pos
}

// FeedRateScale converts the programmed tool feed rate into the belt feed rate
func (c *CoreXY) FeedRateScale(target, position standalone.Position, pl *standalone.LineData) {
	scaleFeedRate(c, target, position, pl)
}

// PreHoming rejects single-axis requests and any configured cycle that homes
// more than one axis, since X and Y share both motors.
func (c *CoreXY) PreHoming(requested standalone.AxisMask, cycles []standalone.AxisMask) error {
	if requested != 0 {
		return fmt.Errorf("%w: use $H", ErrSingleAxisHoming)
	}
	for n, cycle := range cycles {
		if cycle.Count() > 1 {
			return fmt.Errorf("%w: cycle %d homes %s", ErrMultiAxisCycle, n, cycle)
		}
	}
	return nil
}

// PostHoming has nothing to restore for CoreXY
func (c *CoreXY) PostHoming() {}

// CheckTravel validates the Cartesian target against the machine travel
func (c *CoreXY) CheckTravel(target standalone.Position) error {
	return checkTravel(c.config, target)
}

// MotorsFor maps X or Y to both belt motors
func (c *CoreXY) MotorsFor(axes standalone.AxisMask) standalone.AxisMask {
	xy := standalone.AxisBit(standalone.AxisX) | standalone.AxisBit(standalone.AxisY)
	if axes&xy != 0 {
		return axes | standalone.AxisBit(MotorA) | standalone.AxisBit(MotorB)
	}
	return axes
}
