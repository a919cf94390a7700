package kinematics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"stepcore/standalone"
)

var (
	// ErrMultiAxisCycle is returned by PreHoming when a homing cycle combines
	// axes the kinematics cannot home together
	ErrMultiAxisCycle = errors.New("multi-axis homing cycle not allowed")

	// ErrSingleAxisHoming is returned by PreHoming when the kinematics only
	// supports the configured homing sequence
	ErrSingleAxisHoming = errors.New("single axis homing not allowed")
)

// Kinematics converts between Cartesian machine positions and motor positions
type Kinematics interface {
	// Name returns the kinematics name as used in the configuration
	Name() string

	// Forward converts a Cartesian position to motor positions
	Forward(pos standalone.Position) standalone.MotorPosition

	// Inverse converts motor positions back to a Cartesian position
	Inverse(motors standalone.MotorPosition) standalone.Position

	// FeedRateScale rescales pl.FeedRate so that the programmed Cartesian
	// feed rate is honored once the move is executed in motor space
	FeedRateScale(target, position standalone.Position, pl *standalone.LineData)

	// PreHoming validates a homing request before any motion is issued.
	// requested is zero for a full homing sequence.
	PreHoming(requested standalone.AxisMask, cycles []standalone.AxisMask) error

	// PostHoming is called once all homing cycles completed
	PostHoming()

	// CheckTravel validates that a Cartesian target is within machine travel
	CheckTravel(target standalone.Position) error

	// MotorsFor returns the motors that move when the given axes move
	MotorsFor(axes standalone.AxisMask) standalone.AxisMask
}

// LineQueuer is the planner's normal line insertion entry point
type LineQueuer interface {
	QueueLine(target standalone.MotorPosition, pl *standalone.LineData) error
}

// New creates the kinematics selected by the configuration
func New(config *standalone.MachineConfig) (Kinematics, error) {
	switch config.Kinematics.Type {
	case "cartesian", "":
		return NewCartesian(config)
	case "corexy", "midtbot":
		return NewCoreXY(config)
	default:
		return nil, fmt.Errorf("unsupported kinematics: %s", config.Kinematics.Type)
	}
}

// EmitMove converts a Cartesian move to motor space, corrects the feed rate
// and hands the line to the planner. A straight Cartesian line stays straight
// in motor space for the supported kinematics, so the move is never split.
func EmitMove(k Kinematics, q LineQueuer, target, position standalone.Position, pl *standalone.LineData) error {
	motors := k.Forward(target)
	k.FeedRateScale(target, position, pl)
	return q.QueueLine(motors, pl)
}

// scaleFeedRate applies the motor/Cartesian distance ratio to a non-rapid feed rate
func scaleFeedRate(k Kinematics, target, position standalone.Position, pl *standalone.LineData) {
	if pl.IsRapid() {
		return
	}
	cartesian := floats.Distance(target[:], position[:], 2)
	if cartesian == 0 {
		return
	}
	from := k.Forward(position)
	to := k.Forward(target)
	motor := floats.Distance(to[:], from[:], 2)
	pl.FeedRate *= motor / cartesian
}

// checkTravel is the soft limit check shared by the linear kinematics
func checkTravel(config *standalone.MachineConfig, target standalone.Position) error {
	const tolerance = 1e-6
	for i := 0; i < config.NumAxes(); i++ {
		lo, hi := config.TravelLimits(i)
		if math.IsNaN(target[i]) || target[i] < lo-tolerance || target[i] > hi+tolerance {
			return fmt.Errorf("%c position %.3f outside travel [%.3f, %.3f]", standalone.AxisNames[i], target[i], lo, hi)
		}
	}
	return nil
}
