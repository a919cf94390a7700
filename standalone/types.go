package standalone

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// MaxAxes is the number of logical axes (and motors) the motion core tracks
const MaxAxes = 6

// Axis indices
const (
	AxisX = iota
	AxisY
	AxisZ
	AxisA
	AxisB
	AxisC
)

// AxisNames maps axis indices to their G-code letters
const AxisNames = "XYZABC"

// Position is a tool position in Cartesian machine coordinates (mm)
type Position [MaxAxes]float64

// MotorPosition is the travel of each actuator (mm of motor motion)
type MotorPosition [MaxAxes]float64

// AxisMask is a bitmask of axes (or motors); bit i is axis i
type AxisMask uint8

// AxisBit returns the mask with only the given axis set
func AxisBit(axis int) AxisMask {
	return AxisMask(1) << uint(axis)
}

// Has reports whether axis is in the mask
func (m AxisMask) Has(axis int) bool {
	return m&AxisBit(axis) != 0
}

// Count returns the number of axes in the mask
func (m AxisMask) Count() int {
	return bits.OnesCount8(uint8(m))
}

// Axes returns the axis indices in the mask in ascending order
func (m AxisMask) Axes() []int {
	axes := make([]int, 0, m.Count())
	for i := 0; i < MaxAxes; i++ {
		if m.Has(i) {
			axes = append(axes, i)
		}
	}
	return axes
}

// String renders the mask as axis letters, e.g. "XY"
func (m AxisMask) String() string {
	var sb strings.Builder
	for i := 0; i < MaxAxes; i++ {
		if m.Has(i) {
			sb.WriteByte(AxisNames[i])
		}
	}
	return sb.String()
}

// ParseAxisMask accepts axis letters ("XY", "z") or a decimal bitmask ("3")
func ParseAxisMask(s string) (AxisMask, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		if n >= 1<<MaxAxes {
			return 0, fmt.Errorf("axis mask %d out of range", n)
		}
		return AxisMask(n), nil
	}
	var m AxisMask
	for _, c := range strings.ToUpper(s) {
		idx := strings.IndexRune(AxisNames, c)
		if idx < 0 {
			return 0, fmt.Errorf("unknown axis %q in %q", c, s)
		}
		m |= AxisBit(idx)
	}
	return m, nil
}

// MarshalText implements encoding.TextMarshaler
func (m AxisMask) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so masks can be written
// as letters in configuration files
func (m *AxisMask) UnmarshalText(text []byte) error {
	v, err := ParseAxisMask(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MotionFlags qualify a planned line
type MotionFlags uint8

const (
	MotionRapid          MotionFlags = 1 << iota // G0 / seek, feed rate ignored
	MotionSystem                                 // homing and other privileged motion
	MotionNoFeedOverride                         // feed overrides do not apply
)

// LineData carries the motion parameters of one planned line
type LineData struct {
	FeedRate   float64 // mm/min, programmed (Cartesian) unless rescaled by kinematics
	Motion     MotionFlags
	LineNumber int32
}

// IsRapid reports whether the line is a rapid (seek) move
func (pl *LineData) IsRapid() bool {
	return pl.Motion&MotionRapid != 0
}

// IsSystem reports whether the line is privileged system motion
func (pl *LineData) IsSystem() bool {
	return pl.Motion&MotionSystem != 0
}

// AxisConfig represents configuration for a single axis and its motor
type AxisConfig struct {
	Name         string  `yaml:"name"`
	StepsPerMM   float64 `yaml:"steps_per_mm"`
	MaxRate      float64 `yaml:"max_rate"`     // mm/min
	Acceleration float64 `yaml:"acceleration"` // mm/s^2
	MaxTravel    float64 `yaml:"max_travel"`   // mm, positive
	HomeMPos     float64 `yaml:"home_mpos"`    // machine position of the limit switch
	StepPin      string  `yaml:"step_pin"`
	DirPin       string  `yaml:"dir_pin"`
	LimitPin     string  `yaml:"limit_pin"`
	InvertStep   bool    `yaml:"invert_step"`
	InvertDir    bool    `yaml:"invert_dir"`
	InvertLimit  bool    `yaml:"invert_limit"`
}

// KinematicsConfig selects the kinematics variant
type KinematicsConfig struct {
	Type           string  `yaml:"type"` // "cartesian", "corexy", "midtbot"
	GeometryFactor float64 `yaml:"geometry_factor"`
}

// HomingConfig holds the homing cycle settings
type HomingConfig struct {
	Enabled      bool       `yaml:"enabled"`
	Cycles       []AxisMask `yaml:"cycles"`
	DirMask      AxisMask   `yaml:"dir_mask"` // set bit = home toward negative end
	SeekRate     float64    `yaml:"seek_rate"`
	FeedRate     float64    `yaml:"feed_rate"`
	Pulloff      float64    `yaml:"pulloff"`
	DebounceMS   uint32     `yaml:"debounce_ms"`
	LocateCycles int        `yaml:"locate_cycles"`
	SearchScalar float64    `yaml:"search_scalar"`
	LocateScalar float64    `yaml:"locate_scalar"`
}

// SteppingConfig holds the pulse engine timing settings
type SteppingConfig struct {
	TimerHz           uint32  `yaml:"timer_hz"`
	PulseMicros       uint32  `yaml:"pulse_us"`
	DirDelayMicros    uint32  `yaml:"dir_delay_us"`
	AccelerationTicks uint32  `yaml:"acceleration_ticks"` // segments per second
	MinFeedRate       float64 `yaml:"min_feed_rate"`      // mm/min
	EnablePin         string  `yaml:"enable_pin"`
	InvertEnable      bool    `yaml:"invert_enable"`
}

// ControlPins are the realtime control inputs
type ControlPins struct {
	ResetPin       string `yaml:"reset_pin"`
	SafetyDoorPin  string `yaml:"safety_door_pin"`
	InvertControls bool   `yaml:"invert"`
}

// MachineConfig represents the complete machine configuration
type MachineConfig struct {
	Name       string           `yaml:"name"`
	Kinematics KinematicsConfig `yaml:"kinematics"`
	Axes       []AxisConfig     `yaml:"axes"`
	Homing     HomingConfig     `yaml:"homing"`
	Stepping   SteppingConfig   `yaml:"stepping"`
	Control    ControlPins      `yaml:"control"`
	SoftLimits bool             `yaml:"soft_limits"`
	HardLimits bool             `yaml:"hard_limits"`
	PenServo   *ServoConfig     `yaml:"pen_servo,omitempty"`
}

// ServoConfig drives an RC servo from the Z axis position (pen plotters)
type ServoConfig struct {
	Pin      string  `yaml:"pin"`
	MinAngle int     `yaml:"min_angle"`
	MaxAngle int     `yaml:"max_angle"`
	ZMin     float64 `yaml:"z_min"`
	ZMax     float64 `yaml:"z_max"`
}

// NumAxes returns the number of configured axes
func (c *MachineConfig) NumAxes() int {
	if len(c.Axes) > MaxAxes {
		return MaxAxes
	}
	return len(c.Axes)
}

// AxesMask returns the mask of all configured axes
func (c *MachineConfig) AxesMask() AxisMask {
	return AxisMask(1<<uint(c.NumAxes())) - 1
}

// HomeNegative reports whether axis homes toward its negative end
func (c *MachineConfig) HomeNegative(axis int) bool {
	return c.Homing.DirMask.Has(axis)
}

// TravelLimits returns the machine position range of axis
func (c *MachineConfig) TravelLimits(axis int) (lo, hi float64) {
	a := c.Axes[axis]
	if c.HomeNegative(axis) {
		return a.HomeMPos, a.HomeMPos + a.MaxTravel
	}
	return a.HomeMPos - a.MaxTravel, a.HomeMPos
}
