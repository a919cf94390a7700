package config

import (
	"bytes"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"stepcore/standalone"
)

// Defaults applied by applyDefaults
const (
	DefaultSearchScalar      = 1.1
	DefaultLocateScalar      = 5.0
	DefaultLocateCycles      = 1
	DefaultDebounceMS        = 250
	DefaultSeekRate          = 2000.0 // mm/min
	DefaultFeedRate          = 200.0  // mm/min
	DefaultPulloff           = 1.0    // mm
	DefaultTimerHz           = 20000000
	DefaultAccelerationTicks = 100
	DefaultMinFeedRate       = 1.0 // mm/min
	DefaultPulseMicros       = 3
)

// LoadConfig parses a YAML configuration document and returns a validated MachineConfig
func LoadConfig(data []byte) (*standalone.MachineConfig, error) {
	var config standalone.MachineConfig

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(&config)

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadFile reads and parses a YAML configuration file
func LoadFile(path string) (*standalone.MachineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadConfig(data)
}

// Marshal renders a configuration as YAML
func Marshal(config *standalone.MachineConfig) ([]byte, error) {
	return yaml.Marshal(config)
}

// applyDefaults fills in missing configuration values with sensible defaults
func applyDefaults(config *standalone.MachineConfig) {
	// Default kinematics
	if config.Kinematics.Type == "" {
		config.Kinematics.Type = "cartesian"
	}
	if config.Kinematics.GeometryFactor == 0 {
		if config.Kinematics.Type == "midtbot" {
			config.Kinematics.GeometryFactor = 2.0
		} else {
			config.Kinematics.GeometryFactor = 1.0
		}
	}

	// Apply defaults to each axis
	for i := range config.Axes {
		axis := &config.Axes[i]
		if axis.Name == "" && i < standalone.MaxAxes {
			axis.Name = string(standalone.AxisNames[i])
		}
		if axis.StepsPerMM == 0 {
			axis.StepsPerMM = 80.0 // Common value
		}
		if axis.MaxRate == 0 {
			axis.MaxRate = 5000.0
		}
		if axis.Acceleration == 0 {
			axis.Acceleration = 200.0
		}
		if axis.MaxTravel == 0 {
			axis.MaxTravel = 300.0
		}
	}

	h := &config.Homing
	if h.SeekRate == 0 {
		h.SeekRate = DefaultSeekRate
	}
	if h.FeedRate == 0 {
		h.FeedRate = DefaultFeedRate
	}
	if h.Pulloff == 0 {
		h.Pulloff = DefaultPulloff
	}
	if h.DebounceMS == 0 {
		h.DebounceMS = DefaultDebounceMS
	}
	if h.LocateCycles == 0 {
		h.LocateCycles = DefaultLocateCycles
	}
	if h.SearchScalar == 0 {
		h.SearchScalar = DefaultSearchScalar
	}
	if h.LocateScalar == 0 {
		h.LocateScalar = DefaultLocateScalar
	}

	s := &config.Stepping
	if s.TimerHz == 0 {
		s.TimerHz = DefaultTimerHz
	}
	if s.AccelerationTicks == 0 {
		s.AccelerationTicks = DefaultAccelerationTicks
	}
	if s.MinFeedRate == 0 {
		s.MinFeedRate = DefaultMinFeedRate
	}
	if s.PulseMicros == 0 {
		s.PulseMicros = DefaultPulseMicros
	}
}

// Validate checks a configuration and reports every violation found
func Validate(config *standalone.MachineConfig) error {
	var errs error

	switch config.Kinematics.Type {
	case "cartesian", "corexy", "midtbot":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported kinematics: %q", config.Kinematics.Type))
	}
	if config.Kinematics.GeometryFactor == 0 {
		errs = multierr.Append(errs, fmt.Errorf("kinematics geometry_factor must not be zero"))
	}

	if len(config.Axes) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("no axes configured"))
	}
	if len(config.Axes) > standalone.MaxAxes {
		errs = multierr.Append(errs, fmt.Errorf("%d axes configured, at most %d supported", len(config.Axes), standalone.MaxAxes))
	}
	coreXY := config.Kinematics.Type == "corexy" || config.Kinematics.Type == "midtbot"
	if coreXY && len(config.Axes) < 2 {
		errs = multierr.Append(errs, fmt.Errorf("%s kinematics needs X and Y axes", config.Kinematics.Type))
	}

	for i, axis := range config.Axes {
		if axis.StepsPerMM <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("axis %s: steps_per_mm must be positive", axis.Name))
		}
		if axis.MaxRate <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("axis %s: max_rate must be positive", axis.Name))
		}
		if axis.Acceleration <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("axis %s: acceleration must be positive", axis.Name))
		}
		if axis.MaxTravel <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("axis %s: max_travel must be positive", axis.Name))
		}
		if i >= standalone.MaxAxes {
			break
		}
	}

	errs = multierr.Append(errs, validateHoming(config))

	s := config.Stepping
	if s.TimerHz == 0 || s.AccelerationTicks == 0 {
		errs = multierr.Append(errs, fmt.Errorf("stepping: timer_hz and acceleration_ticks must be positive"))
	}
	if s.MinFeedRate <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("stepping: min_feed_rate must be positive"))
	}

	return errs
}

// validateHoming enforces the homing distance invariants: the search scalar must
// overshoot the travel, and pulloff and locate distances must stay shorter than
// the search distance of every axis they apply to.
func validateHoming(config *standalone.MachineConfig) error {
	h := config.Homing
	var errs error

	if h.SearchScalar <= 1 {
		errs = multierr.Append(errs, fmt.Errorf("homing: search_scalar must be greater than 1, got %g", h.SearchScalar))
	}
	if h.LocateScalar <= 1 {
		errs = multierr.Append(errs, fmt.Errorf("homing: locate_scalar must be greater than 1, got %g", h.LocateScalar))
	}
	if h.LocateCycles < 0 {
		errs = multierr.Append(errs, fmt.Errorf("homing: locate_cycles must not be negative"))
	}
	if h.SeekRate <= 0 || h.FeedRate <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("homing: seek_rate and feed_rate must be positive"))
	}
	if h.Pulloff <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("homing: pulloff must be positive"))
	}

	all := config.AxesMask()
	for n, cycle := range h.Cycles {
		if cycle == 0 {
			errs = multierr.Append(errs, fmt.Errorf("homing: cycle %d is empty", n))
			continue
		}
		if cycle&^all != 0 {
			errs = multierr.Append(errs, fmt.Errorf("homing: cycle %d names unconfigured axes %s", n, cycle&^all))
			continue
		}
		for _, axis := range cycle.Axes() {
			search := h.SearchScalar * config.Axes[axis].MaxTravel
			if h.Pulloff >= search {
				errs = multierr.Append(errs, fmt.Errorf("homing: pulloff %g must be shorter than the %s search distance %g",
					h.Pulloff, config.Axes[axis].Name, search))
			}
			if locate := h.LocateScalar * h.Pulloff; h.LocateCycles > 0 && locate >= search {
				errs = multierr.Append(errs, fmt.Errorf("homing: locate distance %g must be shorter than the %s search distance %g",
					locate, config.Axes[axis].Name, search))
			}
		}
	}

	return errs
}

// DefaultCartesianConfig returns a default configuration for a three axis Cartesian machine
func DefaultCartesianConfig() *standalone.MachineConfig {
	cfg := &standalone.MachineConfig{
		Name:       "cartesian",
		Kinematics: standalone.KinematicsConfig{Type: "cartesian", GeometryFactor: 1.0},
		Axes: []standalone.AxisConfig{
			{
				Name:         "X",
				StepsPerMM:   80.0,
				MaxRate:      6000.0,
				Acceleration: 500.0,
				MaxTravel:    220.0,
				StepPin:      "gpio0",
				DirPin:       "gpio1",
				LimitPin:     "gpio20",
			},
			{
				Name:         "Y",
				StepsPerMM:   80.0,
				MaxRate:      6000.0,
				Acceleration: 500.0,
				MaxTravel:    220.0,
				StepPin:      "gpio2",
				DirPin:       "gpio3",
				LimitPin:     "gpio21",
			},
			{
				Name:         "Z",
				StepsPerMM:   400.0,
				MaxRate:      600.0,
				Acceleration: 100.0,
				MaxTravel:    100.0,
				StepPin:      "gpio4",
				DirPin:       "gpio5",
				LimitPin:     "gpio22",
			},
		},
		Homing: standalone.HomingConfig{
			Enabled: true,
			Cycles:  []standalone.AxisMask{standalone.AxisBit(standalone.AxisZ), standalone.AxisBit(standalone.AxisX) | standalone.AxisBit(standalone.AxisY)},
			DirMask: 0,
		},
		Stepping: standalone.SteppingConfig{
			EnablePin: "gpio8",
		},
		Control: standalone.ControlPins{
			ResetPin:      "gpio26",
			SafetyDoorPin: "gpio27",
		},
		SoftLimits: false,
		HardLimits: false,
	}
	applyDefaults(cfg)
	return cfg
}

// DefaultCoreXYConfig returns a default configuration for a CoreXY machine.
// CoreXY homes one axis per cycle.
func DefaultCoreXYConfig() *standalone.MachineConfig {
	cfg := DefaultCartesianConfig()
	cfg.Name = "corexy"
	cfg.Kinematics = standalone.KinematicsConfig{Type: "corexy", GeometryFactor: 1.0}
	cfg.Homing.Cycles = []standalone.AxisMask{
		standalone.AxisBit(standalone.AxisZ),
		standalone.AxisBit(standalone.AxisY),
		standalone.AxisBit(standalone.AxisX),
	}
	return cfg
}

// DefaultMidTbotConfig returns the midTbot pen plotter: CoreXY with the belt
// doubling geometry factor and a servo lifting the pen on Z
func DefaultMidTbotConfig() *standalone.MachineConfig {
	cfg := &standalone.MachineConfig{
		Name:       "midTbot",
		Kinematics: standalone.KinematicsConfig{Type: "midtbot", GeometryFactor: 2.0},
		Axes: []standalone.AxisConfig{
			{
				Name:         "X",
				StepsPerMM:   100.0,
				MaxRate:      8000.0,
				Acceleration: 200.0,
				MaxTravel:    100.0,
				StepPin:      "gpio12",
				DirPin:       "gpio26",
				LimitPin:     "gpio2",
				InvertLimit:  true,
			},
			{
				Name:         "Y",
				StepsPerMM:   100.0,
				MaxRate:      8000.0,
				Acceleration: 200.0,
				MaxTravel:    100.0,
				StepPin:      "gpio14",
				DirPin:       "gpio25",
				LimitPin:     "gpio4",
				InvertDir:    true,
				InvertLimit:  true,
			},
			{
				Name:         "Z",
				StepsPerMM:   100.0,
				MaxRate:      5000.0,
				Acceleration: 100.0,
				MaxTravel:    5.0,
				HomeMPos:     5.0,
			},
		},
		Homing: standalone.HomingConfig{
			Enabled:    true,
			Cycles:     []standalone.AxisMask{standalone.AxisBit(standalone.AxisY), standalone.AxisBit(standalone.AxisX)},
			DirMask:    standalone.AxisBit(standalone.AxisX) | standalone.AxisBit(standalone.AxisZ),
			SeekRate:   2000.0,
			FeedRate:   500.0,
			Pulloff:    3.0,
			DebounceMS: 250,
		},
		Stepping: standalone.SteppingConfig{
			PulseMicros: 3,
			EnablePin:   "gpio13",
		},
		PenServo: &standalone.ServoConfig{
			Pin:      "gpio27",
			MinAngle: 0,
			MaxAngle: 90,
			ZMin:     0,
			ZMax:     5.0,
		},
	}
	applyDefaults(cfg)
	return cfg
}
