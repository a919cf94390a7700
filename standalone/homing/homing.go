package homing

import (
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"stepcore/core"
	"stepcore/standalone"
	"stepcore/standalone/kinematics"
	"stepcore/standalone/system"
)

var (
	// ErrNoCycles is returned when there is nothing to home
	ErrNoCycles = errors.New("no homing cycles defined")

	// ErrDisabled is returned when homing is not enabled in the configuration
	ErrDisabled = errors.New("homing not enabled")

	// ErrBusy is returned when homing is requested while the machine is moving
	ErrBusy = errors.New("homing requires an idle machine")
)

// Source reports which limit switches are triggered
type Source interface {
	State() standalone.AxisMask
}

// Engine is the part of the pulse engine homing drives
type Engine interface {
	PrepBuffer()
	WakeUp()
	Reset()
	Queued() int
	SetAxisLock(motors standalone.AxisMask)
	ClearAxisLock()
}

// Planner is the privileged motion entry point of the planner
type Planner interface {
	QueueSystemLine(target standalone.MotorPosition, pl *standalone.LineData) error
	SyncPosition(steps [standalone.MaxAxes]int32)
}

// Cycle runs homing cycles against the limit switches
type Cycle struct {
	machine  *system.Machine
	kin      kinematics.Kinematics
	planner  Planner
	engine   Engine
	switches Source
	log      logrus.FieldLogger

	// Delay waits out the switch debounce time
	Delay func(time.Duration)

	// OnSync receives the homed Cartesian position so the G-code parser
	// can resynchronize
	OnSync func(pos standalone.Position)

	// Poll runs on every iteration of the phase loop, for targets that
	// dispatch timers or sample inputs from the main loop. It defaults to
	// core.Yield.
	Poll func()
}

// NewCycle creates a homing cycle runner
func NewCycle(machine *system.Machine, kin kinematics.Kinematics, planner Planner, engine Engine, switches Source, log logrus.FieldLogger) *Cycle {
	return &Cycle{
		machine:  machine,
		kin:      kin,
		planner:  planner,
		engine:   engine,
		switches: switches,
		log:      standalone.ComponentLogger(log, "homing"),
		Delay:    time.Sleep,
		Poll:     core.Yield,
	}
}

// phase is one approach or pulloff move
type phase struct {
	approach bool
	distance float64
	rate     float64
}

// phases returns the approach and pulloff sequence of one cycle
func (c *Cycle) phases(mask standalone.AxisMask) []phase {
	cfg := c.machine.Config
	h := cfg.Homing

	search := 0.0
	for _, axis := range mask.Axes() {
		search = math.Max(search, h.SearchScalar*cfg.Axes[axis].MaxTravel)
	}

	// Rates apply per axis when several axes move together
	scale := math.Sqrt(float64(mask.Count()))

	seq := []phase{
		{approach: true, distance: search, rate: h.SeekRate * scale},
		{approach: false, distance: h.Pulloff, rate: h.SeekRate * scale},
	}
	for i := 0; i < h.LocateCycles; i++ {
		seq = append(seq,
			phase{approach: true, distance: h.LocateScalar * h.Pulloff, rate: h.FeedRate * scale},
			phase{approach: false, distance: h.Pulloff, rate: h.SeekRate * scale},
		)
	}
	return seq
}

// Run homes the axes in requested, or all configured cycles in order when
// requested is zero. On failure the machine is left in the Alarm state and
// the alarm is returned.
func (c *Cycle) Run(requested standalone.AxisMask) error {
	cfg := c.machine.Config
	h := cfg.Homing

	if !h.Enabled {
		return ErrDisabled
	}
	if err := c.kin.PreHoming(requested, h.Cycles); err != nil {
		c.log.WithError(err).Error("homing rejected")
		return err
	}

	cycles := h.Cycles
	if requested != 0 {
		cycles = []standalone.AxisMask{requested & cfg.AxesMask()}
	}
	var all standalone.AxisMask
	for _, mask := range cycles {
		all |= mask
	}
	if all == 0 {
		return ErrNoCycles
	}

	switch c.machine.State() {
	case system.StateIdle, system.StateAlarm:
	default:
		return ErrBusy
	}

	c.machine.Unlock()
	c.machine.SetState(system.StateHoming)
	c.log.WithField("axes", all).Info("homing")

	for n, mask := range cycles {
		if mask == 0 {
			continue
		}
		if err := c.home(mask); err != nil {
			c.log.WithFields(logrus.Fields{"cycle": n, "axes": mask}).WithError(err).Error("homing failed")
			return c.fail(err)
		}
		c.setHomePosition(mask)
	}

	c.finish()
	c.log.WithField("homed", c.machine.Homed()).Info("homing complete")
	return nil
}

// home runs all phases of one cycle
func (c *Cycle) home(mask standalone.AxisMask) error {
	for _, ph := range c.phases(mask) {
		if err := c.runPhase(mask, ph); err != nil {
			return err
		}
		c.engine.Reset()
		c.Delay(time.Duration(c.machine.Config.Homing.DebounceMS) * time.Millisecond)
	}
	return nil
}

// runPhase issues one system motion line and polls until it completes
func (c *Cycle) runPhase(mask standalone.AxisMask, ph phase) error {
	cfg := c.machine.Config

	target := c.kin.Inverse(c.machine.MotorPosition())
	for _, axis := range mask.Axes() {
		// Approach toward the switch, pull off away from it
		toward := cfg.HomeNegative(axis) == ph.approach
		if toward {
			target[axis] -= ph.distance
		} else {
			target[axis] += ph.distance
		}
	}

	c.machine.StepControl = system.StepControlExecuteSysMotion
	c.machine.ClearCycleStop()

	pl := standalone.LineData{
		FeedRate: ph.rate,
		Motion:   standalone.MotionSystem | standalone.MotionNoFeedOverride,
	}
	if err := c.planner.QueueSystemLine(c.kin.Forward(target), &pl); err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{
		"axes":     mask,
		"approach": ph.approach,
		"distance": ph.distance,
		"rate":     ph.rate,
	}).Debug("homing phase")

	locked := mask
	c.engine.SetAxisLock(c.kin.MotorsFor(locked))
	c.engine.PrepBuffer()
	c.engine.WakeUp()

	for {
		if c.Poll != nil {
			c.Poll()
		}
		if ph.approach {
			if hit := c.switches.State() & locked; hit != 0 {
				locked &^= hit
				if locked == 0 {
					return nil
				}
				c.engine.SetAxisLock(c.kin.MotorsFor(locked))
			}
		}

		c.engine.PrepBuffer()

		if c.machine.ResetRequested() {
			return system.AlarmHomingFailReset
		}
		if c.machine.SafetyDoorOpen() {
			return system.AlarmHomingFailDoor
		}
		if c.machine.CycleStop() {
			if !c.moveDone() {
				// The interrupt drained the ring before the move was
				// fully segmented
				c.machine.ClearCycleStop()
				c.engine.PrepBuffer()
				c.engine.WakeUp()
				continue
			}
			if ph.approach {
				if c.switches.State()&locked == locked {
					// Tripped during the last steps of the move
					return nil
				}
				return system.AlarmHomingFailApproach
			}
			if c.switches.State()&mask != 0 {
				return system.AlarmHomingFailPulloff
			}
			return nil
		}
	}
}

// moveDone reports whether the system motion line has been fully
// segmented and executed
func (c *Cycle) moveDone() bool {
	return c.machine.StepControl&system.StepControlEndMotion != 0 && c.engine.Queued() == 0
}

// setHomePosition assigns the calibrated position of the axes of one cycle
// directly to the step counters
func (c *Cycle) setHomePosition(mask standalone.AxisMask) {
	cfg := c.machine.Config
	h := cfg.Homing

	pos := c.kin.Inverse(c.machine.MotorPosition())
	for _, axis := range mask.Axes() {
		home := cfg.Axes[axis].HomeMPos
		if cfg.HomeNegative(axis) {
			pos[axis] = home + h.Pulloff
		} else {
			pos[axis] = home - h.Pulloff
		}
	}
	c.machine.SetSteps(c.machine.MotorSteps(c.kin.Forward(pos)))
	c.machine.SetHomed(mask)
}

func (c *Cycle) sync() {
	c.planner.SyncPosition(c.machine.Steps())
	if c.OnSync != nil {
		c.OnSync(c.kin.Inverse(c.machine.MotorPosition()))
	}
}

func (c *Cycle) finish() {
	c.engine.ClearAxisLock()
	c.machine.StepControl = 0
	c.sync()
	c.kin.PostHoming()
	c.machine.SetState(system.StateIdle)
}

// fail force-stops motion and locks the machine
func (c *Cycle) fail(err error) error {
	c.engine.Reset()
	c.engine.ClearAxisLock()
	c.machine.StepControl = 0
	c.sync()

	var alarm system.Alarm
	if !errors.As(err, &alarm) {
		alarm = system.AlarmAbortCycle
	}
	c.machine.RaiseAlarm(alarm)
	return err
}
