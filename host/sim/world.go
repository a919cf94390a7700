// Package sim simulates the mechanics behind the step outputs: motor
// positions follow the step pulses and the limit switches close when an
// axis reaches its home position.
package sim

import (
	"errors"
	"math"
	"sync/atomic"

	"stepcore/core"
	"stepcore/standalone"
	"stepcore/standalone/kinematics"
	"stepcore/standalone/stepgen"
)

// World is a step port that drives a MemGPIO and tracks where the
// machine physically is
type World struct {
	*stepgen.GPIOPort

	cfg  *standalone.MachineConfig
	kin  kinematics.Kinematics
	gpio *core.MemGPIO

	limitPins   [standalone.MaxAxes]core.GPIOPin
	invertLimit standalone.AxisMask
	wired       standalone.AxisMask

	dir     atomic.Uint32
	enabled atomic.Bool
	motors  [standalone.MaxAxes]atomic.Int32

	// Missing switches never close, to simulate a broken wire
	missing atomic.Uint32
}

// NewWorld creates a simulated machine on gpio. The tool starts in the
// middle of the travel of every axis.
func NewWorld(cfg *standalone.MachineConfig, gpio *core.MemGPIO) (*World, error) {
	kin, err := kinematics.New(cfg)
	if err != nil {
		return nil, err
	}
	port, err := stepgen.NewGPIOPort(gpio, cfg, nil)
	if err != nil {
		return nil, err
	}

	w := &World{
		GPIOPort: port,
		cfg:      cfg,
		kin:      kin,
		gpio:     gpio,
	}
	for i, axis := range cfg.Axes {
		pin, err := core.ParsePin(axis.LimitPin)
		if errors.Is(err, core.ErrNoPin) {
			continue
		}
		if err != nil {
			return nil, err
		}
		w.limitPins[i] = pin
		w.wired |= standalone.AxisBit(i)
		if axis.InvertLimit {
			w.invertLimit |= standalone.AxisBit(i)
		}
	}

	var start standalone.Position
	for i := 0; i < cfg.NumAxes(); i++ {
		lo, hi := cfg.TravelLimits(i)
		start[i] = (lo + hi) / 2
	}
	w.MoveTo(start)
	return w, nil
}

// SetDirection records the direction bits and forwards them to the pins
func (w *World) SetDirection(dirBits standalone.AxisMask) {
	w.dir.Store(uint32(dirBits))
	w.GPIOPort.SetDirection(dirBits)
}

// Step moves the stepped motors by one step each
func (w *World) Step(stepBits standalone.AxisMask) {
	w.GPIOPort.Step(stepBits)
	if !w.enabled.Load() {
		return
	}
	dir := standalone.AxisMask(w.dir.Load())
	for i := 0; i < w.cfg.NumAxes(); i++ {
		if !stepBits.Has(i) {
			continue
		}
		if dir.Has(i) {
			w.motors[i].Add(-1)
		} else {
			w.motors[i].Add(1)
		}
	}
	w.Update()
}

// Enable powers the simulated drivers; a disabled motor ignores steps
func (w *World) Enable(on bool) {
	w.enabled.Store(on)
	w.GPIOPort.Enable(on)
}

// MotorSteps returns the physical position of every motor in steps
func (w *World) MotorSteps() [standalone.MaxAxes]int32 {
	var steps [standalone.MaxAxes]int32
	for i := range steps {
		steps[i] = w.motors[i].Load()
	}
	return steps
}

// Position returns the physical Cartesian position of the tool
func (w *World) Position() standalone.Position {
	var motors standalone.MotorPosition
	for i := 0; i < w.cfg.NumAxes(); i++ {
		motors[i] = float64(w.motors[i].Load()) / w.cfg.Axes[i].StepsPerMM
	}
	return w.kin.Inverse(motors)
}

// MoveTo places the tool at pos without stepping
func (w *World) MoveTo(pos standalone.Position) {
	motors := w.kin.Forward(pos)
	for i := 0; i < w.cfg.NumAxes(); i++ {
		w.motors[i].Store(int32(math.Round(motors[i] * w.cfg.Axes[i].StepsPerMM)))
	}
	w.Update()
}

// SetMissing marks switches that never close
func (w *World) SetMissing(axes standalone.AxisMask) {
	w.missing.Store(uint32(axes))
	w.Update()
}

// Triggered returns the switches that are physically closed
func (w *World) Triggered() standalone.AxisMask {
	pos := w.Position()
	missing := standalone.AxisMask(w.missing.Load())

	var hit standalone.AxisMask
	for i := 0; i < w.cfg.NumAxes(); i++ {
		if !w.wired.Has(i) || missing.Has(i) {
			continue
		}
		home := w.cfg.Axes[i].HomeMPos
		if w.cfg.HomeNegative(i) && pos[i] <= home || !w.cfg.HomeNegative(i) && pos[i] >= home {
			hit |= standalone.AxisBit(i)
		}
	}
	return hit
}

// Update drives the limit inputs from the tool position. Call it after
// the limit pins have been configured as inputs.
func (w *World) Update() {
	hit := w.Triggered()
	for i := 0; i < w.cfg.NumAxes(); i++ {
		if !w.wired.Has(i) {
			continue
		}
		// A closed switch pulls the input low unless inverted
		level := hit.Has(i) == w.invertLimit.Has(i)
		w.gpio.Drive(w.limitPins[i], level)
	}
}

