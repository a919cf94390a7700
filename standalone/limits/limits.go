// Package limits samples limit switches and the realtime control inputs.
//
// Switches are wired normally open to ground with the internal pull-up
// enabled, so an input reads low when triggered. The invert settings flip
// this for normally closed or active high wiring.
package limits

import (
	"errors"

	"github.com/sirupsen/logrus"

	"stepcore/core"
	"stepcore/standalone"
	"stepcore/standalone/system"
)

// Source reports which limit switches are triggered
type Source interface {
	State() standalone.AxisMask
}

// input is one configured switch input
type input struct {
	pin    core.GPIOPin
	invert bool
}

func newInput(gpio core.GPIODriver, name string, invert bool) (input, bool, error) {
	pin, err := core.ParsePin(name)
	if errors.Is(err, core.ErrNoPin) {
		return input{}, false, nil
	}
	if err != nil {
		return input{}, false, err
	}
	if err := gpio.ConfigureInputPullUp(pin); err != nil {
		return input{}, false, err
	}
	return input{pin: pin, invert: invert}, true, nil
}

// active reports whether the switch is triggered
func (in input) active(gpio core.GPIODriver) bool {
	return gpio.ReadPin(in.pin) == in.invert
}

// Switches samples the limit switch of every axis that has one
type Switches struct {
	gpio   core.GPIODriver
	inputs [standalone.MaxAxes]input
	wired  standalone.AxisMask
}

// NewSwitches configures the limit pins as pulled up inputs
func NewSwitches(gpio core.GPIODriver, cfg *standalone.MachineConfig) (*Switches, error) {
	s := &Switches{gpio: gpio}
	for i, axis := range cfg.Axes {
		in, ok, err := newInput(gpio, axis.LimitPin, axis.InvertLimit)
		if err != nil {
			return nil, err
		}
		if ok {
			s.inputs[i] = in
			s.wired |= standalone.AxisBit(i)
		}
	}
	return s, nil
}

// State returns the triggered switches. Safe from interrupt context.
func (s *Switches) State() standalone.AxisMask {
	var state standalone.AxisMask
	for i := 0; i < standalone.MaxAxes; i++ {
		if s.wired.Has(i) && s.inputs[i].active(s.gpio) {
			state |= standalone.AxisBit(i)
		}
	}
	return state
}

// Wired returns the axes that have a limit switch
func (s *Switches) Wired() standalone.AxisMask {
	return s.wired
}

// Control samples the reset and safety door inputs
type Control struct {
	gpio    core.GPIODriver
	machine *system.Machine
	log     logrus.FieldLogger

	reset, door       input
	hasReset, hasDoor bool
	resetActive       bool
}

// NewControl configures the control inputs. Missing pins are skipped.
func NewControl(gpio core.GPIODriver, machine *system.Machine, log logrus.FieldLogger) (*Control, error) {
	cfg := machine.Config.Control
	c := &Control{
		gpio:    gpio,
		machine: machine,
		log:     standalone.ComponentLogger(log, "limits"),
	}

	var err error
	if c.reset, c.hasReset, err = newInput(gpio, cfg.ResetPin, cfg.InvertControls); err != nil {
		return nil, err
	}
	if c.door, c.hasDoor, err = newInput(gpio, cfg.SafetyDoorPin, cfg.InvertControls); err != nil {
		return nil, err
	}
	return c, nil
}

// Poll copies the inputs into the machine's realtime flags. A reset is
// requested once per press.
func (c *Control) Poll() {
	if c.hasReset {
		active := c.reset.active(c.gpio)
		if active && !c.resetActive {
			c.log.Warn("reset input")
			c.machine.RequestReset()
		}
		c.resetActive = active
	}
	if c.hasDoor {
		open := c.door.active(c.gpio)
		if open != c.machine.SafetyDoorOpen() {
			c.log.WithField("open", open).Info("safety door")
		}
		c.machine.SetSafetyDoor(open)
	}
}

// Stopper halts the pulse engine
type Stopper interface {
	Reset()
}

// CheckHard raises a hard limit alarm and stops all motion when a switch
// trips outside a homing cycle. It returns true if the alarm was raised.
func CheckHard(machine *system.Machine, switches Source, engine Stopper) bool {
	if !machine.Config.HardLimits {
		return false
	}
	switch machine.State() {
	case system.StateHoming, system.StateAlarm:
		return false
	}
	if switches.State() == 0 {
		return false
	}
	engine.Reset()
	return machine.RaiseAlarm(system.AlarmHardLimit)
}
