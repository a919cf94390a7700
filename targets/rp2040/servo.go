//go:build rp2040

package main

import (
	"errors"
	"machine"

	"tinygo.org/x/drivers/servo"

	"stepcore/core"
	"stepcore/standalone"
	"stepcore/standalone/pen"
)

// pwmSlice returns the PWM slice wired to pin
func pwmSlice(pin core.GPIOPin) (servo.PWM, error) {
	switch (pin >> 1) & 7 {
	case 0:
		return machine.PWM0, nil
	case 1:
		return machine.PWM1, nil
	case 2:
		return machine.PWM2, nil
	case 3:
		return machine.PWM3, nil
	case 4:
		return machine.PWM4, nil
	case 5:
		return machine.PWM5, nil
	case 6:
		return machine.PWM6, nil
	case 7:
		return machine.PWM7, nil
	}
	return nil, errors.New("no pwm slice")
}

// newPenLift creates the pen servo of cfg, nil if it has none
func newPenLift(cfg *standalone.MachineConfig) (*pen.Lift, error) {
	if cfg.PenServo == nil {
		return nil, nil
	}
	pin, err := core.ParsePin(cfg.PenServo.Pin)
	if err != nil {
		return nil, err
	}
	pwm, err := pwmSlice(pin)
	if err != nil {
		return nil, err
	}
	s, err := servo.New(pwm, machine.Pin(pin))
	if err != nil {
		return nil, err
	}
	return pen.NewLift(*cfg.PenServo, &s)
}
