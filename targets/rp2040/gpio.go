//go:build rp2040

package main

import (
	"errors"
	"machine"

	"stepcore/core"
)

// numPins is the number of user GPIOs on the RP2040
const numPins = 30

var errBadPin = errors.New("no such gpio")

// RPGPIODriver implements core.GPIODriver on the RP2040 pins. ReadPin runs
// in the stepper interrupt, so pin state lives in fixed arrays.
type RPGPIODriver struct {
	configured [numPins]bool
	output     [numPins]bool
}

// NewRPGPIODriver creates a new RP2040 GPIO driver
func NewRPGPIODriver() *RPGPIODriver {
	return &RPGPIODriver{}
}

func (d *RPGPIODriver) configure(pin core.GPIOPin, mode machine.PinMode, output bool) error {
	if pin >= numPins {
		return errBadPin
	}
	machine.Pin(pin).Configure(machine.PinConfig{Mode: mode})
	d.configured[pin] = true
	d.output[pin] = output
	return nil
}

// ConfigureOutput configures a pin as a digital output
func (d *RPGPIODriver) ConfigureOutput(pin core.GPIOPin) error {
	return d.configure(pin, machine.PinOutput, true)
}

// ConfigureInputPullUp configures a pin as an input with pull-up
func (d *RPGPIODriver) ConfigureInputPullUp(pin core.GPIOPin) error {
	return d.configure(pin, machine.PinInputPullup, false)
}

// ConfigureInputPullDown configures a pin as an input with pull-down
func (d *RPGPIODriver) ConfigureInputPullDown(pin core.GPIOPin) error {
	return d.configure(pin, machine.PinInputPulldown, false)
}

// SetPin sets the pin to high (true) or low (false)
func (d *RPGPIODriver) SetPin(pin core.GPIOPin, value bool) error {
	if pin >= numPins || !d.output[pin] {
		return errBadPin
	}
	machine.Pin(pin).Set(value)
	return nil
}

// GetPin reads the current pin state
func (d *RPGPIODriver) GetPin(pin core.GPIOPin) (bool, error) {
	if pin >= numPins || !d.configured[pin] {
		return false, errBadPin
	}
	return machine.Pin(pin).Get(), nil
}

// ReadPin reads the pin, false if it is not configured
func (d *RPGPIODriver) ReadPin(pin core.GPIOPin) bool {
	if pin >= numPins || !d.configured[pin] {
		return false
	}
	return machine.Pin(pin).Get()
}
