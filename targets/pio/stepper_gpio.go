//go:build rp2040 || rp2350

package pio

import (
	"device/arm"
	"device/rp"
	"machine"
)

// GPIOStepperBackend drives the step pin through the SIO registers from the
// stepper interrupt. It is the fallback when the PIO blocks are used for
// something else.
type GPIOStepperBackend struct {
	stepMask   uint32
	dirMask    uint32
	invertStep bool
	invertDir  bool
	dir        bool
}

// NewGPIOStepperBackend creates a new GPIO-based stepper backend
func NewGPIOStepperBackend() *GPIOStepperBackend {
	return &GPIOStepperBackend{}
}

// Init configures the pins as idle outputs
func (b *GPIOStepperBackend) Init(stepPin, dirPin uint8, invertStep, invertDir bool) error {
	b.stepMask = 1 << stepPin
	b.dirMask = 1 << dirPin
	b.invertStep = invertStep
	b.invertDir = invertDir

	machine.Pin(stepPin).Configure(machine.PinConfig{Mode: machine.PinOutput})
	machine.Pin(dirPin).Configure(machine.PinConfig{Mode: machine.PinOutput})
	machine.Pin(stepPin).Set(invertStep)
	machine.Pin(dirPin).Set(invertDir)
	return nil
}

func set(mask uint32, high bool) {
	if high {
		rp.SIO.GPIO_OUT_SET.Set(mask)
	} else {
		rp.SIO.GPIO_OUT_CLR.Set(mask)
	}
}

// Step generates a single step pulse of about 100ns at 125MHz
func (b *GPIOStepperBackend) Step() {
	set(b.stepMask, !b.invertStep)
	arm.Asm("nop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop")
	set(b.stepMask, b.invertStep)
}

// SetDirection sets the direction output and waits out the setup time
func (b *GPIOStepperBackend) SetDirection(dir bool) {
	if dir == b.dir {
		return
	}
	b.dir = dir
	set(b.dirMask, dir != b.invertDir)
	arm.Asm("nop\nnop\nnop")
}

// Stop leaves the step pin idle
func (b *GPIOStepperBackend) Stop() {
	set(b.stepMask, b.invertStep)
}

// GetName returns the backend name
func (b *GPIOStepperBackend) GetName() string {
	return "sio"
}
