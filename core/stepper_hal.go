package core

// StepperBackend defines the hardware abstraction for one stepper motor.
// Implementations can use GPIO, PIO, or other methods.
type StepperBackend interface {
	// Init initializes the stepper hardware
	// stepPin: GPIO pin for step pulses
	// dirPin: GPIO pin for direction signal
	// invertStep: invert step pin polarity
	// invertDir: invert direction pin polarity
	Init(stepPin, dirPin uint8, invertStep, invertDir bool) error

	// Step generates a single step pulse
	// Must handle pulse width timing internally
	// Should be fast (called from timer interrupt)
	Step()

	// SetDirection sets the direction output
	// dir: true = toward negative, false = toward positive
	// Must ensure proper dir-to-step setup time
	SetDirection(dir bool)

	// Stop immediately halts stepping
	Stop()

	// GetName returns backend implementation name
	GetName() string
}

// GPIOBackend is a portable StepperBackend on top of a GPIODriver. The pulse
// is as wide as two SetPin calls, which suits simulated and slow drivers.
type GPIOBackend struct {
	gpio       GPIODriver
	stepPin    GPIOPin
	dirPin     GPIOPin
	invertStep bool
	invertDir  bool
	dir        bool
	steps      uint32
}

// NewGPIOBackend creates a backend driving pins through gpio
func NewGPIOBackend(gpio GPIODriver) *GPIOBackend {
	return &GPIOBackend{gpio: gpio}
}

// Init configures the step and direction pins as idle outputs
func (b *GPIOBackend) Init(stepPin, dirPin uint8, invertStep, invertDir bool) error {
	b.stepPin = GPIOPin(stepPin)
	b.dirPin = GPIOPin(dirPin)
	b.invertStep = invertStep
	b.invertDir = invertDir

	if err := b.gpio.ConfigureOutput(b.stepPin); err != nil {
		return err
	}
	if err := b.gpio.ConfigureOutput(b.dirPin); err != nil {
		return err
	}
	if err := b.gpio.SetPin(b.stepPin, invertStep); err != nil {
		return err
	}
	return b.gpio.SetPin(b.dirPin, invertDir)
}

// Step generates a single step pulse
func (b *GPIOBackend) Step() {
	b.gpio.SetPin(b.stepPin, !b.invertStep)
	b.gpio.SetPin(b.stepPin, b.invertStep)
	b.steps++
}

// SetDirection sets the direction output
func (b *GPIOBackend) SetDirection(dir bool) {
	if dir == b.dir {
		return
	}
	b.dir = dir
	b.gpio.SetPin(b.dirPin, dir != b.invertDir)
}

// Stop leaves the step pin idle
func (b *GPIOBackend) Stop() {
	b.gpio.SetPin(b.stepPin, b.invertStep)
}

// GetName returns the backend name
func (b *GPIOBackend) GetName() string {
	return "gpio" + itoa(int(b.stepPin))
}

// Steps returns the number of pulses generated
func (b *GPIOBackend) Steps() uint32 {
	return b.steps
}
