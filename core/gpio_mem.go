package core

import (
	"errors"
	"sync/atomic"
)

// ErrPinNotConfigured is returned when a pin is used before being configured
var ErrPinNotConfigured = errors.New("pin not configured")

// ErrPinNotOutput is returned by SetPin on an input pin
var ErrPinNotOutput = errors.New("pin not configured as output")

// MemGPIO is an in-memory GPIODriver used by the host simulator and tests.
// Pin levels are kept in atomics so the stepper interrupt goroutine and the
// simulated world can share it without locks.
type MemGPIO struct {
	levels  atomic.Uint64
	outputs atomic.Uint64
	inputs  atomic.Uint64
	rising  [MaxPins]atomic.Uint32
}

// NewMemGPIO creates a driver with all pins low and unconfigured
func NewMemGPIO() *MemGPIO {
	return &MemGPIO{}
}

func pinMask(pin GPIOPin) uint64 {
	return 1 << uint64(pin)
}

func (g *MemGPIO) check(pin GPIOPin) error {
	if pin >= MaxPins {
		return ErrBadPin
	}
	return nil
}

func (g *MemGPIO) ConfigureOutput(pin GPIOPin) error {
	if err := g.check(pin); err != nil {
		return err
	}
	or64(&g.outputs, pinMask(pin))
	and64(&g.inputs, ^pinMask(pin))
	return nil
}

func (g *MemGPIO) ConfigureInputPullUp(pin GPIOPin) error {
	if err := g.check(pin); err != nil {
		return err
	}
	g.configureInput(pin)
	or64(&g.levels, pinMask(pin))
	return nil
}

func (g *MemGPIO) ConfigureInputPullDown(pin GPIOPin) error {
	if err := g.check(pin); err != nil {
		return err
	}
	g.configureInput(pin)
	and64(&g.levels, ^pinMask(pin))
	return nil
}

func (g *MemGPIO) configureInput(pin GPIOPin) {
	or64(&g.inputs, pinMask(pin))
	and64(&g.outputs, ^pinMask(pin))
}

func (g *MemGPIO) SetPin(pin GPIOPin, value bool) error {
	if err := g.check(pin); err != nil {
		return err
	}
	if g.outputs.Load()&pinMask(pin) == 0 {
		return ErrPinNotOutput
	}
	g.drive(pin, value)
	return nil
}

func (g *MemGPIO) GetPin(pin GPIOPin) (bool, error) {
	if err := g.check(pin); err != nil {
		return false, err
	}
	if (g.outputs.Load()|g.inputs.Load())&pinMask(pin) == 0 {
		return false, ErrPinNotConfigured
	}
	return g.levels.Load()&pinMask(pin) != 0, nil
}

func (g *MemGPIO) ReadPin(pin GPIOPin) bool {
	v, _ := g.GetPin(pin)
	return v
}

// Drive sets the external level of an input pin, as a switch wired to it would
func (g *MemGPIO) Drive(pin GPIOPin, value bool) {
	if pin < MaxPins {
		g.drive(pin, value)
	}
}

func (g *MemGPIO) drive(pin GPIOPin, value bool) {
	if value {
		old := or64(&g.levels, pinMask(pin))
		if old&pinMask(pin) == 0 {
			g.rising[pin].Add(1)
		}
		return
	}
	and64(&g.levels, ^pinMask(pin))
}

// RisingEdges returns the number of low to high transitions seen on pin
func (g *MemGPIO) RisingEdges(pin GPIOPin) uint32 {
	if pin >= MaxPins {
		return 0
	}
	return g.rising[pin].Load()
}

// or64 sets bits and returns the previous value
func or64(v *atomic.Uint64, bits uint64) uint64 {
	for {
		old := v.Load()
		if v.CompareAndSwap(old, old|bits) {
			return old
		}
	}
}

func and64(v *atomic.Uint64, bits uint64) {
	for {
		old := v.Load()
		if v.CompareAndSwap(old, old&bits) {
			return
		}
	}
}
