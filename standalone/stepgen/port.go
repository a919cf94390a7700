package stepgen

import (
	"errors"

	"stepcore/core"
	"stepcore/standalone"
)

// GPIOPort drives step, direction and enable pins through a GPIO driver
type GPIOPort struct {
	gpio    core.GPIODriver
	numAxes int

	stepPins   [standalone.MaxAxes]core.GPIOPin
	dirPins    [standalone.MaxAxes]core.GPIOPin
	invertStep standalone.AxisMask
	invertDir  standalone.AxisMask

	enPin        core.GPIOPin
	hasEnable    bool
	invertEnable bool

	pulseMicros    uint32
	dirDelayMicros uint32
	delay          func(us uint32)

	dirBits  standalone.AxisMask
	dirValid bool
	stepping standalone.AxisMask
}

// NewGPIOPort configures the pins of every axis as outputs. delay, if not
// nil, is used to hold the step pulse and the direction setup time.
func NewGPIOPort(gpio core.GPIODriver, cfg *standalone.MachineConfig, delay func(us uint32)) (*GPIOPort, error) {
	p := &GPIOPort{
		gpio:           gpio,
		numAxes:        cfg.NumAxes(),
		invertEnable:   cfg.Stepping.InvertEnable,
		pulseMicros:    cfg.Stepping.PulseMicros,
		dirDelayMicros: cfg.Stepping.DirDelayMicros,
		delay:          delay,
	}

	for i, axis := range cfg.Axes {
		stepPin, err := core.ParsePin(axis.StepPin)
		if err != nil {
			return nil, err
		}
		dirPin, err := core.ParsePin(axis.DirPin)
		if err != nil {
			return nil, err
		}
		if err := gpio.ConfigureOutput(stepPin); err != nil {
			return nil, err
		}
		if err := gpio.ConfigureOutput(dirPin); err != nil {
			return nil, err
		}

		p.stepPins[i] = stepPin
		p.dirPins[i] = dirPin
		if axis.InvertStep {
			p.invertStep |= standalone.AxisBit(i)
		}
		if axis.InvertDir {
			p.invertDir |= standalone.AxisBit(i)
		}
		gpio.SetPin(stepPin, axis.InvertStep)
	}

	// Enable pin is optional
	if cfg.Stepping.EnablePin != "" {
		pin, err := core.ParsePin(cfg.Stepping.EnablePin)
		if err != nil {
			return nil, err
		}
		if err := gpio.ConfigureOutput(pin); err != nil {
			return nil, err
		}
		p.enPin = pin
		p.hasEnable = true

		// Disable motors initially
		p.Enable(false)
	}

	return p, nil
}

// SetDirection updates the direction pins that changed since the last call
func (p *GPIOPort) SetDirection(dirBits standalone.AxisMask) {
	if p.dirValid && dirBits == p.dirBits {
		return
	}
	changed := dirBits ^ p.dirBits
	if !p.dirValid {
		changed = standalone.AxisMask(1<<p.numAxes - 1)
	}
	for i := 0; i < p.numAxes; i++ {
		if changed.Has(i) {
			p.gpio.SetPin(p.dirPins[i], dirBits.Has(i) != p.invertDir.Has(i))
		}
	}
	p.dirBits = dirBits
	p.dirValid = true

	if p.delay != nil && p.dirDelayMicros > 0 {
		p.delay(p.dirDelayMicros)
	}
}

// Step raises the step pins of the given motors
func (p *GPIOPort) Step(stepBits standalone.AxisMask) {
	for i := 0; i < p.numAxes; i++ {
		if stepBits.Has(i) {
			p.gpio.SetPin(p.stepPins[i], !p.invertStep.Has(i))
		}
	}
	p.stepping = stepBits
	if p.delay != nil && p.pulseMicros > 0 {
		p.delay(p.pulseMicros)
	}
}

// Unstep ends the pulse started by Step
func (p *GPIOPort) Unstep() {
	for i := 0; i < p.numAxes; i++ {
		if p.stepping.Has(i) {
			p.gpio.SetPin(p.stepPins[i], p.invertStep.Has(i))
		}
	}
	p.stepping = 0
}

// Enable switches the motor drivers on or off
func (p *GPIOPort) Enable(on bool) {
	if !p.hasEnable {
		return
	}
	p.gpio.SetPin(p.enPin, on != p.invertEnable)
}

// BackendPort fans the port out to one StepperBackend per motor. Backends
// time their own pulses, so Unstep does nothing.
type BackendPort struct {
	backends []core.StepperBackend
	enable   func(on bool)
}

// NewBackendPort initializes one backend per configured axis. newBackend is
// called with the axis index; enable may be nil. Axes without a step pin,
// such as a servo-driven Z, get no backend.
func NewBackendPort(cfg *standalone.MachineConfig, newBackend func(axis int) core.StepperBackend, enable func(on bool)) (*BackendPort, error) {
	p := &BackendPort{enable: enable}
	for i, axis := range cfg.Axes {
		stepPin, err := core.ParsePin(axis.StepPin)
		if errors.Is(err, core.ErrNoPin) {
			p.backends = append(p.backends, nil)
			continue
		}
		if err != nil {
			return nil, err
		}
		dirPin, err := core.ParsePin(axis.DirPin)
		if err != nil {
			return nil, err
		}
		b := newBackend(i)
		if err := b.Init(uint8(stepPin), uint8(dirPin), axis.InvertStep, axis.InvertDir); err != nil {
			return nil, err
		}
		p.backends = append(p.backends, b)
	}
	return p, nil
}

func (p *BackendPort) SetDirection(dirBits standalone.AxisMask) {
	for i, b := range p.backends {
		if b != nil {
			b.SetDirection(dirBits.Has(i))
		}
	}
}

func (p *BackendPort) Step(stepBits standalone.AxisMask) {
	for i, b := range p.backends {
		if b != nil && stepBits.Has(i) {
			b.Step()
		}
	}
}

func (p *BackendPort) Unstep() {}

func (p *BackendPort) Enable(on bool) {
	if !on {
		for _, b := range p.backends {
			if b != nil {
				b.Stop()
			}
		}
	}
	if p.enable != nil {
		p.enable(on)
	}
}
