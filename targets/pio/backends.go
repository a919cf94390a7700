//go:build rp2040 || rp2350

// Package pio provides the RP2040 step backends: one PIO state machine per
// motor, or direct SIO writes from the stepper interrupt.
package pio

import (
	"errors"

	"stepcore/core"
)

// ErrNoStateMachine is returned by Init when every state machine is taken
var ErrNoStateMachine = errors.New("no free PIO state machine")

// Backend kinds accepted by NewFactory
const (
	KindPIO  = "pio"
	KindGPIO = "gpio"
)

var (
	// RP2040/RP2350 has 2 PIO blocks (PIO0, PIO1) with 4 state machines each
	pioAllocations = [2][4]bool{}
)

// NewFactory returns the backend constructor for stepgen.NewBackendPort.
// pulseMicros sets the width of the PIO step pulse.
func NewFactory(kind string, pulseMicros uint32) (func(axis int) core.StepperBackend, error) {
	switch kind {
	case KindPIO, "":
		return func(int) core.StepperBackend {
			pioNum, smNum, ok := allocatePIO()
			if !ok {
				return failedBackend{}
			}
			return NewPIOStepperBackend(pioNum, smNum, pulseMicros)
		}, nil
	case KindGPIO:
		return func(int) core.StepperBackend {
			return NewGPIOStepperBackend()
		}, nil
	}
	return nil, errors.New("unknown step backend " + kind)
}

// allocatePIO allocates a PIO state machine
func allocatePIO() (uint8, uint8, bool) {
	for pioNum := range pioAllocations {
		for smNum := range pioAllocations[pioNum] {
			if !pioAllocations[pioNum][smNum] {
				pioAllocations[pioNum][smNum] = true
				return uint8(pioNum), uint8(smNum), true
			}
		}
	}
	return 0, 0, false
}

// failedBackend reports the allocation failure from Init
type failedBackend struct{}

func (failedBackend) Init(stepPin, dirPin uint8, invertStep, invertDir bool) error {
	return ErrNoStateMachine
}
func (failedBackend) Step()             {}
func (failedBackend) SetDirection(bool) {}
func (failedBackend) Stop()             {}
func (failedBackend) GetName() string   { return "none" }
