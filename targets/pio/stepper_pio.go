//go:build rp2040 || rp2350

package pio

import (
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"
)

// Command word format:
//
//	Bits 0-15:  pulse count minus one
//	Bits 16-23: delay loops between pulses
//	Bit 24:     direction level
//
// The program pulls a command, sets the direction pin, then emits the
// pulses. Each pulse is stepHighCycles PIO cycles wide.
const stepHighCycles = 8

// buildStepperProgram assembles the step program. Jump targets are relative
// to the load offset. idle is the level of the step pin between pulses.
func buildStepperProgram(idle bool) []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 0}
	active, rest := uint8(1), uint8(0)
	if idle {
		active, rest = 0, 1
	}
	return []uint16{
		// .wrap_target
		asm.Pull(false, true).Encode(),          // 0: pull block
		asm.Out(rp2pio.OutDestX, 16).Encode(),   // 1: out x, 16 (pulses - 1)
		asm.Out(rp2pio.OutDestY, 8).Encode(),    // 2: out y, 8 (delay)
		asm.Out(rp2pio.OutDestPins, 1).Encode(), // 3: out pins, 1 (direction)
		// step_loop:
		asm.Set(rp2pio.SetDestPins, active).Delay(stepHighCycles - 1).Encode(), // 4
		asm.Set(rp2pio.SetDestPins, rest).Encode(),                             // 5
		// delay_loop:
		asm.Jmp(6, rp2pio.JmpYNZeroDec).Encode(), // 6: jmp y--, 6
		asm.Jmp(4, rp2pio.JmpXNZeroDec).Encode(), // 7: jmp x--, 4
		// .wrap
	}
}

// Program offsets per PIO block and step polarity, loaded on first use
var programOffsets [2][2]int16

func init() {
	for i := range programOffsets {
		programOffsets[i] = [2]int16{-1, -1}
	}
}

// PIOStepperBackend implements stepper control using TinyGo's pio package.
// The state machine times the pulse, so the stepper interrupt only writes
// one FIFO word per step.
type PIOStepperBackend struct {
	pio         *rp2pio.PIO
	sm          rp2pio.StateMachine
	stepPin     machine.Pin
	dirPin      machine.Pin
	invertDir   bool
	direction   bool
	pulseMicros uint32
	offset      uint8
	pioNum      uint8
	smNum       uint8
}

// NewPIOStepperBackend creates a backend on state machine smNum of block
// pioNum
func NewPIOStepperBackend(pioNum, smNum uint8, pulseMicros uint32) *PIOStepperBackend {
	pioHW := rp2pio.PIO0
	if pioNum != 0 {
		pioHW = rp2pio.PIO1
	}
	if pulseMicros == 0 {
		pulseMicros = 1
	}
	return &PIOStepperBackend{
		pio:         pioHW,
		sm:          pioHW.StateMachine(smNum),
		pulseMicros: pulseMicros,
		pioNum:      pioNum,
		smNum:       smNum,
	}
}

func (b *PIOStepperBackend) loadProgram(invertStep bool) (uint8, error) {
	polarity := 0
	if invertStep {
		polarity = 1
	}
	if off := programOffsets[b.pioNum][polarity]; off >= 0 {
		return uint8(off), nil
	}
	offset, err := b.pio.AddProgram(buildStepperProgram(invertStep), -1)
	if err != nil {
		return 0, err
	}
	programOffsets[b.pioNum][polarity] = int16(offset)
	return offset, nil
}

// Init loads the program and starts the state machine
func (b *PIOStepperBackend) Init(stepPin, dirPin uint8, invertStep, invertDir bool) error {
	b.stepPin = machine.Pin(stepPin)
	b.dirPin = machine.Pin(dirPin)
	b.invertDir = invertDir

	if !b.sm.TryClaim() {
		return ErrNoStateMachine
	}

	offset, err := b.loadProgram(invertStep)
	if err != nil {
		return err
	}
	b.offset = offset

	b.stepPin.Configure(machine.PinConfig{Mode: b.pio.PinMode()})
	b.dirPin.Configure(machine.PinConfig{Mode: b.pio.PinMode()})

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetSetPins(b.stepPin, 1)
	cfg.SetOutPins(b.dirPin, 1)
	// Shift right, explicit pull
	cfg.SetOutShift(true, false, 32)
	cfg.SetWrap(offset+7, offset)

	// One pulse is stepHighCycles cycles of the divided clock
	div := uint64(machine.CPUFrequency()) * uint64(b.pulseMicros) / (stepHighCycles * 1000000)
	if div < 1 {
		div = 1
	}
	if div > 0xffff {
		div = 0xffff
	}
	cfg.SetClkDivIntFrac(uint16(div), 0)

	b.sm.Init(offset, cfg)

	// Pin directions must be set after Init
	b.sm.SetPindirsConsecutive(b.stepPin, 1, true)
	b.sm.SetPindirsConsecutive(b.dirPin, 1, true)
	b.sm.SetPinsConsecutive(b.stepPin, 1, invertStep)
	b.sm.SetPinsConsecutive(b.dirPin, 1, invertDir)

	b.sm.SetEnabled(true)
	return nil
}

// Step queues a single pulse in the current direction
func (b *PIOStepperBackend) Step() {
	b.QueueSteps(1, 0)
}

// QueueSteps queues count pulses separated by delay loops
func (b *PIOStepperBackend) QueueSteps(count uint16, delay uint8) {
	if count == 0 {
		return
	}
	cmd := uint32(count-1) | uint32(delay)<<16
	if b.direction != b.invertDir {
		cmd |= 1 << 24
	}
	for b.sm.IsTxFIFOFull() {
	}
	b.sm.TxPut(cmd)
}

// SetDirection sets the direction of the following pulses
func (b *PIOStepperBackend) SetDirection(dir bool) {
	b.direction = dir
}

// Stop drops queued pulses and restarts the program
func (b *PIOStepperBackend) Stop() {
	b.sm.SetEnabled(false)
	b.sm.ClearFIFOs()
	b.sm.Restart()
	b.sm.SetEnabled(true)
}

// GetName returns the backend name
func (b *PIOStepperBackend) GetName() string {
	return "pio" + string('0'+b.pioNum) + ".sm" + string('0'+b.smNum)
}
