//go:build rp2040

// Command rp2040 is the stepcore firmware: a G-code console on USB CDC
// driving the steppers from PIO state machines.
package main

import (
	"errors"
	"machine"
	"time"

	"stepcore/core"
	"stepcore/standalone"
	"stepcore/standalone/config"
	"stepcore/standalone/controller"
	"stepcore/standalone/pen"
	"stepcore/standalone/stepgen"
	"stepcore/targets/pio"
)

// Build settings, overridden with -ldflags "-X main.machineName=corexy"
var (
	machineName = "midtbot"
	stepBackend = pio.KindPIO
)

// byteRing holds console bytes read while a line is executing. The uint8
// indexes wrap with the buffer.
type byteRing struct {
	buf        [256]byte
	head, tail uint8
}

func (r *byteRing) push(b byte) bool {
	if r.head+1 == r.tail {
		return false
	}
	r.buf[r.head] = b
	r.head++
	return true
}

func (r *byteRing) pop() (byte, bool) {
	if r.head == r.tail {
		return 0, false
	}
	b := r.buf[r.tail]
	r.tail++
	return b, true
}

var pending byteRing

func main() {
	// Disable the watchdog left running by a previous reset
	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})

	InitUSB()
	InitClock()

	m, lift, err := setup(machineConfig())
	if err != nil {
		blinkForever(100 * time.Millisecond)
	}

	idle := func() {
		UpdateSystemTime()
		core.ProcessTimers()
		readConsole(m)
		flushConsole(m)
		if lift != nil {
			lift.Update(m.Position()[standalone.AxisZ])
		}
	}
	m.Idle = idle
	m.Sleep = func(d time.Duration) {
		for end := time.Now().Add(d); time.Now().Before(end); {
			idle()
		}
	}

	m.Start()
	for {
		idle()
		for b, ok := pending.pop(); ok; b, ok = pending.pop() {
			m.ProcessByte(b)
		}
		m.Poll()
		time.Sleep(10 * time.Microsecond)
	}
}

func machineConfig() *standalone.MachineConfig {
	switch machineName {
	case "cartesian":
		return config.DefaultCartesianConfig()
	case "corexy":
		return config.DefaultCoreXYConfig()
	}
	return config.DefaultMidTbotConfig()
}

func setup(cfg *standalone.MachineConfig) (*controller.Manager, *pen.Lift, error) {
	gpio := NewRPGPIODriver()

	newBackend, err := pio.NewFactory(stepBackend, cfg.Stepping.PulseMicros)
	if err != nil {
		return nil, nil, err
	}
	enable, err := enableOutput(gpio, cfg)
	if err != nil {
		return nil, nil, err
	}
	port, err := stepgen.NewBackendPort(cfg, newBackend, enable)
	if err != nil {
		return nil, nil, err
	}

	m, err := controller.NewManager(cfg, port, core.NewSchedTimer(cfg.Stepping.TimerHz), gpio, nil)
	if err != nil {
		return nil, nil, err
	}
	lift, err := newPenLift(cfg)
	if err != nil {
		return nil, nil, err
	}
	return m, lift, nil
}

// enableOutput drives the shared stepper enable pin, if any
func enableOutput(gpio core.GPIODriver, cfg *standalone.MachineConfig) (func(on bool), error) {
	pin, err := core.ParsePin(cfg.Stepping.EnablePin)
	if errors.Is(err, core.ErrNoPin) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := gpio.ConfigureOutput(pin); err != nil {
		return nil, err
	}
	invert := cfg.Stepping.InvertEnable
	gpio.SetPin(pin, invert)
	return func(on bool) {
		gpio.SetPin(pin, on != invert)
	}, nil
}

// readConsole acts on realtime bytes at once and queues the rest
func readConsole(m *controller.Manager) {
	for USBAvailable() > 0 {
		b, err := USBRead()
		if err != nil {
			return
		}
		if controller.IsRealtime(b) {
			m.Realtime(b)
			continue
		}
		// Input is dropped while the ring is full
		pending.push(b)
	}
}

func flushConsole(m *controller.Manager) {
	if out := m.GetOutput(); out != nil {
		USBWriteBytes(out)
	}
}

// blinkForever signals a configuration error on the LED
func blinkForever(period time.Duration) {
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for {
		led.High()
		time.Sleep(period)
		led.Low()
		time.Sleep(period)
	}
}
