package core

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParsePin(t *testing.T) {
	tests := []struct {
		name string
		pin  GPIOPin
		err  error
	}{
		{"gpio20", 20, nil},
		{"GP5", 5, nil},
		{" 7 ", 7, nil},
		{"GPIO0", 0, nil},
		{"", 0, ErrNoPin},
		{"gpio", 0, ErrBadPin},
		{"gpio64", 0, ErrBadPin},
		{"pa3", 0, ErrBadPin},
		{"gpio123", 0, ErrBadPin},
	}

	for _, test := range tests {
		pin, err := ParsePin(test.name)
		if !errors.Is(err, test.err) {
			t.Errorf("%q: expected error %v, got %v", test.name, test.err, err)
			continue
		}
		if err == nil && pin != test.pin {
			t.Errorf("%q: expected pin %d, got %d", test.name, test.pin, pin)
		}
	}

	if PinName(17) != "gpio17" {
		t.Errorf("Expected gpio17, got %s", PinName(17))
	}
}

func TestMemGPIO(t *testing.T) {
	g := NewMemGPIO()

	if err := g.SetPin(3, true); !errors.Is(err, ErrPinNotOutput) {
		t.Errorf("Expected ErrPinNotOutput, got %v", err)
	}
	if _, err := g.GetPin(3); !errors.Is(err, ErrPinNotConfigured) {
		t.Errorf("Expected ErrPinNotConfigured, got %v", err)
	}

	if err := g.ConfigureOutput(3); err != nil {
		t.Fatalf("ConfigureOutput failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		g.SetPin(3, true)
		g.SetPin(3, true)
		g.SetPin(3, false)
	}
	if g.RisingEdges(3) != 3 {
		t.Errorf("Expected 3 rising edges, got %d", g.RisingEdges(3))
	}

	if err := g.ConfigureInputPullUp(4); err != nil {
		t.Fatalf("ConfigureInputPullUp failed: %v", err)
	}
	if !g.ReadPin(4) {
		t.Errorf("Expected pull-up input to read high")
	}
	g.Drive(4, false)
	if g.ReadPin(4) {
		t.Errorf("Expected driven input to read low")
	}
	if err := g.SetPin(4, true); !errors.Is(err, ErrPinNotOutput) {
		t.Errorf("Expected inputs to reject SetPin, got %v", err)
	}

	g.ConfigureInputPullDown(5)
	if g.ReadPin(5) {
		t.Errorf("Expected pull-down input to read low")
	}
	if err := g.ConfigureOutput(MaxPins); !errors.Is(err, ErrBadPin) {
		t.Errorf("Expected ErrBadPin, got %v", err)
	}
}

func TestGPIOBackend(t *testing.T) {
	g := NewMemGPIO()
	b := NewGPIOBackend(g)
	if err := b.Init(2, 5, false, true); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	// Inverted direction idles high
	if !g.ReadPin(5) {
		t.Errorf("Expected inverted dir pin high at rest")
	}
	b.SetDirection(true)
	if g.ReadPin(5) {
		t.Errorf("Expected inverted dir pin low when moving negative")
	}

	for i := 0; i < 10; i++ {
		b.Step()
	}
	if g.RisingEdges(2) != 10 || b.Steps() != 10 {
		t.Errorf("Expected 10 pulses, got %d edges and %d steps", g.RisingEdges(2), b.Steps())
	}
	if g.ReadPin(2) {
		t.Errorf("Expected step pin idle low")
	}
	if b.GetName() != "gpio2" {
		t.Errorf("Expected name gpio2, got %s", b.GetName())
	}
}

func TestSchedTimer(t *testing.T) {
	SetTime(0)
	timerList = nil
	defer func() { timerList = nil }()

	// 20MHz engine ticks on the 12MHz scheduler clock
	s := NewSchedTimer(20000000)
	calls := 0
	s.SetHandler(func() {
		calls++
		if calls == 3 {
			s.Stop()
		}
	})

	s.Start(1000) // 600 scheduler ticks
	if s.ticks != 600 {
		t.Fatalf("Expected 600 ticks per period, got %d", s.ticks)
	}

	// A second Start must not queue the timer twice
	s.Start(1000)

	for now := uint32(0); now <= 6000; now += 100 {
		SetTime(now)
		ProcessTimers()
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls before stop, got %d", calls)
	}
	if timerList != nil {
		t.Errorf("Expected stopped timer to leave the schedule")
	}

	// Restart from inside the handler keeps the timer queued once
	calls = 0
	s.SetHandler(func() {
		calls++
		s.Stop()
		if calls < 2 {
			s.Start(1000)
		}
	})
	s.Start(1000)
	for now := uint32(6000); now <= 12000; now += 100 {
		SetTime(now)
		ProcessTimers()
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls with restart, got %d", calls)
	}
}

func TestHostPulseTimer(t *testing.T) {
	timer := NewHostPulseTimer(1000000, false)
	defer timer.Close()

	var calls atomic.Int32
	done := make(chan struct{})
	timer.SetHandler(func() {
		if calls.Add(1) == 100 {
			timer.Stop()
			close(done)
		}
	})

	timer.Start(10)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for handler calls")
	}

	timer.Close()
	if timer.Running() {
		t.Errorf("Expected timer stopped")
	}
	if got := calls.Load(); got != 100 {
		t.Errorf("Expected exactly 100 calls, got %d", got)
	}
	if timer.Ticks() != 100 {
		t.Errorf("Expected 100 ticks, got %d", timer.Ticks())
	}
}

func TestHostPulseTimerPaced(t *testing.T) {
	// 1 kHz timer, period 5 ticks = 5ms
	timer := NewHostPulseTimer(1000, true)
	defer timer.Close()

	var calls atomic.Int32
	timer.SetHandler(func() { calls.Add(1) })

	start := time.Now()
	timer.Start(5)
	for calls.Load() < 10 {
		time.Sleep(time.Millisecond)
	}
	timer.Close()

	if elapsed := time.Since(start); elapsed < 45*time.Millisecond {
		t.Errorf("Expected pacing to take at least 45ms, took %v", elapsed)
	}
}

func TestSchedulerWraps(t *testing.T) {
	timerList = nil
	defer func() { timerList = nil }()

	var order []int
	mk := func(id int, wake uint32) *Timer {
		return &Timer{WakeTime: wake, Handler: func(*Timer) uint8 {
			order = append(order, id)
			return SF_DONE
		}}
	}

	// 0x10 lies after 0xfffffff0 once the counter wraps
	SetTime(0xffffff00)
	ScheduleTimer(mk(2, 0x10))
	ScheduleTimer(mk(1, 0xfffffff0))

	ProcessTimers()
	if len(order) != 0 {
		t.Fatalf("Expected no timer due yet, got %v", order)
	}
	SetTime(0x20)
	ProcessTimers()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("Expected timers in order [1 2], got %v", order)
	}
}

func TestTimerConversions(t *testing.T) {
	defer SetTimerFreq(DefaultTimerFreq)

	SetTimerFreq(1000000)
	if got := TimerFromUS(1500); got != 1500 {
		t.Errorf("Expected 1500 ticks at 1MHz, got %d", got)
	}
	SetTimerFreq(DefaultTimerFreq)
	if got := TimerFromUS(1000); got != 12000 {
		t.Errorf("Expected 12000 ticks at 12MHz, got %d", got)
	}
	if got := TimerToUS(12000000); got != 1000000 {
		t.Errorf("Expected 1s, got %d us", got)
	}
}
