package core

// SchedTimer drives the stepper interrupt from the timer scheduler, for
// targets that dispatch timers from the main loop or a hardware alarm.
// Periods are given in ticks of hz and converted to TimerFreq ticks.
type SchedTimer struct {
	timer   Timer
	hz      uint32
	ticks   uint32
	handler func()

	running   bool
	scheduled bool
}

// NewSchedTimer creates a stopped scheduler timer counting at hz
func NewSchedTimer(hz uint32) *SchedTimer {
	s := &SchedTimer{hz: hz}
	s.timer.Handler = s.event
	return s
}

// SetHandler installs the function called on every period
func (s *SchedTimer) SetHandler(handler func()) {
	s.handler = handler
}

// Start schedules the first call one period from now
func (s *SchedTimer) Start(period uint32) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	s.setPeriod(period)
	s.running = true
	if s.scheduled {
		// Already queued, or we are inside our own handler
		return
	}
	s.scheduled = true
	s.timer.WakeTime = GetTime() + s.ticks
	insertTimer(&s.timer)
}

// SetPeriod changes the period from the next call on
func (s *SchedTimer) SetPeriod(period uint32) {
	state := disableInterrupts()
	s.setPeriod(period)
	restoreInterrupts(state)
}

func (s *SchedTimer) setPeriod(period uint32) {
	ticks := uint32(uint64(period) * uint64(TimerFreq) / uint64(s.hz))
	if ticks == 0 {
		ticks = 1
	}
	s.ticks = ticks
}

// Stop cancels further calls. The queued timer is dropped when it next fires.
func (s *SchedTimer) Stop() {
	state := disableInterrupts()
	s.running = false
	restoreInterrupts(state)
}

func (s *SchedTimer) event(t *Timer) uint8 {
	if s.running {
		s.handler()
	}
	if !s.running {
		s.scheduled = false
		return SF_DONE
	}
	t.WakeTime += s.ticks
	return SF_RESCHEDULE
}
