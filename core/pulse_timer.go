package core

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// HostPulseTimer drives the stepper interrupt from a goroutine on hosts
// without a hardware timer. Paced timers sleep out each period in real time
// against the configured tick frequency; free-running timers call the
// handler back to back, which is what tests and fast simulations want.
//
// Stop may be called from inside the handler. Each Start launches a new
// generation and older goroutines exit at their next tick.
type HostPulseTimer struct {
	hz    float64
	paced bool

	handler func()
	period  atomic.Uint32
	gen     atomic.Uint64
	ticks   atomic.Uint64

	mu      sync.Mutex
	running bool

	wg sync.WaitGroup
}

// NewHostPulseTimer creates a stopped timer counting at hz
func NewHostPulseTimer(hz uint32, paced bool) *HostPulseTimer {
	return &HostPulseTimer{hz: float64(hz), paced: paced}
}

// SetHandler installs the function called on every period
func (t *HostPulseTimer) SetHandler(handler func()) {
	t.handler = handler
}

// Start begins calling the handler every period ticks
func (t *HostPulseTimer) Start(period uint32) {
	t.period.Store(period)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	gen := t.gen.Add(1)
	t.wg.Add(1)
	go t.run(gen)
}

// SetPeriod changes the period from the next tick on
func (t *HostPulseTimer) SetPeriod(period uint32) {
	t.period.Store(period)
}

// Stop halts the timer. A handler call in progress completes.
func (t *HostPulseTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.running = false
		t.gen.Add(1)
	}
}

// Running reports whether the timer is started
func (t *HostPulseTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Ticks returns the number of handler calls made so far
func (t *HostPulseTimer) Ticks() uint64 {
	return t.ticks.Load()
}

// Close stops the timer and waits for its goroutines to exit
func (t *HostPulseTimer) Close() {
	t.Stop()
	t.wg.Wait()
}

func (t *HostPulseTimer) run(gen uint64) {
	defer t.wg.Done()

	next := time.Now()
	for t.gen.Load() == gen {
		if t.paced {
			next = next.Add(time.Duration(float64(t.period.Load()) / t.hz * float64(time.Second)))
			if d := time.Until(next); d > 0 {
				time.Sleep(d)
			}
			if t.gen.Load() != gen {
				return
			}
		}

		t.ticks.Add(1)
		t.handler()

		if !t.paced {
			runtime.Gosched()
		}
	}
}
