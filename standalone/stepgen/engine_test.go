package stepgen

import (
	"math"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"stepcore/core"
	"stepcore/standalone"
	"stepcore/standalone/config"
	"stepcore/standalone/planner"
	"stepcore/standalone/system"
)

// fakePort counts pulses per motor and can run a hook inside Step
type fakePort struct {
	steps     [standalone.MaxAxes]atomic.Int32
	stepCalls atomic.Int32
	unsteps   atomic.Int32
	enabled   atomic.Bool
	stepped   atomic.Uint32 // union of all step bits seen
	onStep    func()
}

func (p *fakePort) SetDirection(dirBits standalone.AxisMask) {}

func (p *fakePort) Step(stepBits standalone.AxisMask) {
	p.stepCalls.Add(1)
	for i := 0; i < standalone.MaxAxes; i++ {
		if stepBits.Has(i) {
			p.steps[i].Add(1)
		}
	}
	for {
		old := p.stepped.Load()
		if p.stepped.CompareAndSwap(old, old|uint32(stepBits)) {
			break
		}
	}
	if p.onStep != nil {
		p.onStep()
	}
}

func (p *fakePort) Unstep() { p.unsteps.Add(1) }

func (p *fakePort) Enable(on bool) { p.enabled.Store(on) }

// manualTimer records calls; tests invoke OnTimer themselves
type manualTimer struct {
	handler func()
	period  uint32
	starts  int
	running bool
}

func (t *manualTimer) SetHandler(h func())     { t.handler = h }
func (t *manualTimer) Start(period uint32)     { t.period = period; t.starts++; t.running = true }
func (t *manualTimer) SetPeriod(period uint32) { t.period = period }
func (t *manualTimer) Stop()                   { t.running = false }

type rig struct {
	machine *system.Machine
	planner *planner.Planner
	port    *fakePort
	timer   *manualTimer
	engine  *Engine
}

func newRig() *rig {
	cfg := config.DefaultCartesianConfig()
	cfg.Homing.Enabled = false
	r := &rig{
		machine: system.NewMachine(cfg, nil),
		port:    &fakePort{},
		timer:   &manualTimer{},
	}
	r.planner = planner.NewPlanner(cfg, r.machine, nil)
	r.engine = NewEngine(r.machine, r.planner, r.port, r.timer, nil)
	return r
}

func (r *rig) queue(t *testing.T, feed float64, target ...float64) {
	t.Helper()
	var motors standalone.MotorPosition
	copy(motors[:], target)
	pl := standalone.LineData{FeedRate: feed}
	if err := r.planner.QueueLine(motors, &pl); err != nil {
		t.Fatalf("QueueLine failed: %v", err)
	}
}

// run drives the mainline and the interrupt alternately until motion ends
func (r *rig) run(t *testing.T) int {
	t.Helper()
	for i := 0; i < 10000000; i++ {
		r.engine.PrepBuffer()
		if r.engine.Queued() > 0 {
			r.engine.WakeUp()
		}
		if !r.engine.IsRunning() {
			if r.engine.Queued() == 0 && r.planner.IsEmpty() {
				return i
			}
			continue
		}
		r.engine.OnTimer()
	}
	t.Fatalf("Motion did not finish")
	return 0
}

func TestEngineRunsMoveToTarget(t *testing.T) {
	r := newRig()
	r.queue(t, 600, 10, -5, 0.5)
	r.queue(t, 1200, 0, 0, 0)
	r.queue(t, 300, 3, 3, 0)

	if r.engine.IsRunning() {
		t.Fatalf("Expected engine idle before wake up")
	}
	r.run(t)

	if got := r.machine.Steps(); got[0] != 240 || got[1] != 240 || got[2] != 0 {
		t.Errorf("Expected steps [240 240 0], got %v", got[:3])
	}
	if got := r.port.steps[0].Load(); got != 800+800+240 {
		t.Errorf("Expected %d X pulses, got %d", 800+800+240, got)
	}
	if got := r.port.steps[2].Load(); got != 400 {
		t.Errorf("Expected 400 Z pulses, got %d", got)
	}
	if r.port.unsteps.Load() != r.port.stepCalls.Load() {
		t.Errorf("Expected every pulse closed, %d steps %d unsteps", r.port.stepCalls.Load(), r.port.unsteps.Load())
	}
	if !r.machine.CycleStop() {
		t.Errorf("Expected cycle stop after the ring ran dry")
	}
	if r.engine.RealtimeRate() != 0 {
		t.Errorf("Expected zero rate when idle, got %f", r.engine.RealtimeRate())
	}
	if r.timer.running {
		t.Errorf("Expected timer stopped when idle")
	}
	if !r.port.enabled.Load() {
		t.Errorf("Expected motors enabled by wake up")
	}
}

func TestEngineRealtimeRateAndAmass(t *testing.T) {
	r := newRig()
	r.queue(t, 600, 100)

	r.engine.PrepBuffer()
	r.engine.WakeUp()
	for r.machine.StepPosition(standalone.AxisX) < 4000 || r.engine.st.segment == nil {
		r.engine.PrepBuffer()
		r.engine.OnTimer()
	}

	if rate := r.engine.RealtimeRate(); math.Abs(rate-600) > 1e-9 {
		t.Errorf("Expected cruise rate 600, got %f", rate)
	}

	// 800 steps/s on a 20MHz timer is 25000 ticks, smoothed at level 3
	seg := r.engine.st.segment
	if seg == nil {
		t.Fatal("Expected an executing segment")
	}
	if seg.amassLevel != MaxAmassLevel {
		t.Errorf("Expected AMASS level %d, got %d", MaxAmassLevel, seg.amassLevel)
	}
	if seg.period < 3124 || seg.period > 3126 {
		t.Errorf("Expected period near 3125, got %d", seg.period)
	}
	if r.timer.period != seg.period {
		t.Errorf("Expected timer period %d, got %d", seg.period, r.timer.period)
	}
}

func TestPrepBufferFullIsNoop(t *testing.T) {
	r := newRig()
	r.queue(t, 600, 50)

	r.engine.PrepBuffer()
	if r.engine.Queued() != SegmentBufferSize-1 {
		t.Fatalf("Expected %d queued segments, got %d", SegmentBufferSize-1, r.engine.Queued())
	}

	prep := r.engine.prep
	head := r.engine.segHead.Load()
	nextHead := r.engine.segNextHead
	segments := r.engine.segments

	r.engine.PrepBuffer()

	if r.engine.prep != prep || r.engine.segHead.Load() != head || r.engine.segNextHead != nextHead {
		t.Errorf("Expected prep on a full ring to change nothing")
	}
	if r.engine.segments != segments {
		t.Errorf("Expected segments untouched")
	}
}

func TestEngineReset(t *testing.T) {
	r := newRig()
	r.queue(t, 600, 50)

	r.engine.PrepBuffer()
	r.engine.WakeUp()
	for i := 0; i < 500; i++ {
		r.engine.PrepBuffer()
		r.engine.OnTimer()
	}
	if r.engine.RealtimeRate() == 0 {
		t.Fatalf("Expected motion before reset")
	}

	r.engine.Reset()

	if r.engine.IsRunning() || r.timer.running {
		t.Errorf("Expected engine stopped")
	}
	if r.engine.Queued() != 0 || r.engine.segHead.Load() != 0 || r.engine.segTail.Load() != 0 || r.engine.segNextHead != 1 {
		t.Errorf("Expected empty ring, head=%d tail=%d next=%d",
			r.engine.segHead.Load(), r.engine.segTail.Load(), r.engine.segNextHead)
	}
	if r.engine.st.blockIndex != 0 || r.engine.prep.stBlockIndex != 0 || r.engine.prep.block != nil {
		t.Errorf("Expected block indices cleared")
	}
	if r.engine.RealtimeRate() != 0 {
		t.Errorf("Expected zero rate after reset, got %f", r.engine.RealtimeRate())
	}

	// A stray tick after reset does nothing
	before := r.machine.Steps()
	r.engine.OnTimer()
	if r.machine.Steps() != before {
		t.Errorf("Expected no steps after reset")
	}

	r.engine.GoIdle()
	if r.port.enabled.Load() {
		t.Errorf("Expected motors released by GoIdle")
	}
}

func TestNestedInterruptIsDiscarded(t *testing.T) {
	r := newRig()
	r.port.onStep = r.engine.OnTimer
	r.queue(t, 600, 5, 2)

	r.run(t)

	if got := r.engine.Reentries(); got != uint32(r.port.stepCalls.Load()) {
		t.Errorf("Expected %d discarded calls, got %d", r.port.stepCalls.Load(), got)
	}
	if got := r.machine.Steps(); got[0] != 400 || got[1] != 160 {
		t.Errorf("Expected steps [400 160], got %v", got[:2])
	}
}

func TestAxisLock(t *testing.T) {
	r := newRig()
	r.engine.SetAxisLock(standalone.AxisBit(standalone.AxisX))
	r.queue(t, 600, 5, 5)

	r.run(t)

	if got := r.machine.Steps(); got[0] != 400 || got[1] != 0 {
		t.Errorf("Expected only X to move, got %v", got[:2])
	}
	if standalone.AxisMask(r.port.stepped.Load()).Has(standalone.AxisY) {
		t.Errorf("Expected no Y pulses while locked")
	}

	r.engine.ClearAxisLock()
	if r.engine.AxisLock() != r.machine.Config.AxesMask() {
		t.Errorf("Expected all motors unlocked, got %s", r.engine.AxisLock())
	}
}

func TestSystemMotionEnds(t *testing.T) {
	r := newRig()
	r.machine.StepControl = system.StepControlExecuteSysMotion

	pl := standalone.LineData{FeedRate: 500}
	if err := r.planner.QueueSystemLine(standalone.MotorPosition{-2}, &pl); err != nil {
		t.Fatalf("QueueSystemLine failed: %v", err)
	}
	r.run(t)

	if r.machine.StepControl&system.StepControlEndMotion == 0 {
		t.Errorf("Expected end of system motion flagged")
	}
	if got := r.machine.StepPosition(standalone.AxisX); got != -160 {
		t.Errorf("Expected X=-160, got %d", got)
	}

	// Nothing more is prepped until the flags are cleared
	r.engine.PrepBuffer()
	if r.engine.Queued() != 0 {
		t.Errorf("Expected no segments after end of motion, got %d", r.engine.Queued())
	}
	if r.planner.SystemMotionBlock() == nil {
		t.Errorf("Expected system block kept for the caller")
	}
}

func TestConcurrentProducerAndInterrupt(t *testing.T) {
	cfg := config.DefaultCartesianConfig()
	cfg.Homing.Enabled = false
	m := system.NewMachine(cfg, nil)
	pl := planner.NewPlanner(cfg, m, nil)
	port := &fakePort{}
	timer := core.NewHostPulseTimer(cfg.Stepping.TimerHz, false)
	e := NewEngine(m, pl, port, timer, nil)
	defer timer.Close()

	stop := make(chan struct{})
	bad := make(chan int, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := e.Queued(); n < 0 || n > SegmentBufferSize-1 {
				select {
				case bad <- n:
				default:
				}
			}
		}
	}()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 60; i++ {
		target := standalone.MotorPosition{rng.Float64()*10 - 5, rng.Float64()*10 - 5, rng.Float64() - 0.5}
		line := standalone.LineData{FeedRate: 2000 + rng.Float64()*4000}
		for {
			err := pl.QueueLine(target, &line)
			if err == nil || err == planner.ErrEmptyBlock {
				break
			}
			e.PrepBuffer()
			e.WakeUp()
		}
		e.PrepBuffer()
		e.WakeUp()
	}

	deadline := time.Now().Add(30 * time.Second)
	for !pl.IsEmpty() || e.Queued() > 0 || e.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out, %d segments queued", e.Queued())
		}
		e.PrepBuffer()
		if e.Queued() > 0 {
			e.WakeUp()
		}
	}
	timer.Close()
	close(stop)

	select {
	case n := <-bad:
		t.Errorf("Ring reported %d queued segments", n)
	default:
	}

	if got, want := m.Steps(), pl.Position(); got != want {
		t.Errorf("Expected machine at planner position %v, got %v", want[:3], got[:3])
	}
}

func TestGPIOPortDrivesPins(t *testing.T) {
	cfg := config.DefaultCartesianConfig()
	cfg.Homing.Enabled = false
	cfg.Axes[1].InvertDir = true
	gpio := core.NewMemGPIO()

	var delays []uint32
	port, err := NewGPIOPort(gpio, cfg, func(us uint32) { delays = append(delays, us) })
	if err != nil {
		t.Fatalf("NewGPIOPort failed: %v", err)
	}

	enPin, _ := core.ParsePin(cfg.Stepping.EnablePin)
	if gpio.ReadPin(enPin) != cfg.Stepping.InvertEnable {
		t.Errorf("Expected motors disabled at start")
	}

	m := system.NewMachine(cfg, nil)
	pl := planner.NewPlanner(cfg, m, nil)
	timer := &manualTimer{}
	e := NewEngine(m, pl, port, timer, nil)
	r := &rig{machine: m, planner: pl, timer: timer, engine: e}
	r.queue(t, 600, 2, -1)
	r.run(t)

	xStep, _ := core.ParsePin(cfg.Axes[0].StepPin)
	yStep, _ := core.ParsePin(cfg.Axes[1].StepPin)
	yDir, _ := core.ParsePin(cfg.Axes[1].DirPin)
	if gpio.RisingEdges(xStep) != 160 || gpio.RisingEdges(yStep) != 80 {
		t.Errorf("Expected 160/80 pulses, got %d/%d", gpio.RisingEdges(xStep), gpio.RisingEdges(yStep))
	}
	if gpio.ReadPin(xStep) || gpio.ReadPin(yStep) {
		t.Errorf("Expected step pins idle")
	}
	// Y moved negative with an inverted direction pin
	if gpio.ReadPin(yDir) {
		t.Errorf("Expected inverted Y dir pin low")
	}
	if gpio.ReadPin(enPin) == cfg.Stepping.InvertEnable {
		t.Errorf("Expected motors enabled")
	}
	if len(delays) == 0 || delays[len(delays)-1] != cfg.Stepping.PulseMicros {
		t.Errorf("Expected pulse delays of %dus, got %v", cfg.Stepping.PulseMicros, delays)
	}
}

func TestBackendPort(t *testing.T) {
	cfg := config.DefaultCartesianConfig()
	gpio := core.NewMemGPIO()

	backends := make([]*core.GPIOBackend, 0, cfg.NumAxes())
	enabled := false
	port, err := NewBackendPort(cfg, func(axis int) core.StepperBackend {
		b := core.NewGPIOBackend(gpio)
		backends = append(backends, b)
		return b
	}, func(on bool) { enabled = on })
	if err != nil {
		t.Fatalf("NewBackendPort failed: %v", err)
	}

	port.Enable(true)
	port.SetDirection(standalone.AxisBit(standalone.AxisZ))
	port.Step(standalone.AxisBit(standalone.AxisX) | standalone.AxisBit(standalone.AxisZ))
	port.Unstep()

	if !enabled {
		t.Errorf("Expected enable callback")
	}
	if backends[0].Steps() != 1 || backends[1].Steps() != 0 || backends[2].Steps() != 1 {
		t.Errorf("Expected X and Z stepped once, got %d %d %d",
			backends[0].Steps(), backends[1].Steps(), backends[2].Steps())
	}
	zDir, _ := core.ParsePin(cfg.Axes[2].DirPin)
	if !gpio.ReadPin(zDir) {
		t.Errorf("Expected Z dir pin high")
	}
}

func TestBackendPortSkipsAxesWithoutStepPin(t *testing.T) {
	cfg := config.DefaultMidTbotConfig()
	gpio := core.NewMemGPIO()

	var created []int
	port, err := NewBackendPort(cfg, func(axis int) core.StepperBackend {
		created = append(created, axis)
		return core.NewGPIOBackend(gpio)
	}, nil)
	if err != nil {
		t.Fatalf("NewBackendPort failed: %v", err)
	}
	if len(created) != 2 || created[0] != 0 || created[1] != 1 {
		t.Errorf("Expected backends for X and Y only, got %v", created)
	}

	// Stepping the servo axis must not panic
	port.SetDirection(standalone.AxisBit(standalone.AxisZ))
	port.Step(standalone.AxisBit(standalone.AxisZ))
	port.Enable(false)
}

// step drives the mainline and one interrupt tick
func (r *rig) step() {
	r.engine.PrepBuffer()
	if r.engine.Queued() > 0 {
		r.engine.WakeUp()
	}
	if r.engine.IsRunning() {
		r.engine.OnTimer()
	}
}

func TestEngineFeedHoldAndResume(t *testing.T) {
	r := newRig()
	r.queue(t, 600, 50)
	r.queue(t, 600, 0)

	for i := 0; r.machine.StepPosition(0) < 1000; i++ {
		if i > 10000000 {
			t.Fatalf("Move did not start")
		}
		r.step()
	}

	r.engine.Hold()
	for i := 0; ; i++ {
		if i > 10000000 {
			t.Fatalf("Hold did not complete")
		}
		r.step()
		if r.machine.StepControl&system.StepControlEndMotion != 0 && r.engine.Queued() == 0 && !r.engine.IsRunning() {
			break
		}
	}

	held := r.machine.StepPosition(0)
	if held <= 1000 || held >= 4000 {
		t.Errorf("Expected the hold to stop inside the first move, got X=%d", held)
	}
	if r.engine.RealtimeRate() != 0 {
		t.Errorf("Expected zero rate at rest, got %f", r.engine.RealtimeRate())
	}
	if r.planner.IsEmpty() {
		t.Errorf("Expected the held block kept")
	}

	// Nothing moves while held
	for i := 0; i < 1000; i++ {
		r.step()
	}
	if got := r.machine.StepPosition(0); got != held {
		t.Errorf("Expected X to stay at %d while held, got %d", held, got)
	}

	r.engine.Resume()
	if r.machine.StepControl&(system.StepControlExecuteHold|system.StepControlEndMotion) != 0 {
		t.Errorf("Expected hold flags cleared, got %v", r.machine.StepControl)
	}
	r.run(t)

	if got := r.machine.StepPosition(0); got != 0 {
		t.Errorf("Expected X back at 0, got %d", got)
	}
	if got := r.port.steps[0].Load(); got != 8000 {
		t.Errorf("Expected 8000 X pulses, got %d", got)
	}
}
