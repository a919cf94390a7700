package stepgen

// Step segment generation and the stepper interrupt.
//
// The planner's blocks are cut into short segments of constant step rate by
// PrepBuffer, which runs in the mainline. OnTimer, the stepper interrupt,
// drains those segments and runs the Bresenham line algorithm across the
// motors. The segment ring has one producer (PrepBuffer) and one consumer
// (OnTimer); head is written only by the producer and tail only by the
// consumer.

import (
	"math"
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"stepcore/standalone"
	"stepcore/standalone/planner"
	"stepcore/standalone/system"
)

const (
	// SegmentBufferSize is the number of segment slots; one is always left empty
	SegmentBufferSize = 6

	// blockBufferSize holds the Bresenham data of the blocks referenced by queued segments
	blockBufferSize = SegmentBufferSize - 1

	// MaxAmassLevel is the highest adaptive multi-axis step smoothing level
	MaxAmassLevel = 3

	// reqMMIncrementScalar keeps every segment at least this many steps long
	reqMMIncrementScalar = 1.25

	// maxPeriod is the largest timer period a segment may request
	maxPeriod = 0xffff
)

// StepPort drives the step and direction outputs of all motors
type StepPort interface {
	SetDirection(dirBits standalone.AxisMask)
	Step(stepBits standalone.AxisMask)
	Unstep()
	Enable(on bool)
}

// PulseTimer is the periodic timer that invokes the stepper interrupt.
// Periods are in ticks of the configured stepping timer frequency.
type PulseTimer interface {
	SetHandler(handler func())
	Start(period uint32)
	SetPeriod(period uint32)
	Stop()
}

// Planner is the block source consumed by PrepBuffer
type Planner interface {
	CurrentBlock() *planner.Block
	SystemMotionBlock() *planner.Block
	DiscardCurrentBlock()
	ExecBlockExitSpeedSqr() float64
}

type segment struct {
	nStep      uint32  // steps to execute, scaled by the AMASS level
	period     uint32  // timer ticks per interrupt
	blockIndex uint8   // index into Engine.blocks
	amassLevel uint8   // bit shift applied to the block's step counts
	rate       float64 // mm/min at the end of the segment
}

type stBlock struct {
	steps          [standalone.MaxAxes]uint32
	stepEventCount uint32
	dirBits        standalone.AxisMask
}

type rampType uint8

const (
	rampAccel rampType = iota
	rampCruise
	rampDecel
)

// prepState is owned by the producer
type prepState struct {
	block        *planner.Block
	stBlockIndex uint8

	stepsRemaining float64
	stepPerMM      float64
	reqMMIncrement float64
	dtRemainder    float64

	ramp            rampType
	mmComplete      float64
	currentSpeed    float64
	maximumSpeed    float64
	exitSpeed       float64
	accelerateUntil float64
	decelerateAfter float64
}

// isrState is owned by whoever holds Engine.busy
type isrState struct {
	counter    [standalone.MaxAxes]uint32
	steps      [standalone.MaxAxes]uint32
	stepBits   standalone.AxisMask // computed this tick, output on the next
	dirBits    standalone.AxisMask
	stepCount  uint32
	blockIndex uint8
	block      *stBlock
	segment    *segment
}

// Engine is the stepper pulse engine
type Engine struct {
	machine *system.Machine
	planner Planner
	port    StepPort
	timer   PulseTimer
	log     logrus.FieldLogger

	numAxes        int
	timerHz        float64
	dtSegment      float64 // minutes
	amassThreshold uint32
	minFeedRate    float64
	wakePeriod     uint32

	segments    [SegmentBufferSize]segment
	blocks      [blockBufferSize]stBlock
	segHead     atomic.Uint32
	segTail     atomic.Uint32
	segNextHead uint32

	prep prepState
	st   isrState

	busy      atomic.Bool
	armed     atomic.Bool
	reentries atomic.Uint32
	axisLock  atomic.Uint32
	rate      atomic.Uint64
}

// NewEngine creates a pulse engine and installs its interrupt handler on timer
func NewEngine(machine *system.Machine, pl Planner, port StepPort, timer PulseTimer, log logrus.FieldLogger) *Engine {
	cfg := machine.Config
	hz := float64(cfg.Stepping.TimerHz)

	e := &Engine{
		machine:        machine,
		planner:        pl,
		port:           port,
		timer:          timer,
		log:            standalone.ComponentLogger(log, "stepgen"),
		numAxes:        cfg.NumAxes(),
		timerHz:        hz,
		dtSegment:      1.0 / (float64(cfg.Stepping.AccelerationTicks) * 60.0),
		amassThreshold: cfg.Stepping.TimerHz / 8000,
		minFeedRate:    cfg.Stepping.MinFeedRate,
		wakePeriod:     cfg.Stepping.TimerHz / 10000,
	}
	if e.wakePeriod == 0 {
		e.wakePeriod = 1
	}
	e.segNextHead = 1
	e.axisLock.Store(uint32(cfg.AxesMask()))

	timer.SetHandler(e.OnTimer)
	return e
}

func nextSegment(i uint32) uint32 {
	i++
	if i == SegmentBufferSize {
		return 0
	}
	return i
}

// OnTimer is the stepper interrupt. A call that overlaps a running one
// returns immediately and is counted in Reentries.
func (e *Engine) OnTimer() {
	if !e.busy.CompareAndSwap(false, true) {
		e.reentries.Add(1)
		return
	}
	if !e.armed.Load() {
		e.busy.Store(false)
		return
	}

	st := &e.st

	// Output the pulse computed on the previous tick
	pulsed := st.stepBits
	e.port.SetDirection(st.dirBits)
	if pulsed != 0 {
		e.port.Step(pulsed)
	}
	st.stepBits = 0

	if st.segment != nil || e.loadSegment() {
		e.bresenham()
	} else {
		e.idleFromISR()
	}

	if pulsed != 0 {
		e.port.Unstep()
	}
	e.busy.Store(false)
}

// loadSegment takes the segment at the tail of the ring
func (e *Engine) loadSegment() bool {
	tail := e.segTail.Load()
	if tail == e.segHead.Load() {
		return false
	}

	st := &e.st
	seg := &e.segments[tail]
	st.segment = seg
	e.timer.SetPeriod(seg.period)
	st.stepCount = seg.nStep

	// New block: restart the Bresenham counters at the midpoint
	if st.block == nil || st.blockIndex != seg.blockIndex {
		st.blockIndex = seg.blockIndex
		st.block = &e.blocks[seg.blockIndex]
		for i := 0; i < e.numAxes; i++ {
			st.counter[i] = st.block.stepEventCount >> 1
		}
	}
	st.dirBits = st.block.dirBits
	for i := 0; i < e.numAxes; i++ {
		st.steps[i] = st.block.steps[i] >> seg.amassLevel
	}
	e.rate.Store(math.Float64bits(seg.rate))
	return true
}

func (e *Engine) bresenham() {
	st := &e.st
	blk := st.block

	var bits standalone.AxisMask
	for i := 0; i < e.numAxes; i++ {
		st.counter[i] += st.steps[i]
		if st.counter[i] > blk.stepEventCount {
			bits |= standalone.AxisBit(i)
			st.counter[i] -= blk.stepEventCount
		}
	}

	// Motors whose homing switch already tripped stay put
	bits &= standalone.AxisMask(e.axisLock.Load())
	for i := 0; i < e.numAxes; i++ {
		if bits.Has(i) {
			e.machine.StepMotor(i, blk.dirBits.Has(i))
		}
	}
	st.stepBits = bits

	st.stepCount--
	if st.stepCount == 0 {
		st.segment = nil
		e.segTail.Store(nextSegment(e.segTail.Load()))
	}
}

// idleFromISR stops the timer once the ring runs dry. If the producer pushed
// a segment while we were stopping, the engine re-arms itself instead.
func (e *Engine) idleFromISR() {
	e.timer.Stop()
	e.armed.Store(false)
	if e.segTail.Load() != e.segHead.Load() && e.armed.CompareAndSwap(false, true) {
		e.timer.Start(e.wakePeriod)
		return
	}
	e.rate.Store(0)
	e.machine.SetCycleStop()
}

// WakeUp enables the motors and starts the interrupt if it is not running
func (e *Engine) WakeUp() {
	if !e.armed.CompareAndSwap(false, true) {
		return
	}
	e.port.Enable(true)
	e.timer.Start(e.wakePeriod)
}

// Reset halts pulse generation immediately and clears the segment ring and
// the prep state. An interrupt already in progress is allowed to finish.
func (e *Engine) Reset() {
	e.armed.Store(false)
	e.timer.Stop()
	for !e.busy.CompareAndSwap(false, true) {
		runtime.Gosched()
	}

	// The interrupt may have re-armed while we waited
	e.armed.Store(false)
	e.timer.Stop()

	e.st = isrState{}
	e.prep = prepState{}
	e.segTail.Store(0)
	e.segHead.Store(0)
	e.segNextHead = 1
	e.rate.Store(0)
	e.machine.ClearCycleStop()

	e.busy.Store(false)
}

// GoIdle resets the engine and releases the motors
func (e *Engine) GoIdle() {
	e.Reset()
	e.port.Enable(false)
}

// RealtimeRate returns the speed of the executing segment in mm/min
func (e *Engine) RealtimeRate() float64 {
	return math.Float64frombits(e.rate.Load())
}

// SetAxisLock restricts stepping to the given motors
func (e *Engine) SetAxisLock(motors standalone.AxisMask) {
	e.axisLock.Store(uint32(motors))
}

// AxisLock returns the motors currently allowed to step
func (e *Engine) AxisLock() standalone.AxisMask {
	return standalone.AxisMask(e.axisLock.Load())
}

// ClearAxisLock allows all motors to step again
func (e *Engine) ClearAxisLock() {
	e.axisLock.Store(uint32(e.machine.Config.AxesMask()))
}

// IsRunning reports whether the interrupt is armed
func (e *Engine) IsRunning() bool {
	return e.armed.Load()
}

// Reentries returns the number of discarded overlapping interrupt calls
func (e *Engine) Reentries() uint32 {
	return e.reentries.Load()
}

// Queued returns the number of segments waiting in the ring
func (e *Engine) Queued() int {
	head := int(e.segHead.Load())
	tail := int(e.segTail.Load())
	n := head - tail
	if n < 0 {
		n += SegmentBufferSize
	}
	return n
}
