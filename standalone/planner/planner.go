package planner

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"stepcore/standalone"
)

const (
	// BlockBufferSize is the number of G-code blocks the planner can hold
	BlockBufferSize = 16

	// MaxBlockSteps bounds the steps of one motor in one block so that the
	// pulse engine's scaled Bresenham counters fit in 32 bits
	MaxBlockSteps = 1<<28 - 1
)

var (
	// ErrBufferFull is returned by QueueLine when no block is free
	ErrBufferFull = errors.New("planner buffer full")

	// ErrEmptyBlock is returned when a line produces no steps
	ErrEmptyBlock = errors.New("line produces no steps")

	// ErrStepRange is returned when a target cannot be represented in steps
	ErrStepRange = errors.New("target out of step range")
)

// Block is one planned linear move in motor space
type Block struct {
	Steps          [standalone.MaxAxes]uint32
	StepEventCount uint32
	DirBits        standalone.AxisMask // set bit = motor moves toward negative

	Motion     standalone.MotionFlags
	LineNumber int32

	// Speeds are mm/min, accelerations mm/min^2, in motor space
	EntrySpeedSqr    float64
	MaxEntrySpeedSqr float64
	Acceleration     float64
	Millimeters      float64 // remaining distance, consumed by segment prep
	ProgrammedRate   float64
	RapidRate        float64
}

// NominalSpeed returns the cruise speed of the block
func (b *Block) NominalSpeed(minFeedRate float64) float64 {
	speed := b.ProgrammedRate
	if speed > b.RapidRate {
		speed = b.RapidRate
	}
	if speed < minFeedRate {
		speed = minFeedRate
	}
	return speed
}

// StepCounter exposes the live step counters of the machine
type StepCounter interface {
	Steps() [standalone.MaxAxes]int32
}

// Planner handles motion planning.
//
// Blocks execute with exact stop: every block starts and ends at rest. Homing
// and other privileged motion go through a separate system block that never
// enters the G-code ring.
type Planner struct {
	config  *standalone.MachineConfig
	counter StepCounter
	log     logrus.FieldLogger

	blocks [BlockBufferSize]Block
	tail   int // block being executed
	head   int // next free block

	system      Block
	systemValid bool

	// Position in steps of the last queued G-code block
	position [standalone.MaxAxes]int32
}

// NewPlanner creates a new motion planner
func NewPlanner(config *standalone.MachineConfig, counter StepCounter, log logrus.FieldLogger) *Planner {
	return &Planner{
		config:  config,
		counter: counter,
		log:     standalone.ComponentLogger(log, "planner"),
	}
}

func nextIndex(i int) int {
	i++
	if i == BlockBufferSize {
		return 0
	}
	return i
}

// QueueLine adds a G-code line to the buffer
func (p *Planner) QueueLine(target standalone.MotorPosition, pl *standalone.LineData) error {
	if p.IsFull() {
		return ErrBufferFull
	}

	b := &p.blocks[p.head]
	steps, err := p.fill(b, p.position, target, pl)
	if err != nil {
		return err
	}

	p.position = steps
	p.head = nextIndex(p.head)

	p.log.WithFields(logrus.Fields{
		"line":   pl.LineNumber,
		"mm":     b.Millimeters,
		"rate":   b.ProgrammedRate,
		"events": b.StepEventCount,
	}).Debug("queued block")
	return nil
}

// QueueSystemLine plans privileged motion such as homing. The line starts
// from the live step counters rather than the planner position, replaces any
// previous system block and leaves the G-code ring untouched.
func (p *Planner) QueueSystemLine(target standalone.MotorPosition, pl *standalone.LineData) error {
	pl.Motion |= standalone.MotionSystem
	p.systemValid = false
	if _, err := p.fill(&p.system, p.counter.Steps(), target, pl); err != nil {
		return err
	}
	p.systemValid = true
	return nil
}

// fill computes a block from a start position in steps to a motor target
func (p *Planner) fill(b *Block, from [standalone.MaxAxes]int32, target standalone.MotorPosition, pl *standalone.LineData) ([standalone.MaxAxes]int32, error) {
	*b = Block{
		Motion:     pl.Motion,
		LineNumber: pl.LineNumber,
	}

	n := p.config.NumAxes()
	steps := from
	var vec [standalone.MaxAxes]float64
	unit := vec[:n]

	for i := 0; i < n; i++ {
		axis := p.config.Axes[i]
		v := math.Round(target[i] * axis.StepsPerMM)
		if math.IsNaN(v) || v > math.MaxInt32 || v < math.MinInt32 {
			return from, fmt.Errorf("%w: %c=%g", ErrStepRange, standalone.AxisNames[i], target[i])
		}
		steps[i] = int32(v)
		delta := int64(steps[i]) - int64(from[i])
		if delta < 0 {
			b.DirBits |= standalone.AxisBit(i)
			delta = -delta
		}
		if delta > MaxBlockSteps {
			return from, fmt.Errorf("%w: %c moves %d steps", ErrStepRange, standalone.AxisNames[i], delta)
		}
		b.Steps[i] = uint32(delta)
		if b.Steps[i] > b.StepEventCount {
			b.StepEventCount = b.Steps[i]
		}
		unit[i] = float64(delta) / axis.StepsPerMM
	}

	if b.StepEventCount == 0 {
		return from, ErrEmptyBlock
	}

	b.Millimeters = floats.Norm(unit, 2)
	floats.Scale(1/b.Millimeters, unit)

	// Limit rates and acceleration so that no single motor exceeds its maximum
	b.Acceleration = math.MaxFloat64
	b.RapidRate = math.MaxFloat64
	for i, u := range unit {
		if u == 0 {
			continue
		}
		inv := math.Abs(1 / u)
		axis := p.config.Axes[i]
		b.Acceleration = math.Min(b.Acceleration, axis.Acceleration*60*60*inv)
		b.RapidRate = math.Min(b.RapidRate, axis.MaxRate*inv)
	}

	if pl.IsRapid() {
		b.ProgrammedRate = b.RapidRate
	} else {
		b.ProgrammedRate = pl.FeedRate
	}

	// Exact stop: every block starts from rest
	b.EntrySpeedSqr = 0
	b.MaxEntrySpeedSqr = 0

	return steps, nil
}

// CurrentBlock returns the block being executed, nil if the buffer is empty
func (p *Planner) CurrentBlock() *Block {
	if p.head == p.tail {
		return nil
	}
	return &p.blocks[p.tail]
}

// SystemMotionBlock returns the pending system block, nil if there is none
func (p *Planner) SystemMotionBlock() *Block {
	if !p.systemValid {
		return nil
	}
	return &p.system
}

// DiscardCurrentBlock releases the executed block
func (p *Planner) DiscardCurrentBlock() {
	if p.head != p.tail {
		p.tail = nextIndex(p.tail)
	}
}

// ExecBlockExitSpeedSqr returns the squared exit speed of the current block,
// which is the entry speed of the block after it
func (p *Planner) ExecBlockExitSpeedSqr() float64 {
	next := nextIndex(p.tail)
	if next == p.head {
		return 0
	}
	return p.blocks[next].EntrySpeedSqr
}

// SyncPosition resets the planner position to the given step counts
func (p *Planner) SyncPosition(steps [standalone.MaxAxes]int32) {
	p.position = steps
}

// Position returns the planner position in steps
func (p *Planner) Position() [standalone.MaxAxes]int32 {
	return p.position
}

// Reset clears all blocks. The planner position is kept.
func (p *Planner) Reset() {
	p.head = 0
	p.tail = 0
	p.systemValid = false
}

// IsEmpty returns true if no G-code blocks are queued
func (p *Planner) IsEmpty() bool {
	return p.head == p.tail
}

// IsFull returns true if QueueLine would fail
func (p *Planner) IsFull() bool {
	return nextIndex(p.head) == p.tail
}

// Available returns the number of free blocks
func (p *Planner) Available() int {
	used := p.head - p.tail
	if used < 0 {
		used += BlockBufferSize
	}
	return BlockBufferSize - 1 - used
}
