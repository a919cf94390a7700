package stepgen

import (
	"math"

	"github.com/sirupsen/logrus"

	"stepcore/standalone"
	"stepcore/standalone/system"
)

func nextBlockIndex(i uint8) uint8 {
	i++
	if i == blockBufferSize {
		return 0
	}
	return i
}

// PrepBuffer fills the segment ring from the planner. It returns as soon as
// the ring is full, the planner runs out of blocks, or a system motion has
// been fully segmented. Mainline only.
func (e *Engine) PrepBuffer() {
	if e.machine.StepControl&system.StepControlEndMotion != 0 {
		return
	}

	for e.segNextHead != e.segTail.Load() {
		if e.prep.block == nil {
			if e.holding() {
				// The hold ended on a block boundary
				e.machine.StepControl |= system.StepControlEndMotion
				return
			}
			if !e.loadBlock() {
				return
			}
		}
		if !e.prepSegment() {
			return
		}
	}
}

func (e *Engine) holding() bool {
	return e.machine.StepControl&system.StepControlExecuteHold != 0
}

// Hold starts a feed hold: the block being segmented is replanned to
// decelerate to a stop and no further block is loaded. Segments already
// queued still run. Mainline only.
func (e *Engine) Hold() {
	e.machine.StepControl |= system.StepControlExecuteHold

	p := &e.prep
	pb := p.block
	if pb == nil {
		return
	}
	p.ramp = rampDecel
	decelDist := pb.Millimeters - p.currentSpeed*p.currentSpeed/(2*pb.Acceleration)
	if decelDist > 0 {
		p.mmComplete = decelDist
		p.exitSpeed = 0
	} else {
		// The block ends before the machine can stop
		p.mmComplete = 0
		p.exitSpeed = math.Sqrt(math.Max(0, p.currentSpeed*p.currentSpeed-2*pb.Acceleration*pb.Millimeters))
	}
}

// Resume ends a completed feed hold. The remainder of the held block
// restarts from standstill. Mainline only.
func (e *Engine) Resume() {
	e.machine.StepControl &^= system.StepControlExecuteHold | system.StepControlEndMotion

	p := &e.prep
	if p.block == nil {
		return
	}
	p.block.EntrySpeedSqr = 0
	p.currentSpeed = 0
	e.computeProfile(false)
}

// loadBlock starts segmenting the next planner block
func (e *Engine) loadBlock() bool {
	sysMotion := e.machine.StepControl&system.StepControlExecuteSysMotion != 0

	pb := e.planner.CurrentBlock()
	if sysMotion {
		pb = e.planner.SystemMotionBlock()
	}
	if pb == nil {
		return false
	}

	p := &e.prep
	p.stBlockIndex = nextBlockIndex(p.stBlockIndex)
	stb := &e.blocks[p.stBlockIndex]
	stb.dirBits = pb.DirBits
	for i := 0; i < e.numAxes; i++ {
		stb.steps[i] = pb.Steps[i] << MaxAmassLevel
	}
	stb.stepEventCount = pb.StepEventCount << MaxAmassLevel

	p.block = pb
	p.stepsRemaining = float64(pb.StepEventCount)
	p.stepPerMM = p.stepsRemaining / pb.Millimeters
	p.reqMMIncrement = reqMMIncrementScalar / p.stepPerMM
	p.dtRemainder = 0
	p.currentSpeed = math.Sqrt(pb.EntrySpeedSqr)

	e.computeProfile(sysMotion)

	e.log.WithFields(logrus.Fields{
		"line":   pb.LineNumber,
		"index":  p.stBlockIndex,
		"events": pb.StepEventCount,
		"system": sysMotion,
	}).Debug("prep block")
	return true
}

// computeProfile picks the velocity profile of the block: a trapezoid, a
// triangle when the nominal speed cannot be reached, or a pure ramp.
func (e *Engine) computeProfile(sysMotion bool) {
	p := &e.prep
	pb := p.block

	p.mmComplete = 0
	invAccel2 := 0.5 / pb.Acceleration

	exitSpeedSqr := 0.0
	if !sysMotion {
		exitSpeedSqr = e.planner.ExecBlockExitSpeedSqr()
	}
	p.exitSpeed = math.Sqrt(exitSpeedSqr)

	nominal := pb.NominalSpeed(e.minFeedRate)
	nominalSqr := nominal * nominal
	intersect := 0.5 * (pb.Millimeters + invAccel2*(pb.EntrySpeedSqr-exitSpeedSqr))

	p.ramp = rampAccel
	p.accelerateUntil = pb.Millimeters

	switch {
	case pb.EntrySpeedSqr > nominalSqr:
		// Entered above nominal: decelerate to nominal first
		p.accelerateUntil = pb.Millimeters - invAccel2*(pb.EntrySpeedSqr-nominalSqr)
		p.ramp = rampDecel
		p.maximumSpeed = nominal
		p.decelerateAfter = invAccel2 * (nominalSqr - exitSpeedSqr)
		if p.accelerateUntil <= p.decelerateAfter {
			p.accelerateUntil = pb.Millimeters
			p.decelerateAfter = pb.Millimeters
			p.maximumSpeed = p.currentSpeed
		}

	case intersect > 0:
		if intersect < pb.Millimeters {
			p.decelerateAfter = invAccel2 * (nominalSqr - exitSpeedSqr)
			if p.decelerateAfter < intersect {
				// Trapezoid
				p.maximumSpeed = nominal
				if pb.EntrySpeedSqr == nominalSqr {
					p.ramp = rampCruise
				} else {
					p.accelerateUntil -= invAccel2 * (nominalSqr - pb.EntrySpeedSqr)
				}
			} else {
				// Triangle
				p.accelerateUntil = intersect
				p.decelerateAfter = intersect
				p.maximumSpeed = math.Sqrt(2*pb.Acceleration*intersect + exitSpeedSqr)
			}
		} else {
			// Deceleration only
			p.ramp = rampDecel
			p.maximumSpeed = p.currentSpeed
			p.decelerateAfter = pb.Millimeters
		}

	default:
		// Acceleration only
		p.accelerateUntil = 0
		p.decelerateAfter = 0
		p.maximumSpeed = p.exitSpeed
	}
}

// prepSegment cuts one segment off the current block and pushes it. It
// returns false when segmenting must stop for now.
func (e *Engine) prepSegment() bool {
	p := &e.prep
	pb := p.block

	if e.holding() && pb.Millimeters <= p.mmComplete {
		// Already stopped at the hold point
		e.machine.StepControl |= system.StepControlEndMotion
		return false
	}

	seg := &e.segments[e.segHead.Load()]
	seg.blockIndex = p.stBlockIndex

	dtMax := e.dtSegment
	dt := 0.0
	timeVar := dtMax
	mmRemaining := pb.Millimeters
	minimumMM := mmRemaining - p.reqMMIncrement
	if minimumMM < 0 {
		minimumMM = 0
	}

	// Advance along the velocity profile until the segment covers a full
	// segment time and at least the minimum step distance
	for {
		switch p.ramp {
		case rampAccel:
			speedVar := pb.Acceleration * timeVar
			mmRemaining -= timeVar * (p.currentSpeed + 0.5*speedVar)
			if mmRemaining < p.accelerateUntil {
				mmRemaining = p.accelerateUntil
				timeVar = 2 * (pb.Millimeters - mmRemaining) / (p.currentSpeed + p.maximumSpeed)
				if mmRemaining == p.decelerateAfter {
					p.ramp = rampDecel
				} else {
					p.ramp = rampCruise
				}
				p.currentSpeed = p.maximumSpeed
			} else {
				p.currentSpeed += speedVar
			}

		case rampCruise:
			mmVar := mmRemaining - p.maximumSpeed*timeVar
			if mmVar < p.decelerateAfter {
				timeVar = (mmRemaining - p.decelerateAfter) / p.maximumSpeed
				mmRemaining = p.decelerateAfter
				p.ramp = rampDecel
			} else {
				mmRemaining = mmVar
			}

		default:
			speedVar := pb.Acceleration * timeVar
			done := true
			if p.currentSpeed > speedVar {
				mmVar := mmRemaining - timeVar*(p.currentSpeed-0.5*speedVar)
				if mmVar > p.mmComplete {
					mmRemaining = mmVar
					p.currentSpeed -= speedVar
					done = false
				}
			}
			if done {
				timeVar = 2 * (mmRemaining - p.mmComplete) / (p.currentSpeed + p.exitSpeed)
				mmRemaining = p.mmComplete
				p.currentSpeed = p.exitSpeed
			}
		}

		dt += timeVar
		if dt < dtMax {
			timeVar = dtMax - dt
		} else if mmRemaining > minimumMM {
			// Too short to hold a step: stretch the segment
			dtMax += e.dtSegment
			timeVar = dtMax - dt
		} else {
			break
		}
		if mmRemaining <= p.mmComplete {
			break
		}
	}

	stepDistRemaining := p.stepPerMM * mmRemaining
	nStepsRemaining := math.Ceil(stepDistRemaining)
	lastNStepsRemaining := math.Ceil(p.stepsRemaining)
	nStep := uint32(lastNStepsRemaining - nStepsRemaining)
	if nStep == 0 && e.holding() {
		// Less than a step left before the hold point. The prep state
		// of the block is kept for the resume.
		e.machine.StepControl |= system.StepControlEndMotion
		return false
	}

	// Carry the partial step time over to the next segment
	dt += p.dtRemainder
	invRate := dt / (lastNStepsRemaining - stepDistRemaining)
	cycles := uint32(math.Ceil(e.timerHz * 60 * invRate))

	level := uint8(0)
	if cycles >= e.amassThreshold {
		switch {
		case cycles < e.amassThreshold<<1:
			level = 1
		case cycles < e.amassThreshold<<2:
			level = 2
		default:
			level = 3
		}
		cycles >>= level
		nStep <<= level
	}
	if cycles > maxPeriod {
		cycles = maxPeriod
	}

	seg.nStep = nStep
	seg.period = cycles
	seg.amassLevel = level
	seg.rate = p.currentSpeed

	e.segHead.Store(e.segNextHead)
	e.segNextHead = nextSegment(e.segNextHead)

	pb.Millimeters = mmRemaining
	p.stepsRemaining = nStepsRemaining
	p.dtRemainder = (nStepsRemaining - stepDistRemaining) * invRate

	if mmRemaining == p.mmComplete {
		if p.mmComplete > 0 {
			// Feed hold stops inside the block; the rest runs on resume
			e.machine.StepControl |= system.StepControlEndMotion
			return false
		}
		if pb.Motion&standalone.MotionSystem != 0 {
			// System motion ends here; the caller decides what follows
			e.machine.StepControl |= system.StepControlEndMotion
			return false
		}
		p.block = nil
		e.planner.DiscardCurrentBlock()
	}
	return true
}
