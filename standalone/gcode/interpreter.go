package gcode

import (
	"strings"
	"time"

	"stepcore/standalone"
)

// Mover executes the motion produced by the interpreter
type Mover interface {
	// Move plans a line from position to target in Cartesian machine coordinates
	Move(target, position standalone.Position, pl *standalone.LineData) error

	// Dwell waits for all queued motion to finish, then pauses for d
	Dwell(d time.Duration) error
}

// State is the modal state of the interpreter
type State struct {
	// Position is the machine position at the end of the last queued move
	Position standalone.Position

	// Offset is the G92 coordinate offset; work = machine - offset
	Offset standalone.Position

	Absolute bool
	Rapid    bool
	FeedRate float64 // mm/min, zero until the first F word
}

// WorkPosition returns pos in work coordinates
func (s *State) WorkPosition(pos standalone.Position) standalone.Position {
	for i := range pos {
		pos[i] -= s.Offset[i]
	}
	return pos
}

// Interpreter executes G-code commands
type Interpreter struct {
	state  State
	config *standalone.MachineConfig
	mover  Mover
}

// NewInterpreter creates a new G-code interpreter
func NewInterpreter(config *standalone.MachineConfig, mover Mover) *Interpreter {
	return &Interpreter{
		state: State{
			Absolute: true,
			Rapid:    true,
		},
		config: config,
		mover:  mover,
	}
}

// Execute executes a parsed G-code command
func (interp *Interpreter) Execute(cmd *Command) error {
	if cmd == nil {
		return nil
	}
	if cmd.Type == '$' {
		return StatusInvalidStatement
	}

	if err := interp.checkWords(cmd); err != nil {
		return err
	}

	var (
		dwell, setPosition, programEnd bool
		motionCodes                    int
	)
	next := interp.state

	for _, code := range cmd.Codes {
		switch code.Letter {
		case 'G':
			switch code.Number {
			case 0, 1: // G0/G1 - Linear move
				motionCodes++
				next.Rapid = code.Number == 0
			case 4: // G4 - Dwell
				dwell = true
			case 17, 21, 94: // XY plane, millimeters, units per minute
			case 90: // G90 - Absolute positioning
				next.Absolute = true
			case 91: // G91 - Relative positioning
				next.Absolute = false
			case 92: // G92 - Set position
				setPosition = true
			default:
				return StatusUnsupportedCommand
			}
		case 'M':
			switch code.Number {
			case 2, 30: // Program end
				programEnd = true
			default:
				return StatusUnsupportedCommand
			}
		}
	}
	if motionCodes > 1 || (setPosition && motionCodes > 0) {
		return StatusModalGroupViolation
	}

	if cmd.HasParameter('F') {
		f := cmd.GetParameter('F', 0)
		if f < 0 {
			return StatusNegativeValue
		}
		next.FeedRate = f
	}

	if dwell {
		if !cmd.HasParameter('P') {
			return StatusValueWordMissing
		}
		p := cmd.GetParameter('P', 0)
		if p < 0 {
			return StatusNegativeValue
		}
		interp.state = next
		return interp.mover.Dwell(time.Duration(p * float64(time.Second)))
	}

	axes := interp.axisWords(cmd)

	if setPosition {
		if axes == 0 {
			return StatusValueWordMissing
		}
		for _, axis := range axes.Axes() {
			next.Offset[axis] = next.Position[axis] - cmd.GetParameter(standalone.AxisNames[axis], 0)
		}
		interp.state = next
		return nil
	}

	if axes != 0 {
		if err := interp.move(&next, cmd, axes); err != nil {
			return err
		}
	}

	if programEnd {
		next.Absolute = true
		next.Rapid = false
		interp.state = next
		return interp.mover.Dwell(0)
	}

	interp.state = next
	return nil
}

// move plans the linear move of cmd and commits next on success
func (interp *Interpreter) move(next *State, cmd *Command, axes standalone.AxisMask) error {
	if !next.Rapid && next.FeedRate <= 0 {
		return StatusUndefinedFeedRate
	}

	target := next.Position
	for _, axis := range axes.Axes() {
		v := cmd.GetParameter(standalone.AxisNames[axis], 0)
		if next.Absolute {
			target[axis] = v + next.Offset[axis]
		} else {
			target[axis] += v
		}
	}
	if target == next.Position {
		return nil
	}

	pl := standalone.LineData{
		FeedRate:   next.FeedRate,
		LineNumber: int32(cmd.GetParameter('N', 0)),
	}
	if next.Rapid {
		pl.Motion |= standalone.MotionRapid
	}
	if err := interp.mover.Move(target, next.Position, &pl); err != nil {
		return err
	}
	next.Position = target
	return nil
}

// axisWords returns the configured axes that have a word in cmd
func (interp *Interpreter) axisWords(cmd *Command) standalone.AxisMask {
	var axes standalone.AxisMask
	for i := 0; i < interp.config.NumAxes(); i++ {
		if cmd.HasParameter(standalone.AxisNames[i]) {
			axes |= standalone.AxisBit(i)
		}
	}
	return axes
}

// checkWords rejects parameter letters the interpreter does not use
func (interp *Interpreter) checkWords(cmd *Command) error {
	for letter := range cmd.Parameters {
		switch letter {
		case 'F', 'P', 'N':
			continue
		}
		idx := strings.IndexByte(standalone.AxisNames, letter)
		if idx < 0 || idx >= interp.config.NumAxes() {
			return StatusUnsupportedCommand
		}
	}
	return nil
}

// SyncPosition sets the interpreter position after motion it did not plan,
// such as homing
func (interp *Interpreter) SyncPosition(pos standalone.Position) {
	interp.state.Position = pos
}

// GetState returns the current modal state
func (interp *Interpreter) GetState() State {
	return interp.state
}
