package system

import (
	"errors"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"stepcore/standalone"
)

// ErrLocked is returned when motion is requested while the machine is alarmed
var ErrLocked = errors.New("machine locked by alarm, unlock with $X")

// State is the global machine state
type State uint32

const (
	StateIdle State = iota
	StateAlarm
	StateCheckMode
	StateHoming
	StateCycle
	StateHold
	StateJog
	StateSafetyDoor
	StateSleep
)

var stateNames = [...]string{
	StateIdle:       "Idle",
	StateAlarm:      "Alarm",
	StateCheckMode:  "Check",
	StateHoming:     "Home",
	StateCycle:      "Run",
	StateHold:       "Hold",
	StateJog:        "Jog",
	StateSafetyDoor: "Door",
	StateSleep:      "Sleep",
}

// String returns the status report name of the state
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// StepControl flags steer the segment prep stage. Mainline only.
type StepControl uint8

const (
	StepControlEndMotion StepControl = 1 << iota
	StepControlExecuteHold
	StepControlExecuteSysMotion
)

// Machine is the machine context shared by the motion core: configuration,
// global state, alarm, realtime request flags and live step counters.
//
// Step counters are written by the stepper interrupt during motion and by
// homing only while the pulse engine is stopped.
type Machine struct {
	Config *standalone.MachineConfig

	// StepControl is owned by the mainline (prep and homing)
	StepControl StepControl

	state atomic.Uint32
	alarm atomic.Uint32
	homed atomic.Uint32

	resetRequest atomic.Bool
	doorOpen     atomic.Bool
	cycleStop    atomic.Bool
	feedHold     atomic.Bool
	cycleStart   atomic.Bool

	position [standalone.MaxAxes]atomic.Int32

	log logrus.FieldLogger
}

// NewMachine creates a machine context in the Idle state, or Alarm when
// homing is enabled and the machine must be homed before moving
func NewMachine(config *standalone.MachineConfig, log logrus.FieldLogger) *Machine {
	m := &Machine{
		Config: config,
		log:    standalone.ComponentLogger(log, "system"),
	}
	if config.Homing.Enabled {
		m.state.Store(uint32(StateAlarm))
	}
	return m
}

// State returns the current machine state
func (m *Machine) State() State {
	return State(m.state.Load())
}

// SetState changes the machine state
func (m *Machine) SetState(s State) {
	old := State(m.state.Swap(uint32(s)))
	if old != s {
		m.log.WithFields(logrus.Fields{"from": old, "to": s}).Debug("state change")
	}
}

// Alarm returns the active alarm, AlarmNone if there is none
func (m *Machine) Alarm() Alarm {
	return Alarm(m.alarm.Load())
}

// RaiseAlarm locks the machine with alarm a. It returns false if an alarm
// was already active, in which case the first alarm is kept.
func (m *Machine) RaiseAlarm(a Alarm) bool {
	if !m.alarm.CompareAndSwap(uint32(AlarmNone), uint32(a)) {
		return false
	}
	m.SetState(StateAlarm)
	m.log.WithField("alarm", a.Code()).Warn(a.Error())
	return true
}

// Unlock clears the alarm ($X). Homed axes are kept.
func (m *Machine) Unlock() {
	m.alarm.Store(uint32(AlarmNone))
	if m.State() == StateAlarm {
		m.SetState(StateIdle)
	}
}

// CanMove reports whether new motion may be queued
func (m *Machine) CanMove() bool {
	switch m.State() {
	case StateIdle, StateCycle, StateHold, StateJog, StateCheckMode:
		return true
	}
	return false
}

// RequestReset flags a soft reset. Safe to call from interrupt context.
func (m *Machine) RequestReset() {
	m.resetRequest.Store(true)
}

// ResetRequested reports a pending reset request
func (m *Machine) ResetRequested() bool {
	return m.resetRequest.Load()
}

// ClearReset acknowledges a reset request
func (m *Machine) ClearReset() {
	m.resetRequest.Store(false)
}

// SetSafetyDoor records the safety door input. Safe to call from interrupt context.
func (m *Machine) SetSafetyDoor(open bool) {
	m.doorOpen.Store(open)
}

// SafetyDoorOpen reports whether the safety door is open
func (m *Machine) SafetyDoorOpen() bool {
	return m.doorOpen.Load()
}

// RequestFeedHold flags a feed hold. Safe to call from interrupt context.
func (m *Machine) RequestFeedHold() {
	m.feedHold.Store(true)
}

// TakeFeedHold consumes a pending feed hold request
func (m *Machine) TakeFeedHold() bool {
	return m.feedHold.Swap(false)
}

// RequestCycleStart flags a cycle start. Safe to call from interrupt context.
func (m *Machine) RequestCycleStart() {
	m.cycleStart.Store(true)
}

// TakeCycleStart consumes a pending cycle start request
func (m *Machine) TakeCycleStart() bool {
	return m.cycleStart.Swap(false)
}

// SetCycleStop is raised by the stepper interrupt when the segment buffer runs dry
func (m *Machine) SetCycleStop() {
	m.cycleStop.Store(true)
}

// CycleStop reports whether a cycle stop is pending
func (m *Machine) CycleStop() bool {
	return m.cycleStop.Load()
}

// ClearCycleStop acknowledges a cycle stop
func (m *Machine) ClearCycleStop() {
	m.cycleStop.Store(false)
}

// Homed returns the axes homed since power-up
func (m *Machine) Homed() standalone.AxisMask {
	return standalone.AxisMask(m.homed.Load())
}

// SetHomed marks axes as homed
func (m *Machine) SetHomed(axes standalone.AxisMask) {
	for {
		old := m.homed.Load()
		if m.homed.CompareAndSwap(old, old|uint32(axes)) {
			return
		}
	}
}

// StepPosition returns the step counter of one motor
func (m *Machine) StepPosition(motor int) int32 {
	return m.position[motor].Load()
}

// StepMotor moves the step counter of a motor by one step
func (m *Machine) StepMotor(motor int, negative bool) {
	if negative {
		m.position[motor].Add(-1)
	} else {
		m.position[motor].Add(1)
	}
}

// Steps returns a snapshot of all step counters
func (m *Machine) Steps() [standalone.MaxAxes]int32 {
	var steps [standalone.MaxAxes]int32
	for i := range steps {
		steps[i] = m.position[i].Load()
	}
	return steps
}

// SetSteps overwrites the step counters. The pulse engine must be stopped.
func (m *Machine) SetSteps(steps [standalone.MaxAxes]int32) {
	for i := range steps {
		m.position[i].Store(steps[i])
	}
}

// MotorPosition converts the step counters to motor positions in mm
func (m *Machine) MotorPosition() standalone.MotorPosition {
	var motors standalone.MotorPosition
	for i := 0; i < m.Config.NumAxes(); i++ {
		motors[i] = float64(m.position[i].Load()) / m.Config.Axes[i].StepsPerMM
	}
	return motors
}

// MotorSteps converts motor positions in mm to step counts
func (m *Machine) MotorSteps(motors standalone.MotorPosition) [standalone.MaxAxes]int32 {
	var steps [standalone.MaxAxes]int32
	for i := 0; i < m.Config.NumAxes(); i++ {
		steps[i] = int32(math.Round(motors[i] * m.Config.Axes[i].StepsPerMM))
	}
	return steps
}

// Transform converts between Cartesian and motor positions
type Transform interface {
	Inverse(motors standalone.MotorPosition) standalone.Position
}

// CartesianPosition returns the machine position of the tool
func (m *Machine) CartesianPosition(k Transform) standalone.Position {
	return k.Inverse(m.MotorPosition())
}
