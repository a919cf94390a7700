// Package controller ties the motion core together behind a line oriented
// console: G-code and system commands in, ok / error:N / ALARM:N out.
package controller

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"stepcore/core"
	"stepcore/standalone"
	"stepcore/standalone/gcode"
	"stepcore/standalone/homing"
	"stepcore/standalone/kinematics"
	"stepcore/standalone/limits"
	"stepcore/standalone/planner"
	"stepcore/standalone/stepgen"
	"stepcore/standalone/system"
)

// errAborted is returned by a line interrupted by a reset
var errAborted = errors.New("aborted by reset")

// Manager coordinates all motion core components
type Manager struct {
	config      *standalone.MachineConfig
	machine     *system.Machine
	kinematics  kinematics.Kinematics
	planner     *planner.Planner
	engine      *stepgen.Engine
	homing      *homing.Cycle
	switches    *limits.Switches
	control     *limits.Control
	parser      *gcode.Parser
	interpreter *gcode.Interpreter
	log         logrus.FieldLogger

	// Idle runs in every wait loop, for targets that dispatch timers from
	// the main loop
	Idle func()

	// Sleep implements G4 dwell
	Sleep func(time.Duration)

	// holdDone is set once a feed hold has brought the machine to rest
	holdDone atomic.Bool

	// Serial interface
	inputBuffer []byte
	outMu       sync.Mutex
	output      []byte
}

// NewManager builds the motion core for cfg on the given step outputs,
// pulse timer and input pins
func NewManager(cfg *standalone.MachineConfig, port stepgen.StepPort, timer stepgen.PulseTimer, gpio core.GPIODriver, log logrus.FieldLogger) (*Manager, error) {
	kin, err := kinematics.New(cfg)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config:      cfg,
		kinematics:  kin,
		parser:      gcode.NewParser(),
		log:         standalone.ComponentLogger(log, "controller"),
		Sleep:       time.Sleep,
		inputBuffer: make([]byte, 0, gcode.MaxLineLength+1),
	}

	m.machine = system.NewMachine(cfg, log)
	m.planner = planner.NewPlanner(cfg, m.machine, log)
	m.engine = stepgen.NewEngine(m.machine, m.planner, port, timer, log)

	if m.switches, err = limits.NewSwitches(gpio, cfg); err != nil {
		return nil, fmt.Errorf("limit switches: %w", err)
	}
	if m.control, err = limits.NewControl(gpio, m.machine, log); err != nil {
		return nil, fmt.Errorf("control pins: %w", err)
	}

	m.interpreter = gcode.NewInterpreter(cfg, m)

	m.homing = homing.NewCycle(m.machine, kin, m.planner, m.engine, m.switches, log)
	m.homing.OnSync = m.interpreter.SyncPosition
	m.homing.Poll = m.pollInputs

	m.log.WithFields(logrus.Fields{
		"machine":    cfg.Name,
		"kinematics": kin.Name(),
		"axes":       cfg.AxesMask(),
		"state":      m.machine.State(),
	}).Info("motion core ready")
	return m, nil
}

// Machine returns the shared machine context
func (m *Manager) Machine() *system.Machine {
	return m.machine
}

// Engine returns the pulse engine
func (m *Manager) Engine() *stepgen.Engine {
	return m.engine
}

// Position returns the Cartesian machine position from the step counters
func (m *Manager) Position() standalone.Position {
	return m.machine.CartesianPosition(m.kinematics)
}

// Start announces the console
func (m *Manager) Start() {
	m.respond("\r\nstepcore " + m.kinematics.Name() + " ['$' for help]\r\n")
	if m.machine.State() == system.StateAlarm {
		m.respond("[MSG:'$H'|'$X' to unlock]\r\n")
	}
}

// Stop halts motion and releases the motors
func (m *Manager) Stop() {
	m.engine.GoIdle()
	m.planner.Reset()
	m.machine.StepControl = 0
	m.syncPositions()
	m.holdDone.Store(false)
	switch m.machine.State() {
	case system.StateCycle, system.StateHold:
		m.machine.SetState(system.StateIdle)
	}
}

// EmergencyStop requests a reset as if the reset input fired
func (m *Manager) EmergencyStop() {
	m.machine.RequestReset()
}

// ProcessLine executes one line and returns its response
func (m *Manager) ProcessLine(line string) Response {
	m.Poll()

	cmd, err := m.parser.ParseLine(line)
	if err != nil || cmd == nil {
		return m.result(err)
	}

	if cmd.Type == '$' {
		return m.system(cmd.System)
	}

	if !m.machine.CanMove() {
		return m.result(system.ErrLocked)
	}
	return m.result(m.interpreter.Execute(cmd))
}

// result turns an error into a response, reporting a newly raised alarm
func (m *Manager) result(err error) Response {
	var alarm system.Alarm
	if errors.As(err, &alarm) {
		return Response{Alarm: alarm}
	}
	if err != nil {
		m.log.WithError(err).Debug("line failed")
	}
	return Response{Err: err}
}

// Move implements gcode.Mover
func (m *Manager) Move(target, position standalone.Position, pl *standalone.LineData) error {
	if m.config.SoftLimits && m.machine.Homed() == m.config.AxesMask() {
		if err := m.kinematics.CheckTravel(target); err != nil {
			m.log.WithError(err).Warn("soft limit")
			m.abortMotion()
			m.machine.RaiseAlarm(system.AlarmSoftLimit)
			return system.AlarmSoftLimit
		}
	}

	for m.planner.IsFull() {
		if err := m.wait(); err != nil {
			return err
		}
	}

	err := kinematics.EmitMove(m.kinematics, m.planner, target, position, pl)
	if errors.Is(err, planner.ErrEmptyBlock) {
		return nil
	}
	if err != nil {
		return err
	}

	if m.machine.State() == system.StateIdle {
		m.machine.SetState(system.StateCycle)
	}
	m.engine.PrepBuffer()
	m.engine.WakeUp()
	return nil
}

// Dwell implements gcode.Mover
func (m *Manager) Dwell(d time.Duration) error {
	if err := m.Sync(); err != nil {
		return err
	}
	if d > 0 {
		m.Sleep(d)
	}
	return nil
}

// Sync waits until all queued motion has been executed, including motion
// suspended by a feed hold
func (m *Manager) Sync() error {
	for m.moving() {
		if err := m.wait(); err != nil {
			return err
		}
	}
	if m.machine.State() == system.StateAlarm {
		return m.alarm()
	}
	return nil
}

// wait services the machine once. It returns the alarm that stopped
// motion, or errAborted after a reset.
func (m *Manager) wait() error {
	reset := m.machine.ResetRequested()
	m.Poll()
	if m.machine.State() == system.StateAlarm {
		return m.alarm()
	}
	if reset {
		return errAborted
	}
	return nil
}

func (m *Manager) moving() bool {
	switch m.machine.State() {
	case system.StateCycle, system.StateHold:
		return true
	}
	return false
}

// alarm returns the active alarm as an error
func (m *Manager) alarm() error {
	if a := m.machine.Alarm(); a != system.AlarmNone {
		return a
	}
	return system.ErrLocked
}

// pollInputs runs the idle hook and samples the control inputs
func (m *Manager) pollInputs() {
	if m.Idle != nil {
		m.Idle()
	}
	m.control.Poll()
	core.Yield()
}

// Poll services the motion core: inputs, reset requests, hard limits,
// segment preparation and cycle completion. Call it from the main loop.
func (m *Manager) Poll() {
	m.pollInputs()

	if m.machine.ResetRequested() {
		m.reset()
		return
	}
	if limits.CheckHard(m.machine, m.switches, m.engine) {
		m.abortMotion()
		return
	}
	m.serviceHold()

	switch m.machine.State() {
	case system.StateCycle:
	case system.StateHold:
		m.pollHold()
		return
	default:
		return
	}

	m.engine.PrepBuffer()
	if m.machine.CycleStop() {
		m.machine.ClearCycleStop()
		if m.planner.IsEmpty() && m.engine.Queued() == 0 {
			m.machine.SetState(system.StateIdle)
			return
		}
	}
	if m.engine.Queued() > 0 {
		m.engine.WakeUp()
	}
}

// serviceHold acts on feed hold and cycle start requests. A hold is only
// started from a running cycle and a cycle start only resumes a completed
// hold; other requests are dropped.
func (m *Manager) serviceHold() {
	hold := m.machine.TakeFeedHold()
	start := m.machine.TakeCycleStart()

	switch m.machine.State() {
	case system.StateCycle:
		if hold {
			m.holdDone.Store(false)
			m.engine.Hold()
			m.machine.SetState(system.StateHold)
			m.log.Info("feed hold")
		}
	case system.StateHold:
		if start && m.holdDone.Load() {
			m.resume()
		}
	}
}

// pollHold runs the deceleration of a feed hold until the machine rests
func (m *Manager) pollHold() {
	m.engine.PrepBuffer()
	m.machine.ClearCycleStop()
	if m.engine.Queued() > 0 {
		m.engine.WakeUp()
		return
	}
	if !m.holdDone.Load() && m.machine.StepControl&system.StepControlEndMotion != 0 && !m.engine.IsRunning() {
		m.holdDone.Store(true)
		m.log.WithField("position", m.Position()).Debug("hold complete")
	}
}

// resume continues the motion suspended by a feed hold
func (m *Manager) resume() {
	m.holdDone.Store(false)
	m.engine.Resume()
	m.machine.SetState(system.StateCycle)
	m.engine.PrepBuffer()
	switch {
	case m.engine.Queued() > 0:
		m.engine.WakeUp()
	case m.planner.IsEmpty():
		m.machine.SetState(system.StateIdle)
	}
	m.log.Info("cycle start")
}

// reset handles a soft reset. Motion in progress is lost, so the machine
// is locked with an abort alarm.
func (m *Manager) reset() {
	m.machine.ClearReset()
	moving := m.moving()
	m.abortMotion()
	m.log.WithField("moving", moving).Warn("reset")
	if moving {
		m.machine.RaiseAlarm(system.AlarmAbortCycle)
	} else if m.machine.State() != system.StateAlarm {
		m.machine.SetState(system.StateIdle)
	}
}

// abortMotion stops the engine at once and drops all queued motion
func (m *Manager) abortMotion() {
	m.engine.Reset()
	m.planner.Reset()
	m.machine.StepControl = 0
	m.holdDone.Store(false)
	m.syncPositions()
}

// syncPositions aligns the planner and interpreter with the step counters
func (m *Manager) syncPositions() {
	m.planner.SyncPosition(m.machine.Steps())
	m.interpreter.SyncPosition(m.Position())
}

// ProcessByte processes a single byte of input (for serial streaming).
// Realtime commands act at once; other bytes are collected into lines.
func (m *Manager) ProcessByte(b byte) {
	if IsRealtime(b) {
		m.Realtime(b)
		return
	}

	if b != '\n' && b != '\r' {
		if len(m.inputBuffer) <= gcode.MaxLineLength {
			m.inputBuffer = append(m.inputBuffer, b)
		}
		return
	}

	if len(m.inputBuffer) == 0 {
		return
	}
	line := string(m.inputBuffer)
	m.inputBuffer = m.inputBuffer[:0]
	m.respond(m.ProcessLine(line).String())
}

// IsRealtime reports whether b is a realtime command byte
func IsRealtime(b byte) bool {
	switch b {
	case '?', '!', '~', 0x18:
		return true
	}
	return false
}

// Realtime executes a realtime command. Safe to call while another
// goroutine is inside ProcessLine.
func (m *Manager) Realtime(b byte) {
	switch b {
	case '?':
		m.respond(m.StatusReport() + "\r\n")
	case 0x18:
		m.machine.RequestReset()
	case '!':
		m.machine.RequestFeedHold()
	case '~':
		m.machine.RequestCycleStart()
	}
}

// respond queues output for the host
func (m *Manager) respond(s string) {
	m.outMu.Lock()
	m.output = append(m.output, s...)
	m.outMu.Unlock()
}

// GetOutput returns any pending output and clears the buffer
func (m *Manager) GetOutput() []byte {
	m.outMu.Lock()
	defer m.outMu.Unlock()

	if len(m.output) == 0 {
		return nil
	}
	output := make([]byte, len(m.output))
	copy(output, m.output)
	m.output = m.output[:0]
	return output
}
