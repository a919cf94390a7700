package system

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"stepcore/standalone"
	"stepcore/standalone/config"
)

func TestNewMachineStartsLockedWhenHomingEnabled(t *testing.T) {
	cfg := config.DefaultCartesianConfig()
	m := NewMachine(cfg, nil)
	if m.State() != StateAlarm {
		t.Errorf("Expected Alarm state with homing enabled, got %s", m.State())
	}

	cfg.Homing.Enabled = false
	m = NewMachine(cfg, nil)
	if m.State() != StateIdle {
		t.Errorf("Expected Idle state, got %s", m.State())
	}
	if !m.CanMove() {
		t.Errorf("Expected idle machine to accept motion")
	}
}

func TestRaiseAlarmOnce(t *testing.T) {
	cfg := config.DefaultCartesianConfig()
	cfg.Homing.Enabled = false
	m := NewMachine(cfg, nil)

	if !m.RaiseAlarm(AlarmHomingFailApproach) {
		t.Fatalf("Expected first alarm to be raised")
	}
	if m.RaiseAlarm(AlarmHardLimit) {
		t.Errorf("Expected second alarm to be ignored")
	}
	if m.Alarm() != AlarmHomingFailApproach {
		t.Errorf("Expected approach alarm kept, got %v", m.Alarm())
	}
	if m.State() != StateAlarm || m.CanMove() {
		t.Errorf("Expected locked alarm state, got %s", m.State())
	}

	m.Unlock()
	if m.Alarm() != AlarmNone || m.State() != StateIdle {
		t.Errorf("Expected unlock to clear alarm, got %v in %s", m.Alarm(), m.State())
	}
}

func TestAlarmAsError(t *testing.T) {
	var err error = fmt.Errorf("cycle 0: %w", AlarmHomingFailPulloff)

	if !errors.Is(err, AlarmHomingFailPulloff) {
		t.Errorf("Expected wrapped alarm to match")
	}
	if errors.Is(err, AlarmHomingFailApproach) {
		t.Errorf("Expected different alarm not to match")
	}

	tests := []struct {
		alarm Alarm
		msg   string
		code  int
	}{
		{AlarmHomingFailReset, "homing failed: reset", 6},
		{AlarmHomingFailDoor, "homing failed: door", 7},
		{AlarmHomingFailPulloff, "homing failed: pulloff", 8},
		{AlarmHomingFailApproach, "homing failed: approach", 9},
		{AlarmHardLimit, "hard limit triggered", 1},
	}
	for _, test := range tests {
		if test.alarm.Error() != test.msg {
			t.Errorf("Expected %q, got %q", test.msg, test.alarm.Error())
		}
		if test.alarm.Code() != test.code {
			t.Errorf("Expected code %d, got %d", test.code, test.alarm.Code())
		}
	}
	if !AlarmHomingFailDoor.IsHoming() || AlarmHardLimit.IsHoming() {
		t.Errorf("IsHoming misclassified alarms")
	}
}

func TestStepCounters(t *testing.T) {
	cfg := config.DefaultCartesianConfig()
	m := NewMachine(cfg, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 1000; n++ {
				m.StepMotor(standalone.AxisX, false)
				m.StepMotor(standalone.AxisY, true)
			}
		}()
	}
	wg.Wait()

	if m.StepPosition(standalone.AxisX) != 4000 {
		t.Errorf("Expected X=4000, got %d", m.StepPosition(standalone.AxisX))
	}
	if m.StepPosition(standalone.AxisY) != -4000 {
		t.Errorf("Expected Y=-4000, got %d", m.StepPosition(standalone.AxisY))
	}

	motors := m.MotorPosition()
	if motors[standalone.AxisX] != 50 {
		t.Errorf("Expected X motor at 50mm, got %f", motors[standalone.AxisX])
	}

	steps := m.MotorSteps(standalone.MotorPosition{1.5, -2, 0.25})
	m.SetSteps(steps)
	if got := m.Steps(); got[0] != 120 || got[1] != -160 || got[2] != 100 {
		t.Errorf("Expected steps [120 -160 100], got %v", got)
	}
}

func TestRealtimeFlags(t *testing.T) {
	m := NewMachine(config.DefaultCartesianConfig(), nil)

	m.RequestReset()
	m.SetSafetyDoor(true)
	m.SetCycleStop()
	if !m.ResetRequested() || !m.SafetyDoorOpen() || !m.CycleStop() {
		t.Errorf("Expected all realtime flags set")
	}

	m.ClearReset()
	m.SetSafetyDoor(false)
	m.ClearCycleStop()
	if m.ResetRequested() || m.SafetyDoorOpen() || m.CycleStop() {
		t.Errorf("Expected all realtime flags cleared")
	}

	m.SetHomed(standalone.AxisBit(standalone.AxisX))
	m.SetHomed(standalone.AxisBit(standalone.AxisZ))
	if m.Homed().String() != "XZ" {
		t.Errorf("Expected homed XZ, got %s", m.Homed())
	}
}

func TestFeedHoldRequests(t *testing.T) {
	cfg := config.DefaultCartesianConfig()
	cfg.Homing.Enabled = false
	m := NewMachine(cfg, nil)

	if m.TakeFeedHold() || m.TakeCycleStart() {
		t.Fatalf("Expected no pending requests")
	}
	m.RequestFeedHold()
	m.RequestCycleStart()
	if !m.TakeFeedHold() || !m.TakeCycleStart() {
		t.Errorf("Expected both requests pending")
	}
	if m.TakeFeedHold() || m.TakeCycleStart() {
		t.Errorf("Expected requests consumed")
	}

	m.SetState(StateHold)
	if !m.CanMove() {
		t.Errorf("Expected lines accepted during a feed hold")
	}
}
