package system

import "strconv"

// Alarm enumerates the fatal conditions that lock the machine
type Alarm uint8

const (
	AlarmNone Alarm = iota
	AlarmHardLimit
	AlarmSoftLimit
	AlarmAbortCycle
	AlarmProbeFailInitial
	AlarmProbeFailContact
	AlarmHomingFailReset
	AlarmHomingFailDoor
	AlarmHomingFailPulloff
	AlarmHomingFailApproach
)

var alarmMessages = [...]string{
	AlarmNone:               "no alarm",
	AlarmHardLimit:          "hard limit triggered",
	AlarmSoftLimit:          "soft limit exceeded",
	AlarmAbortCycle:         "reset while in motion",
	AlarmProbeFailInitial:   "probe fail: initial state",
	AlarmProbeFailContact:   "probe fail: no contact",
	AlarmHomingFailReset:    "homing failed: reset",
	AlarmHomingFailDoor:     "homing failed: door",
	AlarmHomingFailPulloff:  "homing failed: pulloff",
	AlarmHomingFailApproach: "homing failed: approach",
}

// Error implements error so alarms can be returned and matched with errors.Is
func (a Alarm) Error() string {
	if int(a) < len(alarmMessages) {
		return alarmMessages[a]
	}
	return "alarm " + strconv.Itoa(int(a))
}

// Code returns the numeric code reported as ALARM:<code>
func (a Alarm) Code() int {
	return int(a)
}

// IsHoming reports whether the alarm was raised by a failed homing cycle
func (a Alarm) IsHoming() bool {
	return a >= AlarmHomingFailReset && a <= AlarmHomingFailApproach
}
