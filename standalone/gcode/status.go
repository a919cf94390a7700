package gcode

import "strconv"

// Status is a numeric command status reported to the sender as error:<code>
type Status uint8

const (
	StatusOK                    Status = 0
	StatusExpectedCommandLetter Status = 1
	StatusBadNumberFormat       Status = 2
	StatusInvalidStatement      Status = 3
	StatusNegativeValue         Status = 4
	StatusSettingDisabled       Status = 5
	StatusIdleError             Status = 8
	StatusSystemLocked          Status = 9
	StatusSoftLimit             Status = 10
	StatusOverflow              Status = 11
	StatusUnsupportedCommand    Status = 20
	StatusModalGroupViolation   Status = 21
	StatusUndefinedFeedRate     Status = 22
	StatusWordRepeated          Status = 25
	StatusValueWordMissing      Status = 28
)

var statusMessages = map[Status]string{
	StatusOK:                    "ok",
	StatusExpectedCommandLetter: "expected command letter",
	StatusBadNumberFormat:       "bad number format",
	StatusInvalidStatement:      "invalid statement",
	StatusNegativeValue:         "negative value",
	StatusSettingDisabled:       "setting disabled",
	StatusIdleError:             "not idle",
	StatusSystemLocked:          "locked by alarm",
	StatusSoftLimit:             "target exceeds machine travel",
	StatusOverflow:              "line overflow",
	StatusUnsupportedCommand:    "unsupported command",
	StatusModalGroupViolation:   "modal group violation",
	StatusUndefinedFeedRate:     "undefined feed rate",
	StatusWordRepeated:          "word repeated",
	StatusValueWordMissing:      "value word missing",
}

// Error implements error
func (s Status) Error() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return "status " + strconv.Itoa(int(s))
}

// Code returns the number reported as error:<code>
func (s Status) Code() int {
	return int(s)
}
