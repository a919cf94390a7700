package core

import (
	"errors"
	"strings"
)

// MaxPins is the highest pin number accepted by ParsePin plus one
const MaxPins = 64

// ErrBadPin is returned for a pin name that cannot be parsed
var ErrBadPin = errors.New("invalid pin name")

// ParsePin converts a configured pin name such as "gpio20", "GP20" or "20"
// into a pin number
func ParsePin(name string) (GPIOPin, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return 0, ErrNoPin
	}

	switch {
	case strings.HasPrefix(name, "gpio"):
		name = name[4:]
	case strings.HasPrefix(name, "gp"):
		name = name[2:]
	}
	if name == "" || len(name) > 2 {
		return 0, ErrBadPin
	}

	n := 0
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, ErrBadPin
		}
		n = n*10 + int(c-'0')
	}
	if n >= MaxPins {
		return 0, ErrBadPin
	}
	return GPIOPin(n), nil
}

// PinName formats a pin number the way ParsePin accepts it
func PinName(pin GPIOPin) string {
	return "gpio" + itoa(int(pin))
}
