package serial

import (
	"io"
)

// Port represents a serial port interface. The native implementation uses
// github.com/tarm/serial; tests use an in-memory pipe.
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate (USB CDC ignores this)
	Baud int

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int
}

// DefaultBaud is the console baud rate of the firmware
const DefaultBaud = 115200

// DefaultConfig returns the console configuration for device
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: 100,
	}
}
