//go:build rp2040

package main

import (
	"machine"
)

// InitUSB configures the USB CDC console. The descriptors are set by the
// TinyGo runtime.
func InitUSB() {
	machine.Serial.Configure(machine.UARTConfig{})
}

// USBAvailable returns the number of bytes available to read from USB
func USBAvailable() int {
	return machine.Serial.Buffered()
}

// USBRead reads a single byte from USB
func USBRead() (byte, error) {
	return machine.Serial.ReadByte()
}

// USBWriteBytes writes data to USB, retrying partial writes a few times
func USBWriteBytes(data []byte) error {
	for tries := 0; len(data) > 0; tries++ {
		n, err := machine.Serial.Write(data)
		if err != nil {
			return err
		}
		if n == 0 && tries > 10 {
			// Host gone; drop the rest
			return nil
		}
		data = data[n:]
	}
	return nil
}
