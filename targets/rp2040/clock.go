//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"

	"stepcore/core"
)

// RP2040 Timer peripheral memory map
const (
	timerBase     = 0x40054000
	timerTIMERAWL = timerBase + 0x0C // Raw timer low word

	// timerHz is the rate of the free running microsecond timer
	timerHz = 1000000
)

var timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWL)))

// InitClock points the scheduler at the microsecond timer
func InitClock() {
	core.SetTimerFreq(timerHz)
	UpdateSystemTime()
}

// GetHardwareTime returns the low 32 bits of the microsecond counter
func GetHardwareTime() uint32 {
	return timerRAWL.Get()
}

// UpdateSystemTime updates the core timer with hardware time
func UpdateSystemTime() {
	core.SetTime(GetHardwareTime())
}
