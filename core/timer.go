package core

// DefaultTimerFreq is the scheduler clock used until a target sets its own
const DefaultTimerFreq = 12000000

// TimerFreq is the rate of GetTime in ticks per second. Targets whose clock
// differs call SetTimerFreq before starting any timer.
var TimerFreq uint32 = DefaultTimerFreq

var systemTicks uint32

// SetTimerFreq sets the rate at which the target advances the system time
func SetTimerFreq(hz uint32) {
	TimerFreq = hz
}

// GetTime returns the current system time in timer ticks
func GetTime() uint32 {
	return getSystemTicks()
}

// SetTime sets the current system time (for testing/hardware integration)
func SetTime(ticks uint32) {
	setSystemTicks(ticks)
}

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return uint32(uint64(us) * uint64(TimerFreq) / 1000000)
}

// TimerToUS converts timer ticks to microseconds
func TimerToUS(ticks uint32) uint32 {
	return uint32(uint64(ticks) * 1000000 / uint64(TimerFreq))
}

// ProcessTimers processes scheduled timers
func ProcessTimers() {
	currentTime = GetTime()
	TimerDispatch()
}
