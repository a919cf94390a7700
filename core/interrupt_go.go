//go:build !tinygo

package core

import "runtime"

// State is a placeholder for interrupt state on regular Go
type State uintptr

// disableInterrupts is a no-op on regular Go (for testing)
func disableInterrupts() State {
	return 0
}

// restoreInterrupts is a no-op on regular Go (for testing)
func restoreInterrupts(state State) {
	// No-op
}

// Yield lets the goroutine that emulates the stepper interrupt run while
// the mainline busy waits
func Yield() {
	runtime.Gosched()
}
