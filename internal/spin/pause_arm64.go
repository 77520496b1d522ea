//go:build arm64 && !noasm

package spin

// cpuPause executes a single YIELD instruction.
//
//go:noescape
//go:nosplit
func cpuPause()
