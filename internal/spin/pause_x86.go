//go:build (amd64 || 386) && !noasm

package spin

// cpuPause executes a single PAUSE instruction.
//
//go:noescape
//go:nosplit
func cpuPause()
