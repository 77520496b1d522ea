// Package spin provides the low-power wait hint used inside busy-wait loops.
//
// The barrier never parks in the kernel while waiting for peers; it polls a
// word in shared memory. Each poll iteration calls a Strategy, which on the
// default CPU strategy issues the architecture's spin-wait hint (PAUSE on
// x86, YIELD on arm64) so the core backs off without giving up the
// timeslice.
package spin

import "runtime"

// Strategy is the action performed once per iteration of a spin loop.
type Strategy interface {
	Pause()
}

// CPU spins with the processor's spin-wait hint. The hint is selected at build
// time; architectures without one spin on an empty call.
type CPU struct{}

// Pause issues one spin-wait hint
func (CPU) Pause() { cpuPause() }

// Gosched yields to the Go scheduler on every iteration. Useful when more
// participants than cores share a host, e.g. in tests.
type Gosched struct{}

// Pause yields the processor to other goroutines
func (Gosched) Pause() { runtime.Gosched() }

// Func adapts a plain function to a Strategy.
type Func func()

// Pause calls f
func (f Func) Pause() { f() }

// Default returns the strategy used when none is configured
func Default() Strategy { return CPU{} }

// Compile-time interface checks
var (
	_ Strategy = CPU{}
	_ Strategy = Gosched{}
	_ Strategy = Func(nil)
)
