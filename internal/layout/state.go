// Package layout defines the fixed-layout barrier record that lives in memory
// shared by every participant process.
//
// The record is plain data: five counters, each alone in its own 64-byte
// cache line so cores writing different fields never contend on one line.
// Fields are unexported and reachable only through atomic accessors.
//
// Byte layout (little-endian, identical to the C definition):
//
//	0x000  cycle_count    uint64
//	0x040  barrier_count  uint32
//	0x080  num_processes  uint32
//	0x0C0  sense          uint32
//	0x100  initialized    uint32
//	0x140  end (Size)
package layout

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-lockstep/internal/constants"
	"github.com/ehrlich-b/go-lockstep/internal/fence"
)

// Size is the number of bytes the shared state occupies
const Size = constants.StateSize

// Field offsets within the mapped record
const (
	OffsetCycleCount   = 0 * constants.CacheLineSize
	OffsetBarrierCount = 1 * constants.CacheLineSize
	OffsetNumProcesses = 2 * constants.CacheLineSize
	OffsetSense        = 3 * constants.CacheLineSize
	OffsetInitialized  = 4 * constants.CacheLineSize
)

// State is the shared barrier record. Never copy or allocate one directly;
// obtain a *State over mapped memory with At.
type State struct {
	// completed episodes; written only by an episode's releaser
	cycleCount atomic.Uint64
	_          [constants.CacheLineSize - 8]byte

	// arrivals at the current episode; reset to 0 by the releaser
	barrierCount atomic.Uint32
	_            [constants.CacheLineSize - 4]byte

	// arrival threshold
	numProcesses atomic.Uint32
	_            [constants.CacheLineSize - 4]byte

	// release flag, alternates 0/1 each episode
	sense atomic.Uint32
	_     [constants.CacheLineSize - 4]byte

	// set to 1 by the leader once every other field is valid
	initialized atomic.Uint32
	_           [constants.CacheLineSize - 4]byte
}

// Compile-time layout checks: both subtractions overflow if the struct size
// drifts from Size in either direction.
var (
	_ [Size - unsafe.Sizeof(State{})]byte
	_ [unsafe.Sizeof(State{}) - Size]byte
)

// At returns a view of the shared state backed by mem. mem must be at least
// Size bytes and 8-byte aligned (any mmap'd region is page aligned).
func At(mem []byte) (*State, error) {
	if len(mem) < Size {
		return nil, fmt.Errorf("region too small for barrier state: %d < %d bytes", len(mem), Size)
	}
	p := unsafe.Pointer(&mem[0])
	if uintptr(p)%8 != 0 {
		return nil, fmt.Errorf("region not 8-byte aligned: %p", p)
	}
	return (*State)(p), nil
}

// Init zero-initializes every counter, sets the arrival threshold and then
// publishes the record by setting the initialized flag. The fence before the
// flag store guarantees that a follower observing initialized==1 also
// observes every store above it.
func (s *State) Init(numProcesses uint32) {
	s.cycleCount.Store(0)
	s.barrierCount.Store(0)
	s.numProcesses.Store(numProcesses)
	s.sense.Store(0)
	fence.Full()
	s.initialized.Store(1)
}

// CycleCount returns the number of completed episodes
func (s *State) CycleCount() uint64 { return s.cycleCount.Load() }

// IncCycleCount advances the episode counter and returns the new value
func (s *State) IncCycleCount() uint64 { return s.cycleCount.Add(1) }

// BarrierCount returns the number of arrivals at the current episode
func (s *State) BarrierCount() uint32 { return s.barrierCount.Load() }

// Arrive atomically increments the arrival count and returns the
// post-increment value.
func (s *State) Arrive() uint32 { return s.barrierCount.Add(1) }

// ResetBarrierCount clears the arrival count for the next episode
func (s *State) ResetBarrierCount() { s.barrierCount.Store(0) }

// NumProcesses returns the arrival threshold
func (s *State) NumProcesses() uint32 { return s.numProcesses.Load() }

// SetNumProcesses changes the arrival threshold
func (s *State) SetNumProcesses(n uint32) { s.numProcesses.Store(n) }

// Sense returns the last published release flag
func (s *State) Sense() uint32 { return s.sense.Load() }

// SetSense publishes a release flag value
func (s *State) SetSense(v uint32) { s.sense.Store(v) }

// Initialized reports whether the leader has published the record
func (s *State) Initialized() bool { return s.initialized.Load() == 1 }

// Snapshot is a point-in-time copy of every field. Fields are read one at a
// time, so a snapshot taken during a release may mix two episodes.
type Snapshot struct {
	CycleCount   uint64 `json:"cycle_count" yaml:"cycle_count"`
	BarrierCount uint32 `json:"barrier_count" yaml:"barrier_count"`
	NumProcesses uint32 `json:"num_processes" yaml:"num_processes"`
	Sense        uint32 `json:"sense" yaml:"sense"`
	Initialized  bool   `json:"initialized" yaml:"initialized"`
}

// Snapshot reads every field
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		CycleCount:   s.cycleCount.Load(),
		BarrierCount: s.barrierCount.Load(),
		NumProcesses: s.numProcesses.Load(),
		Sense:        s.sense.Load(),
		Initialized:  s.initialized.Load() == 1,
	}
}
