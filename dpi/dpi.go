// Package dpi holds the one barrier a simulator process takes part in and
// exposes it through a small procedural API suitable for export to C (see
// cmd/liblockstep).
//
// Failures that leave the process unable to keep lockstep with its peers
// (a failed Init, Wait or GetCycle before Init) are logged and terminate the
// process with exit status 1: a participant that silently continues would
// leave every peer spinning.
package dpi

import (
	"os"
	"sync"
	"sync/atomic"

	lockstep "github.com/ehrlich-b/go-lockstep"
	"github.com/ehrlich-b/go-lockstep/internal/logging"
)

var (
	// mu serializes Init and Close; the hot path only loads the slot
	mu      sync.Mutex
	barrier atomic.Pointer[lockstep.Barrier]
	options *lockstep.Options

	// exit is replaced in tests
	exit = os.Exit
)

// SetOptions sets the options used by the next Init. nil restores the
// defaults.
func SetOptions(opts *lockstep.Options) {
	mu.Lock()
	defer mu.Unlock()
	options = opts
}

// Init opens the process's barrier. A second Init while a barrier is open is
// logged and ignored. numProcs is only used by the leader.
func Init(path string, isLeader bool, numProcs int) {
	mu.Lock()
	defer mu.Unlock()

	log := logging.Default()
	if barrier.Load() != nil {
		log.Warn("pi_barrier_init: barrier already initialized", "path", path)
		return
	}

	if numProcs < 0 {
		numProcs = 0
	}
	b, err := lockstep.Open(path, lockstep.RoleFor(isLeader), uint32(numProcs), options)
	if err != nil {
		log.WithError(err).Error("pi_barrier_init: failed to open barrier", "path", path)
		exit(1)
		return
	}
	barrier.Store(b)
	log.Info("barrier sync enabled", "path", path, "leader", isLeader, "procs", b.NumProcesses())
}

// Wait waits at the barrier and returns the completed-episode count
func Wait() uint64 {
	b := barrier.Load()
	if b == nil {
		notInitialized("pi_barrier_wait")
		return 0
	}
	return b.Wait()
}

// GetCycle returns the completed-episode count without waiting
func GetCycle() uint64 {
	b := barrier.Load()
	if b == nil {
		notInitialized("pi_barrier_get_cycle")
		return 0
	}
	return b.Cycle()
}

// Close releases the barrier; the leader also removes the backing file.
// Close without an open barrier does nothing, and Init may be called again
// afterwards.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	b := barrier.Swap(nil)
	if b == nil {
		return
	}
	if err := b.Close(); err != nil {
		logging.Default().WithError(err).Warn("pi_barrier_close: close failed", "path", b.Path())
	}
}

// Ready reports whether the barrier is open and initialized
func Ready() bool {
	b := barrier.Load()
	if b == nil {
		return false
	}
	return b.AllReady()
}

// SetNumProcs changes the arrival threshold. It is logged and ignored when
// no barrier is open, when this process is not the leader, or when n is not
// positive.
func SetNumProcs(n int) {
	b := barrier.Load()
	if b == nil {
		logging.Default().Warn("pi_barrier_set_num_procs: barrier not initialized")
		return
	}
	if n <= 0 {
		logging.Default().Warn("pi_barrier_set_num_procs: invalid process count", "procs", n)
		return
	}
	if err := b.SetNumProcesses(uint32(n)); err != nil {
		logging.Default().WithError(err).Warn("pi_barrier_set_num_procs: resize rejected", "procs", n)
	}
}

// GetNumProcs returns the arrival threshold, or 0 when no barrier is open
func GetNumProcs() int {
	b := barrier.Load()
	if b == nil {
		return 0
	}
	return int(b.NumProcesses())
}

func notInitialized(fn string) {
	logging.Default().Error(fn + ": barrier not initialized")
	exit(1)
}
