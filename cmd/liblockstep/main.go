// Command liblockstep builds the barrier as a C shared library for
// simulators that call into it through DPI:
//
//	go build -buildmode=c-shared -o liblockstep.so ./cmd/liblockstep
//
// The exported functions match the pi_barrier_* DPI imports. Cycle values are
// written into a two-word svBitVecVal buffer, least significant word first.
// LOCKSTEP_LOG_LEVEL and LOCKSTEP_LOG_FORMAT configure logging.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"os"
	"unsafe"

	"github.com/ehrlich-b/go-lockstep/dpi"
	"github.com/ehrlich-b/go-lockstep/internal/logging"
)

func init() {
	cfg := logging.DefaultConfig()
	if lvl := os.Getenv("LOCKSTEP_LOG_LEVEL"); lvl != "" {
		if parsed, err := logging.ParseLevel(lvl); err == nil {
			cfg.Level = parsed
		}
	}
	if format := os.Getenv("LOCKSTEP_LOG_FORMAT"); format != "" {
		cfg.Format = format
	}
	// the host simulator may exit without giving an async writer a chance
	// to drain
	cfg.Sync = true
	logging.SetDefault(logging.NewLogger(cfg))
}

//export pi_barrier_init
func pi_barrier_init(uri *C.char, isLeader C.int, numProcs C.int) {
	dpi.Init(C.GoString(uri), isLeader != 0, int(numProcs))
}

//export pi_barrier_wait
func pi_barrier_wait(cycleOut *C.uint32_t) {
	writeCycle(cycleOut, dpi.Wait())
}

//export pi_barrier_get_cycle
func pi_barrier_get_cycle(cycleOut *C.uint32_t) {
	writeCycle(cycleOut, dpi.GetCycle())
}

//export pi_barrier_close
func pi_barrier_close() {
	dpi.Close()
}

//export pi_barrier_ready
func pi_barrier_ready() C.int {
	if dpi.Ready() {
		return 1
	}
	return 0
}

//export pi_barrier_set_num_procs
func pi_barrier_set_num_procs(numProcs C.int) {
	dpi.SetNumProcs(int(numProcs))
}

//export pi_barrier_get_num_procs
func pi_barrier_get_num_procs() C.int {
	return C.int(dpi.GetNumProcs())
}

// writeCycle stores a 64-bit cycle into a bit[63:0] svBitVecVal
func writeCycle(out *C.uint32_t, cycle uint64) {
	if out == nil {
		return
	}
	words := unsafe.Slice((*uint32)(unsafe.Pointer(out)), 2)
	words[0] = uint32(cycle)
	words[1] = uint32(cycle >> 32)
}

func main() {}
