// Package fence provides a full memory fence usable on memory shared with
// other processes.
package fence

import "sync/atomic"

// fenceDummy is used for atomic operations that provide memory barrier semantics.
// On x86-64, atomic.AddInt64 compiles to LOCK XADD which has full fence semantics;
// on arm64 it is an LDADDAL (or LDAXR/STLXR loop) with acquire+release ordering.
var fenceDummy int64

// Full issues a full memory fence equivalent.
// Go exposes no standalone fence, so a sequentially consistent read-modify-write
// on a private word stands in for one: no load or store may be reordered across it.
func Full() {
	atomic.AddInt64(&fenceDummy, 0)
}
