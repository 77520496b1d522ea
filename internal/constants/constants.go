package constants

import "time"

// Shared state layout constants
const (
	// CacheLineSize is the alignment of every field in the shared barrier state.
	// Fixed at 64 so the on-disk layout matches C participants built with
	// BARRIER_CACHE_LINE_SIZE=64 regardless of the host architecture.
	CacheLineSize = 64

	// StateFields is the number of cache lines in the shared barrier state
	StateFields = 5

	// StateSize is the size in bytes of the mapped barrier state
	StateSize = CacheLineSize * StateFields
)

// Default configuration constants
const (
	// DefaultNumProcesses is the participant count used when none is given
	DefaultNumProcesses = 2

	// DefaultFileMode is the permission mode of a newly created backing file
	DefaultFileMode = 0600

	// DefaultShmDir is the preferred directory for backing files
	DefaultShmDir = "/dev/shm"

	// DefaultFilePrefix prefixes backing file names built by DefaultPath
	DefaultFilePrefix = "lockstep_"
)

// Timing constants for follower bootstrap
const (
	// FilePollInterval is the sleep between checks for the backing file
	// and for the backing file reaching its full size
	FilePollInterval = 10 * time.Millisecond

	// FilePollRetries bounds the file and size waits (~10s each)
	FilePollRetries = 1000

	// InitPollInterval is the sleep between checks of the initialized flag
	InitPollInterval = 1 * time.Millisecond

	// InitPollRetries bounds the initialized-flag wait (~1s)
	InitPollRetries = 1000
)
