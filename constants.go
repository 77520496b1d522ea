package lockstep

import "github.com/ehrlich-b/go-lockstep/internal/constants"

// Re-export constants for public API
const (
	CacheLineSize       = constants.CacheLineSize
	StateSize           = constants.StateSize
	DefaultNumProcesses = constants.DefaultNumProcesses
	FilePollInterval    = constants.FilePollInterval
	FilePollRetries     = constants.FilePollRetries
	InitPollInterval    = constants.InitPollInterval
	InitPollRetries     = constants.InitPollRetries
)
