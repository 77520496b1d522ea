package lockstep

import (
	"time"

	"github.com/ehrlich-b/go-lockstep/internal/constants"
	"github.com/ehrlich-b/go-lockstep/internal/logging"
	"github.com/ehrlich-b/go-lockstep/internal/poll"
	"github.com/ehrlich-b/go-lockstep/internal/shm"
	"github.com/ehrlich-b/go-lockstep/internal/spin"
)

// Role is a participant's part in the barrier's lifecycle
type Role int

const (
	// RoleFollower attaches to a barrier created by the leader
	RoleFollower Role = iota
	// RoleLeader creates, initializes and finally removes the barrier
	RoleLeader
)

// String returns "leader" or "follower"
func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// RoleFor maps the conventional is_leader flag onto a Role
func RoleFor(isLeader bool) Role {
	if isLeader {
		return RoleLeader
	}
	return RoleFollower
}

// SpinStrategy is called once per iteration while a participant waits for
// the episode to be released.
type SpinStrategy = spin.Strategy

// Built-in spin strategies
var (
	// SpinCPU issues the processor's spin-wait hint (PAUSE/YIELD)
	SpinCPU SpinStrategy = spin.CPU{}
	// SpinGosched yields to the Go scheduler; for hosts with more
	// participants than cores
	SpinGosched SpinStrategy = spin.Gosched{}
)

// Logger is the printf-style logger accepted in Options. The package's
// structured logger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Printf(format string, args ...any)
}

var _ Logger = (*logging.Logger)(nil)

// BootstrapBudgets bounds the three follower waits performed by Open.
// Each wait sleeps Interval between at most Retries re-checks.
type BootstrapBudgets struct {
	FileInterval time.Duration // backing file existence and size
	FileRetries  int
	InitInterval time.Duration // initialized flag
	InitRetries  int
}

// DefaultBootstrapBudgets returns ~10s for the file waits and ~1s for the
// initialized flag
func DefaultBootstrapBudgets() BootstrapBudgets {
	return BootstrapBudgets{
		FileInterval: constants.FilePollInterval,
		FileRetries:  constants.FilePollRetries,
		InitInterval: constants.InitPollInterval,
		InitRetries:  constants.InitPollRetries,
	}
}

func (b BootstrapBudgets) attach() shm.AttachBudgets {
	file := poll.Budget{Interval: b.FileInterval, Retries: b.FileRetries}
	return shm.AttachBudgets{Exist: file, Sized: file}
}

func (b BootstrapBudgets) init() poll.Budget {
	return poll.Budget{Interval: b.InitInterval, Retries: b.InitRetries}
}

// Options contains optional settings for Open
type Options struct {
	// Logger for debug/info messages (if nil, the package's structured
	// default logger is used)
	Logger Logger

	// Observer for metrics collection (if nil, a MetricsObserver over a
	// fresh Metrics is used). Any observer other than NoOpObserver makes
	// every Wait read the clock twice and update the latency histogram;
	// NoOpObserver{} keeps Wait to the shared-memory atomics alone.
	Observer Observer

	// Spin is the per-iteration wait hint (if nil, SpinCPU)
	Spin SpinStrategy

	// Bootstrap bounds the follower's waits (zero value means defaults)
	Bootstrap BootstrapBudgets

	// KeepMapping leaves the shared mapping in place on Close; only the
	// descriptor is released (and the file unlinked, for the leader)
	KeepMapping bool
}

// DefaultOptions returns options with every default filled in
func DefaultOptions() *Options {
	return &Options{
		Spin:      spin.Default(),
		Bootstrap: DefaultBootstrapBudgets(),
	}
}

// DefaultPath returns the conventional backing file path for a barrier
// name, preferring /dev/shm
func DefaultPath(name string) string {
	return shm.DefaultPath(name)
}
