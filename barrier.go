// Package lockstep provides a cycle barrier shared by independent processes
// on one host.
//
// Every participant maps the same small file. The leader creates and
// initializes it; followers wait for it to appear and attach. Each call to
// Wait blocks until all participants have called Wait for the same episode,
// then returns the number of completed episodes. Waiting never enters the
// kernel: arrivals are counted with atomic operations on the mapping and
// waiters spin on a sense flag that the last arriver flips.
package lockstep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-lockstep/internal/fence"
	"github.com/ehrlich-b/go-lockstep/internal/layout"
	"github.com/ehrlich-b/go-lockstep/internal/logging"
	"github.com/ehrlich-b/go-lockstep/internal/poll"
	"github.com/ehrlich-b/go-lockstep/internal/shm"
)

// StateSnapshot is a point-in-time copy of the shared barrier state
type StateSnapshot = layout.Snapshot

// Barrier is one process's handle on a shared barrier.
//
// A Barrier is not safe for concurrent use: it tracks the sense value its
// owner is waiting for. Several goroutines may take part in the same barrier
// only by opening one Barrier each.
type Barrier struct {
	state  *layout.State
	region *shm.Region

	path         string
	role         Role
	localSense   uint32
	unmapOnClose bool
	closed       bool

	spin     SpinStrategy
	observer Observer
	timed    bool
	metrics  *Metrics
	logger   Logger
	log      *logging.Logger
}

// Open creates (leader) or attaches to (follower) the barrier backed by the
// file at path. numProcesses is the arrival threshold and is only used by
// the leader. See OpenContext.
func Open(path string, role Role, numProcesses uint32, opts *Options) (*Barrier, error) {
	return OpenContext(context.Background(), path, role, numProcesses, opts)
}

// OpenContext is Open with a context that can cut the follower's bootstrap
// waits short.
//
// The leader creates or truncates the file, sizes it, maps it, zeroes every
// counter, stores numProcesses and only then sets the initialized flag.
// A follower waits for the file to exist, then for it to reach full size,
// maps it, and waits for the initialized flag. Any wait that exhausts its
// budget fails with ErrCodeBootstrapTimeout. Nothing acquired during a failed
// open is left behind.
func OpenContext(ctx context.Context, path string, role Role, numProcesses uint32, opts *Options) (*Barrier, error) {
	if opts == nil {
		opts = &Options{}
	}
	if path == "" {
		return nil, NewError("OPEN", ErrCodeMisuse, "empty barrier path")
	}
	if role == RoleLeader && numProcesses == 0 {
		return nil, NewPathError("OPEN", path, ErrCodeMisuse, "leader needs at least one process")
	}

	var observer Observer = NoOpObserver{}
	var metrics *Metrics
	if opts.Observer != nil {
		observer = opts.Observer
		if mo, ok := opts.Observer.(*MetricsObserver); ok {
			metrics = mo.Metrics()
		}
	} else {
		metrics = NewMetrics()
		observer = NewMetricsObserver(metrics)
	}

	budgets := opts.Bootstrap
	if budgets == (BootstrapBudgets{}) {
		budgets = DefaultBootstrapBudgets()
	}

	log := logging.Default().WithBarrier(path).WithRole(role.String())
	log.BootstrapStart(role.String(), numProcesses)
	start := time.Now()

	fail := func(err error) (*Barrier, error) {
		le := WrapError("OPEN", err)
		le.Path = path
		observer.ObserveBootstrap(uint64(time.Since(start)), role, false)
		log.BootstrapError(role.String(), le)
		return nil, le
	}

	var region *shm.Region
	var err error
	if role == RoleLeader {
		region, err = shm.Create(path, layout.Size)
	} else {
		region, err = shm.Attach(ctx, path, layout.Size, budgets.attach())
	}
	if err != nil {
		return fail(err)
	}

	state, err := layout.At(region.Mem)
	if err != nil {
		region.Close(true)
		return fail(NewPathError("OPEN", path, ErrCodeAllocationFailure, err.Error()))
	}

	if role == RoleLeader {
		state.Init(numProcesses)
	} else {
		err = poll.Until(ctx, budgets.init(), func() (bool, error) {
			return state.Initialized(), nil
		})
		if err != nil {
			region.Close(true)
			return fail(fmt.Errorf("waiting for initialization: %w", err))
		}
	}

	spinner := opts.Spin
	if spinner == nil {
		spinner = SpinCPU
	}

	b := &Barrier{
		state:        state,
		region:       region,
		path:         path,
		role:         role,
		localSense:   1,
		unmapOnClose: !opts.KeepMapping,
		spin:         spinner,
		observer:     observer,
		metrics:      metrics,
		logger:       opts.Logger,
		log:          log,
	}
	_, noop := observer.(NoOpObserver)
	b.timed = !noop

	latency := time.Since(start)
	observer.ObserveBootstrap(uint64(latency), role, true)
	log.BootstrapSuccess(role.String(), latency.Microseconds())
	if b.logger != nil {
		b.logger.Printf("Barrier opened: %s (%s, %d processes)", path, role, state.NumProcesses())
	}

	return b, nil
}

// Wait blocks until every participant has called Wait for the current
// episode and returns the number of completed episodes.
//
// Any write made by any participant before its call to Wait for episode N is
// visible to every participant after its own Wait for episode N returns.
// Wait has no timeout: a participant that never arrives leaves the others
// spinning. Calling Wait on a nil or closed Barrier panics.
func (b *Barrier) Wait() uint64 {
	b.mustBeOpen("WAIT")

	var start time.Time
	if b.timed {
		start = time.Now()
	}

	s := b.state
	mySense := b.localSense
	numProcs := s.NumProcesses()

	arrived := s.Arrive()
	released := arrived == numProcs

	var spins uint64
	if released {
		// Reset the count before the sense flip: a peer released by the
		// flip may arrive at the next episode immediately.
		s.ResetBarrierCount()
		fence.Full()
		s.IncCycleCount()
		s.SetSense(mySense)
	} else {
		for s.Sense() != mySense {
			b.spin.Pause()
			spins++
		}
	}

	fence.Full()
	b.localSense = 1 - mySense
	cycle := s.CycleCount()

	if b.timed {
		b.observer.ObserveWait(uint64(time.Since(start)), spins, released)
	}
	return cycle
}

// Cycle returns the number of completed episodes without waiting. Raced
// against a release it may return either the old or the new count.
func (b *Barrier) Cycle() uint64 {
	b.mustBeOpen("GET_CYCLE")
	return b.state.CycleCount()
}

// AllReady reports whether the leader has finished initializing the
// shared state
func (b *Barrier) AllReady() bool {
	b.mustBeOpen("ALL_READY")
	return b.state.Initialized()
}

// NumProcesses returns the current arrival threshold
func (b *Barrier) NumProcesses() uint32 {
	b.mustBeOpen("GET_NUM_PROCESSES")
	return b.state.NumProcesses()
}

// SetNumProcesses changes the arrival threshold for later episodes. Only the
// leader may resize, and only while no participant is inside Wait; resizing
// during an episode has undefined results.
func (b *Barrier) SetNumProcesses(n uint32) error {
	if b == nil || b.closed {
		return NewError("SET_NUM_PROCESSES", ErrCodeMisuse, "barrier not open")
	}
	if b.role != RoleLeader {
		return NewPathError("SET_NUM_PROCESSES", b.path, ErrCodeMisuse, "only the leader may resize the barrier")
	}
	if n == 0 {
		return NewPathError("SET_NUM_PROCESSES", b.path, ErrCodeMisuse, "barrier needs at least one process")
	}
	b.state.SetNumProcesses(n)
	b.log.Debug("barrier resized", "num_processes", n)
	return nil
}

// Snapshot reads every field of the shared state
func (b *Barrier) Snapshot() StateSnapshot {
	b.mustBeOpen("SNAPSHOT")
	return b.state.Snapshot()
}

// Role returns this participant's role; a nil Barrier reports RoleFollower
func (b *Barrier) Role() Role {
	if b == nil {
		return RoleFollower
	}
	return b.role
}

// IsLeader reports whether this handle created the barrier
func (b *Barrier) IsLeader() bool { return b.Role() == RoleLeader }

// Path returns the backing file path, or "" for a nil Barrier
func (b *Barrier) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}

// Metrics returns the metrics recorded for this handle, or nil when a
// custom observer was configured
func (b *Barrier) Metrics() *Metrics {
	if b == nil {
		return nil
	}
	return b.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of this handle's metrics
func (b *Barrier) MetricsSnapshot() MetricsSnapshot {
	if b == nil || b.metrics == nil {
		return MetricsSnapshot{}
	}
	return b.metrics.Snapshot()
}

// Close releases this handle: it unmaps the state (unless opened with
// KeepMapping), closes the descriptor and, for the leader, removes the
// backing file. Followers never remove the file. Close on a nil or already
// closed Barrier does nothing.
func (b *Barrier) Close() error {
	if b == nil || b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.region.Close(b.unmapOnClose); err != nil {
		errs = append(errs, err)
	}
	if b.role == RoleLeader {
		if err := shm.Unlink(b.path); err != nil {
			errs = append(errs, err)
		}
	}
	if b.unmapOnClose {
		b.state = nil
	}
	if b.metrics != nil {
		b.metrics.Stop()
	}

	if len(errs) > 0 {
		err := WrapError("CLOSE", errors.Join(errs...))
		err.Path = b.path
		b.log.WithError(err).Warn("barrier close failed")
		return err
	}
	b.log.Debug("barrier closed")
	if b.logger != nil {
		b.logger.Debugf("Barrier closed: %s", b.path)
	}
	return nil
}

// Inspect maps the barrier at path read-only and returns its state without
// joining it. It does not wait for the leader.
func Inspect(path string) (StateSnapshot, error) {
	region, err := shm.OpenReadOnly(path, layout.Size)
	if err != nil {
		le := WrapError("INSPECT", err)
		le.Path = path
		return StateSnapshot{}, le
	}
	defer region.Close(true)

	state, err := layout.At(region.Mem)
	if err != nil {
		return StateSnapshot{}, NewPathError("INSPECT", path, ErrCodeAllocationFailure, err.Error())
	}
	return state.Snapshot(), nil
}

// mustBeOpen enforces the handle precondition of the hot-path operations,
// which have no error return.
func (b *Barrier) mustBeOpen(op string) {
	if b == nil || b.closed || b.state == nil {
		panic(NewError(op, ErrCodeMisuse, "barrier not open"))
	}
}
