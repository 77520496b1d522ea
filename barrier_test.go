package lockstep

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-lockstep/internal/layout"
	"github.com/ehrlich-b/go-lockstep/internal/logging"
	"github.com/ehrlich-b/go-lockstep/internal/shm"
)

// testOptions spins with Gosched so tests behave on hosts with fewer cores
// than participants, and keeps bootstrap budgets short.
func testOptions() *Options {
	return &Options{
		Spin: SpinGosched,
		Bootstrap: BootstrapBudgets{
			FileInterval: time.Millisecond,
			FileRetries:  200,
			InitInterval: time.Millisecond,
			InitRetries:  200,
		},
	}
}

func barrierPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "barrier")
}

func openLeader(t *testing.T, path string, n uint32) *Barrier {
	t.Helper()
	b, err := Open(path, RoleLeader, n, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func openFollower(t *testing.T, path string) *Barrier {
	t.Helper()
	b, err := Open(path, RoleFollower, 0, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// waitAll calls Wait once on every handle concurrently and returns the
// observed cycles in handle order.
func waitAll(bs ...*Barrier) []uint64 {
	out := make([]uint64, len(bs))
	var wg sync.WaitGroup
	for i, b := range bs {
		wg.Add(1)
		go func(i int, b *Barrier) {
			defer wg.Done()
			out[i] = b.Wait()
		}(i, b)
	}
	wg.Wait()
	return out
}

func TestLeaderFollowerScenario(t *testing.T) {
	path := barrierPath(t)
	leader := openLeader(t, path, 2)
	follower := openFollower(t, path)

	assert.Equal(t, []uint64{1, 1}, waitAll(leader, follower))
	assert.Equal(t, []uint64{2, 2}, waitAll(leader, follower))
	assert.Equal(t, uint64(2), leader.Cycle())
	assert.Equal(t, uint64(2), follower.Cycle())
}

func TestIdenticalCycleSequences(t *testing.T) {
	const members = 4
	const cycles = 300

	g, err := OpenGroup(barrierPath(t), members, testOptions())
	require.NoError(t, err)
	defer g.Close()

	seen := g.Run(cycles, nil)
	require.Len(t, seen, members)

	for m := 0; m < members; m++ {
		require.Len(t, seen[m], cycles)
		for k := 0; k < cycles; k++ {
			require.Equal(t, uint64(k+1), seen[m][k], "member %d wait %d", m, k)
		}
	}
}

func TestBarrierCountNeverExceedsThreshold(t *testing.T) {
	const members = 3
	path := barrierPath(t)
	g, err := OpenGroup(path, members, testOptions())
	require.NoError(t, err)
	defer g.Close()

	// an extra handle that never waits observes the shared state
	observer := openFollower(t, path)

	var stop atomic.Bool
	var maxSeen atomic.Uint32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for !stop.Load() {
			snap := observer.Snapshot()
			if snap.BarrierCount > maxSeen.Load() {
				maxSeen.Store(snap.BarrierCount)
			}
		}
	}()

	g.Run(500, nil)
	stop.Store(true)
	<-done

	assert.LessOrEqual(t, maxSeen.Load(), uint32(members))
	assert.Zero(t, observer.Snapshot().BarrierCount)
	assert.Equal(t, uint64(500), observer.Cycle())
}

func TestWritesVisibleAfterWait(t *testing.T) {
	const members = 3
	const rounds = 200

	path := barrierPath(t)
	g, err := OpenGroup(path, members, testOptions())
	require.NoError(t, err)
	defer g.Close()

	// payload lives in a separate shared file, mapped once per member so
	// every member reads and writes through its own mapping
	dataPath := filepath.Join(t.TempDir(), "payload")
	owner, err := shm.Create(dataPath, 4096)
	require.NoError(t, err)
	defer owner.Close(true)

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i, b := range g.Barriers {
		region, err := shm.Attach(context.Background(), dataPath, 4096, shm.DefaultAttachBudgets())
		require.NoError(t, err)
		defer region.Close(true)

		wg.Add(1)
		go func(i int, b *Barrier, mem []byte) {
			defer wg.Done()
			for r := 1; r <= rounds; r++ {
				// produce: this member's slot carries the round number
				for k := 0; k < 64; k++ {
					mem[i*64+k] = byte(r + k)
				}
				b.Wait()
				// consume: every slot must carry this round
				for j := 0; j < members; j++ {
					for k := 0; k < 64; k++ {
						if mem[j*64+k] != byte(r+k) {
							failures.Add(1)
						}
					}
				}
				// second wait keeps fast members from overwriting before
				// slow members have read
				b.Wait()
			}
		}(i, b, region.Mem)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, uint64(2*rounds), g.Leader().Cycle())
}

func TestResizeAtQuiescence(t *testing.T) {
	path := barrierPath(t)
	leader := openLeader(t, path, 3)
	f1 := openFollower(t, path)
	f2 := openFollower(t, path)

	assert.Equal(t, []uint64{1, 1, 1}, waitAll(leader, f1, f2))

	require.NoError(t, leader.SetNumProcesses(2))
	assert.Equal(t, uint32(2), f2.NumProcesses())

	// only two arrivals are needed now
	assert.Equal(t, []uint64{2, 2}, waitAll(leader, f1))
	assert.Equal(t, uint64(2), f2.Cycle())
}

func TestResizeGrow(t *testing.T) {
	path := barrierPath(t)
	leader := openLeader(t, path, 1)

	assert.Equal(t, uint64(1), leader.Wait())
	assert.Equal(t, uint64(2), leader.Wait())

	follower := openFollower(t, path)
	require.NoError(t, leader.SetNumProcesses(2))
	// the leader has waited twice, so its sense is back to 1 like the new
	// follower's
	assert.Equal(t, []uint64{3, 3}, waitAll(leader, follower))
}

func TestSetNumProcessesMisuse(t *testing.T) {
	path := barrierPath(t)
	leader := openLeader(t, path, 2)
	follower := openFollower(t, path)

	err := follower.SetNumProcesses(3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMisuse)
	assert.Equal(t, uint32(2), leader.NumProcesses())

	err = leader.SetNumProcesses(0)
	assert.True(t, IsCode(err, ErrCodeMisuse))

	var nilBarrier *Barrier
	assert.ErrorIs(t, nilBarrier.SetNumProcesses(2), ErrMisuse)

	require.NoError(t, leader.Close())
	assert.ErrorIs(t, leader.SetNumProcesses(2), ErrMisuse)
}

func TestSingleParticipant(t *testing.T) {
	b := openLeader(t, barrierPath(t), 1)
	for i := uint64(1); i <= 10; i++ {
		assert.Equal(t, i, b.Wait())
	}
	snap := b.MetricsSnapshot()
	assert.Equal(t, uint64(10), snap.Episodes)
	assert.Equal(t, uint64(10), snap.Releases)
	assert.Zero(t, snap.SpinIterations)
}

func TestFollowerTimesOutWithoutLeader(t *testing.T) {
	opts := testOptions()
	opts.Bootstrap.FileInterval = 2 * time.Millisecond
	opts.Bootstrap.FileRetries = 25
	budget := opts.Bootstrap.FileInterval * time.Duration(opts.Bootstrap.FileRetries)

	path := barrierPath(t)
	start := time.Now()
	b, err := Open(path, RoleFollower, 0, opts)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, b)
	assert.True(t, IsCode(err, ErrCodeBootstrapTimeout), "got %v", err)
	assert.ErrorIs(t, err, ErrBootstrapTimeout)
	assert.GreaterOrEqual(t, elapsed, budget)
	assert.Less(t, elapsed, budget+5*time.Second)
	assert.NoFileExists(t, path)
}

func TestFollowerTimesOutWaitingForInit(t *testing.T) {
	path := barrierPath(t)
	// correctly sized but never initialized
	require.NoError(t, os.WriteFile(path, make([]byte, layout.Size), 0600))

	opts := testOptions()
	opts.Bootstrap.InitRetries = 20

	_, err := Open(path, RoleFollower, 0, opts)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeBootstrapTimeout), "got %v", err)
	assert.Contains(t, err.Error(), "initialization")
	// the follower must not remove a file it does not own
	assert.FileExists(t, path)
}

func TestFollowerContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := OpenContext(ctx, barrierPath(t), RoleFollower, 0, DefaultOptions())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeBootstrapTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFollowerAttachesToLateLeader(t *testing.T) {
	path := barrierPath(t)

	type result struct {
		b   *Barrier
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := Open(path, RoleFollower, 0, testOptions())
		ch <- result{b, err}
	}()

	time.Sleep(20 * time.Millisecond)
	leader := openLeader(t, path, 2)

	res := <-ch
	require.NoError(t, res.err)
	defer res.b.Close()

	assert.True(t, res.b.AllReady())
	assert.Equal(t, []uint64{1, 1}, waitAll(leader, res.b))
}

func TestLeaderOpenOnFreshPath(t *testing.T) {
	path := barrierPath(t)
	b := openLeader(t, path, 4)

	assert.True(t, b.AllReady())
	assert.True(t, b.IsLeader())
	assert.Equal(t, RoleLeader, b.Role())
	assert.Equal(t, path, b.Path())
	assert.Equal(t, uint32(4), b.NumProcesses())
	assert.Equal(t, StateSnapshot{NumProcesses: 4, Initialized: true}, b.Snapshot())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(StateSize), info.Size())
}

func TestLeaderOpenTruncatesStaleState(t *testing.T) {
	path := barrierPath(t)
	first, err := Open(path, RoleLeader, 1, testOptions())
	require.NoError(t, err)
	first.Wait()
	first.Wait()
	// simulate a leader that died without closing
	require.NoError(t, first.region.Close(true))

	second := openLeader(t, path, 1)
	assert.Zero(t, second.Cycle())
}

func TestOpenValidation(t *testing.T) {
	_, err := Open("", RoleLeader, 2, nil)
	assert.ErrorIs(t, err, ErrMisuse)

	_, err = Open(barrierPath(t), RoleLeader, 0, nil)
	assert.ErrorIs(t, err, ErrMisuse)

	_, err = Open(filepath.Join(t.TempDir(), "missing-dir", "barrier"), RoleLeader, 2, nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeIOFailure), "got %v", err)
}

func TestLeaderOpenOnFifoIsIOFailure(t *testing.T) {
	path := barrierPath(t)
	require.NoError(t, unix.Mkfifo(path, 0600))

	_, err := Open(path, RoleLeader, 2, testOptions())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeIOFailure), "got %v", err)
	assert.False(t, IsCode(err, ErrCodeMisuse))
	assert.True(t, IsErrno(err, unix.EINVAL))

	// the leader did not create the FIFO, so it is left in place
	info, err := os.Lstat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeNamedPipe, info.Mode().Type())
}

func TestLeaderCloseRemovesFile(t *testing.T) {
	path := barrierPath(t)
	leader, err := Open(path, RoleLeader, 2, testOptions())
	require.NoError(t, err)
	follower, err := Open(path, RoleFollower, 0, testOptions())
	require.NoError(t, err)

	require.NoError(t, follower.Close())
	assert.FileExists(t, path, "follower close must not remove the file")

	require.NoError(t, leader.Close())
	assert.NoFileExists(t, path)

	// reopening behaves like a fresh barrier
	again := openLeader(t, path, 1)
	assert.Zero(t, again.Cycle())
	assert.Equal(t, uint64(1), again.Wait())
}

func TestCloseIdempotent(t *testing.T) {
	path := barrierPath(t)
	b, err := Open(path, RoleLeader, 1, testOptions())
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	var nilBarrier *Barrier
	assert.NoError(t, nilBarrier.Close())
}

func TestClosedHandlePanics(t *testing.T) {
	b, err := Open(barrierPath(t), RoleLeader, 1, testOptions())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	assert.Panics(t, func() { b.Wait() })
	assert.Panics(t, func() { b.Cycle() })
	assert.Panics(t, func() { b.AllReady() })

	var nilBarrier *Barrier
	assert.Panics(t, func() { nilBarrier.Wait() })
	assert.Nil(t, nilBarrier.Metrics())
	assert.Equal(t, MetricsSnapshot{}, nilBarrier.MetricsSnapshot())
	assert.Equal(t, RoleFollower, nilBarrier.Role())
	assert.False(t, nilBarrier.IsLeader())
	assert.Empty(t, nilBarrier.Path())
	assert.NoError(t, nilBarrier.Close())
}

func TestKeepMapping(t *testing.T) {
	path := barrierPath(t)
	opts := testOptions()
	opts.KeepMapping = true

	b, err := Open(path, RoleLeader, 1, opts)
	require.NoError(t, err)
	b.Wait()
	state := b.state
	require.NoError(t, b.Close())

	// the mapping survives close; only the handle is unusable
	assert.Equal(t, uint64(1), state.CycleCount())
	assert.Panics(t, func() { b.Wait() })
	assert.NoFileExists(t, path)
}

func TestInspect(t *testing.T) {
	path := barrierPath(t)
	leader := openLeader(t, path, 1)
	leader.Wait()
	leader.Wait()
	leader.Wait()

	snap, err := Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.CycleCount)
	assert.Equal(t, uint32(1), snap.NumProcesses)
	assert.True(t, snap.Initialized)
	// three releases flip the sense 1, 0, 1
	assert.Equal(t, uint32(1), snap.Sense)

	_, err = Inspect(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, IsCode(err, ErrCodeIOFailure))
}

func TestCustomObserver(t *testing.T) {
	obs := &countingObserver{}
	opts := testOptions()
	opts.Observer = obs

	b, err := Open(barrierPath(t), RoleLeader, 1, opts)
	require.NoError(t, err)
	defer b.Close()

	b.Wait()
	b.Wait()

	assert.Equal(t, int64(2), obs.waits.Load())
	assert.Equal(t, int64(1), obs.bootstraps.Load())
	assert.Nil(t, b.Metrics())
}

func TestNoOpObserverSkipsTiming(t *testing.T) {
	opts := testOptions()
	opts.Observer = NoOpObserver{}

	b, err := Open(barrierPath(t), RoleLeader, 1, opts)
	require.NoError(t, err)
	defer b.Close()

	assert.False(t, b.timed)
	assert.Equal(t, uint64(1), b.Wait())
}

func TestOptionsLogger(t *testing.T) {
	logger := &recordingLogger{}
	opts := testOptions()
	opts.Logger = logger

	b, err := Open(barrierPath(t), RoleLeader, 1, opts)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	assert.Equal(t, 1, logger.printf)
	assert.Equal(t, 1, logger.debugf)
}

func TestStructuredLoggerAsOptionsLogger(t *testing.T) {
	var buf bytes.Buffer
	opts := testOptions()
	opts.Logger = logging.NewLogger(&logging.Config{
		Level:   logging.LevelDebug,
		Output:  &buf,
		Sync:    true,
		NoColor: true,
	})

	path := barrierPath(t)
	b, err := Open(path, RoleLeader, 1, opts)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	assert.Contains(t, buf.String(), "Barrier opened: "+path)
	assert.Contains(t, buf.String(), "Barrier closed: "+path)
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "leader", RoleLeader.String())
	assert.Equal(t, "follower", RoleFollower.String())
	assert.Equal(t, RoleLeader, RoleFor(true))
	assert.Equal(t, RoleFollower, RoleFor(false))
}

type countingObserver struct {
	waits      atomic.Int64
	bootstraps atomic.Int64
}

func (o *countingObserver) ObserveWait(uint64, uint64, bool)    { o.waits.Add(1) }
func (o *countingObserver) ObserveBootstrap(uint64, Role, bool) { o.bootstraps.Add(1) }

type recordingLogger struct {
	printf int
	debugf int
}

func (l *recordingLogger) Printf(string, ...any) { l.printf++ }
func (l *recordingLogger) Debugf(string, ...any) { l.debugf++ }
