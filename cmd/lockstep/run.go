package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	lockstep "github.com/ehrlich-b/go-lockstep"
	"github.com/ehrlich-b/go-lockstep/config"
	"github.com/ehrlich-b/go-lockstep/driver"
	"github.com/ehrlich-b/go-lockstep/internal/logging"
	"github.com/ehrlich-b/go-lockstep/internal/shm"
)

// runSettings is the resolved configuration of one participant
type runSettings struct {
	path       string
	leader     bool
	procs      uint32
	rank       int
	maxCycles  uint64
	period     time.Duration
	doubleWait bool
}

var (
	runFlags   runSettings
	runConfig  string // YAML run profile
	runSpinGos bool   // yield to the scheduler while waiting
)

// runCmd drives the built-in relay model, optionally in lockstep with peers
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay model, in lockstep with peers when --path is set",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := resolveRunSettings(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, mismatches, err := runParticipant(ctx, settings)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		fmt.Printf("cycles=%d barrier_cycle=%d sim_time_ps=%d mismatches=%d\n",
			res.Cycles, res.LastBarrierCycle, res.SimTime, mismatches)
		if mismatches > 0 {
			return fmt.Errorf("%d cycles observed out-of-step data", mismatches)
		}
		return nil
	},
}

// resolveRunSettings layers the run profile (if any) under explicitly set
// flags
func resolveRunSettings(cmd *cobra.Command) (runSettings, error) {
	s := runFlags
	if runConfig == "" {
		return s, nil
	}

	p, err := config.Load(runConfig)
	if err != nil {
		return s, err
	}
	flags := cmd.Flags()
	if p.Path != "" && !flags.Changed("path") {
		s.path = p.Path
	}
	if p.Leader != nil && !flags.Changed("leader") {
		s.leader = *p.Leader
	}
	if p.Procs != nil && !flags.Changed("procs") {
		s.procs = *p.Procs
	}
	if p.MaxCycles != nil && !flags.Changed("max-cycles") {
		s.maxCycles = *p.MaxCycles
	}
	if p.Period != "" && !flags.Changed("period") {
		s.period = p.PeriodDuration()
	}
	if p.DoubleWait != nil && !flags.Changed("double-wait") {
		s.doubleWait = *p.DoubleWait
	}
	if p.LogLevel != "" && !flags.Changed("log-level") {
		if err := setupLogging(p.LogLevel, logFormat); err != nil {
			return s, err
		}
	}
	return s, nil
}

// runParticipant opens the barrier and exchange buffer, runs the loop and
// tears everything down. Without a path the model runs free on private
// memory.
func runParticipant(ctx context.Context, s runSettings) (driver.Result, uint64, error) {
	log := logging.Default()

	if s.path == "" {
		model := newRelayModel(make([]byte, exchangeSize(1)), 0, 1)
		res, err := runLoop(ctx, model, nil, s)
		return res, model.mismatches, err
	}

	if s.leader && s.procs == 0 {
		return driver.Result{}, 0, fmt.Errorf("--procs must be at least 1")
	}

	opts := lockstep.DefaultOptions()
	if runSpinGos {
		opts.Spin = lockstep.SpinGosched
	}

	// The leader creates the exchange buffer before the barrier, so a
	// follower that sees the barrier initialized finds the buffer in place.
	dataPath := s.path + ".data"
	var data *shm.Region
	var err error
	if s.leader {
		data, err = shm.Create(dataPath, exchangeSize(s.procs))
		if err != nil {
			return driver.Result{}, 0, err
		}
		defer shm.Unlink(dataPath)
		defer data.Close(true)
	}

	b, err := lockstep.OpenContext(ctx, s.path, lockstep.RoleFor(s.leader), s.procs, opts)
	if err != nil {
		return driver.Result{}, 0, err
	}
	defer b.Close()

	procs := b.NumProcesses()
	if !s.leader {
		data, err = shm.Attach(ctx, dataPath, exchangeSize(procs), shm.DefaultAttachBudgets())
		if err != nil {
			return driver.Result{}, 0, err
		}
		defer data.Close(true)
	}

	if s.rank < 0 || s.rank >= int(procs) {
		return driver.Result{}, 0, fmt.Errorf("--rank %d out of range for %d processes", s.rank, procs)
	}

	log.InfoContext(ctx, "participant ready", "path", s.path, "role", b.Role().String(), "rank", s.rank, "procs", procs)

	model := newRelayModel(data.Mem, s.rank, int(procs))
	res, err := runLoop(ctx, model, b, s)

	snap := b.MetricsSnapshot()
	log.DebugContext(ctx, "wait statistics",
		"episodes", snap.Episodes,
		"releases", snap.Releases,
		"avg_wait_ns", snap.AvgWaitNs,
		"p99_wait_ns", snap.WaitP99Ns,
		"avg_spins", snap.AvgSpins)

	return res, model.mismatches, err
}

func runLoop(ctx context.Context, model driver.Model, b *lockstep.Barrier, s runSettings) (driver.Result, error) {
	var w driver.Waiter
	if b != nil {
		w = b
	}
	loop, err := driver.New(model, w, driver.Config{
		Period:     s.period,
		MaxCycles:  s.maxCycles,
		DoubleWait: s.doubleWait,
	})
	if err != nil {
		return driver.Result{}, err
	}
	return loop.Run(ctx)
}

func init() {
	runCmd.Flags().StringVar(&runFlags.path, "path", "", "Barrier backing file (empty = run without a barrier)")
	runCmd.Flags().BoolVar(&runFlags.leader, "leader", false, "Create and own the barrier")
	runCmd.Flags().Uint32Var(&runFlags.procs, "procs", lockstep.DefaultNumProcesses, "Number of participants (leader only)")
	runCmd.Flags().IntVar(&runFlags.rank, "rank", 0, "This participant's position in the relay ring")
	runCmd.Flags().Uint64Var(&runFlags.maxCycles, "max-cycles", 0, "Stop after this many cycles (0 = until interrupted)")
	runCmd.Flags().DurationVar(&runFlags.period, "period", driver.DefaultPeriod, "Simulated clock period")
	runCmd.Flags().BoolVar(&runFlags.doubleWait, "double-wait", false, "Wait a second time after the falling edge")
	runCmd.Flags().StringVar(&runConfig, "config", "", "YAML run profile; explicit flags take precedence")
	runCmd.Flags().BoolVar(&runSpinGos, "yield", false, "Yield to the scheduler while waiting instead of spinning")
}
