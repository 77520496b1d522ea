package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	lockstep "github.com/ehrlich-b/go-lockstep"
	"github.com/ehrlich-b/go-lockstep/internal/logging"
)

var (
	spawnProcs      uint32
	spawnCycles     uint64
	spawnPath       string
	spawnDoubleWait bool
	spawnYield      bool
)

// spawnCmd starts a leader and followers as separate processes running "run"
var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Run N participants as separate processes and check they stay in lockstep",
	RunE: func(cmd *cobra.Command, args []string) error {
		if spawnProcs == 0 {
			return fmt.Errorf("--procs must be at least 1")
		}
		path := spawnPath
		if path == "" {
			path = lockstep.DefaultPath(fmt.Sprintf("spawn_%d", os.Getpid()))
		}

		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locating executable: %w", err)
		}

		log := logging.Default()
		log.Info("spawning participants", "procs", spawnProcs, "cycles", spawnCycles, "path", path)
		start := time.Now()

		outs, err := spawnParticipants(self, path)
		if err != nil {
			return err
		}

		cycles := make([]uint64, len(outs))
		for rank, out := range outs {
			c, ok := parseBarrierCycle(out.stdout.String())
			if out.err != nil || !ok {
				fmt.Fprintf(os.Stderr, "rank %d failed (%v):\n%s", rank, out.err, out.stderr.String())
				return fmt.Errorf("participant %d failed", rank)
			}
			cycles[rank] = c
			fmt.Printf("rank %d: barrier_cycle=%d\n", rank, c)
		}

		for rank, c := range cycles {
			if c != cycles[0] {
				return fmt.Errorf("rank %d finished at cycle %d, rank 0 at %d", rank, c, cycles[0])
			}
		}

		elapsed := time.Since(start)
		fmt.Printf("%d processes completed %d episodes in lockstep (%v)\n", spawnProcs, cycles[0], elapsed.Round(time.Millisecond))
		return nil
	},
}

type participantOutput struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
	err    error
}

// spawnParticipants starts the followers first, so they exercise the wait
// for the backing file, then the leader, and waits for all of them
func spawnParticipants(self, path string) ([]*participantOutput, error) {
	outs := make([]*participantOutput, spawnProcs)
	cmds := make([]*exec.Cmd, spawnProcs)

	order := make([]int, 0, spawnProcs)
	for rank := 1; rank < int(spawnProcs); rank++ {
		order = append(order, rank)
	}
	order = append(order, 0)

	for _, rank := range order {
		args := []string{
			"run",
			"--path", path,
			"--procs", strconv.FormatUint(uint64(spawnProcs), 10),
			"--rank", strconv.Itoa(rank),
			"--max-cycles", strconv.FormatUint(spawnCycles, 10),
			"--log-level", logLevel,
			"--log-format", logFormat,
		}
		if rank == 0 {
			args = append(args, "--leader")
		}
		if spawnDoubleWait {
			args = append(args, "--double-wait")
		}
		if spawnYield {
			args = append(args, "--yield")
		}

		out := &participantOutput{}
		c := exec.Command(self, args...)
		c.Stdout = &out.stdout
		c.Stderr = &out.stderr
		if err := c.Start(); err != nil {
			for _, started := range cmds {
				if started != nil {
					started.Process.Kill()
					started.Wait()
				}
			}
			return nil, fmt.Errorf("starting rank %d: %w", rank, err)
		}
		outs[rank] = out
		cmds[rank] = c
	}

	var wg sync.WaitGroup
	for rank, c := range cmds {
		wg.Add(1)
		go func(out *participantOutput, c *exec.Cmd) {
			defer wg.Done()
			out.err = c.Wait()
		}(outs[rank], c)
	}
	wg.Wait()
	return outs, nil
}

var barrierCycleRe = regexp.MustCompile(`barrier_cycle=(\d+)`)

// parseBarrierCycle extracts the final barrier cycle printed by "run"
func parseBarrierCycle(out string) (uint64, bool) {
	m := barrierCycleRe.FindStringSubmatch(out)
	if m == nil {
		return 0, false
	}
	c, err := strconv.ParseUint(m[1], 10, 64)
	return c, err == nil
}

func init() {
	spawnCmd.Flags().Uint32Var(&spawnProcs, "procs", lockstep.DefaultNumProcesses, "Number of participant processes")
	spawnCmd.Flags().Uint64Var(&spawnCycles, "cycles", 1000, "Cycles each participant runs")
	spawnCmd.Flags().StringVar(&spawnPath, "path", "", "Barrier backing file (default under /dev/shm)")
	spawnCmd.Flags().BoolVar(&spawnDoubleWait, "double-wait", false, "Wait a second time after the falling edge")
	spawnCmd.Flags().BoolVar(&spawnYield, "yield", false, "Yield to the scheduler while waiting instead of spinning")
}
