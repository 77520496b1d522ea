package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	lockstep "github.com/ehrlich-b/go-lockstep"
	"github.com/ehrlich-b/go-lockstep/internal/logging"
)

var (
	benchProcs    int
	benchEpisodes int
	benchPath     string
	benchYield    bool
)

// benchCmd measures episode latency with in-process participants
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure barrier episode latency with in-process participants",
	RunE: func(cmd *cobra.Command, args []string) error {
		if benchProcs <= 0 || benchEpisodes <= 0 {
			return fmt.Errorf("--procs and --episodes must be positive")
		}

		path := benchPath
		if path == "" {
			dir, err := os.MkdirTemp("", "lockstep-bench")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			path = filepath.Join(dir, "barrier")
		}

		opts := lockstep.DefaultOptions()
		if benchYield {
			opts.Spin = lockstep.SpinGosched
		}

		g, err := lockstep.OpenGroup(path, benchProcs, opts)
		if err != nil {
			return err
		}
		defer g.Close()

		logging.Default().Info("benchmark starting", "procs", benchProcs, "episodes", benchEpisodes)

		start := time.Now()
		g.Run(benchEpisodes, nil)
		elapsed := time.Since(start)

		fmt.Printf("%d participants, %d episodes in %v (%.0f episodes/s, %v/episode)\n",
			benchProcs, benchEpisodes, elapsed.Round(time.Microsecond),
			float64(benchEpisodes)/elapsed.Seconds(),
			(elapsed / time.Duration(benchEpisodes)).Round(time.Nanosecond))

		fmt.Printf("%-6s %10s %10s %10s %10s %10s %10s\n", "member", "releases", "avg_wait", "p50", "p99", "max_wait", "avg_spins")
		for i, b := range g.Barriers {
			s := b.MetricsSnapshot()
			fmt.Printf("%-6d %10d %10v %10v %10v %10v %10.1f\n",
				i, s.Releases,
				time.Duration(s.AvgWaitNs), time.Duration(s.WaitP50Ns), time.Duration(s.WaitP99Ns),
				time.Duration(s.MaxWaitNs), s.AvgSpins)
		}
		return nil
	},
}

func init() {
	benchCmd.Flags().IntVar(&benchProcs, "procs", 4, "Number of participants")
	benchCmd.Flags().IntVar(&benchEpisodes, "episodes", 100000, "Episodes to run")
	benchCmd.Flags().StringVar(&benchPath, "path", "", "Barrier backing file (default: a temp file)")
	benchCmd.Flags().BoolVar(&benchYield, "yield", false, "Yield to the scheduler while waiting instead of spinning")
}
