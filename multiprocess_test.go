package lockstep

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test: it is the body of a participant
// process started by TestMultiProcess.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("LOCKSTEP_HELPER") != "1" {
		t.Skip("helper process")
	}

	path := os.Getenv("LOCKSTEP_PATH")
	leader := os.Getenv("LOCKSTEP_ROLE") == "leader"
	procs, _ := strconv.Atoi(os.Getenv("LOCKSTEP_PROCS"))
	cycles, _ := strconv.Atoi(os.Getenv("LOCKSTEP_CYCLES"))

	opts := DefaultOptions()
	opts.Spin = SpinGosched

	b, err := Open(path, RoleFor(leader), uint32(procs), opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(2)
	}

	for k := 1; k <= cycles; k++ {
		if got := b.Wait(); got != uint64(k) {
			fmt.Fprintf(os.Stderr, "wait %d returned cycle %d\n", k, got)
			os.Exit(3)
		}
	}
	fmt.Fprintf(os.Stdout, "cycle=%d\n", b.Cycle())

	if err := b.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
		os.Exit(4)
	}
	os.Exit(0)
}

func helperCommand(t *testing.T, path, role string, procs, cycles int) (*exec.Cmd, *bytes.Buffer) {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(),
		"LOCKSTEP_HELPER=1",
		"LOCKSTEP_PATH="+path,
		"LOCKSTEP_ROLE="+role,
		"LOCKSTEP_PROCS="+strconv.Itoa(procs),
		"LOCKSTEP_CYCLES="+strconv.Itoa(cycles),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	return cmd, &out
}

func TestMultiProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi-process test in short mode")
	}

	const procs = 3
	const cycles = 200
	path := barrierPath(t)

	// followers start first and wait for the leader to create the file
	var cmds []*exec.Cmd
	var outs []*bytes.Buffer
	for i := 1; i < procs; i++ {
		cmd, out := helperCommand(t, path, "follower", procs, cycles)
		require.NoError(t, cmd.Start())
		cmds = append(cmds, cmd)
		outs = append(outs, out)
	}

	time.Sleep(20 * time.Millisecond)
	cmd, out := helperCommand(t, path, "leader", procs, cycles)
	require.NoError(t, cmd.Start())
	cmds = append(cmds, cmd)
	outs = append(outs, out)

	for i, cmd := range cmds {
		err := cmd.Wait()
		require.NoError(t, err, "participant %d output:\n%s", i, outs[i].String())
		assert.True(t, strings.Contains(outs[i].String(), fmt.Sprintf("cycle=%d", cycles)),
			"participant %d output:\n%s", i, outs[i].String())
	}

	assert.NoFileExists(t, path)
}
