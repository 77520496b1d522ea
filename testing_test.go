package lockstep

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenGroup(t *testing.T) {
	path := barrierPath(t)
	g, err := OpenGroup(path, 3, testOptions())
	require.NoError(t, err)

	require.Len(t, g.Barriers, 3)
	assert.True(t, g.Leader().IsLeader())
	assert.False(t, g.Barriers[1].IsLeader())
	assert.Equal(t, uint32(3), g.Barriers[2].NumProcesses())

	require.NoError(t, g.Close())
	assert.NoFileExists(t, path)
}

func TestOpenGroupInvalidSize(t *testing.T) {
	_, err := OpenGroup(barrierPath(t), 0, nil)
	assert.ErrorIs(t, err, ErrMisuse)
}

func TestGroupRunCallback(t *testing.T) {
	g, err := OpenGroup(barrierPath(t), 2, testOptions())
	require.NoError(t, err)
	defer g.Close()

	var calls atomic.Int64
	var stale atomic.Int64
	seen := g.Run(10, func(member int, last uint64) {
		calls.Add(1)
		// every member enters episode k having observed k-1 completions
		if g.Barriers[member].Cycle() < last {
			stale.Add(1)
		}
	})

	assert.Equal(t, int64(20), calls.Load())
	assert.Zero(t, stale.Load())
	assert.Equal(t, seen[0], seen[1])
}
