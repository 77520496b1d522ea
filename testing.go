package lockstep

import (
	"errors"
	"fmt"
	"sync"
)

// Group is a set of handles on one barrier opened inside a single process:
// one leader and n-1 followers, each with its own mapping of the backing
// file. It lets applications and benchmarks exercise the barrier without
// spawning processes.
type Group struct {
	Path     string
	Barriers []*Barrier
}

// OpenGroup opens a leader with threshold n followed by n-1 followers on path
func OpenGroup(path string, n int, opts *Options) (*Group, error) {
	if n <= 0 {
		return nil, NewPathError("OPEN_GROUP", path, ErrCodeMisuse, "group needs at least one member")
	}

	g := &Group{Path: path}
	leader, err := Open(path, RoleLeader, uint32(n), opts)
	if err != nil {
		return nil, err
	}
	g.Barriers = append(g.Barriers, leader)

	for i := 1; i < n; i++ {
		follower, err := Open(path, RoleFollower, 0, opts)
		if err != nil {
			g.Close()
			return nil, err
		}
		g.Barriers = append(g.Barriers, follower)
	}
	return g, nil
}

// Leader returns the handle that created the barrier
func (g *Group) Leader() *Barrier {
	return g.Barriers[0]
}

// Run calls Wait cycles times on every member concurrently, one goroutine per
// member. Before each Wait, fn (if non-nil) is called with the member index and
// the cycle that member last observed. Run returns the cycle values each member
// observed, indexed by member.
func (g *Group) Run(cycles int, fn func(member int, last uint64)) [][]uint64 {
	seen := make([][]uint64, len(g.Barriers))
	var wg sync.WaitGroup
	for i, b := range g.Barriers {
		wg.Add(1)
		go func(i int, b *Barrier) {
			defer wg.Done()
			out := make([]uint64, 0, cycles)
			var last uint64
			for c := 0; c < cycles; c++ {
				if fn != nil {
					fn(i, last)
				}
				last = b.Wait()
				out = append(out, last)
			}
			seen[i] = out
		}(i, b)
	}
	wg.Wait()
	return seen
}

// Close closes the followers and then the leader, which removes the file
func (g *Group) Close() error {
	var errs []error
	for i := len(g.Barriers) - 1; i >= 0; i-- {
		if err := g.Barriers[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("member %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
