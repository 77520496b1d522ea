// Package driver runs a clocked model in lockstep with other processes.
//
// Each cycle the model is evaluated once to produce its outputs, every
// participant meets at the barrier, and then the clock is driven high and low
// with an evaluation after each edge. Because no participant starts a rising
// edge before all of them have produced, values exchanged through shared
// memory are stable for the whole cycle.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-lockstep/internal/logging"
)

// DefaultPeriod is the clock period used when Config.Period is zero
const DefaultPeriod = 10 * time.Nanosecond

// Model is a clocked design driven by the loop
type Model interface {
	// Eval settles the model's combinational logic
	Eval()
	// SetClock drives the clock input
	SetClock(high bool)
	// Finished reports whether the model asked to stop
	Finished() bool
}

// Finalizer is implemented by models that need a last call once the loop
// has stopped
type Finalizer interface {
	Final()
}

// Waiter is the barrier the loop meets at once per cycle. *lockstep.Barrier
// implements it.
type Waiter interface {
	Wait() uint64
}

// Config controls a Loop
type Config struct {
	// Period is the simulated clock period (DefaultPeriod if zero)
	Period time.Duration
	// MaxCycles stops the loop after this many cycles (0 = unlimited)
	MaxCycles uint64
	// DoubleWait adds a second barrier wait after the falling edge so no
	// participant produces for cycle N+1 while a peer still consumes cycle N
	DoubleWait bool
}

// StopReason records why a loop ended
type StopReason int

const (
	StopMaxCycles StopReason = iota // MaxCycles reached
	StopFinished                    // Model.Finished reported true
	StopCancelled                   // context cancelled
)

func (r StopReason) String() string {
	switch r {
	case StopMaxCycles:
		return "max_cycles"
	case StopFinished:
		return "finished"
	case StopCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Result summarizes a finished run
type Result struct {
	Cycles           uint64     // Clock cycles executed
	SimTime          uint64     // Simulated time in picoseconds
	LastBarrierCycle uint64     // Value returned by the last barrier wait (0 without a barrier)
	Reason           StopReason // Why the loop stopped
}

// Loop drives one model
type Loop struct {
	model   Model
	barrier Waiter
	config  Config
	log     *logging.Logger

	half0 uint64 // picoseconds from cycle start to rising edge
	half1 uint64 // picoseconds from rising to falling edge
}

// New creates a loop. barrier may be nil, in which case the model runs
// free without synchronizing with anyone.
func New(model Model, barrier Waiter, config Config) (*Loop, error) {
	if model == nil {
		return nil, fmt.Errorf("driver: nil model")
	}
	if config.Period < 0 {
		return nil, fmt.Errorf("driver: negative period %v", config.Period)
	}
	if config.Period == 0 {
		config.Period = DefaultPeriod
	}

	period := uint64(config.Period.Nanoseconds()) * 1000
	half0 := period / 2

	return &Loop{
		model:   model,
		barrier: barrier,
		config:  config,
		log:     logging.Default(),
		half0:   half0,
		half1:   period - half0,
	}, nil
}

// SetLogger replaces the loop's logger
func (l *Loop) SetLogger(log *logging.Logger) {
	if log != nil {
		l.log = log
	}
}

// Run drives the model until MaxCycles is reached, the model finishes, or
// ctx is cancelled, in which case it returns the partial result together with
// ctx.Err(). Cancellation is checked between cycles; a barrier wait in
// progress is not interrupted.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	var res Result

	if l.barrier != nil {
		l.log.InfoContext(ctx, "barrier sync enabled", "max_cycles", l.config.MaxCycles, "double_wait", l.config.DoubleWait)
	}

	l.model.SetClock(false)
	l.model.Eval()

	for {
		if l.model.Finished() {
			res.Reason = StopFinished
			break
		}
		if ctxDone(ctx) {
			res.Reason = StopCancelled
			break
		}
		if l.config.MaxCycles > 0 && res.Cycles >= l.config.MaxCycles {
			l.log.InfoContext(ctx, "reached max cycles", "max_cycles", l.config.MaxCycles)
			res.Reason = StopMaxCycles
			break
		}

		// produce, then wait until every participant has produced
		l.model.Eval()
		if l.barrier != nil {
			res.LastBarrierCycle = l.barrier.Wait()
		}

		res.SimTime += l.half0
		l.model.SetClock(true)
		l.model.Eval()
		res.SimTime += l.half1
		l.model.SetClock(false)
		l.model.Eval()

		if l.barrier != nil && l.config.DoubleWait {
			res.LastBarrierCycle = l.barrier.Wait()
		}

		res.Cycles++
	}

	if f, ok := l.model.(Finalizer); ok {
		f.Final()
	}

	l.log.InfoContext(ctx, "simulation ended", "cycles", res.Cycles, "reason", res.Reason.String(), "sim_time_ps", res.SimTime)
	if res.Reason == StopCancelled {
		return res, ctx.Err()
	}
	return res, nil
}

func ctxDone(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
