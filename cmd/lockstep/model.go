package main

import (
	"encoding/binary"
)

// slotSize is the stride between ranks in the exchange buffer, one cache
// line so neighbouring ranks never share a line
const slotSize = 64

// exchangeSize returns the exchange buffer size for procs ranks: two halves,
// one slot per rank in each
func exchangeSize(procs uint32) int {
	return 2 * int(procs) * slotSize
}

// relayModel is the built-in model driven by "lockstep run". The ranks form
// a ring: on every rising edge a rank reads its upstream neighbour's token
// from one half of the exchange buffer and writes token+1 into its own slot
// in the other half. With the barrier holding every rank to the same cycle,
// the token a rank reads on cycle c is always exactly c.
type relayModel struct {
	mem   []byte
	rank  int
	procs int

	clk        bool
	cycle      uint64
	token      uint64
	mismatches uint64
}

func newRelayModel(mem []byte, rank, procs int) *relayModel {
	return &relayModel{mem: mem, rank: rank, procs: procs}
}

func (m *relayModel) slot(half, rank int) []byte {
	off := (half*m.procs + rank) * slotSize
	return m.mem[off : off+8]
}

func (m *relayModel) Eval() {}

func (m *relayModel) SetClock(high bool) {
	if high && !m.clk {
		cur := int(m.cycle % 2)
		upstream := (m.rank + m.procs - 1) % m.procs

		m.token = binary.LittleEndian.Uint64(m.slot(cur, upstream))
		if m.token != m.cycle {
			m.mismatches++
		}
		binary.LittleEndian.PutUint64(m.slot(1-cur, m.rank), m.token+1)
		m.cycle++
	}
	m.clk = high
}

func (m *relayModel) Finished() bool { return false }
