// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package retransmit implements the Retransmission-Detection Table
// (spec.md §4.6): memory of the last completed incoming flight, used to
// tell a genuine peer retransmission (which should retrigger our last
// outgoing flight) from noise.
package retransmit

import "github.com/censys-oss/mps/pkg/epoch"

// State is a detection slot's state.
type State uint8

// Detection slot states (spec.md §4.6).
const (
	Enabled State = iota
	OnHold
)

type key struct {
	epoch epoch.ID
	seqNr uint16
}

// FlightEntry identifies one message of a received incoming flight, for
// Install.
type FlightEntry struct {
	Epoch epoch.ID
	SeqNr uint16
}

// Table remembers up to M (epoch, seq_nr) tuples of the last received
// incoming flight, each enabled or on-hold.
type Table struct {
	capacity int
	order    []key
	state    map[key]State
}

// NewTable creates a detection table with room for capacity slots
// (spec.md §6 flight_capacity, M = 5 by default).
func NewTable(capacity int) *Table {
	return &Table{capacity: capacity, state: make(map[key]State)}
}

// Reset clears the table, discarding any installed detection state.
// Called from Install (a fresh flight always replaces the old table
// wholesale) and available for a caller that wants to drop detection
// state outright (e.g. on a fatal alert or connection close).
func (t *Table) Reset() {
	t.order = nil
	t.state = make(map[key]State)
}

// Install populates the table from the just-completed incoming flight,
// in receipt order, up to capacity entries (spec.md §4.7 "install
// detection table from received flight"). All installed slots start
// enabled.
func (t *Table) Install(flight []FlightEntry) {
	t.Reset()
	for _, m := range flight {
		if len(t.order) >= t.capacity {
			break
		}
		k := key{m.Epoch, m.SeqNr}
		if _, ok := t.state[k]; ok {
			continue
		}
		t.order = append(t.order, k)
		t.state[k] = Enabled
	}
}

// Observe reports what should happen upon receiving a record with the
// given (epoch, seqNr): whether it matched a slot, and if so, whether it
// should trigger a full resend (spec.md §4.6 policy).
//
//   - No match: caller should forward the record to reassembly (§4.4).
//   - Match, slot enabled: trigger resend; every other slot flips to
//     on-hold; the matched slot stays enabled.
//   - Match, slot on-hold: flips to enabled; no resend.
func (t *Table) Observe(e epoch.ID, seqNr uint16) (matched, shouldResend bool) {
	k := key{e, seqNr}
	st, ok := t.state[k]
	if !ok {
		return false, false
	}
	switch st {
	case Enabled:
		for other := range t.state {
			if other != k {
				t.state[other] = OnHold
			}
		}
		t.state[k] = Enabled
		return true, true
	case OnHold:
		t.state[k] = Enabled
		return true, false
	default:
		return true, false
	}
}

// Len reports the number of slots currently tracked.
func (t *Table) Len() int {
	return len(t.order)
}
