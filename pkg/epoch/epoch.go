// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package epoch implements the epoch registry: a small mapping from an
// integer epoch id to a key-material transform plus usage flags, with
// reference counting so key material always outlives any record, pending
// fragment or retransmission backup that references it (spec.md §4.2).
package epoch

import (
	"errors"
	"fmt"
	"sync"
)

// ErrEpochUnknown is returned when a caller references an epoch id not
// present in the registry (spec.md §7: EpochUnknown, an InvalidArgument).
var ErrEpochUnknown = errors.New("epoch: unknown epoch id")

// ErrEpochInUse is returned by Drop when the epoch still has outstanding
// references; dropping such an epoch is an invariant violation
// (spec.md §4.2, §8 property 3).
var ErrEpochInUse = errors.New("epoch: dropped epoch with nonzero refcount")

// Transform is the symmetric/AEAD transform port. Its implementation is
// out of scope for MPS (spec.md §1: "the symmetric/AEAD transform
// implementations themselves"); the registry only needs to own and
// eventually release one. Transforms that hold sensitive key material
// should implement io.Closer-like cleanup via Close.
type Transform interface {
	// Close releases any resources (e.g. wipes key material) held by the
	// transform. Called exactly once, when the owning epoch's refcount
	// reaches zero and it is reclaimed.
	Close() error
}

// ID is a non-negative epoch identifier.
type ID uint16

// refCounts breaks spec.md §8 property 3's single refcount into the five
// named classes mps.h implicitly tracks (SPEC_FULL.md §12.6), so each can
// be asserted independently in tests.
type refCounts struct {
	incoming   int
	outgoing   int
	backups    int
	reassembly int
	liveRecord int
}

func (r refCounts) total() int {
	return r.incoming + r.outgoing + r.backups + r.reassembly + r.liveRecord
}

type entry struct {
	transform Transform
	refs      refCounts
}

// Registry is the epoch registry. It is not safe for concurrent use from
// multiple goroutines without external synchronization, matching the
// single-threaded cooperative model of spec.md §5; the internal mutex
// exists only to guard against accidental concurrent misuse, mirroring
// the defensive locking style of the teacher's Conn.
type Registry struct {
	mu      sync.Mutex
	entries map[ID]*entry
	nextID  ID

	incomingActive ID
	outgoingActive ID
	hasIncoming    bool
	hasOutgoing    bool
}

// NewRegistry creates an empty epoch registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[ID]*entry)}
}

// AddKeyMaterial assigns a fresh epoch id to transform, transferring
// ownership of transform to the registry.
func (r *Registry) AddKeyMaterial(transform Transform) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.entries[id] = &entry{transform: transform}
	return id
}

// SetIncomingKeys switches the active incoming epoch to id, decrementing
// the previous incoming epoch's reference count and incrementing id's.
func (r *Registry) SetIncomingKeys(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEpochUnknown, id)
	}
	if r.hasIncoming {
		prevID := r.incomingActive
		if prev, ok := r.entries[prevID]; ok {
			prev.refs.incoming--
			r.reclaimIfUnreferenced(prevID, prev)
		}
	}
	e.refs.incoming++
	r.incomingActive = id
	r.hasIncoming = true
	return nil
}

// reclaimIfUnreferenced closes and removes e if its total reference count
// has reached zero. Called with r.mu already held.
func (r *Registry) reclaimIfUnreferenced(id ID, e *entry) {
	if e.refs.total() != 0 {
		return
	}
	delete(r.entries, id)
	if e.transform != nil {
		e.transform.Close()
	}
}

// SetOutgoingKeys switches the active outgoing epoch to id, symmetrically
// to SetIncomingKeys.
func (r *Registry) SetOutgoingKeys(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEpochUnknown, id)
	}
	if r.hasOutgoing {
		prevID := r.outgoingActive
		if prev, ok := r.entries[prevID]; ok {
			prev.refs.outgoing--
			r.reclaimIfUnreferenced(prevID, prev)
		}
	}
	e.refs.outgoing++
	r.outgoingActive = id
	r.hasOutgoing = true
	return nil
}

// Transform returns the transform bound to id.
func (r *Registry) Transform(id ID) (Transform, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrEpochUnknown, id)
	}
	return e.transform, nil
}

// IncomingEpoch returns the currently active incoming epoch id.
func (r *Registry) IncomingEpoch() (ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.incomingActive, r.hasIncoming
}

// OutgoingEpoch returns the currently active outgoing epoch id.
func (r *Registry) OutgoingEpoch() (ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outgoingActive, r.hasOutgoing
}

// Reference classes, used by callers (reassembly, outgoing pipeline,
// record-layer adapters) to pin an epoch for the lifetime of a backup,
// reassembly slot, or in-flight record.
type RefClass uint8

// Reference classes tracked independently per spec.md §8 property 3.
const (
	RefBackup RefClass = iota
	RefReassembly
	RefLiveRecord
)

// Acquire increments the reference count for class on epoch id.
func (r *Registry) Acquire(id ID, class RefClass) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEpochUnknown, id)
	}
	switch class {
	case RefBackup:
		e.refs.backups++
	case RefReassembly:
		e.refs.reassembly++
	case RefLiveRecord:
		e.refs.liveRecord++
	}
	return nil
}

// Release decrements the reference count for class on epoch id. If the
// epoch's total refcount reaches zero and it is no longer the active
// incoming or outgoing epoch, the transform is closed and the epoch is
// reclaimed automatically.
func (r *Registry) Release(id ID, class RefClass) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEpochUnknown, id)
	}
	switch class {
	case RefBackup:
		if e.refs.backups > 0 {
			e.refs.backups--
		}
	case RefReassembly:
		if e.refs.reassembly > 0 {
			e.refs.reassembly--
		}
	case RefLiveRecord:
		if e.refs.liveRecord > 0 {
			e.refs.liveRecord--
		}
	}
	if e.refs.total() == 0 {
		delete(r.entries, id)
		if e.transform != nil {
			return e.transform.Close()
		}
	}
	return nil
}

// RefCount returns the total outstanding reference count for id, for
// testing spec.md §8 property 3.
func (r *Registry) RefCount(id ID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrEpochUnknown, id)
	}
	return e.refs.total(), nil
}

// ActiveCount reports the number of epochs currently tracked by the
// registry, for metrics.go's mps_epochs_active gauge.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Drop removes id from the registry. It is an invariant violation (and
// returns ErrEpochInUse) to drop an epoch with a nonzero reference count.
func (r *Registry) Drop(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrEpochUnknown, id)
	}
	if e.refs.total() != 0 {
		return fmt.Errorf("%w: epoch %d has %d outstanding references", ErrEpochInUse, id, e.refs.total())
	}
	delete(r.entries, id)
	if e.transform != nil {
		return e.transform.Close()
	}
	return nil
}
