// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package reader implements the zero-copy streaming reader used to hand
// handshake, alert and application-data bodies to callers without copying
// the underlying record payload.
package reader

import "errors"

// Sentinel errors for programmer-error conditions. These are never caused
// by peer input; a well-behaved caller never triggers them.
var (
	ErrInvariantViolation = errors.New("reader: invariant violation")
	ErrBoundsExceeded     = errors.New("reader: bounds exceeded")
)

// Reader is a semantic cursor over a contiguous byte region with an
// optional spill queue, used to carry data across a pause boundary.
//
// Request never blocks: once the underlying region and the queue are
// exhausted, it returns a zero-length slice and NeedsMore reports true.
type Reader struct {
	region []byte // the current underlying region, usually a borrowed record payload
	queue  []byte // optional spill queue appended logically after region

	consumed  int // bytes of region handed out via Request and not yet committed
	committed int // bytes of region permanently advanced past
	queuePos  int // read position within queue
	needsMore bool
}

// New wraps region as the current underlying byte region. No spill queue
// is attached until one is set via SetQueue.
func New(region []byte) *Reader {
	return &Reader{region: region}
}

// SetQueue attaches a spill queue, e.g. bytes preserved across a pause.
func (r *Reader) SetQueue(queue []byte) {
	r.queue = queue
	r.queuePos = 0
}

// Request returns a slice of length k <= n drawn from the region, falling
// back to the queue once the region is exhausted. It never blocks.
func (r *Reader) Request(n int) []byte {
	if n < 0 {
		panic(ErrInvariantViolation)
	}
	r.needsMore = false

	avail := len(r.region) - r.committed - r.consumed
	if avail > 0 {
		k := n
		if k > avail {
			k = avail
		}
		out := r.region[r.committed+r.consumed : r.committed+r.consumed+k]
		r.consumed += k
		if k < n {
			// Top up from the queue to satisfy as much of the request as possible.
			rest := r.requestFromQueue(n - k)
			if len(rest) > 0 {
				out = append(append([]byte{}, out...), rest...)
			}
		}
		if len(out) == 0 {
			r.needsMore = true
		}
		return out
	}

	out := r.requestFromQueue(n)
	if len(out) == 0 {
		r.needsMore = true
	}
	return out
}

func (r *Reader) requestFromQueue(n int) []byte {
	avail := len(r.queue) - r.queuePos
	if avail <= 0 {
		return nil
	}
	k := n
	if k > avail {
		k = avail
	}
	out := r.queue[r.queuePos : r.queuePos+k]
	r.queuePos += k
	return out
}

// NeedsMore reports whether the previous Request call was unable to
// return any bytes because both region and queue are exhausted.
func (r *Reader) NeedsMore() bool {
	return r.needsMore
}

// Commit permanently advances past all previously requested bytes.
func (r *Reader) Commit() {
	r.committed += r.consumed
	r.consumed = 0
	if r.queuePos > 0 {
		r.queue = r.queue[r.queuePos:]
		r.queuePos = 0
	}
}

// Reclaim returns ownership of any still-buffered, uncommitted bytes so the
// caller may preserve them until a subsequent Reader is opened (the pause
// path). Previously requested-but-uncommitted bytes are rolled back first.
func (r *Reader) Reclaim() []byte {
	r.consumed = 0
	remaining := r.region[r.committed:]
	leftover := make([]byte, 0, len(remaining)+len(r.queue)-r.queuePos)
	leftover = append(leftover, remaining...)
	leftover = append(leftover, r.queue[r.queuePos:]...)
	r.region = nil
	r.queue = nil
	r.queuePos = 0
	r.committed = 0
	return leftover
}

// Remaining reports the number of bytes not yet requested in the current
// region plus queue.
func (r *Reader) Remaining() int {
	return len(r.region) - r.committed - r.consumed + len(r.queue) - r.queuePos
}

// Extended wraps a Reader with a declared total length, so the caller can
// query remaining bytes against that bound and over-reads are rejected
// rather than silently truncated.
type Extended struct {
	*Reader
	total   int
	fetched int
}

// NewExtended declares that exactly total bytes are available across the
// lifetime of the returned Extended reader.
func NewExtended(r *Reader, total int) *Extended {
	return &Extended{Reader: r, total: total}
}

// Request enforces the declared total length in addition to Reader.Request's
// behaviour; requesting past the remaining bound is a programmer error.
func (e *Extended) Request(n int) []byte {
	if e.fetched+n > e.total {
		panic(ErrBoundsExceeded)
	}
	out := e.Reader.Request(n)
	e.fetched += len(out)
	return out
}

// RemainingBound reports the number of bytes left before the declared
// total length is reached.
func (e *Extended) RemainingBound() int {
	return e.total - e.fetched
}

// TotalLength returns the declared total length of the message.
func (e *Extended) TotalLength() int {
	return e.total
}
