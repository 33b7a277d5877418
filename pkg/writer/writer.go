// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package writer implements the zero-copy streaming writer, the dual of
// pkg/reader, used to build handshake, alert and application-data bodies
// directly into a record-layer-owned buffer.
package writer

import "errors"

// Sentinel errors for programmer-error conditions (§4.1 of the design:
// over-requests, commit without a matching request, commit-past-buffer).
var (
	ErrInvariantViolation = errors.New("writer: invariant violation")
	ErrBoundsExceeded     = errors.New("writer: bounds exceeded")
)

// Writer hands out mutable slices of a borrowed buffer, optionally backed
// by a fixed-size spill queue once the buffer is exhausted.
type Writer struct {
	buf   []byte // the current underlying buffer, usually a record payload
	queue []byte // optional fixed-size spill queue, nil when queueing is disabled

	committed    int // bytes of buf committed so far
	pending      int // length of the slice last handed out by RequestBuffer, not yet committed
	pendingQueue bool

	queueCommitted int
	queuePending   int
}

// New wraps buf as the buffer new writes land in. Queueing is disabled
// until EnableQueue is called.
func New(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// EnableQueue attaches a fixed-size spill queue of the given capacity.
// Per spec.md §4.3, queueing is only enabled when a message's declared
// length exceeds the current record's free space.
func (w *Writer) EnableQueue(capacity int) {
	w.queue = make([]byte, capacity)
}

// QueueEnabled reports whether a spill queue is attached.
func (w *Writer) QueueEnabled() bool {
	return w.queue != nil
}

// RequestBuffer returns a mutable slice of length k <= n for the caller to
// fill. Once buf is exhausted, it draws from the queue if one is attached.
func (w *Writer) RequestBuffer(n int) ([]byte, error) {
	if w.pending != 0 {
		return nil, ErrInvariantViolation
	}

	avail := len(w.buf) - w.committed
	if avail > 0 {
		k := n
		if k > avail {
			k = avail
		}
		w.pending = k
		w.pendingQueue = false
		return w.buf[w.committed : w.committed+k], nil
	}

	if w.queue == nil {
		return nil, nil
	}
	qAvail := len(w.queue) - w.queueCommitted
	if qAvail <= 0 {
		return nil, nil
	}
	k := n
	if k > qAvail {
		k = qAvail
	}
	w.queuePending = k
	w.pendingQueue = true
	return w.queue[w.queueCommitted : w.queueCommitted+k], nil
}

// Commit declares that the first k bytes of the last slice returned by
// RequestBuffer carry payload.
func (w *Writer) Commit(k int) error {
	if w.pendingQueue {
		if k > w.queuePending {
			return ErrInvariantViolation
		}
		w.queueCommitted += k
		w.queuePending = 0
		w.pendingQueue = false
		return nil
	}
	if k > w.pending {
		return ErrInvariantViolation
	}
	w.committed += k
	w.pending = 0
	return nil
}

// BufLen reports the number of committed bytes in the primary buffer.
func (w *Writer) BufLen() int {
	return w.committed
}

// Cap reports the capacity of the primary buffer, regardless of how much
// of it has been committed. Callers (the outgoing pipeline) use this to
// decide whether a declared message length needs a spill queue.
func (w *Writer) Cap() int {
	return len(w.buf)
}

// CommittedBytes returns the committed prefix of the primary buffer, for
// callers (the outgoing pipeline's retransmission backup) that need the
// exact bytes written without tracking a separate copy.
func (w *Writer) CommittedBytes() []byte {
	return w.buf[:w.committed]
}

// QueuedLen reports the number of committed bytes sitting in the spill
// queue, waiting for a future record to carry them.
func (w *Writer) QueuedLen() int {
	return w.queueCommitted
}

// DrainQueue returns the committed queue bytes and resets the queue,
// for the outgoing pipeline to copy into a freshly opened record.
func (w *Writer) DrainQueue() []byte {
	out := w.queue[:w.queueCommitted]
	w.queue = nil
	w.queueCommitted = 0
	return out
}

// Extended wraps a Writer with a declared total length; requests past the
// remaining bound fail with ErrBoundsExceeded.
type Extended struct {
	*Writer
	total   int
	written int
}

// NewExtended declares the total number of bytes this writer may accept.
func NewExtended(w *Writer, total int) *Extended {
	return &Extended{Writer: w, total: total}
}

// RequestBuffer enforces the declared total length on top of
// Writer.RequestBuffer.
func (e *Extended) RequestBuffer(n int) ([]byte, error) {
	if e.written+n > e.total {
		return nil, ErrBoundsExceeded
	}
	return e.Writer.RequestBuffer(n)
}

// Commit forwards to Writer.Commit and tracks progress against the bound.
func (e *Extended) Commit(k int) error {
	if err := e.Writer.Commit(k); err != nil {
		return err
	}
	e.written += k
	return nil
}

// Remaining reports the number of bytes left before the declared total.
func (e *Extended) Remaining() int {
	return e.total - e.written
}

// Written reports the number of bytes committed through this writer so
// far.
func (e *Extended) Written() int {
	return e.written
}
