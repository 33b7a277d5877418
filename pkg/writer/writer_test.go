// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package writer

import (
	"bytes"
	"testing"
)

func TestWriterRequestBufferWithinBuf(t *testing.T) {
	buf := make([]byte, 8)
	w := New(buf)

	dst, err := w.RequestBuffer(4)
	if err != nil {
		t.Fatalf("RequestBuffer: %v", err)
	}
	copy(dst, "abcd")
	if err := w.Commit(4); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got, want := w.BufLen(), 4; got != want {
		t.Errorf("BufLen: got %d, want %d", got, want)
	}
	if !bytes.Equal(buf[:4], []byte("abcd")) {
		t.Errorf("buf contents: got %q, want %q", buf[:4], "abcd")
	}
}

func TestWriterCommitPastPendingFails(t *testing.T) {
	w := New(make([]byte, 4))

	if _, err := w.RequestBuffer(4); err != nil {
		t.Fatalf("RequestBuffer: %v", err)
	}
	if err := w.Commit(5); err == nil {
		t.Errorf("Commit beyond pending: expected error, got nil")
	}
}

func TestWriterSpillsIntoQueue(t *testing.T) {
	w := New(make([]byte, 2))
	w.EnableQueue(4)

	dst, err := w.RequestBuffer(2)
	if err != nil {
		t.Fatalf("RequestBuffer: %v", err)
	}
	copy(dst, "ab")
	if err := w.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	dst, err = w.RequestBuffer(3)
	if err != nil {
		t.Fatalf("RequestBuffer (queue): %v", err)
	}
	copy(dst, "cde")
	if err := w.Commit(3); err != nil {
		t.Fatalf("Commit (queue): %v", err)
	}

	if got, want := w.QueuedLen(), 3; got != want {
		t.Errorf("QueuedLen: got %d, want %d", got, want)
	}
	if got := w.DrainQueue(); !bytes.Equal(got, []byte("cde")) {
		t.Errorf("DrainQueue: got %q, want %q", got, "cde")
	}
}

func TestWriterQueueDisabledByDefault(t *testing.T) {
	w := New(make([]byte, 0))
	if w.QueueEnabled() {
		t.Errorf("QueueEnabled before EnableQueue: got true, want false")
	}
	dst, err := w.RequestBuffer(1)
	if err != nil {
		t.Fatalf("RequestBuffer: %v", err)
	}
	if dst != nil {
		t.Errorf("RequestBuffer with no buf and no queue: got %v, want nil", dst)
	}
}

func TestExtendedRequestBufferEnforcesBound(t *testing.T) {
	ext := NewExtended(New(make([]byte, 10)), 4)

	if _, err := ext.RequestBuffer(5); err != ErrBoundsExceeded {
		t.Errorf("RequestBuffer past declared total: got %v, want %v", err, ErrBoundsExceeded)
	}
}

func TestExtendedWrittenAndRemaining(t *testing.T) {
	ext := NewExtended(New(make([]byte, 10)), 6)

	dst, err := ext.RequestBuffer(4)
	if err != nil {
		t.Fatalf("RequestBuffer: %v", err)
	}
	copy(dst, "wxyz")
	if err := ext.Commit(4); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if got, want := ext.Written(), 4; got != want {
		t.Errorf("Written: got %d, want %d", got, want)
	}
	if got, want := ext.Remaining(), 2; got != want {
		t.Errorf("Remaining: got %d, want %d", got, want)
	}
}
