// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package transform

import (
	"bytes"
	"testing"
)

func TestGCMSealOpenRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	iv := bytes.Repeat([]byte{0x22}, 4)

	a, err := NewGCM(key, iv, key, iv)
	if err != nil {
		t.Fatalf("NewGCM: %v", err)
	}
	defer a.Close()

	plaintext := []byte("handshake fragment payload")
	aad := []byte{0, 1, 2, 3}

	sealed, err := a.Seal(plaintext, aad)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	opened, err := a.Open(sealed, aad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip: got %q, want %q", opened, plaintext)
	}
}

func TestGCMOpenRejectsTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 16)
	iv := bytes.Repeat([]byte{0x44}, 4)

	a, err := NewGCM(key, iv, key, iv)
	if err != nil {
		t.Fatalf("NewGCM: %v", err)
	}
	defer a.Close()

	sealed, err := a.Seal([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF

	if _, err := a.Open(sealed, nil); err == nil {
		t.Errorf("Open of tampered ciphertext: expected error, got nil")
	}
}

func TestGCMOpenRejectsShortInput(t *testing.T) {
	key := bytes.Repeat([]byte{0x55}, 16)
	iv := bytes.Repeat([]byte{0x66}, 4)

	a, err := NewGCM(key, iv, key, iv)
	if err != nil {
		t.Fatalf("NewGCM: %v", err)
	}
	defer a.Close()

	if _, err := a.Open([]byte{1, 2, 3}, nil); err == nil {
		t.Errorf("Open of short input: expected error, got nil")
	}
}

func TestGCMCloseReturnsNoError(t *testing.T) {
	key := bytes.Repeat([]byte{0x77}, 16)
	iv := bytes.Repeat([]byte{0x88}, 4)

	a, err := NewGCM(key, iv, key, iv)
	if err != nil {
		t.Fatalf("NewGCM: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
