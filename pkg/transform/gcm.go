// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package transform provides a sample implementation of the Epoch
// Registry's Transform port. The Transform interface itself is
// out-of-scope glue (spec.md §1: AEAD implementations are external
// collaborators); GCM exists so the epoch registry, outgoing pipeline and
// reassembly engine can be exercised against a real cipher in tests
// without inventing fake crypto.
package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"
)

const (
	gcmTagLength   = 16
	gcmNonceLength = 12
)

// GCM implements epoch.Transform over AES-GCM, adapted from the teacher's
// pkg/crypto/ciphersuite/gcm.go: same nonce construction (4-byte salt
// from the write IV, 8-byte explicit nonce prefixed to the ciphertext),
// retargeted at this repository's plain byte-slice Seal/Open contract
// instead of DTLS record-layer framing, which belongs to the record
// layer named in pkg/recordlayer.
//
// Key material is held in memguard.LockedBuffer (mlocked, wiped on
// Close) rather than plain byte slices, so the epoch registry's
// reference-counted teardown (spec.md §4.2) has a real security effect
// instead of being pure bookkeeping.
type GCM struct {
	localGCM, remoteGCM         cipher.AEAD
	localWriteIV, remoteWriteIV []byte
	localKeyBuf, remoteKeyBuf   *memguard.LockedBuffer
}

// NewGCM builds a GCM transform from raw key material. The supplied key
// slices are copied into locked buffers and the caller's copies should be
// zeroed by the caller; NewGCM does not take ownership of them.
func NewGCM(localKey, localWriteIV, remoteKey, remoteWriteIV []byte) (*GCM, error) {
	localKeyBuf := memguard.NewBufferFromBytes(append([]byte{}, localKey...))
	remoteKeyBuf := memguard.NewBufferFromBytes(append([]byte{}, remoteKey...))

	localBlock, err := aes.NewCipher(localKeyBuf.Bytes())
	if err != nil {
		localKeyBuf.Destroy()
		remoteKeyBuf.Destroy()
		return nil, err
	}
	localGCM, err := cipher.NewGCM(localBlock)
	if err != nil {
		localKeyBuf.Destroy()
		remoteKeyBuf.Destroy()
		return nil, err
	}

	remoteBlock, err := aes.NewCipher(remoteKeyBuf.Bytes())
	if err != nil {
		localKeyBuf.Destroy()
		remoteKeyBuf.Destroy()
		return nil, err
	}
	remoteGCM, err := cipher.NewGCM(remoteBlock)
	if err != nil {
		localKeyBuf.Destroy()
		remoteKeyBuf.Destroy()
		return nil, err
	}

	return &GCM{
		localGCM:      localGCM,
		localWriteIV:  append([]byte{}, localWriteIV...),
		remoteGCM:     remoteGCM,
		remoteWriteIV: append([]byte{}, remoteWriteIV...),
		localKeyBuf:   localKeyBuf,
		remoteKeyBuf:  remoteKeyBuf,
	}, nil
}

// Seal encrypts plaintext under additionalData, returning the explicit
// nonce prefix followed by the AEAD-sealed ciphertext.
func (g *GCM) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, gcmNonceLength)
	copy(nonce, g.localWriteIV[:4])
	if _, err := rand.Read(nonce[4:]); err != nil {
		return nil, err
	}
	sealed := g.localGCM.Seal(nil, nonce, plaintext, additionalData)

	out := make([]byte, 0, len(nonce[4:])+len(sealed))
	out = append(out, nonce[4:]...)
	out = append(out, sealed...)
	return out, nil
}

// Open decrypts in (an explicit-nonce-prefixed ciphertext) under
// additionalData.
func (g *GCM) Open(in, additionalData []byte) ([]byte, error) {
	if len(in) < 8+gcmTagLength {
		return nil, fmt.Errorf("transform: ciphertext too short for GCM nonce+tag")
	}
	nonce := make([]byte, 0, gcmNonceLength)
	nonce = append(append(nonce, g.remoteWriteIV[:4]...), in[:8]...)
	return g.remoteGCM.Open(nil, nonce, in[8:], additionalData)
}

// Close wipes the key material backing this transform. Called by the
// epoch registry when the owning epoch's reference count reaches zero.
func (g *GCM) Close() error {
	g.localKeyBuf.Destroy()
	g.remoteKeyBuf.Destroy()
	return nil
}
