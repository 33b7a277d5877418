// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package epoch

import "testing"

type fakeTransform struct {
	closed bool
}

func (f *fakeTransform) Close() error {
	f.closed = true
	return nil
}

func TestAddKeyMaterialAssignsDistinctIDs(t *testing.T) {
	r := NewRegistry()
	id0 := r.AddKeyMaterial(&fakeTransform{})
	id1 := r.AddKeyMaterial(&fakeTransform{})
	if id0 == id1 {
		t.Errorf("AddKeyMaterial: got duplicate ids %d, %d", id0, id1)
	}
}

func TestSetIncomingKeysReleasesPreviousEpoch(t *testing.T) {
	r := NewRegistry()
	first := &fakeTransform{}
	id0 := r.AddKeyMaterial(first)
	id1 := r.AddKeyMaterial(&fakeTransform{})

	if err := r.SetIncomingKeys(id0); err != nil {
		t.Fatalf("SetIncomingKeys(id0): %v", err)
	}
	if err := r.SetIncomingKeys(id1); err != nil {
		t.Fatalf("SetIncomingKeys(id1): %v", err)
	}

	if !first.closed {
		t.Errorf("epoch 0 not reclaimed after incoming moved away and no other refs held it")
	}
	if cur, ok := r.IncomingEpoch(); !ok || cur != id1 {
		t.Errorf("IncomingEpoch: got (%d, %v), want (%d, true)", cur, ok, id1)
	}
}

func TestRefCountBreakdownAndDrop(t *testing.T) {
	r := NewRegistry()
	id := r.AddKeyMaterial(&fakeTransform{})

	if err := r.Acquire(id, RefReassembly); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := r.Acquire(id, RefBackup); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got, err := r.RefCount(id); err != nil || got != 2 {
		t.Fatalf("RefCount: got (%d, %v), want (2, nil)", got, err)
	}

	if err := r.Drop(id); err == nil {
		t.Errorf("Drop with nonzero refcount: expected error, got nil")
	}

	if err := r.Release(id, RefReassembly); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := r.Release(id, RefBackup); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := r.RefCount(id); err == nil {
		t.Errorf("RefCount after last release: expected ErrEpochUnknown, epoch should have been auto-reclaimed")
	}
}

func TestUnknownEpochErrors(t *testing.T) {
	r := NewRegistry()
	if err := r.SetIncomingKeys(42); err == nil {
		t.Errorf("SetIncomingKeys on unknown epoch: expected error, got nil")
	}
	if _, err := r.Transform(42); err == nil {
		t.Errorf("Transform on unknown epoch: expected error, got nil")
	}
	if err := r.Drop(42); err == nil {
		t.Errorf("Drop on unknown epoch: expected error, got nil")
	}
}
