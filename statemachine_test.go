package raft

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/go-test/deep"
)

func TestDictionaryStateMachineApplyAndGet(t *testing.T) {
	sm := NewDictionaryStateMachine()

	data, err := EncodeSet("a", 1)
	if err != nil {
		t.Fatalf("EncodeSet: %v", err)
	}
	if _, err := sm.Apply(1, data); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	v, ok := sm.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v; want 1, true", v, ok)
	}
	if _, ok := sm.Get("missing"); ok {
		t.Fatal("Get(missing) reported ok, want false")
	}
}

func TestDictionaryStateMachineApplyRejectsGarbage(t *testing.T) {
	sm := NewDictionaryStateMachine()
	if _, err := sm.Apply(1, []byte("not json")); err == nil {
		t.Fatal("expected an error decoding garbage command data")
	}
}

func TestDictionaryStateMachineSnapshotRoundTrip(t *testing.T) {
	sm := NewDictionaryStateMachine()
	for i, kv := range []struct {
		k string
		v int
	}{{"a", 1}, {"b", 2}, {"c", 3}} {
		data, err := EncodeSet(kv.k, kv.v)
		if err != nil {
			t.Fatalf("EncodeSet: %v", err)
		}
		if _, err := sm.Apply(uint64(i+1), data); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	r, err := sm.CreateSnapshot(context.Background(), 3, 1)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	restored := NewDictionaryStateMachine()
	if err := restored.ApplySnapshot(bytes.NewReader(body), 3, 1); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if diff := deep.Equal(sm.Snapshot(), restored.Snapshot()); diff != nil {
		t.Errorf("restored state machine differs: %v", diff)
	}
}

func TestDictionaryStateMachineSupportsSnapshots(t *testing.T) {
	if !NewDictionaryStateMachine().SupportsSnapshots() {
		t.Fatal("DictionaryStateMachine should support snapshots")
	}
}
