package raft

import (
	"errors"
	"fmt"
	"testing"
)

func TestEngineErrorIsBySentinelKind(t *testing.T) {
	err := errNotLeading(7)
	if !errors.Is(err, ErrNotLeading) {
		t.Fatal("errNotLeading result should satisfy errors.Is(ErrNotLeading)")
	}
	if errors.Is(err, ErrInvalidOperation) {
		t.Fatal("errNotLeading result should not satisfy errors.Is(ErrInvalidOperation)")
	}
}

func TestEngineErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := errPersistentStore(cause)
	if !errors.Is(err, ErrPersistentStore) {
		t.Fatal("errPersistentStore result should satisfy errors.Is(ErrPersistentStore)")
	}
	if !errors.Is(err, cause) {
		t.Fatal("errPersistentStore result should unwrap to its cause")
	}
}

func TestEngineErrorMessage(t *testing.T) {
	err := errNotLeading(3)
	want := "NotLeading: not leading"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
