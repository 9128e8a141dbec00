package model

import (
	"errors"
	"testing"
)

func TestErrorIsMatchesOnKind(t *testing.T) {
	err := WrapShard(AcquireTimeout, "shard_00", "pool exhausted", nil)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("expected errors.Is to match on Kind, got %v", err)
	}
	if errors.Is(err, ErrShardMissing) {
		t.Fatalf("expected errors.Is to NOT match a different Kind")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(SqlError, "insert failed", cause)
	if errors.Unwrap(err) != cause {
		t.Fatalf("expected Unwrap to return the cause")
	}
}

func TestMemoryEntityIsDeleted(t *testing.T) {
	m := MemoryEntity{}
	if m.IsDeleted() {
		t.Fatal("fresh entity should not be deleted")
	}
}
