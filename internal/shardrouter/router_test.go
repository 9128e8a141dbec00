package shardrouter

import (
	"errors"
	"fmt"
	"testing"

	"shardvault/internal/model"
)

func shardIDs(n int) []string {
	ids := make([]string, n)
	w := Width(n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("shard_%0*d", w, i)
	}
	return ids
}

func TestConsistentHashDeterministic(t *testing.T) {
	rt := New(StrategyHash, true, 150)
	rt.Rebuild(shardIDs(4))

	s1, err := rt.ShardFor("persona", "entity-123", "")
	if err != nil {
		t.Fatalf("ShardFor: %v", err)
	}
	s2, err := rt.ShardFor("persona", "entity-123", "")
	if err != nil {
		t.Fatalf("ShardFor: %v", err)
	}
	if s1 != s2 {
		t.Errorf("expected deterministic routing, got %s then %s", s1, s2)
	}
}

func TestConsistentHashMinimalDisruption(t *testing.T) {
	const n = 8
	rt := New(StrategyHash, true, 150)
	rt.Rebuild(shardIDs(n))

	before := make(map[string]string, 2000)
	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("entity-%d", i)
		sid, _ := rt.ShardFor("memory", key, "")
		before[key] = sid
	}

	rt.Rebuild(shardIDs(n + 1))

	moved := 0
	for key, sid := range before {
		after, _ := rt.ShardFor("memory", key, "")
		if after != sid {
			moved++
		}
	}

	// Expect O(1/N) of keys to move; allow generous slack for a tiny ring.
	fraction := float64(moved) / 2000.0
	if fraction > 0.5 {
		t.Errorf("expected a small fraction of keys to move on shard add, got %.2f", fraction)
	}
}

func TestNoActiveShardsFailsShardUnavailable(t *testing.T) {
	rt := New(StrategyHash, true, 150)
	_, err := rt.ShardFor("persona", "x", "")
	var serr *model.Error
	if !errors.As(err, &serr) || serr.Kind != model.ShardUnavailable {
		t.Fatalf("expected ShardUnavailable, got %v", err)
	}
}

func TestDirectoryCoLocatesChildrenOfSameParent(t *testing.T) {
	rt := New(StrategyDirectory, false, 0)
	rt.Rebuild(shardIDs(4))

	personaShard, err := rt.ShardFor("persona", "persona-1", "")
	if err != nil {
		t.Fatalf("ShardFor persona: %v", err)
	}

	memoryShard, err := rt.ShardFor("memory", "memory-1", "persona-1")
	if err != nil {
		t.Fatalf("ShardFor memory: %v", err)
	}

	// Under the directory strategy a persona with no parent routes to
	// shard 0; its memory (parentId=persona-1) routes by hashing the
	// parent id, so the two need not coincide unless persona-1 itself
	// hashes to shard 0. What must hold is that two memories sharing the
	// same parent always land together.
	memoryShard2, err := rt.ShardFor("memory", "memory-2", "persona-1")
	if err != nil {
		t.Fatalf("ShardFor memory2: %v", err)
	}
	if memoryShard != memoryShard2 {
		t.Errorf("expected memories of the same persona to co-locate: %s vs %s", memoryShard, memoryShard2)
	}
	_ = personaShard
}

func TestPlainHashRouteStable(t *testing.T) {
	rt := New(StrategyHash, false, 0)
	rt.Rebuild(shardIDs(4))

	s1, _ := rt.ShardFor("persona", "abc", "")
	s2, _ := rt.ShardFor("persona", "abc", "")
	if s1 != s2 {
		t.Errorf("plain hash route should be stable, got %s then %s", s1, s2)
	}
}

func TestUnknownStrategyFallsBackToShardZero(t *testing.T) {
	rt := New(Strategy("bogus"), false, 0)
	rt.Rebuild(shardIDs(3))

	sid, err := rt.ShardFor("persona", "x", "")
	if err != nil {
		t.Fatalf("unknown strategy should fall back, not fail: %v", err)
	}
	if sid != "shard_0" {
		t.Errorf("expected fallback to shard_0, got %s", sid)
	}
}
