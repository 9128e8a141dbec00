package shardmgr

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"shardvault/internal/config"
	"shardvault/internal/model"
)

func testConfig(shardCount int) config.Config {
	cfg := config.DefaultConfig()
	cfg.ShardCount = shardCount
	cfg.Pool.MaxConnections = 4
	cfg.Pool.MinConnections = 1
	return cfg
}

func TestInitializeCreatesShardsAndRing(t *testing.T) {
	m := New(t.TempDir(), testConfig(4))
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer m.Shutdown()

	shards := m.ListShards()
	if len(shards) != 4 {
		t.Fatalf("expected 4 shards, got %d", len(shards))
	}

	id, err := m.ShardFor("persona", "entity-1", "")
	if err != nil {
		t.Fatalf("ShardFor: %v", err)
	}
	id2, err := m.ShardFor("persona", "entity-1", "")
	if err != nil || id2 != id {
		t.Fatalf("expected stable routing, got %s then %s", id, id2)
	}
}

func TestCreateShardFailsIfExists(t *testing.T) {
	m := New(t.TempDir(), testConfig(2))
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer m.Shutdown()

	err := m.CreateShard("shard_0")
	var serr *model.Error
	if !errors.As(err, &serr) || serr.Kind != model.ShardExists {
		t.Fatalf("expected ShardExists, got %v", err)
	}
}

func TestRemoveShardFailsIfMissing(t *testing.T) {
	m := New(t.TempDir(), testConfig(2))
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer m.Shutdown()

	err := m.RemoveShard("shard_99")
	var serr *model.Error
	if !errors.As(err, &serr) || serr.Kind != model.ShardMissing {
		t.Fatalf("expected ShardMissing, got %v", err)
	}
}

func TestRemoveShardFailsIfNotEmpty(t *testing.T) {
	m := New(t.TempDir(), testConfig(2))
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer m.Shutdown()

	err := m.WithConnection(context.Background(), "shard_0", func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO personas (id, display_name, personality, memory_config, privacy_settings, created_at, updated_at) VALUES ('p1','Alice','{}','{}','{}',0,0)`)
		return err
	})
	if err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	err = m.RemoveShard("shard_0")
	var serr *model.Error
	if !errors.As(err, &serr) || serr.Kind != model.ShardNotEmpty {
		t.Fatalf("expected ShardNotEmpty, got %v", err)
	}
}

func TestHealthCheckProbesActiveShards(t *testing.T) {
	m := New(t.TempDir(), testConfig(2))
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer m.Shutdown()

	if err := m.HealthCheck(); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	for _, s := range m.ListShards() {
		if s.Status != model.ShardActive {
			t.Errorf("expected shard %s to remain active, got %s", s.ID, s.Status)
		}
	}
}

func TestMetricsAggregatesAcrossShards(t *testing.T) {
	m := New(t.TempDir(), testConfig(3))
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer m.Shutdown()

	metrics, err := m.Metrics()
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if metrics.TotalShards != 3 {
		t.Errorf("expected 3 total shards, got %d", metrics.TotalShards)
	}
	if metrics.ActiveShards != 3 {
		t.Errorf("expected 3 active shards, got %d", metrics.ActiveShards)
	}
	if len(metrics.PerShard) != 3 {
		t.Errorf("expected per-shard entries for all 3 shards, got %d", len(metrics.PerShard))
	}
}

func TestRebalanceOnUniformDistributionMigratesNothing(t *testing.T) {
	m := New(t.TempDir(), testConfig(2))
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer m.Shutdown()

	results, err := m.Rebalance()
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no migrations on a uniform (empty) distribution, got %d", len(results))
	}
}

func TestMigrateFailsOnMissingShard(t *testing.T) {
	m := New(t.TempDir(), testConfig(2))
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer m.Shutdown()

	_, err := m.Migrate(model.MigrationPlan{Source: "shard_0", Target: "shard_missing", RecordCount: 1, EntityTypes: []string{"memory_entities"}})
	var serr *model.Error
	if !errors.As(err, &serr) || serr.Kind != model.ShardMissing {
		t.Fatalf("expected ShardMissing, got %v", err)
	}
}
