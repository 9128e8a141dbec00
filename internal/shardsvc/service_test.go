package shardsvc

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"shardvault/internal/config"
	"shardvault/internal/shardmgr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ShardCount = 2
	cfg.Pool.MaxConnections = 4
	cfg.Pool.MinConnections = 1
	cfg.RebalanceIntervalMs = 20
	cfg.HealthCheckIntervalMs = 20
	cfg.MetricsIntervalMs = 20
	return cfg
}

func TestInitializePublishesShardCreatedForEachInitialShard(t *testing.T) {
	cfg := testConfig(t)
	mgr := shardmgr.New(t.TempDir(), cfg)
	svc := New(mgr, cfg)

	ch, unsubscribe := svc.Subscribe(EventShardCreated)
	defer unsubscribe()

	if err := svc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer svc.Shutdown()

	seen := 0
	timeout := time.After(time.Second)
	for seen < 2 {
		select {
		case <-ch:
			seen++
		case <-timeout:
			t.Fatalf("expected 2 shard-created events, saw %d", seen)
		}
	}
}

func TestMetricsTimerPublishesMetricsUpdated(t *testing.T) {
	cfg := testConfig(t)
	mgr := shardmgr.New(t.TempDir(), cfg)
	svc := New(mgr, cfg)

	if err := svc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer svc.Shutdown()

	ch, unsubscribe := svc.Subscribe(EventMetricsUpdated)
	defer unsubscribe()

	select {
	case e := <-ch:
		if e.Type != EventMetricsUpdated {
			t.Errorf("expected metrics-updated, got %s", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a metrics-updated event")
	}
}

func TestStopTimersAfterShutdownDoesNotDeadlock(t *testing.T) {
	cfg := testConfig(t)
	mgr := shardmgr.New(t.TempDir(), cfg)
	svc := New(mgr, cfg)

	if err := svc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	svc.Shutdown()

	// Stopping the timers again after Shutdown must not panic or
	// deadlock: timers already stopped, channels already closed.
	done := make(chan struct{})
	go func() {
		svc.stopTimers()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stopTimers deadlocked on an already-stopped service")
	}
}

func TestUpdateConfigRestartsTimersWithNewInterval(t *testing.T) {
	cfg := testConfig(t)
	mgr := shardmgr.New(t.TempDir(), cfg)
	svc := New(mgr, cfg)

	if err := svc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer svc.Shutdown()

	ch, unsubscribe := svc.Subscribe(EventMetricsUpdated)
	defer unsubscribe()

	newCfg := cfg
	newCfg.MetricsIntervalMs = 15
	svc.UpdateConfig(newCfg)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a metrics-updated event after UpdateConfig")
	}
}

func TestCreateAndRemoveShardPublishEvents(t *testing.T) {
	cfg := testConfig(t)
	mgr := shardmgr.New(t.TempDir(), cfg)
	svc := New(mgr, cfg)

	if err := svc.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer svc.Shutdown()

	createdCh, unsubCreated := svc.Subscribe(EventShardCreated)
	defer unsubCreated()
	removedCh, unsubRemoved := svc.Subscribe(EventShardRemoved)
	defer unsubRemoved()

	if err := svc.CreateShard("shard_99"); err != nil {
		t.Fatalf("CreateShard: %v", err)
	}
	select {
	case e := <-createdCh:
		if e.ShardID != "shard_99" {
			t.Errorf("expected shard-created for shard_99, got %s", e.ShardID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shard-created")
	}

	if err := svc.RemoveShard("shard_99"); err != nil {
		t.Fatalf("RemoveShard: %v", err)
	}
	select {
	case e := <-removedCh:
		if e.ShardID != "shard_99" {
			t.Errorf("expected shard-removed for shard_99, got %s", e.ShardID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shard-removed")
	}
}
