package pool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"shardvault/internal/config"
	"shardvault/internal/model"
)

func testCfg() config.PoolConfig {
	return config.PoolConfig{
		MaxConnections:   3,
		MinConnections:   1,
		AcquireTimeoutMs: 200,
		IdleTimeoutMs:    50,
		EnableWAL:        true,
		BusyTimeoutMs:    1000,
		CacheSize:        2000,
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	p, err := New("shard_00", filepath.Join(dir, "shard_00.db"), testCfg())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !c.InUse {
		t.Error("expected acquired connection to be marked in use")
	}

	p.Release(c)
	avail, inUse, total := p.Stats()
	if avail != 1 || inUse != 0 || total != 1 {
		t.Errorf("unexpected stats after release: avail=%d inUse=%d total=%d", avail, inUse, total)
	}
}

func TestPoolAcquireTimeout(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg()
	cfg.MaxConnections = 1
	cfg.MinConnections = 1
	cfg.AcquireTimeoutMs = 50

	p, err := New("shard_00", filepath.Join(dir, "shard_00.db"), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	start := time.Now()
	_, err = p.Acquire(context.Background())
	elapsed := time.Since(start)

	var serr *model.Error
	if !errors.As(err, &serr) || serr.Kind != model.AcquireTimeout {
		t.Fatalf("expected AcquireTimeout, got %v", err)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("expected acquire to block near the configured timeout, took %v", elapsed)
	}

	p.Release(c)
}

func TestPoolAcquireAfterShutdownFails(t *testing.T) {
	dir := t.TempDir()
	p, err := New("shard_00", filepath.Join(dir, "shard_00.db"), testCfg())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Shutdown()

	_, err = p.Acquire(context.Background())
	var serr *model.Error
	if !errors.As(err, &serr) || serr.Kind != model.PoolClosed {
		t.Fatalf("expected PoolClosed, got %v", err)
	}
}

func TestPoolHealthCheckEvictsIdleConnections(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg()
	cfg.MinConnections = 1
	cfg.IdleTimeoutMs = 1

	p, err := New("shard_00", filepath.Join(dir, "shard_00.db"), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	time.Sleep(5 * time.Millisecond)

	if err := p.HealthCheck(); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}

	avail, _, total := p.Stats()
	if avail < cfg.MinConnections {
		t.Errorf("expected health check to top back up to minConnections, got avail=%d", avail)
	}
	if total < cfg.MinConnections {
		t.Errorf("expected total >= minConnections after health check, got %d", total)
	}
}

func TestPoolCancelledAcquireDoesNotLeakWaiter(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	cfg := testCfg()
	cfg.MaxConnections = 1
	cfg.MinConnections = 1
	cfg.AcquireTimeoutMs = 5000

	p, err := New("shard_00", filepath.Join(dir, "shard_00.db"), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Shutdown()

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	p.mu.Lock()
	waiters := len(p.waiters)
	p.mu.Unlock()
	if waiters != 0 {
		t.Errorf("expected no leaked waiters, found %d", waiters)
	}

	p.Release(c)
}
