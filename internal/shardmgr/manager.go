// Package shardmgr implements the Shard Manager (C3) and the on-disk
// schema and storage layout (C8): it owns the shard set, creates and
// removes shard files, drives health checks, metrics, and rebalance,
// and executes cross-shard migrations.
package shardmgr

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"shardvault/internal/config"
	"shardvault/internal/logging"
	"shardvault/internal/pool"
	"shardvault/internal/shardrouter"

	"shardvault/internal/model"
)

// entry bundles a shard's descriptor with its connection pool.
type entry struct {
	info *model.ShardInfo
	pool *pool.Pool
}

// Manager owns the shard map, the per-shard pools, and the routing ring.
// The shard map is guarded by a reader-writer lock: reads during lookup,
// listing, health checks and metrics, writes during create/remove. The
// ring lives in the router, which swaps it atomically on rebuild, so
// routing takes no lock here.
type Manager struct {
	appDataPath string
	cfg         config.Config
	router      *shardrouter.Router

	mu     sync.RWMutex
	shards map[string]*entry
}

// New constructs a Manager. Call Initialize before use.
func New(appDataPath string, cfg config.Config) *Manager {
	return &Manager{
		appDataPath: appDataPath,
		cfg:         cfg,
		router:      shardrouter.New(shardrouter.Strategy(cfg.Strategy), cfg.ConsistentHashing, cfg.VirtualNodes),
		shards:      make(map[string]*entry),
	}
}

func (m *Manager) shardsDir() string { return filepath.Join(m.appDataPath, "shards") }

func (m *Manager) shardPath(id string) string { return filepath.Join(m.shardsDir(), id+".db") }

// Initialize ensures the shard directory exists, creates any missing
// shards up to cfg.ShardCount, opens each and applies the schema, and
// builds the initial routing ring.
func (m *Manager) Initialize() error {
	if err := os.MkdirAll(m.shardsDir(), 0755); err != nil {
		return model.Wrap(model.SqlError, "create shards directory", err)
	}

	width := shardrouter.Width(m.cfg.ShardCount)
	for i := 0; i < m.cfg.ShardCount; i++ {
		id := fmt.Sprintf("shard_%0*d", width, i)
		if err := m.ensureShard(id); err != nil {
			return err
		}
	}

	m.rebuildRing()
	logging.ShardMgr("shard manager initialized: %d shards under %s", m.cfg.ShardCount, m.shardsDir())
	return nil
}

// ensureShard opens (creating if absent) the shard file, applies the
// schema, and registers it in the map if not already present.
func (m *Manager) ensureShard(id string) error {
	m.mu.Lock()
	if _, ok := m.shards[id]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	path := m.shardPath(id)
	p, err := pool.New(id, path, m.cfg.Pool)
	if err != nil {
		return err
	}
	if err := m.applySchema(p); err != nil {
		p.Shutdown()
		return err
	}

	now := time.Now()
	info := &model.ShardInfo{
		ID:             id,
		DisplayName:    id,
		Path:           path,
		Status:         model.ShardActive,
		NodeID:         uuid.NewString(),
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	m.mu.Lock()
	m.shards[id] = &entry{info: info, pool: p}
	m.mu.Unlock()
	return nil
}

func (m *Manager) applySchema(p *pool.Pool) error {
	c, err := p.Acquire(context.Background())
	if err != nil {
		return err
	}
	defer p.Release(c)

	if _, err := c.DB.Exec(schema); err != nil {
		return model.Wrap(model.SqlError, "apply schema", err)
	}
	return nil
}

// CreateShard registers a new shard by id, failing ShardExists if
// already present.
func (m *Manager) CreateShard(id string) error {
	m.mu.RLock()
	_, exists := m.shards[id]
	m.mu.RUnlock()
	if exists {
		return model.WrapShard(model.ShardExists, id, "shard already exists", nil)
	}

	if err := m.ensureShard(id); err != nil {
		return err
	}
	m.rebuildRing()
	logging.Audit().ShardCreated(id)
	logging.ShardMgr("shard %s created", id)
	return nil
}

// RemoveShard deletes a shard's file and drops it from the map, failing
// ShardMissing if absent or ShardNotEmpty if it still holds records.
func (m *Manager) RemoveShard(id string) error {
	m.mu.RLock()
	e, ok := m.shards[id]
	m.mu.RUnlock()
	if !ok {
		return model.WrapShard(model.ShardMissing, id, "shard does not exist", nil)
	}

	count, err := m.recordCount(e)
	if err != nil {
		return err
	}
	if count > 0 {
		return model.WrapShard(model.ShardNotEmpty, id, fmt.Sprintf("shard holds %d records", count), nil)
	}

	e.pool.Shutdown()
	if err := os.Remove(e.info.Path); err != nil && !os.IsNotExist(err) {
		return model.WrapShard(model.SqlError, id, "remove shard file", err)
	}

	m.mu.Lock()
	delete(m.shards, id)
	m.mu.Unlock()

	m.rebuildRing()
	logging.Audit().ShardRemoved(id)
	logging.ShardMgr("shard %s removed", id)
	return nil
}

func (m *Manager) recordCount(e *entry) (int64, error) {
	c, err := e.pool.Acquire(context.Background())
	if err != nil {
		return 0, err
	}
	defer e.pool.Release(c)

	var total int64
	for _, q := range []string{
		"SELECT COUNT(*) FROM personas",
		"SELECT COUNT(*) FROM memory_entities WHERE deleted_at IS NULL",
		"SELECT COUNT(*) FROM conversations",
	} {
		var n int64
		if err := c.DB.QueryRow(q).Scan(&n); err != nil {
			return 0, model.WrapShard(model.SqlError, e.info.ID, "count records", err)
		}
		total += n
	}
	return total, nil
}

// rebuildRing recomputes the routing ring from the currently active
// shard ids.
func (m *Manager) rebuildRing() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.shards))
	for id, e := range m.shards {
		if e.info.Status == model.ShardActive {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	m.router.Rebuild(ids)
}

// ShardFor routes an entity to a shard id.
func (m *Manager) ShardFor(entityType, entityID, parentID string) (string, error) {
	return m.router.ShardFor(entityType, entityID, parentID)
}

// ListShards returns a snapshot of all registered shard descriptors.
func (m *Manager) ListShards() []model.ShardInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ShardInfo, 0, len(m.shards))
	for _, e := range m.shards {
		out = append(out, *e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connection acquires a pooled connection for shardID, failing
// ShardMissing if unknown.
func (m *Manager) Connection(ctx context.Context, shardID string) (*pool.Connection, error) {
	m.mu.RLock()
	e, ok := m.shards[shardID]
	m.mu.RUnlock()
	if !ok {
		return nil, model.WrapShard(model.ShardMissing, shardID, "shard does not exist", nil)
	}
	return e.pool.Acquire(ctx)
}

// Release returns a connection acquired via Connection.
func (m *Manager) Release(shardID string, c *pool.Connection) {
	m.mu.RLock()
	e, ok := m.shards[shardID]
	m.mu.RUnlock()
	if ok {
		e.pool.Release(c)
	}
}

// WithConnection acquires a connection for shardID, runs op, and always
// releases it afterward.
func (m *Manager) WithConnection(ctx context.Context, shardID string, op func(*sql.DB) error) error {
	c, err := m.Connection(ctx, shardID)
	if err != nil {
		return err
	}
	defer m.Release(shardID, c)
	return op(c.DB)
}

// HealthCheck probes every active shard with a trivial query in
// parallel; a failing shard flips to inactive and triggers a ring
// rebuild.
func (m *Manager) HealthCheck() error {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.shards))
	for _, e := range m.shards {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	var mu sync.Mutex
	changed := false

	for _, e := range entries {
		e := e
		g.Go(func() error {
			if e.info.Status != model.ShardActive {
				return nil
			}
			err := m.probe(e)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logging.ShardMgrWarn("shard %s failed health probe: %v", e.info.ID, err)
				e.info.Status = model.ShardInactive
				logging.Audit().ShardHealthChanged(e.info.ID, string(model.ShardActive), string(model.ShardInactive))
				changed = true
			} else {
				e.info.LastAccessedAt = time.Now()
			}
			return nil
		})
	}
	_ = g.Wait()

	if changed {
		m.rebuildRing()
	}
	return nil
}

func (m *Manager) probe(e *entry) error {
	c, err := e.pool.Acquire(context.Background())
	if err != nil {
		return err
	}
	defer e.pool.Release(c)

	var one int
	return c.DB.QueryRow("SELECT 1").Scan(&one)
}

// Metrics aggregates per-shard record counts, disk usage, connection
// counts, and probe latency.
func (m *Manager) Metrics() (model.ShardMetrics, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.shards))
	for _, e := range m.shards {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	per := make(map[string]model.PerShardMetrics, len(entries))
	var mu sync.Mutex
	var g errgroup.Group

	for _, e := range entries {
		e := e
		g.Go(func() error {
			start := time.Now()
			count, err := m.recordCount(e)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)

			var diskUsage int64
			if fi, statErr := os.Stat(e.info.Path); statErr == nil {
				diskUsage = fi.Size()
			}
			avail, inUse, _ := e.pool.Stats()

			mu.Lock()
			per[e.info.ID] = model.PerShardMetrics{
				ShardID:          e.info.ID,
				RecordCount:      count,
				DiskUsageBytes:   diskUsage,
				ConnectionCount:  avail + inUse,
				QueryPerformance: elapsed,
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.ShardMetrics{}, err
	}

	var totalRecords int64
	activeShards := 0
	m.mu.RLock()
	for _, e := range entries {
		totalRecords += per[e.info.ID].RecordCount
		if e.info.Status == model.ShardActive {
			activeShards++
		}
	}
	m.mu.RUnlock()

	avg := 0.0
	if len(entries) > 0 {
		avg = float64(totalRecords) / float64(len(entries))
	}

	return model.ShardMetrics{
		TotalShards:            len(entries),
		ActiveShards:           activeShards,
		TotalRecords:           totalRecords,
		AverageRecordsPerShard: avg,
		PerShard:               per,
		RebalanceStatus:        "idle",
	}, nil
}

// Shutdown closes every shard's pool.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.shards {
		e.pool.Shutdown()
	}
	logging.ShardMgr("shard manager shut down")
}
