// Package pool provides a bounded, per-shard connection pool: acquire,
// release, idle eviction, and health checks over a single SQLite file.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"shardvault/internal/config"
	"shardvault/internal/logging"
	"shardvault/internal/model"
)

// Connection is a loaned or idle handle to one shard file.
type Connection struct {
	model.PooledConnection
	DB *sql.DB
}

// Pool is a bounded set of Connections to a single shard file.
type Pool struct {
	shardID string
	path    string
	cfg     config.PoolConfig

	mu        sync.Mutex
	available []*Connection
	inUse     map[string]*Connection
	total     int
	waiters   []chan *Connection
	closed    bool
}

// New constructs a pool for one shard file. minConnections idle
// connections are pre-warmed before New returns.
func New(shardID, path string, cfg config.PoolConfig) (*Pool, error) {
	p := &Pool{
		shardID: shardID,
		path:    path,
		cfg:     cfg,
		inUse:   make(map[string]*Connection),
	}

	for i := 0; i < cfg.MinConnections; i++ {
		c, err := p.open()
		if err != nil {
			p.Shutdown()
			return nil, err
		}
		p.total++
		p.available = append(p.available, c)
	}

	logging.Pool("pool opened for shard %s: %d pre-warmed connections", shardID, len(p.available))
	return p, nil
}

// open creates one new database handle with the pool's pragma settings
// applied.
func (p *Pool) open() (*Connection, error) {
	db, err := sql.Open(DefaultDriverName, p.path)
	if err != nil {
		return nil, model.WrapShard(model.SqlError, p.shardID, "open connection", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", p.cfg.BusyTimeoutMs),
		fmt.Sprintf("PRAGMA cache_size=%d", p.cfg.CacheSize),
		"PRAGMA foreign_keys=ON",
	}
	if p.cfg.EnableWAL {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, model.WrapShard(model.SqlError, p.shardID, "apply pragma: "+stmt, err)
		}
	}

	now := time.Now()
	return &Connection{
		PooledConnection: model.PooledConnection{
			ID:         uuid.NewString(),
			ShardID:    p.shardID,
			CreatedAt:  now,
			LastUsedAt: now,
		},
		DB: db,
	}, nil
}

// Acquire loans a connection, suspending until one is available or the
// configured acquire timeout / ctx expires.
func (p *Pool) Acquire(ctx context.Context) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, model.WrapShard(model.PoolClosed, p.shardID, "pool is shut down", nil)
	}

	if n := len(p.available); n > 0 {
		c := p.available[n-1]
		p.available = p.available[:n-1]
		p.markInUseLocked(c)
		p.mu.Unlock()
		return c, nil
	}

	if p.total < p.cfg.MaxConnections {
		p.total++
		p.mu.Unlock()

		c, err := p.open()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, err
		}

		p.mu.Lock()
		p.markInUseLocked(c)
		p.mu.Unlock()
		return c, nil
	}

	ch := make(chan *Connection, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	timeout := time.Duration(p.cfg.AcquireTimeoutMs) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c, ok := <-ch:
		if !ok {
			return nil, model.WrapShard(model.PoolClosed, p.shardID, "pool shut down while waiting", nil)
		}
		return c, nil
	case <-timer.C:
		p.abandonWaiter(ch)
		return nil, model.WrapShard(model.AcquireTimeout, p.shardID, fmt.Sprintf("acquire timed out after %v", timeout), nil)
	case <-ctx.Done():
		p.abandonWaiter(ch)
		return nil, ctx.Err()
	}
}

func (p *Pool) markInUseLocked(c *Connection) {
	c.InUse = true
	c.LastUsedAt = time.Now()
	c.QueryCount++
	p.inUse[c.ID] = c
}

// abandonWaiter removes ch from the waiter queue. If a connection was
// already handed to ch (a race between the timeout/cancellation firing
// and Release delivering), that connection is returned to the pool
// rather than leaked.
func (p *Pool) abandonWaiter(ch chan *Connection) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	select {
	case c := <-ch:
		p.Release(c)
	default:
	}
}

// Release returns a connection to the pool, handing it directly to the
// oldest waiter if one is parked.
func (p *Pool) Release(c *Connection) {
	p.mu.Lock()
	c.InUse = false
	c.LastUsedAt = time.Now()

	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		c.InUse = true
		c.QueryCount++
		// ch is buffered (cap 1) and only ever receives once, so this
		// send cannot block. Sending before unlocking keeps the pop
		// and the delivery atomic with abandonWaiter's lock-protected
		// check: by the time abandonWaiter fails to find ch still
		// queued, the value is already sitting in the channel buffer
		// for its non-blocking receive to pick up.
		ch <- c
		p.mu.Unlock()
		return
	}

	delete(p.inUse, c.ID)
	p.available = append(p.available, c)
	p.mu.Unlock()
}

// HealthCheck drains idle connections whose age exceeds IdleTimeoutMs and
// opens new idle connections until the total count (available plus in
// use) is back up to MinConnections. In-use connections are untouched.
func (p *Pool) HealthCheck() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return model.WrapShard(model.PoolClosed, p.shardID, "health check on closed pool", nil)
	}

	idleLimit := time.Duration(p.cfg.IdleTimeoutMs) * time.Millisecond
	kept := p.available[:0]
	for _, c := range p.available {
		if time.Since(c.LastUsedAt) > idleLimit {
			c.DB.Close()
			p.total--
		} else {
			kept = append(kept, c)
		}
	}
	p.available = kept
	p.mu.Unlock()

	for p.needsTopUp() {
		c, err := p.open()
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.total++
		p.available = append(p.available, c)
		p.mu.Unlock()
	}

	logging.PoolDebug("health check complete for shard %s: %d available, %d in use", p.shardID, len(p.available), len(p.inUse))
	return nil
}

func (p *Pool) needsTopUp() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total < p.cfg.MinConnections
}

// Shutdown closes available connections, logs any still in use, and
// refuses further operations with PoolClosed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, c := range p.available {
		c.DB.Close()
	}
	if n := len(p.inUse); n > 0 {
		logging.PoolWarn("shutting down pool for shard %s with %d connections still in use", p.shardID, n)
		for _, c := range p.inUse {
			c.DB.Close()
		}
	}
	for _, ch := range p.waiters {
		close(ch)
	}

	p.available = nil
	p.inUse = make(map[string]*Connection)
	p.waiters = nil
	p.total = 0
}

// Stats reports the current available/in-use/total counts.
func (p *Pool) Stats() (available, inUse, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available), len(p.inUse), p.total
}
