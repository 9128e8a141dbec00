package shardsvc

import (
	"sync"
	"time"

	"shardvault/internal/config"
	"shardvault/internal/logging"
	"shardvault/internal/model"
	"shardvault/internal/shardmgr"
)

// Service wraps a shardmgr.Manager with three periodic timers
// (rebalance, health check, metrics) and an event bus. It never
// touches shard state directly; every operation delegates to the
// Manager.
type Service struct {
	mgr *shardmgr.Manager
	bus *bus

	mu            sync.Mutex
	cfg           config.Config
	rebalanceStop chan struct{}
	healthStop    chan struct{}
	metricsStop   chan struct{}
	wg            sync.WaitGroup

	healthMu   sync.Mutex
	lastHealth map[string]bool
}

// New constructs a Service over an already-built Manager.
func New(mgr *shardmgr.Manager, cfg config.Config) *Service {
	return &Service{
		mgr:        mgr,
		bus:        newBus(),
		cfg:        cfg,
		lastHealth: make(map[string]bool),
	}
}

// Subscribe returns a channel of events of type t and an unsubscribe func.
func (s *Service) Subscribe(t EventType) (<-chan Event, func()) {
	return s.bus.Subscribe(t)
}

// Initialize starts C3 (if not already) and then the three timers.
// Timers only start once C3's initial shard set exists.
func (s *Service) Initialize() error {
	if err := s.mgr.Initialize(); err != nil {
		return err
	}
	for _, sh := range s.mgr.ListShards() {
		s.healthMu.Lock()
		s.lastHealth[sh.ID] = sh.Status == model.ShardActive
		s.healthMu.Unlock()
		s.bus.publish(Event{Type: EventShardCreated, ShardID: sh.ID})
	}
	s.startTimers(s.cfg)
	logging.ShardSvc("sharding service initialized with %d shard(s)", len(s.mgr.ListShards()))
	return nil
}

func (s *Service) startTimers(cfg config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rebalanceStop = make(chan struct{})
	s.healthStop = make(chan struct{})
	s.metricsStop = make(chan struct{})

	if cfg.AutoRebalance {
		s.wg.Add(1)
		go s.runTimer(s.rebalanceStop, time.Duration(cfg.RebalanceIntervalMs)*time.Millisecond, s.runRebalance)
	}
	s.wg.Add(1)
	go s.runTimer(s.healthStop, time.Duration(cfg.HealthCheckIntervalMs)*time.Millisecond, s.runHealthCheck)

	s.wg.Add(1)
	go s.runTimer(s.metricsStop, time.Duration(cfg.MetricsIntervalMs)*time.Millisecond, s.runMetrics)
}

func (s *Service) stopTimers() {
	s.mu.Lock()
	stops := []chan struct{}{s.rebalanceStop, s.healthStop, s.metricsStop}
	s.rebalanceStop, s.healthStop, s.metricsStop = nil, nil, nil
	s.mu.Unlock()

	for _, stop := range stops {
		if stop != nil {
			close(stop)
		}
	}
	s.wg.Wait()
}

func (s *Service) runTimer(stop chan struct{}, interval time.Duration, tick func()) {
	defer s.wg.Done()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (s *Service) runRebalance() {
	shards := s.mgr.ListShards()
	s.bus.publish(Event{Type: EventRebalanceStarted, ShardCount: len(shards)})

	results, err := s.mgr.Rebalance()
	if err != nil {
		logging.ShardSvcWarn("rebalance timer: %v", err)
		s.bus.publish(Event{Type: EventError, Err: err})
	}

	migrated := 0
	for _, r := range results {
		s.bus.publish(Event{Type: EventMigrationStarted, Source: r.Plan.Source, Target: r.Plan.Target})
		migrated += r.Migrated
		s.bus.publish(Event{Type: EventMigrationCompleted, Source: r.Plan.Source, Target: r.Plan.Target, MigratedCount: r.Migrated})
	}
	s.bus.publish(Event{Type: EventRebalanceCompleted, MigratedCount: migrated})
}

func (s *Service) runHealthCheck() {
	if err := s.mgr.HealthCheck(); err != nil {
		logging.ShardSvcWarn("health check timer: %v", err)
		s.bus.publish(Event{Type: EventError, Err: err})
	}

	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	for _, sh := range s.mgr.ListShards() {
		healthy := sh.Status == model.ShardActive
		if prev, ok := s.lastHealth[sh.ID]; !ok || prev != healthy {
			s.bus.publish(Event{Type: EventShardHealthChanged, ShardID: sh.ID, Healthy: healthy})
			logging.Audit().ShardHealthChanged(sh.ID, healthStatusLabel(!healthy), healthStatusLabel(healthy))
		}
		s.lastHealth[sh.ID] = healthy
	}
}

func healthStatusLabel(healthy bool) string {
	if healthy {
		return string(model.ShardActive)
	}
	return string(model.ShardInactive)
}

func (s *Service) runMetrics() {
	metrics, err := s.mgr.Metrics()
	if err != nil {
		logging.ShardSvcWarn("metrics timer: %v", err)
		s.bus.publish(Event{Type: EventError, Err: err})
		return
	}
	s.bus.publish(Event{Type: EventMetricsUpdated, Metrics: metrics})
}

// UpdateConfig tears down and restarts every timer against the new
// intervals and autoRebalance flag.
func (s *Service) UpdateConfig(cfg config.Config) {
	s.stopTimers()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.startTimers(cfg)
	logging.ShardSvc("sharding service config updated, timers restarted")
}

// CreateShard creates a shard via the manager and publishes shard-created.
func (s *Service) CreateShard(id string) error {
	if err := s.mgr.CreateShard(id); err != nil {
		return err
	}
	logging.Audit().ShardCreated(id)
	s.bus.publish(Event{Type: EventShardCreated, ShardID: id})
	return nil
}

// RemoveShard removes a shard via the manager and publishes shard-removed.
func (s *Service) RemoveShard(id string) error {
	if err := s.mgr.RemoveShard(id); err != nil {
		return err
	}
	logging.Audit().ShardRemoved(id)
	s.bus.publish(Event{Type: EventShardRemoved, ShardID: id})
	return nil
}

// Manager exposes the wrapped shardmgr.Manager for routing/connection
// access by the repository layer.
func (s *Service) Manager() *shardmgr.Manager { return s.mgr }

// WatchConfig registers UpdateConfig as an OnChange callback on w, so
// a hot-reloaded config file restarts the affected timers without the
// caller wiring the two packages together by hand.
func (s *Service) WatchConfig(w *config.Watcher) {
	w.OnChange(s.UpdateConfig)
}

// Shutdown stops every timer before shutting down the wrapped
// Manager, then closes every subscriber channel, so no timer can fire
// against a manager that has already released its shards.
func (s *Service) Shutdown() {
	s.stopTimers()
	s.mgr.Shutdown()
	s.bus.closeAll()
}
