// Tenant-aware routing across sharded PostgreSQL clusters with read/write splitting
package sharding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aidin1998/realtyshard/internal/sharding/events"
	"github.com/Aidin1998/realtyshard/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DatabaseShardingService owns the shard topology, one pool per endpoint and
// the health monitor. Construct it once at process start and pass it around.
type DatabaseShardingService struct {
	logger   *zap.Logger
	router   *ShardRouter
	clusters map[int]*ShardCluster
	configs  []*ShardConfig

	newPool      PoolFactory
	selector     ReplicaSelector
	sink         events.Sink
	tracer       trace.Tracer
	interval     time.Duration
	checkTimeout time.Duration
	vnodes       int

	mu      sync.RWMutex
	pools   map[string]Pool
	started bool
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServiceOption customizes a DatabaseShardingService
type ServiceOption func(*DatabaseShardingService)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *DatabaseShardingService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPoolFactory replaces the pgxpool factory
func WithPoolFactory(f PoolFactory) ServiceOption {
	return func(s *DatabaseShardingService) { s.newPool = f }
}

// WithReplicaSelector sets the read replica selection strategy
func WithReplicaSelector(sel ReplicaSelector) ServiceOption {
	return func(s *DatabaseShardingService) { s.selector = sel }
}

// WithEventSink receives status transitions
func WithEventSink(sink events.Sink) ServiceOption {
	return func(s *DatabaseShardingService) { s.sink = sink }
}

// WithHealthCheckInterval overrides the topology health-check interval
func WithHealthCheckInterval(d time.Duration) ServiceOption {
	return func(s *DatabaseShardingService) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithHealthCheckTimeout bounds each liveness query
func WithHealthCheckTimeout(d time.Duration) ServiceOption {
	return func(s *DatabaseShardingService) {
		if d > 0 {
			s.checkTimeout = d
		}
	}
}

// WithRingVirtualNodes sets virtual nodes per shard on the service's ring
func WithRingVirtualNodes(n int) ServiceOption {
	return func(s *DatabaseShardingService) { s.vnodes = n }
}

// NewDatabaseShardingService validates the topology and prepares, but does not
// open, the pools. Call Startup before routing.
func NewDatabaseShardingService(topology Topology, creds Credentials, opts ...ServiceOption) (*DatabaseShardingService, error) {
	clusters, err := topology.Build(creds)
	if err != nil {
		return nil, err
	}

	pool := topology.Pool
	pool.ApplyDefaults()

	s := &DatabaseShardingService{
		logger:       zap.NewNop(),
		clusters:     make(map[int]*ShardCluster, len(clusters)),
		newPool:      NewPgxPool,
		selector:     &RoundRobinSelector{},
		tracer:       otel.Tracer("realtyshard/sharding"),
		interval:     pool.HealthCheckInterval,
		checkTimeout: pool.HealthCheckTimeout,
		pools:        make(map[string]Pool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("sharding")

	for _, c := range clusters {
		s.clusters[c.ShardID] = c
		s.configs = append(s.configs, c.Configs()...)
	}
	s.router = NewShardRouter(len(clusters), WithVirtualNodes(s.vnodes))

	return s, nil
}

// Router exposes the hash ring used for key placement
func (s *DatabaseShardingService) Router() *ShardRouter {
	return s.router
}

// Cluster returns the cluster for shardID
func (s *DatabaseShardingService) Cluster(shardID int) (*ShardCluster, bool) {
	c, ok := s.clusters[shardID]
	return c, ok
}

// Startup opens one pool per endpoint, runs a first health check and starts
// the health monitor. Replica failures only mark the replica down; master
// failures are returned joined after the rest of the topology is up, so shards
// with a live master keep serving.
func (s *DatabaseShardingService) Startup(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("starting sharding service",
		zap.Int("shards", len(s.clusters)),
		zap.Int("endpoints", len(s.configs)),
		zap.Int("virtual_nodes", s.router.VirtualNodes()))

	var masterErrs []error
	for _, cfg := range s.configs {
		pool, err := s.newPool(ctx, cfg)
		if err != nil {
			cfg.setStatus(StatusDown)
			metrics.SetHealthy(cfg.ShardID, string(cfg.Role), cfg.PoolKey(), false)
			if cfg.Role == RoleMaster {
				s.logger.Error("failed to create master pool; shard writes unavailable",
					zap.Int("shard_id", cfg.ShardID),
					zap.String("addr", cfg.Addr()),
					zap.Error(err))
				masterErrs = append(masterErrs, fmt.Errorf("shard %d: %w: %w", cfg.ShardID, ErrMasterUnavailable, err))
			} else {
				s.logger.Warn("failed to create replica pool",
					zap.Int("shard_id", cfg.ShardID),
					zap.String("pool", cfg.PoolKey()),
					zap.String("addr", cfg.Addr()),
					zap.Error(err))
			}
			continue
		}
		s.registerPool(cfg, pool)
	}

	if s.isClosed() {
		return ErrServiceClosed
	}

	// endpoints that just failed pool creation are left to the monitor
	s.checkAll(ctx, false)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.monitor(monitorCtx)

	s.logger.Info("sharding service started", zap.Any("status", s.GetClusterStatus()))
	return errors.Join(masterErrs...)
}

// registerPool stores pool and marks cfg healthy. A pool created after
// Shutdown is closed immediately.
func (s *DatabaseShardingService) registerPool(cfg *ShardConfig, pool Pool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		pool.Close()
		return false
	}
	s.pools[cfg.PoolKey()] = pool
	s.mu.Unlock()

	cfg.setStatus(StatusHealthy)
	metrics.SetHealthy(cfg.ShardID, string(cfg.Role), cfg.PoolKey(), true)
	s.logger.Debug("connection pool ready",
		zap.String("pool", cfg.PoolKey()),
		zap.String("addr", cfg.Addr()))
	return true
}

func (s *DatabaseShardingService) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *DatabaseShardingService) lookupPool(cfg *ShardConfig) (Pool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[cfg.PoolKey()]
	return p, ok
}

func (s *DatabaseShardingService) poolFor(cfg *ShardConfig) (Pool, error) {
	p, ok := s.lookupPool(cfg)
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoPool, cfg.PoolKey(), cfg.Addr())
	}
	return p, nil
}

func (s *DatabaseShardingService) clusterFor(key string) (*ShardCluster, error) {
	shardID := s.router.GetShard(key)
	c, ok := s.clusters[shardID]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownCluster, shardID)
	}
	return c, nil
}

// GetWriteConnection returns the master pool of the shard owning key. Writes
// never fall back to a replica; a down master is still returned with a warning.
func (s *DatabaseShardingService) GetWriteConnection(key string) (Pool, error) {
	c, err := s.clusterFor(key)
	if err != nil {
		return nil, err
	}
	return s.masterPool(c)
}

func (s *DatabaseShardingService) masterPool(c *ShardCluster) (Pool, error) {
	pool, err := s.poolFor(c.Master)
	if err != nil {
		return nil, err
	}
	if c.Master.Status() == StatusDown {
		s.logger.Warn("routing write to master marked down",
			zap.Int("shard_id", c.ShardID),
			zap.String("addr", c.Master.Addr()))
	}
	metrics.RoutedRequests.WithLabelValues(metrics.ShardLabel(c.ShardID), "master").Inc()
	return pool, nil
}

// GetReadConnection prefers a healthy replica and falls back to the master
func (s *DatabaseShardingService) GetReadConnection(key string) (Pool, error) {
	c, err := s.clusterFor(key)
	if err != nil {
		return nil, err
	}

	if replica := s.selector.Pick(c.HealthyReplicas()); replica != nil {
		if pool, ok := s.lookupPool(replica); ok {
			metrics.RoutedRequests.WithLabelValues(metrics.ShardLabel(c.ShardID), "replica").Inc()
			return pool, nil
		}
	}

	if len(c.Replicas) > 0 {
		metrics.RoutedRequests.WithLabelValues(metrics.ShardLabel(c.ShardID), "fallback").Inc()
		s.logger.Debug("no healthy replica, reading from master", zap.Int("shard_id", c.ShardID))
	}
	return s.masterPool(c)
}

// MigrateTenant would move a tenant's rows to another shard during a rebalance.
// Data movement is not supported.
func (s *DatabaseShardingService) MigrateTenant(_ context.Context, key string, targetShard int) error {
	return fmt.Errorf("migrate tenant %q from shard %d to %d: %w",
		key, s.router.GetShard(key), targetShard, ErrNotImplemented)
}

// Shutdown stops the health monitor and closes every pool. Calling it again is
// a no-op. It only fails when ctx expires before the monitor exits.
func (s *DatabaseShardingService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("health monitor did not stop: %w", ctx.Err())
		s.logger.Warn("health monitor did not stop before shutdown deadline")
	}

	s.mu.Lock()
	pools := s.pools
	s.pools = make(map[string]Pool)
	s.mu.Unlock()

	for key, p := range pools {
		p.Close()
		s.logger.Debug("connection pool closed", zap.String("pool", key))
	}

	s.logger.Info("sharding service stopped", zap.Int("pools_closed", len(pools)))
	return err
}
