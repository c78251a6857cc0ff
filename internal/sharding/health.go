package sharding

import (
	"context"
	"time"

	"github.com/Aidin1998/realtyshard/internal/sharding/events"
	"github.com/Aidin1998/realtyshard/pkg/metrics"
	"go.uber.org/zap"
)

// monitor runs CheckHealth every interval until ctx is cancelled
func (s *DatabaseShardingService) monitor(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("health monitor started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			s.CheckHealth(ctx)
		}
	}
}

// CheckHealth runs one liveness pass over every endpoint. Endpoints without a
// pool get another pool creation attempt. Only the monitor goroutine and
// Startup call it in production, which keeps status writes single-writer.
func (s *DatabaseShardingService) CheckHealth(ctx context.Context) {
	s.checkAll(ctx, true)
}

func (s *DatabaseShardingService) checkAll(ctx context.Context, createPools bool) {
	for _, cfg := range s.configs {
		if ctx.Err() != nil {
			return
		}
		s.checkEndpoint(ctx, cfg, createPools)
	}
	s.recordPoolStats()
}

func (s *DatabaseShardingService) checkEndpoint(ctx context.Context, cfg *ShardConfig, createPools bool) {
	prev := cfg.Status()
	var err error
	if pool, ok := s.lookupPool(cfg); ok {
		checkCtx, cancel := context.WithTimeout(ctx, s.checkTimeout)
		err = pool.Ping(checkCtx)
		cancel()
	} else if !createPools {
		return
	} else {
		var pool Pool
		pool, err = s.newPool(ctx, cfg)
		if err == nil && !s.registerPool(cfg, pool) {
			return
		}
	}

	// a check interrupted by shutdown says nothing about the endpoint
	if err != nil && ctx.Err() != nil {
		return
	}
	s.transition(ctx, cfg, prev, err)
}

func (s *DatabaseShardingService) transition(ctx context.Context, cfg *ShardConfig, prev Status, err error) {
	if err == nil {
		cfg.setStatus(StatusHealthy)
		metrics.SetHealthy(cfg.ShardID, string(cfg.Role), cfg.PoolKey(), true)
		if prev != StatusHealthy {
			s.logger.Info("shard recovered",
				zap.Int("shard_id", cfg.ShardID),
				zap.String("role", string(cfg.Role)),
				zap.String("pool", cfg.PoolKey()),
				zap.String("addr", cfg.Addr()),
				zap.String("previous", string(prev)))
			s.publish(ctx, cfg, prev, StatusHealthy, nil)
		}
		return
	}

	cfg.setStatus(StatusDown)
	metrics.SetHealthy(cfg.ShardID, string(cfg.Role), cfg.PoolKey(), false)
	metrics.HealthCheckFailures.WithLabelValues(metrics.ShardLabel(cfg.ShardID), string(cfg.Role)).Inc()
	if prev != StatusDown {
		s.logger.Error("shard health check failed",
			zap.Int("shard_id", cfg.ShardID),
			zap.String("role", string(cfg.Role)),
			zap.String("pool", cfg.PoolKey()),
			zap.String("addr", cfg.Addr()),
			zap.Error(err))
		s.publish(ctx, cfg, prev, StatusDown, err)
	}
}

func (s *DatabaseShardingService) publish(ctx context.Context, cfg *ShardConfig, from, to Status, cause error) {
	if s.sink == nil {
		return
	}

	ev := events.NewStatusEvent(cfg.ShardID, string(cfg.Role), cfg.PoolKey(), cfg.Addr(), string(from), string(to), cause)
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.checkTimeout)
	defer cancel()
	if err := s.sink.Publish(pubCtx, ev); err != nil {
		s.logger.Warn("failed to publish status event",
			zap.String("pool", cfg.PoolKey()),
			zap.Error(err))
	}
}

func (s *DatabaseShardingService) recordPoolStats() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, p := range s.pools {
		stat := p.Stat()
		metrics.PoolOpenConns.WithLabelValues(key).Set(float64(stat.TotalConns))
		metrics.PoolIdleConns.WithLabelValues(key).Set(float64(stat.IdleConns))
		metrics.PoolInUseConns.WithLabelValues(key).Set(float64(stat.AcquiredConns))
	}
}
