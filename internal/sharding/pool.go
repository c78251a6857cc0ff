// Connection pool abstraction over pgxpool
package sharding

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Conn is a connection checked out of a Pool. Release must be called exactly once.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Release()
}

// Pool is a per-endpoint connection pool
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	// Ping runs the liveness query used by the health monitor
	Ping(ctx context.Context) error
	Stat() PoolStats
	Close()
}

// PoolStats is a snapshot of pool usage
type PoolStats struct {
	TotalConns      int32         `json:"total_conns"`
	IdleConns       int32         `json:"idle_conns"`
	AcquiredConns   int32         `json:"acquired_conns"`
	MaxConns        int32         `json:"max_conns"`
	AcquireCount    int64         `json:"acquire_count"`
	AcquireDuration time.Duration `json:"acquire_duration"`
}

// PoolFactory creates the pool for one endpoint
type PoolFactory func(ctx context.Context, cfg *ShardConfig) (Pool, error)

type pgxPool struct {
	pool *pgxpool.Pool
}

// NewPgxPool connects a pgxpool for cfg and verifies it with a liveness query
func NewPgxPool(ctx context.Context, cfg *ShardConfig) (Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config for %s: %w", cfg.PoolKey(), err)
	}

	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConns = cfg.MaxConns
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool for %s: %w", cfg.PoolKey(), err)
	}

	p := &pgxPool{pool: pool}
	if err := p.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initial ping failed for %s: %w", cfg.PoolKey(), err)
	}
	return p, nil
}

func (p *pgxPool) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *pgxPool) Ping(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, "SELECT 1")
	return err
}

func (p *pgxPool) Stat() PoolStats {
	s := p.pool.Stat()
	return PoolStats{
		TotalConns:      s.TotalConns(),
		IdleConns:       s.IdleConns(),
		AcquiredConns:   s.AcquiredConns(),
		MaxConns:        s.MaxConns(),
		AcquireCount:    s.AcquireCount(),
		AcquireDuration: s.AcquireDuration(),
	}
}

func (p *pgxPool) Close() {
	p.pool.Close()
}
