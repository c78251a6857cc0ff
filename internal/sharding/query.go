package sharding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/realtyshard/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WithConnection acquires a connection for key from the read or write pool
// and releases it when fn returns, errors, panics or ctx is cancelled.
func (s *DatabaseShardingService) WithConnection(ctx context.Context, key string, readOnly bool, fn func(Conn) error) error {
	var (
		pool Pool
		err  error
	)
	if readOnly {
		pool, err = s.GetReadConnection(key)
	} else {
		pool, err = s.GetWriteConnection(key)
	}
	if err != nil {
		return err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for shard %d: %w", s.router.GetShard(key), err)
	}
	defer conn.Release()

	return fn(conn)
}

func (s *DatabaseShardingService) startSpan(ctx context.Context, op, key string, readOnly bool) (context.Context, trace.Span, int) {
	shardID := s.router.GetShard(key)
	ctx, span := s.tracer.Start(ctx, "sharding."+op, trace.WithAttributes(
		attribute.Int("shard.id", shardID),
		attribute.Bool("db.read_only", readOnly),
	))
	return ctx, span, shardID
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ExecuteQuery runs a statement on the shard owning key
func (s *DatabaseShardingService) ExecuteQuery(ctx context.Context, key, sql string, readOnly bool, args ...any) (tag pgconn.CommandTag, err error) {
	ctx, span, shardID := s.startSpan(ctx, "ExecuteQuery", key, readOnly)
	defer func() { endSpan(span, err) }()
	defer observe(shardID, "exec", time.Now())

	err = s.WithConnection(ctx, key, readOnly, func(c Conn) error {
		var execErr error
		tag, execErr = c.Exec(ctx, sql, args...)
		return execErr
	})
	return tag, err
}

// FetchOne returns the first row as a column map, or nil when there are no rows
func (s *DatabaseShardingService) FetchOne(ctx context.Context, key, sql string, args ...any) (row map[string]any, err error) {
	ctx, span, shardID := s.startSpan(ctx, "FetchOne", key, true)
	defer func() { endSpan(span, err) }()
	defer observe(shardID, "fetch_one", time.Now())

	err = s.WithConnection(ctx, key, true, func(c Conn) error {
		rows, qErr := c.Query(ctx, sql, args...)
		if qErr != nil {
			return qErr
		}
		row, qErr = pgx.CollectOneRow(rows, pgx.RowToMap)
		if errors.Is(qErr, pgx.ErrNoRows) {
			row = nil
			return nil
		}
		return qErr
	})
	return row, err
}

// FetchAll returns every row as a column map
func (s *DatabaseShardingService) FetchAll(ctx context.Context, key, sql string, args ...any) (result []map[string]any, err error) {
	ctx, span, shardID := s.startSpan(ctx, "FetchAll", key, true)
	defer func() { endSpan(span, err) }()
	defer observe(shardID, "fetch_all", time.Now())

	err = s.WithConnection(ctx, key, true, func(c Conn) error {
		rows, qErr := c.Query(ctx, sql, args...)
		if qErr != nil {
			return qErr
		}
		result, qErr = pgx.CollectRows(rows, pgx.RowToMap)
		return qErr
	})
	return result, err
}

func observe(shardID int, op string, start time.Time) {
	metrics.QueryLatency.WithLabelValues(metrics.ShardLabel(shardID), op).Observe(time.Since(start).Seconds())
}
