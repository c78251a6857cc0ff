// Package events publishes shard status transitions to interested parties.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StatusEvent is emitted when an endpoint changes health status
type StatusEvent struct {
	ID      string    `json:"id"`
	ShardID int       `json:"shard_id"`
	Role    string    `json:"role"`
	PoolKey string    `json:"pool_key"`
	Addr    string    `json:"addr"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// NewStatusEvent stamps a transition with an id and time
func NewStatusEvent(shardID int, role, poolKey, addr, from, to string, cause error) StatusEvent {
	ev := StatusEvent{
		ID:      uuid.NewString(),
		ShardID: shardID,
		Role:    role,
		PoolKey: poolKey,
		Addr:    addr,
		From:    from,
		To:      to,
		At:      time.Now().UTC(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return ev
}

// Recovered reports a transition back to healthy
func (e StatusEvent) Recovered() bool {
	return e.To == "healthy" && e.From != "healthy"
}

func (e StatusEvent) marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Sink receives status events. Publish failures never affect health state.
type Sink interface {
	Publish(ctx context.Context, ev StatusEvent) error
	Close() error
}

// LogSink writes events to a zap logger
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Publish(_ context.Context, ev StatusEvent) error {
	s.logger.Info("shard status changed",
		zap.String("event_id", ev.ID),
		zap.Int("shard_id", ev.ShardID),
		zap.String("role", ev.Role),
		zap.String("pool", ev.PoolKey),
		zap.String("addr", ev.Addr),
		zap.String("from", ev.From),
		zap.String("to", ev.To),
		zap.String("error", ev.Error))
	return nil
}

func (s *LogSink) Close() error { return nil }

// MultiSink fans an event out to several sinks
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, ev StatusEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
