package sharding

import "errors"

// Routing errors are returned to callers; health-check failures never are.
var (
	ErrInvalidShardID    = errors.New("invalid shard id")
	ErrShardExists       = errors.New("shard already on ring")
	ErrUnknownShard      = errors.New("shard not on ring")
	ErrLastShard         = errors.New("cannot remove the last shard from the ring")
	ErrFallbackShard     = errors.New("shard 0 receives empty keys and cannot be removed")
	ErrInvalidTopology   = errors.New("invalid shard topology")
	ErrUnknownCluster    = errors.New("no cluster registered for shard")
	ErrNoPool            = errors.New("no connection pool registered")
	ErrMasterUnavailable = errors.New("master pool unavailable")
	ErrAlreadyStarted    = errors.New("sharding service already started")
	ErrServiceClosed     = errors.New("sharding service closed")
	ErrNotImplemented    = errors.New("not implemented")
)
