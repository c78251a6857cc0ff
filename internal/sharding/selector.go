package sharding

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"
)

// ReplicaSelector picks one replica out of the currently healthy ones.
// Pick returns nil when replicas is empty.
type ReplicaSelector interface {
	Pick(replicas []*ShardConfig) *ShardConfig
}

// Replica selection strategies accepted by NewReplicaSelector
const (
	SelectRoundRobin = "round_robin"
	SelectClock      = "clock"
	SelectRandom     = "random"
)

// NewReplicaSelector returns the selector registered under name
func NewReplicaSelector(name string) (ReplicaSelector, error) {
	switch name {
	case "", SelectRoundRobin:
		return &RoundRobinSelector{}, nil
	case SelectClock:
		return &ClockSelector{}, nil
	case SelectRandom:
		return RandomSelector{}, nil
	default:
		return nil, fmt.Errorf("unknown replica selection strategy %q", name)
	}
}

// RoundRobinSelector cycles through healthy replicas with a shared counter
type RoundRobinSelector struct {
	next atomic.Uint64
}

func (s *RoundRobinSelector) Pick(replicas []*ShardConfig) *ShardConfig {
	if len(replicas) == 0 {
		return nil
	}
	n := s.next.Add(1) - 1
	return replicas[n%uint64(len(replicas))]
}

// ClockSelector indexes by wall-clock seconds, so calls within the same second
// land on the same replica.
type ClockSelector struct {
	Now func() time.Time
}

func (s *ClockSelector) Pick(replicas []*ShardConfig) *ShardConfig {
	if len(replicas) == 0 {
		return nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return replicas[now().Unix()%int64(len(replicas))]
}

// RandomSelector picks uniformly
type RandomSelector struct{}

func (RandomSelector) Pick(replicas []*ShardConfig) *ShardConfig {
	if len(replicas) == 0 {
		return nil
	}
	return replicas[rand.Intn(len(replicas))]
}
