package sharding

import (
	"sort"
	"time"
)

// EndpointStatus describes one endpoint in a status snapshot
type EndpointStatus struct {
	PoolKey string `json:"pool_key"`
	Role    Role   `json:"role"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Status  Status `json:"status"`
	HasPool bool   `json:"has_pool"`
}

// ShardStatus describes one shard cluster
type ShardStatus struct {
	ShardID         int              `json:"shard_id"`
	Master          EndpointStatus   `json:"master"`
	Replicas        []EndpointStatus `json:"replicas"`
	HealthyReplicas int              `json:"healthy_replicas"`
}

// ClusterStatus is the operational snapshot served by the status API
type ClusterStatus struct {
	TotalShards     int           `json:"total_shards"`
	HealthyMasters  int           `json:"healthy_masters"`
	HealthyReplicas int           `json:"healthy_replicas"`
	TotalReplicas   int           `json:"total_replicas"`
	Shards          []ShardStatus `json:"shards"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

// Healthy reports whether every master is healthy
func (c ClusterStatus) Healthy() bool {
	return c.HealthyMasters == c.TotalShards
}

func (s *DatabaseShardingService) endpointStatus(cfg *ShardConfig) EndpointStatus {
	_, hasPool := s.lookupPool(cfg)
	return EndpointStatus{
		PoolKey: cfg.PoolKey(),
		Role:    cfg.Role,
		Host:    cfg.Host,
		Port:    cfg.Port,
		Status:  cfg.Status(),
		HasPool: hasPool,
	}
}

// GetClusterStatus returns the best-known state of every shard. It never
// touches the network, so it succeeds even while shards are down.
func (s *DatabaseShardingService) GetClusterStatus() ClusterStatus {
	status := ClusterStatus{
		TotalShards: len(s.clusters),
		Shards:      make([]ShardStatus, 0, len(s.clusters)),
		GeneratedAt: time.Now().UTC(),
	}

	for _, c := range s.clusters {
		shard := ShardStatus{
			ShardID:  c.ShardID,
			Master:   s.endpointStatus(c.Master),
			Replicas: make([]EndpointStatus, 0, len(c.Replicas)),
		}
		if shard.Master.Status == StatusHealthy {
			status.HealthyMasters++
		}
		for _, r := range c.Replicas {
			rs := s.endpointStatus(r)
			if rs.Status == StatusHealthy {
				shard.HealthyReplicas++
			}
			shard.Replicas = append(shard.Replicas, rs)
		}
		status.HealthyReplicas += shard.HealthyReplicas
		status.TotalReplicas += len(c.Replicas)
		status.Shards = append(status.Shards, shard)
	}

	sort.Slice(status.Shards, func(i, j int) bool {
		return status.Shards[i].ShardID < status.Shards[j].ShardID
	})
	return status
}
