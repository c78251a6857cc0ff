package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aidin1998/realtyshard/internal/sharding"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gopkg.in/yaml.v3"
)

// ErrTopologyNotFound is returned when the etcd key holding the topology is absent
var ErrTopologyNotFound = errors.New("topology key not found")

// FetchTopology dials etcd and reads the topology document at cfg.Key
func FetchTopology(ctx context.Context, cfg EtcdConfig) (sharding.Topology, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return sharding.Topology{}, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	defer cli.Close()

	return LoadTopologyFromKV(ctx, cli, cfg.Key)
}

// LoadTopologyFromKV reads and validates a YAML topology stored under key
func LoadTopologyFromKV(ctx context.Context, kv clientv3.KV, key string) (sharding.Topology, error) {
	resp, err := kv.Get(ctx, key)
	if err != nil {
		return sharding.Topology{}, fmt.Errorf("etcd get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return sharding.Topology{}, fmt.Errorf("%w: %s", ErrTopologyNotFound, key)
	}
	return DecodeTopology(resp.Kvs[0].Value)
}

// DecodeTopology parses a YAML topology document:
//
//	pool:
//	  max_conns: 20
//	shards:
//	  - shard_id: 0
//	    master: {host: pg-0.internal, port: 5432}
//	    replicas:
//	      - {host: pg-0-r0.internal, port: 5432}
func DecodeTopology(data []byte) (sharding.Topology, error) {
	var t sharding.Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return sharding.Topology{}, fmt.Errorf("failed to decode topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return sharding.Topology{}, err
	}
	return t, nil
}
