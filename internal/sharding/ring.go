// Consistent-hash ring mapping tenant keys to logical shards
package sharding

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/btree"
)

// DefaultVirtualNodes is the number of ring positions each shard owns.
const DefaultVirtualNodes = 160

// ShardRouter maps arbitrary keys onto shard ids using consistent hashing with
// virtual nodes. Lookups are safe for concurrent use with AddShard/RemoveShard.
type ShardRouter struct {
	mu           sync.RWMutex
	virtualNodes int
	ring         *btree.Map[uint64, int]
	shards       map[int]struct{}
}

// RouterOption customizes a ShardRouter
type RouterOption func(*ShardRouter)

// WithVirtualNodes sets the number of virtual nodes per shard
func WithVirtualNodes(n int) RouterOption {
	return func(r *ShardRouter) {
		if n > 0 {
			r.virtualNodes = n
		}
	}
}

// NewShardRouter builds a ring holding shards 0..numShards-1
func NewShardRouter(numShards int, opts ...RouterOption) *ShardRouter {
	r := &ShardRouter{
		virtualNodes: DefaultVirtualNodes,
		ring:         btree.NewMap[uint64, int](32),
		shards:       make(map[int]struct{}, numShards),
	}
	for _, opt := range opts {
		opt(r)
	}

	for id := 0; id < numShards; id++ {
		r.insert(id)
	}
	return r
}

func vnodeLabel(shardID, n int) string {
	return "shard-" + strconv.Itoa(shardID) + "#vn" + strconv.Itoa(n)
}

func (r *ShardRouter) insert(shardID int) {
	for i := 0; i < r.virtualNodes; i++ {
		pos := xxhash.Sum64String(vnodeLabel(shardID, i))
		// first owner keeps a colliding position
		if _, taken := r.ring.Get(pos); taken {
			continue
		}
		r.ring.Set(pos, shardID)
	}
	r.shards[shardID] = struct{}{}
}

// GetShard returns the shard owning key. The empty key always maps to shard 0.
func (r *ShardRouter) GetShard(key string) int {
	if key == "" {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(xxhash.Sum64String(key))
}

// GetShardPtr is GetShard for nullable tenant identifiers; nil maps to shard 0.
func (r *ShardRouter) GetShardPtr(key *string) int {
	if key == nil {
		return 0
	}
	return r.GetShard(*key)
}

// lookup finds the first position at or after h, wrapping to the smallest one.
func (r *ShardRouter) lookup(h uint64) int {
	owner, found := 0, false
	r.ring.Ascend(h, func(_ uint64, shardID int) bool {
		owner, found = shardID, true
		return false
	})
	if !found {
		_, owner, found = r.ring.Min()
		if !found {
			return 0
		}
	}
	return owner
}

// AddShard inserts the virtual nodes of a new shard
func (r *ShardRouter) AddShard(shardID int) error {
	if shardID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidShardID, shardID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.shards[shardID]; ok {
		return fmt.Errorf("%w: %d", ErrShardExists, shardID)
	}
	r.insert(shardID)
	return nil
}

// RemoveShard drops every virtual node of shardID; its keys move to the
// remaining shards. Shard 0 stays because empty keys are pinned to it.
func (r *ShardRouter) RemoveShard(shardID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.shards[shardID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownShard, shardID)
	}
	if shardID == 0 {
		return ErrFallbackShard
	}
	if len(r.shards) == 1 {
		return ErrLastShard
	}

	var positions []uint64
	r.ring.Scan(func(pos uint64, owner int) bool {
		if owner == shardID {
			positions = append(positions, pos)
		}
		return true
	})
	for _, pos := range positions {
		r.ring.Delete(pos)
	}
	delete(r.shards, shardID)
	return nil
}

// Shards returns the ids currently on the ring in ascending order
func (r *ShardRouter) Shards() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.shards))
	for id := range r.shards {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// NumShards returns the number of shards on the ring
func (r *ShardRouter) NumShards() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shards)
}

// VirtualNodes returns the configured virtual nodes per shard
func (r *ShardRouter) VirtualNodes() int {
	return r.virtualNodes
}

// Distribution counts how many of keys land on each shard
func (r *ShardRouter) Distribution(keys []string) map[int]int {
	counts := make(map[int]int, r.NumShards())
	for _, id := range r.Shards() {
		counts[id] = 0
	}
	for _, k := range keys {
		counts[r.GetShard(k)]++
	}
	return counts
}
