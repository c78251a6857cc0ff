package sharding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replicaConfigs(n int) []*ShardConfig {
	out := make([]*ShardConfig, n)
	for i := range out {
		out[i] = &ShardConfig{ShardID: 0, Role: RoleReplica, ReplicaIndex: i}
	}
	return out
}

func TestNewReplicaSelector(t *testing.T) {
	for name, want := range map[string]any{
		"":               &RoundRobinSelector{},
		SelectRoundRobin: &RoundRobinSelector{},
		SelectClock:      &ClockSelector{},
		SelectRandom:     RandomSelector{},
	} {
		sel, err := NewReplicaSelector(name)
		require.NoError(t, err, name)
		assert.IsType(t, want, sel, name)
	}

	_, err := NewReplicaSelector("least_loaded")
	assert.Error(t, err)
}

func TestSelectors_EmptyReplicaSet(t *testing.T) {
	for _, sel := range []ReplicaSelector{&RoundRobinSelector{}, &ClockSelector{}, RandomSelector{}} {
		assert.Nil(t, sel.Pick(nil))
	}
}

func TestRoundRobinSelector(t *testing.T) {
	replicas := replicaConfigs(3)
	sel := &RoundRobinSelector{}

	var got []int
	for i := 0; i < 6; i++ {
		got = append(got, sel.Pick(replicas).ReplicaIndex)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, got)
}

func TestClockSelector(t *testing.T) {
	replicas := replicaConfigs(3)
	now := time.Unix(1_700_000_000, 0)
	sel := &ClockSelector{Now: func() time.Time { return now }}

	// 1_700_000_000 % 3 == 2
	assert.Equal(t, 2, sel.Pick(replicas).ReplicaIndex)
	assert.Equal(t, 2, sel.Pick(replicas).ReplicaIndex)

	now = now.Add(time.Second)
	assert.Equal(t, 0, sel.Pick(replicas).ReplicaIndex)
}

func TestRandomSelector(t *testing.T) {
	replicas := replicaConfigs(2)
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		r := RandomSelector{}.Pick(replicas)
		require.NotNil(t, r)
		seen[r.ReplicaIndex] = true
	}
	assert.Len(t, seen, 2)
}
