package sharding

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func testTopology(shards, replicas int) Topology {
	t := Topology{Pool: PoolSettings{MinConns: 1, MaxConns: 4, HealthCheckInterval: time.Hour}}
	for id := 0; id < shards; id++ {
		st := ShardTopology{
			ShardID: id,
			Master:  Endpoint{Host: fmt.Sprintf("shard%d-master.db.internal", id), Port: 5432},
		}
		for r := 0; r < replicas; r++ {
			st.Replicas = append(st.Replicas, Endpoint{Host: fmt.Sprintf("shard%d-replica%d.db.internal", id, r), Port: 5432})
		}
		t.Shards = append(t.Shards, st)
	}
	return t
}

var testCreds = Credentials{User: "realty", Password: "secret", Database: "realty_crm", SSLMode: "disable"}

func newTestService(t *testing.T, farm *poolFarm, opts ...ServiceOption) *DatabaseShardingService {
	t.Helper()
	base := []ServiceOption{
		WithLogger(zaptest.NewLogger(t)),
		WithPoolFactory(farm.factory),
	}
	svc, err := NewDatabaseShardingService(testTopology(4, 2), testCreds, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc
}

// keyOnShard finds a key the service routes to shardID
func keyOnShard(t *testing.T, svc *DatabaseShardingService, shardID int) string {
	t.Helper()
	for i := 0; i < 10_000; i++ {
		k := fmt.Sprintf("tenant-%d", i)
		if svc.Router().GetShard(k) == shardID {
			return k
		}
	}
	t.Fatalf("no key found for shard %d", shardID)
	return ""
}

func TestNewDatabaseShardingService_InvalidInput(t *testing.T) {
	_, err := NewDatabaseShardingService(Topology{}, testCreds)
	assert.ErrorIs(t, err, ErrInvalidTopology)

	_, err = NewDatabaseShardingService(testTopology(2, 1), Credentials{User: "realty"})
	assert.Error(t, err)
}

func TestStartup_CreatesPoolPerEndpoint(t *testing.T) {
	farm := newPoolFarm()
	svc := newTestService(t, farm)

	require.NoError(t, svc.Startup(context.Background()))

	for id := 0; id < 4; id++ {
		c, ok := svc.Cluster(id)
		require.True(t, ok)
		for _, cfg := range c.Configs() {
			assert.NotNil(t, farm.pool(cfg.PoolKey()), "pool %s", cfg.PoolKey())
			assert.Equal(t, StatusHealthy, cfg.Status())
		}
	}

	status := svc.GetClusterStatus()
	assert.Equal(t, 4, status.TotalShards)
	assert.Equal(t, 4, status.HealthyMasters)
	assert.Equal(t, 8, status.TotalReplicas)
	assert.Equal(t, 8, status.HealthyReplicas)
	assert.True(t, status.Healthy())

	assert.ErrorIs(t, svc.Startup(context.Background()), ErrAlreadyStarted)
}

func TestStartup_ReplicaFailureMarksDown(t *testing.T) {
	farm := newPoolFarm()
	farm.fail("1_replica_0", true)
	svc := newTestService(t, farm)

	require.NoError(t, svc.Startup(context.Background()))

	c, _ := svc.Cluster(1)
	assert.Equal(t, StatusDown, c.Replicas[0].Status())
	assert.Equal(t, StatusHealthy, c.Replicas[1].Status())

	key := keyOnShard(t, svc, 1)
	for i := 0; i < 10; i++ {
		pool, err := svc.GetReadConnection(key)
		require.NoError(t, err)
		assert.Same(t, farm.pool("1_replica_1"), pool)
	}
}

func TestStartup_MasterFailureIsSurfaced(t *testing.T) {
	farm := newPoolFarm()
	farm.fail("2_master", true)
	svc := newTestService(t, farm)

	err := svc.Startup(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMasterUnavailable)
	assert.ErrorIs(t, err, errConnRefused)

	key := keyOnShard(t, svc, 2)
	_, err = svc.GetWriteConnection(key)
	assert.ErrorIs(t, err, ErrNoPool)

	// other shards keep serving writes
	pool, err := svc.GetWriteConnection(keyOnShard(t, svc, 0))
	require.NoError(t, err)
	assert.Same(t, farm.pool("0_master"), pool)

	status := svc.GetClusterStatus()
	assert.Equal(t, 3, status.HealthyMasters)
	assert.False(t, status.Shards[2].Master.HasPool)
	assert.Equal(t, StatusDown, status.Shards[2].Master.Status)
}

func TestGetWriteConnection_BeforeStartup(t *testing.T) {
	svc := newTestService(t, newPoolFarm())

	_, err := svc.GetWriteConnection("tenant-1")
	assert.ErrorIs(t, err, ErrNoPool)
}

func TestGetWriteConnection_AlwaysMaster(t *testing.T) {
	farm := newPoolFarm()
	svc := newTestService(t, farm)
	require.NoError(t, svc.Startup(context.Background()))

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("tenant-%d", i)
		shardID := svc.Router().GetShard(key)

		pool, err := svc.GetWriteConnection(key)
		require.NoError(t, err)
		assert.Same(t, farm.pool(fmt.Sprintf("%d_master", shardID)), pool)
	}
}

func TestGetWriteConnection_DownMasterStillRouted(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	farm := newPoolFarm()
	svc := newTestService(t, farm, WithLogger(zap.New(core)))
	require.NoError(t, svc.Startup(context.Background()))

	farm.pool("0_master").setPingErr(errConnRefused)
	svc.CheckHealth(context.Background())

	c, _ := svc.Cluster(0)
	require.Equal(t, StatusDown, c.Master.Status())

	pool, err := svc.GetWriteConnection(keyOnShard(t, svc, 0))
	require.NoError(t, err)
	assert.Same(t, farm.pool("0_master"), pool)
	assert.Equal(t, 1, logs.FilterMessage("routing write to master marked down").Len())
}

func TestGetReadConnection_PrefersHealthyReplicas(t *testing.T) {
	farm := newPoolFarm()
	svc := newTestService(t, farm)
	require.NoError(t, svc.Startup(context.Background()))

	key := keyOnShard(t, svc, 3)
	seen := map[Pool]int{}
	for i := 0; i < 10; i++ {
		pool, err := svc.GetReadConnection(key)
		require.NoError(t, err)
		seen[pool]++
	}

	assert.Len(t, seen, 2)
	assert.Equal(t, 5, seen[farm.pool("3_replica_0")])
	assert.Equal(t, 5, seen[farm.pool("3_replica_1")])
	assert.Zero(t, seen[farm.pool("3_master")])
}

func TestGetReadConnection_SkipsDownReplica(t *testing.T) {
	farm := newPoolFarm()
	svc := newTestService(t, farm)
	require.NoError(t, svc.Startup(context.Background()))

	farm.pool("3_replica_0").setPingErr(errConnRefused)
	svc.CheckHealth(context.Background())

	key := keyOnShard(t, svc, 3)
	for i := 0; i < 10; i++ {
		pool, err := svc.GetReadConnection(key)
		require.NoError(t, err)
		assert.Same(t, farm.pool("3_replica_1"), pool)
	}
}

func TestGetReadConnection_FallsBackToMaster(t *testing.T) {
	farm := newPoolFarm()
	svc := newTestService(t, farm)
	require.NoError(t, svc.Startup(context.Background()))

	farm.pool("1_replica_0").setPingErr(errConnRefused)
	farm.pool("1_replica_1").setPingErr(errConnRefused)
	svc.CheckHealth(context.Background())

	key := keyOnShard(t, svc, 1)
	read, err := svc.GetReadConnection(key)
	require.NoError(t, err)
	write, err := svc.GetWriteConnection(key)
	require.NoError(t, err)

	assert.Same(t, write, read)
	assert.Same(t, farm.pool("1_master"), read)
}

func TestGetReadConnection_MasterOnlyCluster(t *testing.T) {
	farm := newPoolFarm()
	svc, err := NewDatabaseShardingService(testTopology(2, 0), testCreds,
		WithLogger(zaptest.NewLogger(t)), WithPoolFactory(farm.factory))
	require.NoError(t, err)
	defer svc.Shutdown(context.Background())
	require.NoError(t, svc.Startup(context.Background()))

	pool, err := svc.GetReadConnection("tenant-9")
	require.NoError(t, err)
	assert.Same(t, farm.pool(fmt.Sprintf("%d_master", svc.Router().GetShard("tenant-9"))), pool)
}

func TestRouting_UnknownClusterAfterRingGrowth(t *testing.T) {
	farm := newPoolFarm()
	svc := newTestService(t, farm)
	require.NoError(t, svc.Startup(context.Background()))
	require.NoError(t, svc.Router().AddShard(9))

	var key string
	for i := 0; i < 10_000; i++ {
		k := fmt.Sprintf("tenant-%d", i)
		if svc.Router().GetShard(k) == 9 {
			key = k
			break
		}
	}
	require.NotEmpty(t, key)

	_, err := svc.GetWriteConnection(key)
	assert.ErrorIs(t, err, ErrUnknownCluster)
	_, err = svc.GetReadConnection(key)
	assert.ErrorIs(t, err, ErrUnknownCluster)
}

func TestMigrateTenant_NotImplemented(t *testing.T) {
	svc := newTestService(t, newPoolFarm())
	err := svc.MigrateTenant(context.Background(), "tenant-1", 2)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestShutdown_ClosesPoolsAndIsIdempotent(t *testing.T) {
	farm := newPoolFarm()
	svc := newTestService(t, farm, WithHealthCheckInterval(5*time.Millisecond))
	require.NoError(t, svc.Startup(context.Background()))

	// let the monitor tick a few times
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, svc.Shutdown(context.Background()))
	require.NoError(t, svc.Shutdown(context.Background()))

	for key, p := range farm.pools {
		assert.True(t, p.isClosed(), "pool %s left open", key)
	}

	_, err := svc.GetWriteConnection("tenant-1")
	assert.ErrorIs(t, err, ErrNoPool)
	assert.ErrorIs(t, svc.Startup(context.Background()), ErrServiceClosed)

	// status remains queryable after shutdown
	assert.Equal(t, 4, svc.GetClusterStatus().TotalShards)
}

func TestShutdown_WithoutStartup(t *testing.T) {
	svc := newTestService(t, newPoolFarm())
	assert.NoError(t, svc.Shutdown(context.Background()))
}

func TestShutdown_DuringStartup(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	farm := newPoolFarm()
	farm.gate = make(chan struct{})
	farm.entered = make(chan struct{}, 1)
	svc := newTestService(t, farm, WithLogger(zap.New(core)))

	startErr := make(chan error, 1)
	go func() { startErr <- svc.Startup(context.Background()) }()

	select {
	case <-farm.entered:
	case <-time.After(time.Second):
		t.Fatal("startup never reached the pool factory")
	}
	require.NoError(t, svc.Shutdown(context.Background()))
	close(farm.gate)

	select {
	case err := <-startErr:
		assert.ErrorIs(t, err, ErrServiceClosed)
	case <-time.After(time.Second):
		t.Fatal("startup did not return")
	}

	assert.Zero(t, logs.FilterMessage("health monitor started").Len())
	farm.mu.Lock()
	defer farm.mu.Unlock()
	assert.Len(t, farm.pools, 12)
	for key, p := range farm.pools {
		assert.True(t, p.isClosed(), "pool %s left open", key)
	}
}
