// Shard topology: endpoints, roles, statuses and pool settings
package sharding

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
)

// Role of a physical endpoint inside a shard cluster
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "replica"
)

// Status of a physical endpoint as seen by the health monitor
type Status string

const (
	StatusHealthy Status = "healthy"
	// StatusDegraded and StatusRecovering are not produced by the health monitor yet.
	StatusDegraded   Status = "degraded"
	StatusDown       Status = "down"
	StatusRecovering Status = "recovering"
)

// Credentials shared by every shard endpoint. Kept apart from the topology so
// secrets never travel with the routing layout.
type Credentials struct {
	User     string `validate:"required"`
	Password string
	Database string `validate:"required"`
	SSLMode  string `validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
}

// Endpoint is a host/port pair from the topology document
type Endpoint struct {
	Host string `mapstructure:"host" yaml:"host" json:"host" validate:"required,hostname_rfc1123"`
	Port int    `mapstructure:"port" yaml:"port" json:"port" validate:"required,min=1,max=65535"`
}

// ShardTopology describes one logical shard: a master and its replicas
type ShardTopology struct {
	ShardID  int        `mapstructure:"shard_id" yaml:"shard_id" json:"shard_id" validate:"min=0"`
	Master   Endpoint   `mapstructure:"master" yaml:"master" json:"master"`
	Replicas []Endpoint `mapstructure:"replicas" yaml:"replicas" json:"replicas" validate:"dive"`
}

// PoolSettings bound every connection pool in the topology
type PoolSettings struct {
	MinConns            int32         `mapstructure:"min_conns" yaml:"min_conns" json:"min_conns" validate:"min=0"`
	MaxConns            int32         `mapstructure:"max_conns" yaml:"max_conns" json:"max_conns" validate:"min=1,gtefield=MinConns"`
	MaxConnLifetime     time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime" json:"max_conn_lifetime"`
	MaxConnIdleTime     time.Duration `mapstructure:"max_conn_idle_time" yaml:"max_conn_idle_time" json:"max_conn_idle_time"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval" json:"health_check_interval"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout" yaml:"health_check_timeout" json:"health_check_timeout"`
}

// ApplyDefaults fills zero values
func (p *PoolSettings) ApplyDefaults() {
	if p.MinConns == 0 {
		p.MinConns = 5
	}
	if p.MaxConns == 0 {
		p.MaxConns = 20
	}
	if p.MaxConnLifetime == 0 {
		p.MaxConnLifetime = 30 * time.Minute
	}
	if p.MaxConnIdleTime == 0 {
		p.MaxConnIdleTime = 5 * time.Minute
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = 10 * time.Second
	}
	if p.HealthCheckInterval == 0 {
		p.HealthCheckInterval = 30 * time.Second
	}
	if p.HealthCheckTimeout == 0 {
		p.HealthCheckTimeout = 5 * time.Second
	}
}

// Topology is the structured, validated replacement for inline shard literals
type Topology struct {
	Shards []ShardTopology `mapstructure:"shards" yaml:"shards" json:"shards" validate:"required,min=1,dive"`
	Pool   PoolSettings    `mapstructure:"pool" yaml:"pool" json:"pool"`
}

var validate = validator.New()

// Validate checks field constraints and that shard ids are exactly 0..n-1
func (t Topology) Validate() error {
	check := t
	check.Pool.ApplyDefaults()
	if err := validate.Struct(&check); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}

	seen := make(map[int]bool, len(t.Shards))
	for _, s := range t.Shards {
		if seen[s.ShardID] {
			return fmt.Errorf("%w: duplicate shard id %d", ErrInvalidTopology, s.ShardID)
		}
		if s.ShardID >= len(t.Shards) {
			return fmt.Errorf("%w: shard id %d outside 0..%d", ErrInvalidTopology, s.ShardID, len(t.Shards)-1)
		}
		seen[s.ShardID] = true
	}
	return nil
}

// ValidateCredentials checks the shared shard credentials
func ValidateCredentials(c Credentials) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid shard credentials: %w", err)
	}
	return nil
}

// ShardConfig is one physical database endpoint
type ShardConfig struct {
	ShardID      int
	Role         Role
	ReplicaIndex int
	Host         string
	Port         int
	Database     string
	Credentials  Credentials

	MinConns            int32
	MaxConns            int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	ConnectTimeout      time.Duration
	HealthCheckInterval time.Duration

	status atomic.Value
}

func newShardConfig(shardID int, role Role, idx int, ep Endpoint, creds Credentials, pool PoolSettings) *ShardConfig {
	cfg := &ShardConfig{
		ShardID:             shardID,
		Role:                role,
		ReplicaIndex:        idx,
		Host:                ep.Host,
		Port:                ep.Port,
		Database:            creds.Database,
		Credentials:         creds,
		MinConns:            pool.MinConns,
		MaxConns:            pool.MaxConns,
		MaxConnLifetime:     pool.MaxConnLifetime,
		MaxConnIdleTime:     pool.MaxConnIdleTime,
		ConnectTimeout:      pool.ConnectTimeout,
		HealthCheckInterval: pool.HealthCheckInterval,
	}
	cfg.status.Store(StatusDown)
	return cfg
}

// Status returns the last status recorded by startup or the health monitor
func (c *ShardConfig) Status() Status {
	if s, ok := c.status.Load().(Status); ok {
		return s
	}
	return StatusDown
}

func (c *ShardConfig) setStatus(s Status) {
	c.status.Store(s)
}

// PoolKey identifies the pool of this endpoint in the registry
func (c *ShardConfig) PoolKey() string {
	if c.Role == RoleMaster {
		return strconv.Itoa(c.ShardID) + "_" + string(RoleMaster)
	}
	return strconv.Itoa(c.ShardID) + "_" + string(RoleReplica) + "_" + strconv.Itoa(c.ReplicaIndex)
}

// Addr returns host:port
func (c *ShardConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DSN builds a postgres connection URL for this endpoint
func (c *ShardConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Credentials.User, c.Credentials.Password),
		Host:   c.Addr(),
		Path:   "/" + c.Database,
	}
	if c.Credentials.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{c.Credentials.SSLMode}}.Encode()
	}
	return u.String()
}

// ShardCluster is one logical shard: exactly one master plus ordered replicas
type ShardCluster struct {
	ShardID  int
	Master   *ShardConfig
	Replicas []*ShardConfig
}

// HealthyReplicas returns replicas currently marked healthy
func (c *ShardCluster) HealthyReplicas() []*ShardConfig {
	healthy := make([]*ShardConfig, 0, len(c.Replicas))
	for _, r := range c.Replicas {
		if r.Status() == StatusHealthy {
			healthy = append(healthy, r)
		}
	}
	return healthy
}

// Configs returns the master followed by the replicas
func (c *ShardCluster) Configs() []*ShardConfig {
	return append([]*ShardConfig{c.Master}, c.Replicas...)
}

// Build validates the topology and expands it into shard clusters ordered by id
func (t Topology) Build(creds Credentials) ([]*ShardCluster, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateCredentials(creds); err != nil {
		return nil, err
	}

	pool := t.Pool
	pool.ApplyDefaults()

	clusters := make([]*ShardCluster, len(t.Shards))
	for _, s := range t.Shards {
		cluster := &ShardCluster{
			ShardID: s.ShardID,
			Master:  newShardConfig(s.ShardID, RoleMaster, 0, s.Master, creds, pool),
		}
		for i, ep := range s.Replicas {
			cluster.Replicas = append(cluster.Replicas, newShardConfig(s.ShardID, RoleReplica, i, ep, creds, pool))
		}
		clusters[s.ShardID] = cluster
	}
	return clusters, nil
}
