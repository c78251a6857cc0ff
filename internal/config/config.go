// Process configuration: YAML file, SHARDROUTER_* environment overrides and
// shard credentials from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/Aidin1998/realtyshard/internal/sharding"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix namespaces environment overrides, e.g. SHARDROUTER_SERVER_ADDR
const EnvPrefix = "SHARDROUTER"

// Shard credentials are read from these variables, never from the config file
const (
	EnvDBUser     = "SHARD_DB_USER"
	EnvDBPassword = "SHARD_DB_PASSWORD"
	EnvDBName     = "SHARD_DB_NAME"
	EnvDBSSLMode  = "SHARD_DB_SSLMODE"
)

// Topology sources
const (
	SourceFile = "file"
	SourceEtcd = "etcd"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Routing  RoutingConfig  `mapstructure:"routing"`
	Topology TopologyConfig `mapstructure:"topology"`
	Events   EventsConfig   `mapstructure:"events"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type RoutingConfig struct {
	VirtualNodes     int    `mapstructure:"virtual_nodes" validate:"min=1"`
	ReplicaSelection string `mapstructure:"replica_selection" validate:"oneof=round_robin clock random"`
}

// TopologyConfig selects where the shard layout comes from. With the file
// source the shards are listed inline; with etcd they are read from Etcd.Key.
type TopologyConfig struct {
	Source string                   `mapstructure:"source" validate:"oneof=file etcd"`
	Shards []sharding.ShardTopology `mapstructure:"shards"`
	Pool   sharding.PoolSettings    `mapstructure:"pool"`
	Etcd   EtcdConfig               `mapstructure:"etcd"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Key         string        `mapstructure:"key"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type EventsConfig struct {
	Stream StreamConfig `mapstructure:"stream"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

// StreamConfig controls the websocket event stream of the API
type StreamConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Replay  int  `mapstructure:"replay" validate:"min=1"`
	Buffer  int  `mapstructure:"buffer" validate:"min=1"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `mapstructure:"topic"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
	Prefix   string `mapstructure:"prefix"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("routing.virtual_nodes", sharding.DefaultVirtualNodes)
	v.SetDefault("routing.replica_selection", sharding.SelectRoundRobin)

	v.SetDefault("topology.source", SourceFile)
	v.SetDefault("topology.pool.min_conns", 5)
	v.SetDefault("topology.pool.max_conns", 20)
	v.SetDefault("topology.pool.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("topology.pool.max_conn_idle_time", 5*time.Minute)
	v.SetDefault("topology.pool.connect_timeout", 10*time.Second)
	v.SetDefault("topology.pool.health_check_interval", 30*time.Second)
	v.SetDefault("topology.pool.health_check_timeout", 5*time.Second)
	v.SetDefault("topology.etcd.key", "/realtyshard/topology")
	v.SetDefault("topology.etcd.dial_timeout", 5*time.Second)

	v.SetDefault("events.stream.enabled", true)
	v.SetDefault("events.stream.replay", 100)
	v.SetDefault("events.stream.buffer", 64)
	v.SetDefault("events.kafka.enabled", false)
	v.SetDefault("events.kafka.topic", "shard.status")
	v.SetDefault("events.redis.enabled", false)
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.redis.prefix", "realtyshard")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "shardrouter")
}

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are skipped.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path (or shardrouter.yaml from the usual locations when path is
// empty), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("shardrouter")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/realtyshard")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Topology.Pool.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks field constraints and the inline topology when it is used
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	switch c.Topology.Source {
	case SourceFile:
		t := c.Topology.Inline()
		return t.Validate()
	case SourceEtcd:
		if len(c.Topology.Etcd.Endpoints) == 0 {
			return errors.New("topology.etcd.endpoints is required for the etcd source")
		}
		if c.Topology.Etcd.Key == "" {
			return errors.New("topology.etcd.key is required for the etcd source")
		}
	}
	return nil
}

// Inline returns the topology listed in the config file
func (t TopologyConfig) Inline() sharding.Topology {
	return sharding.Topology{Shards: t.Shards, Pool: t.Pool}
}

// ResolveTopology returns the inline topology or fetches it from etcd
func (c *Config) ResolveTopology(ctx context.Context, logger *zap.Logger) (sharding.Topology, error) {
	if c.Topology.Source != SourceEtcd {
		return c.Topology.Inline(), nil
	}

	logger.Info("loading shard topology from etcd",
		zap.Strings("endpoints", c.Topology.Etcd.Endpoints),
		zap.String("key", c.Topology.Etcd.Key))

	t, err := FetchTopology(ctx, c.Topology.Etcd)
	if err != nil {
		return sharding.Topology{}, err
	}
	if t.Pool == (sharding.PoolSettings{}) {
		t.Pool = c.Topology.Pool
	}
	return t, nil
}

// LoadCredentials reads the shared shard credentials from the environment
func LoadCredentials() (sharding.Credentials, error) {
	creds := sharding.Credentials{
		User:     os.Getenv(EnvDBUser),
		Password: os.Getenv(EnvDBPassword),
		Database: os.Getenv(EnvDBName),
		SSLMode:  os.Getenv(EnvDBSSLMode),
	}
	if err := sharding.ValidateCredentials(creds); err != nil {
		return sharding.Credentials{}, fmt.Errorf("%w (set %s and %s)", err, EnvDBUser, EnvDBName)
	}
	return creds, nil
}
