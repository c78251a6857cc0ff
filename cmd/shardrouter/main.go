package main

import (
	"context"
	"io"

	"github.com/Aidin1998/realtyshard/internal/config"
	"github.com/Aidin1998/realtyshard/internal/sharding"
	"github.com/Aidin1998/realtyshard/internal/sharding/events"
	"github.com/Aidin1998/realtyshard/pkg/logger"
	"github.com/alecthomas/kong"
	"go.uber.org/zap"
)

type globals struct {
	Config  string
	EnvFile []string
}

type cli struct {
	Config  string   `help:"Path to the YAML config file." short:"c" type:"path"`
	EnvFile []string `help:"Env files loaded before the config (default .env)." name:"env-file"`

	Serve  serveCmd  `cmd:"" help:"Run the shard router with its operational HTTP API."`
	Route  routeCmd  `cmd:"" help:"Print the shard owning each key."`
	Status statusCmd `cmd:"" help:"Connect to every shard once and print the cluster status."`
	Ring   ringCmd   `cmd:"" help:"Show how sample keys spread across the hash ring."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("shardrouter"),
		kong.Description("Tenant-aware routing across sharded PostgreSQL clusters."),
		kong.UsageOnError(),
	)
	err := kctx.Run(&globals{Config: c.Config, EnvFile: c.EnvFile})
	kctx.FatalIfErrorf(err)
}

// bootstrap loads env files, the config and a logger writing to logOut
func bootstrap(g *globals, logOut io.Writer) (*config.Config, *zap.Logger, error) {
	if err := config.LoadEnvFiles(g.EnvFile...); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// newSink always logs transitions and adds the websocket stream, Kafka and
// Redis when enabled. The broadcaster is nil when the stream is off.
func newSink(cfg *config.Config, log *zap.Logger) (events.Sink, *events.Broadcaster) {
	sinks := events.MultiSink{events.NewLogSink(log)}
	var stream *events.Broadcaster
	if st := cfg.Events.Stream; st.Enabled {
		stream = events.NewBroadcaster(st.Replay, st.Buffer)
		sinks = append(sinks, stream)
	}
	if k := cfg.Events.Kafka; k.Enabled {
		log.Info("publishing status events to kafka", zap.Strings("brokers", k.Brokers), zap.String("topic", k.Topic))
		sinks = append(sinks, events.NewKafkaSink(k.Brokers, k.Topic))
	}
	if r := cfg.Events.Redis; r.Enabled {
		log.Info("publishing status events to redis", zap.String("addr", r.Addr), zap.String("prefix", r.Prefix))
		sinks = append(sinks, events.NewRedisSink(r.Addr, r.Password, r.DB, r.Prefix))
	}
	return sinks, stream
}

// newService resolves topology and credentials and builds the sharding service
func newService(ctx context.Context, cfg *config.Config, log *zap.Logger, sink events.Sink) (*sharding.DatabaseShardingService, error) {
	topology, err := cfg.ResolveTopology(ctx, log)
	if err != nil {
		return nil, err
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, err
	}
	selector, err := sharding.NewReplicaSelector(cfg.Routing.ReplicaSelection)
	if err != nil {
		return nil, err
	}

	opts := []sharding.ServiceOption{
		sharding.WithLogger(log),
		sharding.WithReplicaSelector(selector),
		sharding.WithRingVirtualNodes(cfg.Routing.VirtualNodes),
	}
	if sink != nil {
		opts = append(opts, sharding.WithEventSink(sink))
	}
	return sharding.NewDatabaseShardingService(topology, creds, opts...)
}
