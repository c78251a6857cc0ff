package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/Aidin1998/realtyshard/internal/api"
	"github.com/Aidin1998/realtyshard/internal/sharding"
	"github.com/Aidin1998/realtyshard/pkg/tracing"
	"go.uber.org/zap"
)

type serveCmd struct{}

func (cmd *serveCmd) Run(g *globals) error {
	cfg, log, err := bootstrap(g, os.Stdout)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Setup(ctx, tracing.Config{ServiceName: cfg.Tracing.ServiceName})
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	sink, stream := newSink(cfg, log)
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn("failed to close event sinks", zap.Error(err))
		}
	}()

	svc, err := newService(ctx, cfg, log, sink)
	if err != nil {
		return err
	}
	if err := svc.Startup(ctx); err != nil {
		// shards with a live master keep serving
		log.Error("sharding service started degraded", zap.Error(err))
	}

	apiOpts := []api.Option{
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
		api.WithServiceName(cfg.Tracing.ServiceName),
	}
	if stream != nil {
		apiOpts = append(apiOpts, api.WithEventStream(stream))
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewServer(log, svc, apiOpts...).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting API server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		log.Error("API server failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, srv.Shutdown(shutdownCtx), svc.Shutdown(shutdownCtx))
}

type routeCmd struct {
	Keys []string `arg:"" name:"key" help:"Tenant or location keys to route."`
}

func (cmd *routeCmd) Run(g *globals) error {
	return cmd.run(g, os.Stdout)
}

func (cmd *routeCmd) run(g *globals, out io.Writer) error {
	cfg, log, err := bootstrap(g, os.Stderr)
	if err != nil {
		return err
	}
	topology, err := cfg.ResolveTopology(context.Background(), log)
	if err != nil {
		return err
	}

	masters := make(map[int]sharding.ShardTopology, len(topology.Shards))
	for _, s := range topology.Shards {
		masters[s.ShardID] = s
	}
	ring := sharding.NewShardRouter(len(topology.Shards), sharding.WithVirtualNodes(cfg.Routing.VirtualNodes))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSHARD\tMASTER\tREPLICAS")
	for _, key := range cmd.Keys {
		id := ring.GetShard(key)
		shard := masters[id]
		replicas := make([]string, 0, len(shard.Replicas))
		for _, r := range shard.Replicas {
			replicas = append(replicas, fmt.Sprintf("%s:%d", r.Host, r.Port))
		}
		fmt.Fprintf(tw, "%s\t%d\t%s:%d\t%s\n", key, id, shard.Master.Host, shard.Master.Port, strings.Join(replicas, ","))
	}
	return tw.Flush()
}

type statusCmd struct{}

func (cmd *statusCmd) Run(g *globals) error {
	cfg, log, err := bootstrap(g, os.Stderr)
	if err != nil {
		return err
	}
	ctx := context.Background()

	svc, err := newService(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	if err := svc.Startup(ctx); err != nil {
		log.Warn("some masters are unavailable", zap.Error(err))
	}
	status := svc.GetClusterStatus()
	if err := svc.Shutdown(ctx); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return err
	}
	if !status.Healthy() {
		return fmt.Errorf("%d of %d masters healthy", status.HealthyMasters, status.TotalShards)
	}
	return nil
}

type ringCmd struct {
	Shards       int `help:"Number of shards on the ring." default:"4"`
	Keys         int `help:"Number of sample keys." default:"10000"`
	VirtualNodes int `help:"Virtual nodes per shard." name:"vnodes" default:"160"`
	Add          int `help:"Also report how many keys move when this shard id joins." default:"-1"`
}

func (cmd *ringCmd) Run() error {
	return cmd.run(os.Stdout)
}

func (cmd *ringCmd) run(out io.Writer) error {
	if cmd.Shards < 1 || cmd.Keys < 1 {
		return errors.New("--shards and --keys must be positive")
	}

	ring := sharding.NewShardRouter(cmd.Shards, sharding.WithVirtualNodes(cmd.VirtualNodes))
	keys := make([]string, cmd.Keys)
	for i := range keys {
		keys[i] = fmt.Sprintf("tenant-%d", i)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "virtual nodes per shard: %d\n", ring.VirtualNodes())
	fmt.Fprintln(tw, "SHARD\tKEYS\tSHARE")
	printDistribution(tw, ring.Distribution(keys), len(keys))

	if cmd.Add >= 0 {
		before := make([]int, len(keys))
		for i, k := range keys {
			before[i] = ring.GetShard(k)
		}
		if err := ring.AddShard(cmd.Add); err != nil {
			return err
		}
		moved := 0
		for i, k := range keys {
			if ring.GetShard(k) != before[i] {
				moved++
			}
		}
		fmt.Fprintf(tw, "\nafter adding shard %d: %d keys moved (%.1f%%)\n", cmd.Add, moved, 100*float64(moved)/float64(len(keys)))
		fmt.Fprintln(tw, "SHARD\tKEYS\tSHARE")
		printDistribution(tw, ring.Distribution(keys), len(keys))
	}
	return tw.Flush()
}

func printDistribution(w io.Writer, counts map[int]int, total int) {
	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "%d\t%d\t%.1f%%\n", id, counts[id], 100*float64(counts[id])/float64(total))
	}
}
