// Operational HTTP API: health, cluster status, key routing and metrics
package api

import (
	"net/http"
	"time"

	"github.com/Aidin1998/realtyshard/internal/sharding"
	"github.com/Aidin1998/realtyshard/internal/sharding/events"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// ShardingService is the part of the sharding service the API reads from
type ShardingService interface {
	GetClusterStatus() sharding.ClusterStatus
	Router() *sharding.ShardRouter
	Cluster(shardID int) (*sharding.ShardCluster, bool)
}

// Server serves the operational API
type Server struct {
	router  *gin.Engine
	logger  *zap.Logger
	service ShardingService

	events      *events.Broadcaster
	upgrader    websocket.Upgrader
	corsOrigins []string
	serviceName string
}

// Option configures the Server
type Option func(*Server)

// WithEventStream serves status events over a websocket at /api/v1/events
func WithEventStream(b *events.Broadcaster) Option {
	return func(s *Server) { s.events = b }
}

// WithCORSOrigins allows browser dashboards on origins to call the API
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithServiceName names the server in traces
func WithServiceName(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.serviceName = name
		}
	}
}

// NewServer creates the API server
func NewServer(logger *zap.Logger, service ShardingService, opts ...Option) *Server {
	logger = logger.Named("api")
	s := &Server{
		logger:      logger,
		service:     service,
		serviceName: "shardrouter",
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware(s.serviceName))
	if len(s.corsOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: s.corsOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodOptions},
			AllowHeaders: []string{"Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}

	s.router = router
	s.registerRoutes()
	return s
}

// Handler returns the gin engine as an http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/cluster/status", s.clusterStatus)
		v1.GET("/route/:key", s.routeKey)
		v1.GET("/ring", s.ringInfo)
		if s.events != nil {
			v1.GET("/events", s.streamEvents)
		}
	}
}

// healthCheck is 200 while every master is healthy, 503 otherwise
func (s *Server) healthCheck(c *gin.Context) {
	status := s.service.GetClusterStatus()

	code, state := http.StatusOK, "ok"
	if !status.Healthy() {
		code, state = http.StatusServiceUnavailable, "degraded"
	}
	c.JSON(code, gin.H{
		"status":           state,
		"total_shards":     status.TotalShards,
		"healthy_masters":  status.HealthyMasters,
		"healthy_replicas": status.HealthyReplicas,
		"time":             status.GeneratedAt,
	})
}

func (s *Server) clusterStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.GetClusterStatus())
}

type endpointView struct {
	PoolKey string          `json:"pool_key"`
	Addr    string          `json:"addr"`
	Status  sharding.Status `json:"status"`
}

func viewOf(cfg *sharding.ShardConfig) endpointView {
	return endpointView{PoolKey: cfg.PoolKey(), Addr: cfg.Addr(), Status: cfg.Status()}
}

func (s *Server) routeKey(c *gin.Context) {
	key := c.Param("key")
	shardID := s.service.Router().GetShard(key)

	cluster, ok := s.service.Cluster(shardID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":    sharding.ErrUnknownCluster.Error(),
			"key":      key,
			"shard_id": shardID,
		})
		return
	}

	replicas := make([]endpointView, 0, len(cluster.Replicas))
	for _, r := range cluster.Replicas {
		replicas = append(replicas, viewOf(r))
	}
	c.JSON(http.StatusOK, gin.H{
		"key":      key,
		"shard_id": shardID,
		"master":   viewOf(cluster.Master),
		"replicas": replicas,
	})
}

func (s *Server) ringInfo(c *gin.Context) {
	ring := s.service.Router()
	c.JSON(http.StatusOK, gin.H{
		"shards":        ring.Shards(),
		"virtual_nodes": ring.VirtualNodes(),
	})
}
