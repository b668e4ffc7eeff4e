// Command orchestrator wires the Clawbernetes core components (node
// registry, scheduler, mesh, gossip, escrow, load balancer) into a single
// process with an HTTP status and control API and a periodic maintenance
// sweep.
// This binary is pure ambient scaffolding: it performs the I/O the core
// itself is forbidden from doing.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	v1 "github.com/clawbernetes/core/api/v1"
	"github.com/clawbernetes/core/internal/config"
	"github.com/clawbernetes/core/internal/escrow"
	"github.com/clawbernetes/core/internal/gossip"
	"github.com/clawbernetes/core/internal/loadbalancer"
	"github.com/clawbernetes/core/internal/mesh"
	"github.com/clawbernetes/core/internal/metrics"
	"github.com/clawbernetes/core/internal/observability/tracing"
	"github.com/clawbernetes/core/internal/registry"
	"github.com/clawbernetes/core/internal/scheduler"
)

// escrowStore is the minimal in-memory collaborator the cmd/ layer
// provides so /escrow/:id has something to read; the core escrow package
// itself holds no store (spec §6.4: core state is re-hydratable, not
// self-persisting).
type escrowStore struct {
	mu      sync.RWMutex
	records map[v1.EscrowID]v1.Escrow
}

func newEscrowStore() *escrowStore { return &escrowStore{records: make(map[v1.EscrowID]v1.Escrow)} }

func (s *escrowStore) put(e v1.Escrow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[e.ID] = e
}

func (s *escrowStore) get(id v1.EscrowID) (v1.Escrow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	return e, ok
}

func main() {
	var configPath string
	var devMode bool
	var otelEndpoint string
	var logFile string
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file (defaults applied if empty)")
	flag.BoolVar(&devMode, "dev", true, "Enable human-readable development logging")
	flag.StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP-gRPC collector address for span export, e.g. otel-collector:4317 (tracing disabled if empty)")
	flag.StringVar(&logFile, "log-file", "", "Path to a rotated log file (logs to stderr only if empty)")
	flag.Parse()

	zapOpts := []zap.Opts{zap.UseDevMode(devMode)}
	if logFile != "" {
		// Rotation mirrors the teacher's lumberjack-backed log sink: cap a
		// single file at 100MB, keep 5 backups, compress what's rotated out.
		zapOpts = append(zapOpts, zap.WriteTo(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}))
	}
	log.SetLogger(zap.New(zapOpts...))
	logger := log.Log.WithName("orchestrator")

	if otelEndpoint != "" {
		tp, err := tracing.NewTracerProvider(context.Background(), otelEndpoint)
		if err != nil {
			logger.Error(err, "failed to start tracer provider, continuing without tracing")
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					logger.Error(err, "tracer provider shutdown failed")
				}
			}()
		}
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			logger.Error(errors.Wrapf(err, "loading config from %s", configPath), "falling back to defaults")
		} else {
			cfg = loaded
		}
	}

	nodeRegistry := registry.New()
	sched := scheduler.New()

	meshIntegration, err := mesh.New(mesh.Config{
		NetworkCIDR:   cfg.Mesh.NetworkCIDR,
		ListenPort:    cfg.Mesh.ListenPort,
		KeepaliveSecs: cfg.Mesh.KeepaliveSecs,
		Topology:      cfg.Mesh.Topology,
	})
	if err != nil {
		logger.Error(err, "invalid mesh configuration")
		os.Exit(1)
	}

	broadcaster := gossip.New(gossip.Config{
		Fanout:               cfg.Gossip.Fanout,
		MaxTTLHops:           cfg.Gossip.MaxTTLHops,
		MessageCacheCapacity: cfg.Gossip.MessageCacheCapacity,
	}, nil)

	lb := loadbalancer.New()
	escrows := newEscrowStore()

	promReg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(promReg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	cronRunner := cron.New()
	if _, err := cronRunner.AddFunc(cfg.Maintenance.SweepCron, func() {
		runMaintenanceSweep(logger, nodeRegistry, meshIntegration, collectors, cfg)
	}); err != nil {
		logger.Error(err, "failed to schedule maintenance sweep")
	} else {
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	router := gin.New()
	router.Use(gin.Recovery(), gzip.Gzip(gzip.DefaultCompression))

	router.GET("/healthz", func(gc *gin.Context) { gc.JSON(200, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	router.GET("/nodes", func(gc *gin.Context) { gc.JSON(200, nodeRegistry.ListNodes()) })
	router.GET("/mesh/status", func(gc *gin.Context) { gc.JSON(200, meshIntegration.Status()) })

	router.POST("/nodes", func(gc *gin.Context) {
		var req struct {
			Name         string              `json:"name"`
			Capabilities v1.NodeCapabilities `json:"capabilities"`
			PublicKey    string              `json:"publicKey"`
			IsHub        bool                `json:"isHub"`
		}
		if err := gc.BindJSON(&req); err != nil {
			gc.JSON(400, gin.H{"error": err.Error()})
			return
		}

		nodeID := v1.NewNodeID()
		if err := nodeRegistry.Register(nodeID, req.Name, req.Capabilities); err != nil {
			gc.JSON(409, gin.H{"error": err.Error()})
			return
		}

		meshIP, peers, err := meshIntegration.RegisterNode(nodeID, req.Name, req.PublicKey, nil, req.IsHub)
		if err != nil {
			gc.JSON(409, gin.H{"error": err.Error()})
			return
		}

		// shortuuid gives the join/leave trace line a token short enough to
		// eyeball in a terminal, independent of the canonical UUID returned
		// to the caller.
		logger.Info("node joined mesh", "node", req.Name, "join_token", shortuuid.New(), "mesh_ip", meshIP)

		gc.JSON(201, gin.H{"nodeId": nodeID, "meshIp": meshIP, "peers": peers})
	})

	router.DELETE("/nodes/:id", func(gc *gin.Context) {
		id, err := uuid.Parse(gc.Param("id"))
		if err != nil {
			gc.JSON(400, gin.H{"error": "invalid node id"})
			return
		}
		nodeID := v1.NodeID(id)

		if _, err := meshIntegration.UnregisterNode(nodeID); err != nil {
			gc.JSON(404, gin.H{"error": err.Error()})
			return
		}
		if err := nodeRegistry.Deregister(nodeID); err != nil {
			gc.JSON(404, gin.H{"error": err.Error()})
			return
		}

		logger.Info("node left mesh", "leave_token", shortuuid.New())
		gc.Status(204)
	})

	router.POST("/schedule/:workloadID", func(gc *gin.Context) {
		var spec v1.WorkloadSpec
		if err := gc.BindJSON(&spec); err != nil {
			gc.JSON(400, gin.H{"error": err.Error()})
			return
		}
		workloadID, err := uuid.Parse(gc.Param("workloadID"))
		if err != nil {
			gc.JSON(400, gin.H{"error": "invalid workload id"})
			return
		}
		result, err := sched.Schedule(gc.Request.Context(), v1.WorkloadID(workloadID), spec, nodeRegistry)
		if err != nil {
			gc.JSON(409, gin.H{"error": err.Error()})
			return
		}
		gc.JSON(200, result)
	})

	router.POST("/escrow", func(gc *gin.Context) {
		var req struct {
			Buyer          string `json:"buyer"`
			Provider       string `json:"provider"`
			JobID          string `json:"jobId"`
			AmountLamports uint64 `json:"amountLamports"`
			FeeRateBps     uint32 `json:"feeRateBps"`
		}
		if err := gc.BindJSON(&req); err != nil {
			gc.JSON(400, gin.H{"error": err.Error()})
			return
		}
		e, err := escrow.New(v1.NewEscrowID(), req.Buyer, req.Provider, req.JobID, req.AmountLamports, req.FeeRateBps, time.Now())
		if err != nil {
			gc.JSON(400, gin.H{"error": err.Error()})
			return
		}
		escrows.put(e)
		collectors.EscrowsByState.WithLabelValues(string(e.State)).Inc()
		gc.JSON(201, e)
	})

	router.GET("/escrow/:id", func(gc *gin.Context) {
		id, err := uuid.Parse(gc.Param("id"))
		if err != nil {
			gc.JSON(400, gin.H{"error": "invalid escrow id"})
			return
		}
		e, ok := escrows.get(v1.EscrowID(id))
		if !ok {
			gc.JSON(404, gin.H{"error": "escrow not found"})
			return
		}
		gc.JSON(200, gin.H{
			"escrow": e,
			"fee":    escrow.Fee(e),
			"payout": escrow.Payout(e),
		})
	})

	router.POST("/gossip/announce", func(gc *gin.Context) {
		var announcement v1.CapacityAnnouncement
		if err := gc.BindJSON(&announcement); err != nil {
			gc.JSON(400, gin.H{"error": err.Error()})
			return
		}
		result := broadcaster.PrepareAnnounce(announcement)
		collectors.GossipMessagesTotal.WithLabelValues("announce").Inc()
		gc.JSON(200, result)
	})

	router.GET("/gossip/query", func(gc *gin.Context) {
		filter := v1.CapacityFilter{GPUModel: gc.Query("model")}
		gc.JSON(200, broadcaster.QueryCache(filter, 50))
	})

	router.GET("/lb/select/:strategy", func(gc *gin.Context) {
		ep, err := lb.Select(v1.LoadBalancerStrategy(gc.Param("strategy")), gc.ClientIP())
		if err != nil {
			gc.JSON(503, gin.H{"error": err.Error()})
			return
		}
		collectors.LBSelectionsTotal.WithLabelValues(gc.Param("strategy")).Inc()
		gc.JSON(200, ep)
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutting down http server")
	}()

	logger.Info("orchestrator ready", "http_port", cfg.HTTPPort, "mesh_topology", cfg.Mesh.Topology)
	if err := router.Run(":" + strconv.Itoa(cfg.HTTPPort)); err != nil {
		logger.Error(err, "http server stopped with error")
		os.Exit(1)
	}
}

func runMaintenanceSweep(
	logger interface{ Info(string, ...any) },
	nodeRegistry *registry.Registry,
	meshIntegration *mesh.Integration,
	collectors *metrics.Collectors,
	cfg config.Config,
) {
	now := time.Now()
	timeout := time.Duration(cfg.Maintenance.HeartbeatTimeoutSecs) * time.Second

	available := 0
	for _, n := range nodeRegistry.ListNodes() {
		if n.Available() {
			available++
		}
		if now.Sub(n.LastHeartbeat) > timeout && n.HealthStatus == v1.HealthHealthy {
			_ = nodeRegistry.MarkUnhealthy(n.ID)
		}
	}

	collectors.RegisteredNodes.Set(float64(nodeRegistry.Len()))
	collectors.AvailableNodes.Set(float64(available))

	status := meshIntegration.Status()
	collectors.MeshConnectionCount.Set(float64(status.ConnectionCount))
	collectors.MeshAllocatedIPs.Set(float64(status.AllocatedIPs))

	logger.Info("maintenance sweep complete", "registered", nodeRegistry.Len(), "available", available)
}
