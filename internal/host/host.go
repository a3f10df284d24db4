// Package host is the Host / Service Locator: the long-lived coordinator
// process that builds every subsystem (substrate, event bus, dispatcher,
// pipeline, shards) in dependency order at startup and tears them down in
// reverse order at shutdown, degrading individual subsystems rather than
// aborting the whole process when one of them fails to come up.
package host

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arkham/core/internal/dispatcher"
	"github.com/arkham/core/internal/eventbus"
	"github.com/arkham/core/internal/jobrt"
	"github.com/arkham/core/internal/metrics"
	"github.com/arkham/core/internal/pipeline"
	"github.com/arkham/core/internal/platform/config"
	"github.com/arkham/core/internal/platform/logger"
	"github.com/arkham/core/internal/resources"
	"github.com/arkham/core/internal/shard"
	"github.com/arkham/core/internal/substrate"
)

// Host owns every long-lived subsystem for one coordinator process.
// Subsystems disabled via config, or that fail to initialize, are left nil
// (Substrate, Resources) or absent (Shards) rather than causing New to
// fail — callers should check for nil before using an optional subsystem.
type Host struct {
	Log        *logger.Logger
	Cfg        *config.HostConfig
	Substrate  *substrate.Adapter // nil if disabled or unreachable
	Events     *eventbus.Bus
	Dispatcher *dispatcher.Dispatcher
	Pipeline   *pipeline.Coordinator
	Resources  *resources.Detector
	Shards     *shard.Loader
	Registry   *prometheus.Registry
	Metrics    *metrics.Collectors
	Router     *gin.Engine

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New builds a Host from cfg. It never returns an error for a degradable
// subsystem (substrate connectivity, resource detection); it fails only
// when the logger cannot be built from cfg.LogMode.
func New(ctx context.Context, cfg *config.HostConfig) (*Host, error) {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, err
	}

	h := &Host{Log: log, Cfg: cfg}

	h.Events = eventbus.New(log, cfg.EventHistoryCapacity)

	// cfg.DisableDB is not consulted: Host holds no relational store or
	// connection, since nothing in this tree persists anything relationally.

	var store *substrate.Adapter
	if !cfg.DisableWorkers {
		store, err = substrate.New(ctx, log, cfg.SubstrateURL)
		if err != nil {
			log.Warn("substrate unavailable, degrading to in-memory dispatch", "error", err)
			store = nil
		}
	}
	h.Substrate = store

	h.Dispatcher = dispatcher.New(dispatcher.Config{
		SubstrateURL:     cfg.SubstrateURL,
		WorkerBinaryPath: cfg.WorkerBinaryPath,
	}, store, h.Events, log)

	h.Pipeline = pipeline.NewDefault(h.Dispatcher, h.Events)

	// The worker entrypoint (internal/workermain) falls back to a generic
	// passthrough handler for any pool without a builtin-specific
	// implementation, so every default pool
	// is auto-scale eligible out of the box; a shard that registers its
	// own handler for one of these pools is declaring a real
	// implementation, not competing with this generic one (a worker
	// process only ever runs one pool, and the dispatcher spawns it with
	// that pool baked into its environment).
	for pool := range jobrt.DefaultPools() {
		_ = h.Dispatcher.RegisterHandler(pool)
	}

	if !cfg.DisableResources {
		h.Resources = resources.New(0)
	}

	h.Registry = prometheus.NewRegistry()
	h.Metrics = metrics.New(h.Registry)
	h.Dispatcher.SetMetrics(h.Metrics)
	h.Pipeline.Observer = func(stage string, status pipeline.StageStatus, elapsed time.Duration) {
		h.Metrics.PipelineStage.WithLabelValues(stage, string(status)).Observe(elapsed.Seconds())
	}
	// Materialize the per-pool series up front so /metrics shows every pool
	// at zero instead of omitting pools that haven't seen traffic yet.
	for pool := range jobrt.DefaultPools() {
		h.Metrics.JobsEnqueued.WithLabelValues(pool)
		h.Metrics.JobsCompleted.WithLabelValues(pool)
		h.Metrics.JobsFailed.WithLabelValues(pool)
		h.Metrics.QueueDepth.WithLabelValues(pool)
		h.Metrics.WorkersRunning.WithLabelValues(pool)
	}

	h.Shards = shard.NewLoader(cfg.ShardAllowlist, []string{"dashboard", "settings"})

	monitorCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.Dispatcher.RunMonitor(monitorCtx)

	h.Router = gin.New()
	h.Router.Use(gin.Recovery())
	h.mountCoreRoutes()

	return h, nil
}

// mountCoreRoutes wires the endpoints that belong to Host itself (health,
// metrics) rather than to any shard.
func (h *Host) mountCoreRoutes() {
	h.Router.GET("/healthz", func(c *gin.Context) {
		status := gin.H{"status": "ok"}
		if h.Substrate != nil {
			if err := h.Substrate.Ping(c.Request.Context()); err != nil {
				status["substrate"] = "unreachable"
			} else {
				status["substrate"] = "ok"
			}
		} else {
			status["substrate"] = "disabled"
		}
		c.JSON(http.StatusOK, status)
	})
	h.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Registry, promhttp.HandlerOpts{})))

	// serve_shell mounts the built SPA when its dist directory is present;
	// an absent build is not an error, the host just runs API-only.
	if h.Cfg.ServeShell {
		if info, err := os.Stat(shellDistDir); err == nil && info.IsDir() {
			h.Router.Static("/shell", shellDistDir)
		} else {
			h.Log.Warn("serve_shell set but no shell build found", "dir", shellDistDir)
		}
	}
}

// shellDistDir is where the SPA build lands relative to the host's working
// directory.
const shellDistDir = "./shell/dist"

// LoadShards initializes every registered shard against this Host and
// mounts their routes. Failures are logged per-shard; a shard that fails
// init is simply excluded from the route table.
func (h *Host) LoadShards() {
	if h.Cfg.DisableShards {
		return
	}
	failures := h.Shards.InitializeAll(hostAdapter{h})
	for name, err := range failures {
		h.Log.Error("shard failed to initialize", "shard", name, "error", err)
	}
	h.Shards.MountRoutes(h.Router)
}

// hostAdapter satisfies shard.Host without exposing the full Host type to
// shard implementations.
type hostAdapter struct{ h *Host }

func (a hostAdapter) Logger() interface{ Info(string, ...interface{}) } { return a.h.Log }

func (a hostAdapter) RegisterPoolHandler(pool string) error {
	return a.h.Dispatcher.RegisterHandler(pool)
}

func (a hostAdapter) RegisterPool(cfg jobrt.PoolConfig) error {
	return a.h.Dispatcher.AddPool(cfg)
}

// Run starts the HTTP server on addr and blocks until it stops. When the
// port is already held and force_port_kill is set, the holder is killed
// (fuser) and the bind retried once before giving up.
func (h *Host) Run(addr string) error {
	if addr == "" {
		addr = h.Cfg.HTTPAddr
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if !h.Cfg.ForcePortKill {
			return fmt.Errorf("host: bind %s: %w", addr, err)
		}
		h.Log.Warn("port in use, preempting holder", "addr", addr)
		if kerr := killPortHolder(addr); kerr != nil {
			return fmt.Errorf("host: bind %s: %w (force kill failed: %v)", addr, err, kerr)
		}
		time.Sleep(500 * time.Millisecond)
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("host: bind %s after force kill: %w", addr, err)
		}
	}

	srv := &http.Server{Handler: h.Router}
	return srv.Serve(ln)
}

// killPortHolder terminates whatever process is listening on addr's port.
func killPortHolder(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	return exec.Command("fuser", "-k", port+"/tcp").Run()
}

// Close tears down subsystems in the reverse of their construction order:
// shards first, then the dispatcher's worker processes, then the
// substrate connection, then the logger. Safe to call more than once; only
// the first call does the work.
func (h *Host) Close() {
	h.closeOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		if h.Shards != nil {
			for name, err := range h.Shards.ShutdownAll() {
				h.Log.Error("shard shutdown failed", "shard", name, "error", err)
			}
		}
		if h.Dispatcher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
			defer cancel()
			h.Dispatcher.Shutdown(ctx)
		}
		if h.Substrate != nil {
			_ = h.Substrate.Close()
		}
		h.Log.Sync()
	})
}
