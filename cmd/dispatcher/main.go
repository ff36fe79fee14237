// Command dispatcher is the function-execution dispatcher's entrypoint: it
// wires C1-C8 together, subscribes to the inbound message bus, and serves
// the peripheral admin HTTP surface until a shutdown signal arrives.
//
// Grounded on the teacher's cmd/server and cmd/api mains — the same
// config.Get() singleton load, slog-based component init logging, and
// signal.Notify-driven graceful shutdown — adapted from the teacher's REST
// gateway process into a message-bus consumer process.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/systeminit/veritech/internal/adminapi"
	"github.com/systeminit/veritech/internal/auditlog"
	"github.com/systeminit/veritech/internal/bus"
	"github.com/systeminit/veritech/internal/config"
	"github.com/systeminit/veritech/internal/decryptor"
	"github.com/systeminit/veritech/internal/dispatcher"
	"github.com/systeminit/veritech/internal/identity"
	"github.com/systeminit/veritech/internal/killregistry"
	"github.com/systeminit/veritech/internal/metrics"
	"github.com/systeminit/veritech/internal/pool"
	"github.com/systeminit/veritech/internal/publisher"
	"github.com/systeminit/veritech/internal/router"
)

// Exit codes: 0 graceful shutdown, 1 configuration error, 2 unrecoverable
// pool initialization failure.
const (
	exitOK          = 0
	exitConfigError = 1
	exitPoolFailure = 2
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg := config.Get()
	slog.Info("dispatcher starting", "env", cfg.Server.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// C1/C2: decryptor, keyed from config.
	pub, priv, err := cfg.Decrypt.KeyPair()
	if err != nil {
		slog.Error("invalid decrypt key configuration", "error", err)
		os.Exit(exitConfigError)
	}
	dec := decryptor.New(pub, priv)

	// C3: executor pool, backed by gVisor-sandboxed Docker containers.
	dockerFactory := pool.NewDockerFactory(cfg.Pool.SandboxImage, cfg.Pool.SandboxRuntime, []string{"/sandbox/entrypoint"})
	execPool := pool.New(pool.Config{
		Capacity: cfg.Pool.Capacity,
		MinIdle:  cfg.Pool.MinIdle,
		Factory:  dockerFactory.Build(),
	})
	if probeErr := probePool(ctx, execPool); probeErr != nil {
		slog.Error("executor pool failed initial health probe", "error", probeErr)
		os.Exit(exitPoolFailure)
	}

	// C6: kill registry, optionally Redis-backed for multi-process delivery.
	killreg := killregistry.New(nil)
	var killSwitch router.KillSwitch = killreg
	if cfg.Redis.Enabled {
		broadcaster, rerr := killregistry.NewRedisBroadcaster(killreg, cfg.Redis.Addr, nil)
		if rerr != nil {
			slog.Warn("redis kill broadcaster unavailable, falling back to in-process only", "error", rerr)
		} else {
			defer broadcaster.Close()
			killSwitch = broadcaster
		}
	}

	// C5: progress publisher over Cloud Pub/Sub.
	pub5, err := publisher.New(ctx, publisher.Config{ProjectID: cfg.PubSub.ProjectID, TopicID: cfg.PubSub.ReplyTopicID})
	if err != nil {
		slog.Error("failed to initialize publisher", "error", err)
		os.Exit(exitConfigError)
	}
	defer pub5.Close()

	// Metrics.
	met := metrics.New()
	go reportPoolStats(ctx, execPool, killreg, met)

	// Admin surface (pool/kill-registry stats, optional debug stream, and
	// the delayed-kill callback target for CloudTasksGraceKillScheduler).
	admin := adminapi.New(adminapi.Config{
		Pool:               execPool,
		KillRegistry:       killreg,
		Killer:             killSwitch,
		DebugStreamEnabled: cfg.Admin.DebugStreamEnabled,
		CORSAllowOrigins:   cfg.Admin.CORSAllowOrigins,
	})
	var dispatchPublisher dispatcher.Publisher = pub5
	if cfg.Admin.DebugStreamEnabled {
		dispatchPublisher = &adminapi.DebugTee{Next: pub5, Server: admin}
	}

	// Optional narrow SPIFFE identity check and Postgres audit sink.
	var identityVerifier *identity.Verifier
	if cfg.Identity.Enabled {
		v, ierr := identity.New(ctx, cfg.Identity.SocketPath, cfg.Identity.TrustDomain)
		if ierr != nil {
			slog.Warn("SPIFFE identity verifier unavailable, continuing without caller verification", "error", ierr)
		} else {
			identityVerifier = v
			defer identityVerifier.Close()
		}
	}
	var auditSink *auditlog.Sink
	if cfg.Audit.Enabled {
		sink, aerr := auditlog.New(cfg.Audit.DSN, nil)
		if aerr != nil {
			slog.Warn("audit sink unavailable, continuing without audit logging", "error", aerr)
		} else {
			if serr := sink.EnsureSchema(ctx); serr != nil {
				slog.Warn("audit schema setup failed", "error", serr)
			}
			auditSink = sink
			defer auditSink.Close()
		}
	}
	// C7: central dispatcher.
	dispatcherCfg := dispatcher.Config{
		Pool:      execPool,
		Decryptor: dec,
		KillReg:   killreg,
		Publisher: dispatchPublisher,
		Metric:    met,
		Timeout:   cfg.Dispatch.Timeout(),
	}
	if auditSink != nil {
		dispatcherCfg.Audit = auditSink
	}
	d := dispatcher.New(dispatcherCfg)

	// C8: inbound router.
	r := router.New(d, killSwitch, cfg.Dispatch.SubjectHasPrefix, nil)
	if identityVerifier != nil {
		r = r.WithIdentityVerifier(identityVerifier)
	}
	if cfg.CloudTasks.Enabled {
		graceKill, gerr := router.NewCloudTasksGraceKillScheduler(ctx,
			cfg.CloudTasks.ProjectID, cfg.CloudTasks.LocationID, cfg.CloudTasks.QueueID, cfg.CloudTasks.CallbackBaseURL)
		if gerr != nil {
			slog.Warn("cloud tasks grace-kill scheduler unavailable, kill-after-grace-period requests will kill immediately", "error", gerr)
		} else {
			defer graceKill.Close()
			r = r.WithGraceKillScheduler(graceKill)
		}
	}

	// Inbound transport.
	sub, err := bus.New(ctx, bus.Config{ProjectID: cfg.PubSub.ProjectID, SubscriptionID: cfg.PubSub.SubscriptionID})
	if err != nil {
		slog.Error("failed to subscribe to inbound bus", "error", err)
		os.Exit(exitConfigError)
	}
	defer sub.Close()

	go func() {
		handler := func(ctx context.Context, msg router.InboundMessage) error {
			_, routeErr := r.Route(ctx, msg)
			return routeErr
		}
		if runErr := sub.Run(ctx, handler); runErr != nil {
			slog.Error("inbound bus receive loop exited", "error", runErr)
		}
	}()

	// Admin HTTP server.
	adminSrv := &http.Server{Addr: cfg.Admin.Addr, Handler: admin.Handler()}
	go func() {
		slog.Info("admin surface listening", "addr", cfg.Admin.Addr)
		if serveErr := adminSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("admin server failed", "error", serveErr)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received, draining")

	cancel()
	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("admin server shutdown error", "error", err)
	}
	if err := execPool.Close(); err != nil {
		slog.Warn("pool shutdown error", "error", err)
	}

	slog.Info("dispatcher stopped")
	os.Exit(exitOK)
}

// probePool verifies the pool can produce at least one healthy executor
// before the process starts accepting inbound work.
func probePool(ctx context.Context, p *pool.Pool) error {
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	lease, err := p.Acquire(probeCtx)
	if err != nil {
		return err
	}
	p.Release(lease, false)
	return nil
}

// reportPoolStats periodically mirrors pool and kill-registry occupancy
// into the Prometheus gauges.
func reportPoolStats(ctx context.Context, p *pool.Pool, killreg *killregistry.Registry, met *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.Stats()
			met.SetPoolStats(stats.Outstanding, stats.Idle)
			met.SetKillRegistrySize(killreg.Len())
		}
	}
}

func init() {
	log.SetFlags(0)
}
