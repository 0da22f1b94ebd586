package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qman-project/qman-slave/internal/attribution"
	"github.com/qman-project/qman-slave/internal/audit"
	"github.com/qman-project/qman-slave/internal/cache"
	"github.com/qman-project/qman-slave/internal/callback"
	"github.com/qman-project/qman-slave/internal/clock"
	"github.com/qman-project/qman-slave/internal/config"
	"github.com/qman-project/qman-slave/internal/docker"
	"github.com/qman-project/qman-slave/internal/engine"
	"github.com/qman-project/qman-slave/internal/logging"
	"github.com/qman-project/qman-slave/internal/quota"
	"github.com/qman-project/qman-slave/internal/store"
	"github.com/qman-project/qman-slave/internal/users"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, "worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if cfg.WorkerMetricsAddr != "" {
		go serveMetrics(ctx, cfg.WorkerMetricsAddr, log)
	}

	if !cfg.UseDockerQuota {
		log.Warn("docker quota disabled, worker idle (set USE_DOCKER_QUOTA=true to enable)")
		<-ctx.Done()
		return
	}

	client, err := docker.New(ctx, cfg.DockerSock, log)
	if err != nil {
		log.Error("could not reach docker daemon", "sock", cfg.DockerSock, "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("could not open attribution database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cch, err := cache.New(cfg.RedisURL, cfg.CacheTTL, log)
	if err != nil {
		log.Error("could not connect to redis", "error", err)
		os.Exit(1)
	}

	res := users.NewResolver()
	aud := audit.NewReader(log)
	notify := callback.New(cfg.CallbackURL, cfg.CallbackSecret, cfg.HostID, log)
	syncer := attribution.NewSyncer(client, aud, db, cch, res, clock.Real{}, log)
	eng := quota.NewEngine(client, db, res, notify, log, cfg)

	sched := engine.New(log)
	err = sched.Add(engine.Task{
		Name:  "attribution-sync",
		Every: cfg.SyncInterval,
		Run: func(ctx context.Context) {
			syncer.Run(ctx)
		},
	})
	if err != nil {
		log.Error("could not schedule sync task", "error", err)
		os.Exit(1)
	}
	err = sched.Add(engine.Task{
		Name:  "quota-enforce",
		Every: cfg.EnforceInterval,
		Run: func(ctx context.Context) {
			if _, err := eng.Enforce(ctx); err != nil {
				log.Error("enforcement pass failed", "error", err)
			}
		},
	})
	if err != nil {
		log.Error("could not schedule enforce task", "error", err)
		os.Exit(1)
	}

	log.Info("qman-slave worker starting",
		"version", version,
		"sync_every", cfg.SyncInterval,
		"enforce_every", cfg.EnforceInterval,
		"host_id", cfg.HostID)

	// Run one sync up front so the API has attributions to report
	// before the first scheduled tick.
	syncer.Run(ctx)

	sched.Run(ctx)
	log.Info("qman-slave worker shutdown complete")
}

func serveMetrics(ctx context.Context, addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	log.Info("worker metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server error", "error", err)
	}
}
