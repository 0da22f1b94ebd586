package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/qman-project/qman-slave/internal/audit"
	"github.com/qman-project/qman-slave/internal/cache"
	"github.com/qman-project/qman-slave/internal/callback"
	"github.com/qman-project/qman-slave/internal/config"
	"github.com/qman-project/qman-slave/internal/docker"
	"github.com/qman-project/qman-slave/internal/logging"
	"github.com/qman-project/qman-slave/internal/quota"
	"github.com/qman-project/qman-slave/internal/store"
	"github.com/qman-project/qman-slave/internal/users"
	"github.com/qman-project/qman-slave/internal/web"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, "api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

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
	notify := callback.New(cfg.CallbackURL, cfg.CallbackSecret, cfg.HostID, log)
	eng := quota.NewEngine(client, db, res, notify, log, cfg)
	aud := audit.NewReader(log)

	srv := web.NewServer(cfg, eng, db, client, aud, cch, res, log)

	log.Info("qman-slave api starting",
		"version", version,
		"addr", cfg.ListenAddr,
		"docker_quota", cfg.UseDockerQuota,
		"host_id", cfg.HostID)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("api server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("qman-slave api shutdown complete")
}
