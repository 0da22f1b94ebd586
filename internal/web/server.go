// Package web serves the slave's remote API consumed by the
// coordinating master.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qman-project/qman-slave/internal/audit"
	"github.com/qman-project/qman-slave/internal/cache"
	"github.com/qman-project/qman-slave/internal/config"
	"github.com/qman-project/qman-slave/internal/docker"
	"github.com/qman-project/qman-slave/internal/logging"
	"github.com/qman-project/qman-slave/internal/quota"
	"github.com/qman-project/qman-slave/internal/store"
	"github.com/qman-project/qman-slave/internal/users"
)

const authUser = "api"

type dockerAPI interface {
	Ping(ctx context.Context) error
	ListContainers(ctx context.Context) ([]docker.Container, error)
}

type auditAPI interface {
	Health(ctx context.Context) audit.Status
}

// Server is the slave HTTP API.
type Server struct {
	cfg   *config.Config
	eng   *quota.Engine
	st    *store.Store
	dkr   dockerAPI
	aud   auditAPI
	cch   *cache.Cache
	res   *users.Resolver
	log   *logging.Logger
	mux   *http.ServeMux
	httpd *http.Server
}

func NewServer(cfg *config.Config, eng *quota.Engine, st *store.Store, dkr dockerAPI, aud auditAPI, cch *cache.Cache, res *users.Resolver, log *logging.Logger) *Server {
	s := &Server{
		cfg: cfg, eng: eng, st: st, dkr: dkr, aud: aud,
		cch: cch, res: res, log: log,
		mux: http.NewServeMux(),
	}
	s.routes()
	s.httpd = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /remote-api/ping", s.handlePing)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /remote-api/quotas", s.auth(s.handleQuotas))
	s.mux.HandleFunc("GET /remote-api/quotas/users/{uid}", s.auth(s.handleUserQuotas))
	s.mux.HandleFunc("PUT /remote-api/quotas/users/{uid}", s.auth(s.handleSetUserQuota))
	s.mux.HandleFunc("GET /remote-api/quotas/users/by-name/{name}", s.auth(s.handleUserQuotasByName))
	s.mux.HandleFunc("GET /remote-api/users/resolve", s.auth(s.handleResolveUser))
	s.mux.HandleFunc("GET /remote-api/docker/containers", s.auth(s.handleListContainers))
	s.mux.HandleFunc("GET /remote-api/docker/images", s.auth(s.handleListImages))
	s.mux.HandleFunc("GET /remote-api/docker/volumes", s.auth(s.handleListVolumes))
	s.mux.HandleFunc("GET /remote-api/docker/audit-health", s.auth(s.handleAuditHealth))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("remote api listening", "addr", s.httpd.Addr)
		errCh <- s.httpd.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpd.Shutdown(shutdownCtx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(authUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.RemoteAPIKey)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="qman"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"msg": msg})
}

func decodeJSON(r *http.Request, v any) error {
	// The master sends the full quota entry shape; fields this slave
	// does not track are accepted and ignored.
	return json.NewDecoder(r.Body).Decode(v)
}
