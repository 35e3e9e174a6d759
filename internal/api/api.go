// Package api serves the local control API the wizard UI talks to.
package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/osiriscare/agent-deployer/internal/config"
	"github.com/osiriscare/agent-deployer/internal/credentials"
	"github.com/osiriscare/agent-deployer/internal/deploy"
	"github.com/osiriscare/agent-deployer/internal/history"
)

// DefaultAddr keeps the API on loopback.
const DefaultAddr = "127.0.0.1:7717"

const maxBodyBytes = 1 << 20

// RunLister lists recorded runs.
type RunLister interface {
	List(limit int) ([]history.Run, error)
}

// SecretLookup finds a stored admin password.
type SecretLookup interface {
	Lookup(org, username string) (string, error)
}

// Server exposes an Orchestrator over HTTP.
type Server struct {
	Orchestrator *deploy.Orchestrator
	// Runs and Secrets are optional.
	Runs    RunLister
	Secrets SecretLookup
	Home    string

	// base outlives individual requests; deployments run under it.
	base context.Context
}

// New returns a Server whose deployments run until ctx is done.
func New(ctx context.Context, o *deploy.Orchestrator, home string) *Server {
	return &Server{Orchestrator: o, Home: home, base: ctx}
}

// Handler returns the gin engine with all routes.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(logRequests, errorHandler, gin.Recovery())

	e.GET("status", s.getStatusH)
	e.GET("events", s.getEventsH)
	e.POST("deploy", s.postDeployH)
	e.POST("emergency", s.postEmergencyH)
	e.POST("service/stop", s.postStopH)
	e.POST("service/restart", s.postRestartH)
	e.GET("runs", s.getRunsH)
	return e
}

// Serve handles requests on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[api] Listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) getStatusH(gc *gin.Context) {
	gc.JSON(http.StatusOK, s.Orchestrator.Snapshot())
}

func (s *Server) getEventsH(gc *gin.Context) {
	ch, cancel := s.Orchestrator.Subscribe()
	defer cancel()

	gc.Stream(func(w io.Writer) bool {
		select {
		case st, ok := <-ch:
			if !ok {
				return false
			}
			gc.SSEvent("state", st)
			return true
		case <-gc.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) postDeployH(gc *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(gc.Request.Body, maxBodyBytes))
	if err != nil {
		_ = gc.Error(badRequest{err})
		return
	}
	cfg, err := config.Parse(body, s.Home)
	if err != nil {
		_ = gc.Error(badRequest{err})
		return
	}
	s.fillPassword(cfg)

	if _, err := s.Orchestrator.DeployAsync(s.base, cfg); err != nil {
		_ = gc.Error(err)
		return
	}
	log.Printf("[api] Deployment accepted: %s", cfg.Summary())
	gc.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) postEmergencyH(gc *gin.Context) {
	cfg, _, err := s.Orchestrator.EmergencyDeployAsync(s.base)
	if err != nil {
		_ = gc.Error(err)
		return
	}
	gc.JSON(http.StatusAccepted, gin.H{
		"organization": cfg.Organization,
		"username":     cfg.Admin.Username,
		"password":     cfg.Admin.Password,
		"datastore":    cfg.Paths.Datastore,
	})
}

func (s *Server) postStopH(gc *gin.Context) {
	if err := s.Orchestrator.StopService(gc.Request.Context()); err != nil {
		_ = gc.Error(err)
		return
	}
	gc.Status(http.StatusOK)
}

func (s *Server) postRestartH(gc *gin.Context) {
	if err := s.Orchestrator.RestartService(gc.Request.Context()); err != nil {
		_ = gc.Error(err)
		return
	}
	gc.Status(http.StatusOK)
}

func (s *Server) getRunsH(gc *gin.Context) {
	if s.Runs == nil {
		gc.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history is disabled"})
		return
	}
	limit := 20
	if v := gc.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			_ = gc.Error(badRequest{errors.New("limit must be a positive integer")})
			return
		}
		limit = n
	}
	runs, err := s.Runs.List(limit)
	if err != nil {
		_ = gc.Error(err)
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	gc.JSON(http.StatusOK, runs)
}

// fillPassword uses the stored admin password when the request omits one.
func (s *Server) fillPassword(cfg *config.Config) {
	if cfg.Admin.Password != "" || s.Secrets == nil {
		return
	}
	pw, err := s.Secrets.Lookup(cfg.Organization, cfg.Admin.Username)
	switch {
	case err == nil:
		cfg.Admin.Password = pw
	case errors.Is(err, credentials.ErrNotFound):
	default:
		log.Printf("[api] Credential lookup failed (ignored): %v", err)
	}
}
