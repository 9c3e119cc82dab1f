// Package server is the HTTP surface: the /v1 proxy endpoints in both
// dialects, the /api admin endpoints, and the SSE feeds. Everything
// interesting happens in internal/control; handlers here parse, adapt
// dialects, and write.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/bus"
	"github.com/luthien-dev/luthien/internal/config"
	"github.com/luthien-dev/luthien/internal/control"
	"github.com/luthien-dev/luthien/internal/events"
	"github.com/luthien-dev/luthien/internal/obs"
	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/store"
	"github.com/luthien-dev/luthien/internal/upstream"
)

// activePolicy pairs the built policy instance with the config that built
// it, swapped atomically on hot reload.
type activePolicy struct {
	cfg      policy.Config
	instance policy.StreamingPolicy
}

// Server owns the gin engine and the shared collaborators.
type Server struct {
	cfg          *config.Config
	store        *store.Store
	bus          *bus.Bus
	publisher    *events.Publisher
	telemetry    *obs.Telemetry
	orchestrator *control.Orchestrator
	backend      upstream.Client
	policyDeps   policy.Dependencies

	active  atomic.Pointer[activePolicy]
	engine  *gin.Engine
	httpSrv *http.Server
	watcher *config.PolicyWatcher
}

// Options carries everything NewServer needs beyond the config. Bus and
// telemetry may be nil; the server degrades gracefully without them.
type Options struct {
	Store      *store.Store
	Bus        *bus.Bus
	Publisher  *events.Publisher
	Telemetry  *obs.Telemetry
	Backend    upstream.Client
	PolicyDeps policy.Dependencies
}

// NewServer wires routes, middleware and the initial policy.
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		store:      opts.Store,
		bus:        opts.Bus,
		publisher:  opts.Publisher,
		telemetry:  opts.Telemetry,
		backend:    opts.Backend,
		policyDeps: opts.PolicyDeps,
	}
	s.orchestrator = control.NewOrchestrator(opts.Publisher, opts.Telemetry, policy.DispatcherConfig{
		Timeout: cfg.StreamTimeout,
	})

	initial, err := cfg.ResolvePolicy(context.Background(), opts.Store)
	if err != nil {
		return nil, fmt.Errorf("resolve initial policy: %w", err)
	}
	if err := s.installPolicy(initial); err != nil {
		return nil, fmt.Errorf("build initial policy: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.setupPolicyWatcher()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.bodyLimitMiddleware())
	if s.store != nil {
		s.engine.Use(s.requestLogMiddleware())
	}
}

func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/v1", s.authMiddleware(s.cfg.APIKey))
	{
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.POST("/messages", s.handleMessages)
	}

	api := s.engine.Group("/api", s.authMiddleware(s.cfg.AdminKeyOrAPIKey()))
	{
		api.GET("/calls/:id/events", s.handleCallEvents)
		api.GET("/calls/:id/stream", s.handleCallStream)
		api.GET("/activity/stream", s.handleActivityStream)
		api.GET("/policy", s.handleGetPolicy)
		api.PUT("/policy", s.handlePutPolicy)
	}

	s.engine.GET("/healthz", s.handleHealthz)
}

// setupPolicyWatcher enables file hot-reload when the active source can be
// file-backed.
func (s *Server) setupPolicyWatcher() {
	if s.cfg.PolicyFile == "" || s.cfg.PolicySource == config.SourceDB {
		return
	}
	watcher, err := config.NewPolicyWatcher(s.cfg.PolicyFile)
	if err != nil {
		logrus.WithError(err).Warn("Policy file watcher unavailable; hot reload disabled")
		return
	}
	watcher.OnChange(func(cfg policy.Config) {
		if err := s.SwapPolicy(context.Background(), cfg, "file-watcher"); err != nil {
			logrus.WithError(err).Error("Policy file reload rejected; keeping current policy")
		}
	})
	if err := watcher.Start(); err != nil {
		logrus.WithError(err).Warn("Policy file watcher failed to start")
		return
	}
	s.watcher = watcher
}

// installPolicy builds and activates a policy config without the swap
// ceremony; used at startup.
func (s *Server) installPolicy(cfg policy.Config) error {
	instance, err := policy.Build(cfg, s.policyDeps)
	if err != nil {
		return err
	}
	s.active.Store(&activePolicy{cfg: cfg, instance: instance})
	return nil
}

// SwapPolicy replaces the active policy under the distributed swap lock. The
// outgoing policy's session-end hook runs even when the incoming policy
// fails to build; on that path the outgoing config stays installed with a
// fresh instance, so the failed swap still closes the old session.
func (s *Server) SwapPolicy(ctx context.Context, cfg policy.Config, by string) error {
	if s.bus != nil {
		lock := bus.NewSwapLock(s.bus, 30*time.Second)
		if err := lock.Acquire(ctx); err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logrus.WithError(err).Warn("Releasing policy swap lock failed")
			}
		}()
	}

	instance, err := policy.Build(cfg, s.policyDeps)
	if err != nil {
		buildErr := fmt.Errorf("build policy %s: %w", cfg.Class, err)
		old := s.active.Load()
		if old == nil {
			return buildErr
		}
		s.endSession(ctx, old)
		replacement, rebuildErr := policy.Build(old.cfg, s.policyDeps)
		if rebuildErr != nil {
			logrus.WithError(rebuildErr).WithField("policy", old.cfg.Class).
				Warn("Rebuilding active policy after failed swap")
			return buildErr
		}
		s.active.CompareAndSwap(old, &activePolicy{cfg: old.cfg, instance: replacement})
		return buildErr
	}

	old := s.active.Swap(&activePolicy{cfg: cfg, instance: instance})
	if old != nil {
		s.endSession(ctx, old)
	}

	if s.store != nil {
		if err := s.store.SetActivePolicyConfig(ctx, cfg.Class, cfg.Config, by); err != nil {
			logrus.WithError(err).Warn("Persisting swapped policy failed")
		}
	}
	logrus.WithFields(logrus.Fields{"class": cfg.Class, "by": by}).Info("Policy swapped")
	return nil
}

// endSession runs the outgoing policy's session-end hook when it has one.
func (s *Server) endSession(ctx context.Context, ap *activePolicy) {
	ender, ok := ap.instance.(policy.SessionEnder)
	if !ok {
		return
	}
	if err := ender.OnSessionEnd(context.WithoutCancel(ctx)); err != nil {
		logrus.WithError(err).WithField("policy", ap.cfg.Class).
			Warn("Outgoing policy session-end hook failed")
	}
}

// currentPolicy returns the active policy; there is always one.
func (s *Server) currentPolicy() *activePolicy {
	return s.active.Load()
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"policy": s.currentPolicy().cfg.Class,
	})
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start blocks serving HTTP until Shutdown or a listen error.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.engine,
	}
	logrus.WithField("addr", s.cfg.Listen).Info("Luthien listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the watcher and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			logrus.WithError(err).Warn("Stopping policy watcher failed")
		}
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
