// Package api serves the messaging core over HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/auth"
	"github.com/tOgg1/parley/internal/delivery"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/messaging"
	"github.com/tOgg1/parley/internal/metrics"
	"github.com/tOgg1/parley/internal/receipts"
	"github.com/tOgg1/parley/internal/support"
	"github.com/tOgg1/parley/internal/threads"
)

// ParticipantHeader carries the caller identity when no token secret is
// configured, for deployments behind a trusted gateway.
const ParticipantHeader = "X-Parley-Participant"

// RoleHeader carries comma-separated roles alongside ParticipantHeader.
const RoleHeader = "X-Parley-Roles"

const (
	participantKey = "parley.participant"
	agentKey       = "parley.agent"
)

// Deps are the services the API exposes.
type Deps struct {
	Resolver *threads.Resolver
	Store    *messaging.Store
	Machine  *support.Machine
	Poller   *delivery.Poller
	Tracker  *receipts.Tracker
	Auth     *auth.Authenticator
	Metrics  *metrics.Metrics
}

// Options configures the server.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	SendRate        float64
	SendBurst       int
}

// Server is the HTTP API.
type Server struct {
	deps    Deps
	opts    Options
	engine  *gin.Engine
	limiter *limiterPool
	logger  zerolog.Logger
}

// New builds the router.
func New(deps Deps, opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		deps:    deps,
		opts:    opts,
		limiter: newLimiterPool(opts.SendRate, opts.SendBurst),
		logger:  logging.Component("api"),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.accessLog())

	engine.GET("/healthz", s.healthz)
	engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	threadsGroup := engine.Group("/api/threads", s.authenticate())
	threadsGroup.POST("/resolve", s.resolveThread)
	threadsGroup.GET("", s.listThreads)
	threadsGroup.GET("/:id", s.getThread)
	threadsGroup.GET("/:id/messages", s.listMessages)
	threadsGroup.POST("/:id/messages", s.rateLimit(), s.postMessage)
	threadsGroup.POST("/:id/read", s.markRead)
	threadsGroup.POST("/:id/transition", s.transition)
	threadsGroup.GET("/:id/stream", s.stream)

	s.engine = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer s.limiter.Close()

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: s.opts.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", listener.Addr().String()).Msg("api listening")
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("api shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
