// Package restapi exposes a transaction Coordinator and its cleanup Sweeper over HTTP.
//
// Transactions live in the serving process: a client begins one, stages
// writes against its id and commits or rolls it back. Routes under /api/v1
// require a bearer token (see TokenVerifier); /metrics, /healthz and the
// Swagger UI under /swagger/ do not.
//
// @title dtx
// @BasePath /api/v1
//
// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
package restapi

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/cleanup"
	"github.com/sharedcode/dtx/restapi/docs"
	"github.com/sharedcode/dtx/transaction"
)

// BasePath of the versioned API group.
const BasePath = "/api/v1"

// Server wires REST handlers to a Coordinator.
type Server struct {
	coord    *transaction.Coordinator
	sweeper  *cleanup.Sweeper
	verifier TokenVerifier
	registry *Registry
}

// Option customizes a Server.
type Option func(*Server)

// WithSweeper enables POST /cleanup/sweep.
func WithSweeper(s *cleanup.Sweeper) Option {
	return func(srv *Server) {
		srv.sweeper = s
	}
}

// WithTokenVerifier replaces the verifier read from the environment.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(srv *Server) {
		srv.verifier = v
	}
}

// NewServer registers the transaction routes over coord.
func NewServer(coord *transaction.Coordinator, opts ...Option) (*Server, error) {
	if coord == nil {
		return nil, errors.New("coordinator can't be nil")
	}
	s := &Server{
		coord:    coord,
		verifier: TokenVerifierFromEnv(),
		registry: NewRegistry(),
	}
	for _, o := range opts {
		o(s)
	}

	reg := []RestMethod{
		{Verb: POST, Path: "/transactions", Handler: s.BeginTransaction},
		{Verb: GET_ONE, Path: "/transactions/:id", Handler: s.GetTransaction},
		{Verb: GET_ONE, Path: "/transactions/:id/docs/:key", Handler: s.GetDocument},
		{Verb: POST, Path: "/transactions/:id/stage", Handler: s.StageOperation},
		{Verb: POST, Path: "/transactions/:id/commit", Handler: s.CommitTransaction},
		{Verb: POST, Path: "/transactions/:id/rollback", Handler: s.RollbackTransaction},
		{Verb: GET, Path: "/config", Handler: s.GetConfig},
	}
	if s.sweeper != nil {
		reg = append(reg, RestMethod{Verb: POST, Path: "/cleanup/sweep", Handler: s.RunSweep})
	}
	for _, m := range reg {
		if err := s.registry.Register(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Registry returns the routes mounted under BasePath. Methods registered
// before Router is called are served too.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Router builds the gin engine serving the registered routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.Healthz)
	router.GET("/metrics", Metrics)

	docs.SwaggerInfo.BasePath = BasePath
	docs.SwaggerInfo.Version = dtx.Version
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	v1 := router.Group(BasePath)
	s.registry.mount(v1, s.verifier.guard)
	return router
}

// ListenAndServe serves the router on addr until ctx is done, then shuts the
// listener down letting in flight requests finish within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		log.Info("REST API listening", "addr", addr, "env", s.verifier.Env)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("REST API on %s failed: %w", addr, err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("REST API shutdown: %w", err)
	}
	log.Info("REST API stopped", "addr", addr)
	return nil
}

// Healthz reports liveness and the number of transactions in flight.
func (s *Server) Healthz(c *gin.Context) {
	h := gin.H{"status": "ok", "version": dtx.Version, "active": s.coord.Active()}
	if s.sweeper != nil {
		h["sweeper"] = s.sweeper.ID()
		h["cleanupPending"] = s.sweeper.Pending()
	}
	c.JSON(http.StatusOK, h)
}

// Metrics writes all metrics in Prometheus text format.
func Metrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")
	c.Status(http.StatusOK)
	dtx.WriteMetrics(c.Writer)
}
