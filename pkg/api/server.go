// Package api exposes the dashboard's read-only HTTP interface over the
// Internal Store, plus a health endpoint combining store and scheduler state.
package api

import (
	"context"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sqlsentinel/sentinel/pkg/store"
	"github.com/sqlsentinel/sentinel/pkg/version"
)

// TenantResolver resolves an API key or session token into a tenant scope
// and permission set. The core treats the result as opaque; it is a
// collaborator seam implemented outside this module (spec.md §6).
type TenantResolver interface {
	Resolve(ctx context.Context, token string) (tenantScope string, permissions []string, err error)
}

// ProbeRegistry is the admin-side CRUD surface over monitored-database
// connection records. No component in this module calls it: cmd/sentinel
// builds its probes from environment variables.
type ProbeRegistry interface {
	ListActive(ctx context.Context) ([]ProbeRecord, error)
}

// ProbeRecord describes one monitored database connection as registered by
// the admin collaborator.
type ProbeRecord struct {
	ID       string
	Dialect  store.SourceType
	Host     string
	Port     int
	Database string
}

// SchedulerHealth reports per-job scheduler state for the combined health
// endpoint, implemented by an adapter over pkg/scheduler.Scheduler in
// cmd/sentinel.
type SchedulerHealth interface {
	Snapshot() []SchedulerJobSnapshot
}

// SchedulerJobSnapshot mirrors scheduler.Snapshot without importing
// pkg/scheduler, keeping pkg/api's dependency graph one-directional.
type SchedulerJobSnapshot struct {
	Name    string
	State   string
	Skipped int64
	Failed  int64
}

// Server is the dashboard's HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	store      store.Store
	scheduler  SchedulerHealth // nil until SetSchedulerHealth is called
	tenants    TenantResolver  // nil if auth is not wired
}

// NewServer builds a Server wired to st. Routes are registered immediately.
func NewServer(st store.Store) *Server {
	s := &Server{
		engine: gin.New(),
		store:  st,
	}
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// SetSchedulerHealth wires the scheduler's job snapshots into GET /health.
func (s *Server) SetSchedulerHealth(sh SchedulerHealth) {
	s.scheduler = sh
}

// SetTenantResolver stores a tenant/identity resolver on the Server. No
// route consults it.
func (s *Server) SetTenantResolver(tr TenantResolver) {
	s.tenants = tr
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthHandler)

	v1 := s.engine.Group("/api/v1")
	v1.GET("/slow-queries", s.listSlowQueriesHandler)
	v1.GET("/slow-queries/:id", s.getSlowQueryHandler)
	v1.GET("/stats/dashboard", s.dashboardStatsHandler)
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener. Used
// by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
	schedulerStateFailed  = "FAILED"
)

// healthHandler handles GET /health, merging store reachability with
// scheduler job state when a scheduler has been wired. Store is probed with
// a cheap real query rather than a driver-specific Ping, so this handler
// works against any Store implementation.
func (s *Server) healthHandler(c *gin.Context) {
	status := healthStatusHealthy
	checks := gin.H{}

	if _, err := s.store.DashboardStats(c.Request.Context()); err != nil {
		status = healthStatusUnhealthy
		checks["store"] = gin.H{"status": healthStatusUnhealthy, "error": err.Error()}
	} else {
		checks["store"] = gin.H{"status": healthStatusHealthy}
	}

	if s.scheduler != nil {
		jobs := gin.H{}
		for _, snap := range s.scheduler.Snapshot() {
			jobs[snap.Name] = gin.H{"state": snap.State, "skipped": snap.Skipped, "failed": snap.Failed}
			if snap.State == schedulerStateFailed && status == healthStatusHealthy {
				status = healthStatusDegraded
			}
		}
		checks["scheduler"] = jobs
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":  status,
		"version": version.Full(),
		"checks":  checks,
	})
}
