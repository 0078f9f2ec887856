// Package handlers implements the HTTP API: run admission, run lifecycle,
// and the quota read model.
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"pipegate.io/pipegate/internal/api/middleware"
	"pipegate.io/pipegate/internal/usecase"
)

// Pinger is the readiness-probe view of the database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sweeper repairs stale reservations on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Server implements all API handlers.
type Server struct {
	runs        *usecase.Service
	jwtCfg      middleware.JWTConfig
	db          Pinger
	sweeper     Sweeper
	riverClient *river.Client[pgx.Tx]
}

// ServerDeps holds all dependencies for creating a Server. Manual DI, no
// Wire/Dig.
type ServerDeps struct {
	Runs    *usecase.Service
	JWTCfg  middleware.JWTConfig
	DB      Pinger
	Sweeper Sweeper
	// RiverClient schedules execution jobs for admitted runs. nil means the
	// caller schedules execution out of band.
	RiverClient *river.Client[pgx.Tx]
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		runs:        deps.Runs,
		jwtCfg:      deps.JWTCfg,
		db:          deps.DB,
		sweeper:     deps.Sweeper,
		riverClient: deps.RiverClient,
	}
}

/// callerOrg resolves the acting org: the authenticated token's org wins,
// falling back to the request body/query for service-to-service calls.
func callerOrg(c *gin.Context, requested string) string {
	if org := middleware.GetOrgID(c.Request.Context()); org != "" {
		return org
	}
	return requested
}
