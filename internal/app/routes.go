package app

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/luminachat/lumina/internal/audit"
	"github.com/luminachat/lumina/internal/auth"
)

// RegisterRoutes builds the full service graph and mounts every route.
// This is the single place where components are wired together; handlers
// receive services, services receive repositories and stores.
func (a *App) RegisterRoutes(
	authService auth.Service,
	auditService audit.Service,
	detector *audit.Detector,
) {
	e := a.Echo

	// Health check for container orchestration. Verifies both stores are
	// reachable; a dead DB or Redis means auth cannot work.
	e.GET("/healthz", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		if err := a.DB.PingContext(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded", "database": "unreachable",
			})
		}
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded", "redis": "unreachable",
			})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// Auth flows, public plus /auth/me.
	auth.RegisterRoutes(e, auth.NewHandler(authService), authService)

	// Admin security surface, session plus admin flag required.
	admin := e.Group("/admin", auth.RequireAuth(authService), auth.RequireAdmin())
	audit.RegisterRoutes(admin, audit.NewHandler(auditService, detector))
}
