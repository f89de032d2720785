package audit

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes mounts the admin security endpoints on the given group.
// The caller is responsible for attaching RequireAuth and RequireAdmin to
// the group before passing it in.
func RegisterRoutes(admin *echo.Group, h *Handler) {
	admin.GET("/security/events", h.RecentEvents)
	admin.GET("/security/suspicious", h.Suspicious)
	admin.GET("/security/summary", h.Summary)
	admin.GET("/security/failed", h.FailedByIP)
	admin.GET("/users/:id/audit", h.UserHistory)
}
