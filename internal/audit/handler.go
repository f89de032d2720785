package audit

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/luminachat/lumina/internal/apperror"
)

// Handler serves the admin security surface: the event feed, the anomaly
// report, the summary, and per-user history. All routes are mounted behind
// RequireAuth + RequireAdmin.
type Handler struct {
	service  Service
	detector *Detector
}

// NewHandler creates an audit handler with the given service and detector.
func NewHandler(service Service, detector *Detector) *Handler {
	return &Handler{service: service, detector: detector}
}

// RecentEvents returns the last 24h of security events
// (GET /admin/security/events).
func (h *Handler) RecentEvents(c echo.Context) error {
	events, err := h.service.GetRecentSecurityEvents(c.Request().Context())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"events":  events,
		"count":   len(events),
	})
}

// Suspicious runs the anomaly detector on demand
// (GET /admin/security/suspicious).
func (h *Handler) Suspicious(c echo.Context) error {
	report, err := h.detector.Detect(c.Request().Context())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"report":  report,
	})
}

// Summary returns per-day per-action statistics
// (GET /admin/security/summary?days=N).
func (h *Handler) Summary(c echo.Context) error {
	days, _ := strconv.Atoi(c.QueryParam("days"))

	buckets, err := h.service.GetSummary(c.Request().Context(), days)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"summary": buckets,
	})
}

// FailedByIP groups one IP's recent failed attempts
// (GET /admin/security/failed?ip=...&hours=N).
func (h *Handler) FailedByIP(c echo.Context) error {
	ip := c.QueryParam("ip")
	hours, _ := strconv.Atoi(c.QueryParam("hours"))

	groups, err := h.service.GetFailedAttemptsByIP(c.Request().Context(), ip, hours)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success":  true,
		"ip":       ip,
		"attempts": groups,
	})
}

// UserHistory returns one page of a user's audit trail
// (GET /admin/users/:id/audit?page=N).
func (h *Handler) UserHistory(c echo.Context) error {
	userID := c.Param("id")
	if userID == "" {
		return apperror.NewBadRequest("user ID is required")
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}

	entries, total, err := h.service.GetUserHistory(c.Request().Context(), userID, page)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"entries": entries,
		"total":   total,
		"page":    page,
		"perPage": perPage,
	})
}
