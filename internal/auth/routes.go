package auth

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes mounts the auth endpoints. All flow endpoints are public;
// per-IP rate limiting happens inside the service so the counters stay
// consistent with the audit log. Only /auth/me requires a session.
func RegisterRoutes(e *echo.Echo, h *Handler, service Service) {
	g := e.Group("/auth")

	g.POST("/signup", h.Signup)
	g.POST("/login", h.Login)
	g.POST("/logout", h.Logout)
	g.POST("/verify", h.Verify)
	g.GET("/verify", h.Verify)
	g.POST("/resend-verification", h.ResendVerification)
	g.POST("/forgot", h.ForgotPassword)
	g.POST("/reset", h.ResetPassword)

	g.GET("/me", h.Me, RequireAuth(service))
}
