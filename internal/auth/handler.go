package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/luminachat/lumina/internal/apperror"
)

// sessionCookieName is the HTTP cookie carrying the session token.
const sessionCookieName = "auth_token"

// Handler handles HTTP requests for authentication. Handlers are thin:
// they bind the request, extract request metadata, call the service, and
// shape the JSON response. No business logic lives here.
type Handler struct {
	service Service
}

// NewHandler creates a new auth handler with the given service.
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Signup creates a new account (POST /auth/signup).
func (h *Handler) Signup(c echo.Context) error {
	var req SignupRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	user, message, err := h.service.Signup(c.Request().Context(), req, requestMeta(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"success": true,
		"message": message,
		"user":    user,
	})
}

// Login authenticates a user and sets the session cookie (POST /auth/login).
func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	result, err := h.service.Login(c.Request().Context(), req, requestMeta(c))
	if err != nil {
		return err
	}

	setSessionCookie(c, result.Token, int(result.TTL.Seconds()))

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"user":    result.User,
	})
}

// Logout destroys the session and clears the cookie (POST /auth/logout).
// Always succeeds, even with a missing or mangled token.
func (h *Handler) Logout(c echo.Context) error {
	message := h.service.Logout(c.Request().Context(), getSessionToken(c), requestMeta(c))

	clearSessionCookie(c)

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": message,
	})
}

// Verify consumes an email verification token (POST /auth/verify). The
// token also arrives via query param for link clicks.
func (h *Handler) Verify(c echo.Context) error {
	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}
	if req.Token == "" {
		req.Token = c.QueryParam("token")
	}

	email, message, err := h.service.VerifyEmail(c.Request().Context(), req.Token, requestMeta(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": message,
		"email":   email,
	})
}

// ResendVerification sends a fresh verification email
// (POST /auth/resend-verification). The response body is identical whether
// or not an account exists.
func (h *Handler) ResendVerification(c echo.Context) error {
	var req EmailRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	message, err := h.service.ResendVerification(c.Request().Context(), req.Email, requestMeta(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": message,
	})
}

// ForgotPassword starts a password reset (POST /auth/forgot). The response
// body is identical whether or not an account exists.
func (h *Handler) ForgotPassword(c echo.Context) error {
	var req EmailRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	message, err := h.service.ForgotPassword(c.Request().Context(), req.Email, requestMeta(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": message,
	})
}

// ResetPassword completes a password reset (POST /auth/reset).
func (h *Handler) ResetPassword(c echo.Context) error {
	var req ResetRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request")
	}

	message, err := h.service.ResetPassword(c.Request().Context(), req, requestMeta(c))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": message,
	})
}

// Me returns the authenticated user (GET /auth/me). Requires RequireAuth.
func (h *Handler) Me(c echo.Context) error {
	user := GetUser(c)
	if user == nil {
		return apperror.NewUnauthorized("authentication required")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"user":    user.Public(),
	})
}

// --- Cookie helpers ---

// getSessionToken reads the session token from the cookie.
func getSessionToken(c echo.Context) string {
	cookie, err := c.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	return cookie.Value
}

// setSessionCookie sets the session cookie. HttpOnly so scripts cannot
// read it, SameSite=Strict so it is never sent cross-site, Secure when the
// request arrived over TLS.
func setSessionCookie(c echo.Context, token string, maxAge int) {
	req := c.Request()
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   maxAge,
	})
}

// clearSessionCookie removes the session cookie by setting MaxAge to -1.
func clearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// requestMeta extracts per-request attribution for audit and rate limiting.
// c.RealIP honors the trusted proxy configuration set on the Echo instance.
func requestMeta(c echo.Context) RequestMeta {
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	return RequestMeta{
		IP:        ip,
		UserAgent: c.Request().UserAgent(),
	}
}
