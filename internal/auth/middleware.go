package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/luminachat/lumina/internal/apperror"
)

// Context keys for storing the authenticated identity in the Echo context.
// Downstream packages read them through the exported getters.
const (
	contextKeyUser    = "auth_user"
	contextKeySession = "auth_session"
)

// RequireAuth returns middleware that validates the session cookie on every
// request: token signature, live session blob, and a fresh user row that is
// still active and verified. The session TTL is refreshed as a side effect.
// A stale cookie is cleared before the 401 goes out.
func RequireAuth(service Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := getSessionToken(c)
			if token == "" {
				return apperror.NewUnauthorized("authentication required")
			}

			user, session, err := service.ValidateSession(c.Request().Context(), token)
			if err != nil {
				clearSessionCookie(c)
				return err
			}

			c.Set(contextKeyUser, user)
			c.Set(contextKeySession, session)

			return next(c)
		}
	}
}

// RequireAdmin returns middleware that rejects non-admin users. Must run
// after RequireAuth. Admin status comes from the is_admin column only.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := GetUser(c)
			if user == nil {
				return apperror.NewUnauthorized("authentication required")
			}
			if !user.IsAdmin {
				return apperror.NewForbidden("admin access required")
			}
			return next(c)
		}
	}
}

// GetUser retrieves the authenticated user from the Echo context. Returns
// nil if the request is not authenticated.
func GetUser(c echo.Context) *User {
	user, ok := c.Get(contextKeyUser).(*User)
	if !ok {
		return nil
	}
	return user
}

// GetSession retrieves the live session from the Echo context. Returns nil
// if the request is not authenticated.
func GetSession(c echo.Context) *Session {
	session, ok := c.Get(contextKeySession).(*Session)
	if !ok {
		return nil
	}
	return session
}
