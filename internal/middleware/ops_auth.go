package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// RequireOpsSecret guards the ops/reconciliation endpoints with a shared
// secret header. Full authentication lives in the platform layer; this
// surface is only reachable by the cron/ops collaborators.
func RequireOpsSecret(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "Ops endpoints disabled: OPS_SECRET not configured")
			}
			token := c.Request().Header.Get("X-Ops-Secret")
			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid ops secret")
			}
			return next(c)
		}
	}
}
