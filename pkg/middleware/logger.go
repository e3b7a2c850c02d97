package middleware

import (
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/requestctx"
)

// Logger writes one line per request with the caller and linking route it
// hit. Server errors log at error level and rejected requests at warn.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			// read after next so values set further down the chain are visible
			ctx := c.Request().Context()
			status := c.Response().Status
			fields := map[string]any{
				"request_id": requestctx.GetRequestID(ctx),
				"route":      c.Path(),
				"method":     c.Request().Method,
				"status":     status,
				"latency_ms": time.Since(start).Milliseconds(),
			}
			if user := requestctx.GetUserID(ctx); user != "" {
				fields["user_id"] = user
			}
			if roles := requestctx.GetRoles(ctx); len(roles) > 0 {
				fields["roles"] = roles
			}
			if err != nil {
				fields["error_kind"] = linkerr.KindOf(err).String()
			}

			log := logger.WithContext(ctx).WithFields(fields)
			switch {
			case status >= http.StatusInternalServerError:
				log.Error("Request failed")
			case status >= http.StatusBadRequest:
				log.Warn("Request rejected")
			default:
				log.Info("Request")
			}
			return nil
		}
	}
}
