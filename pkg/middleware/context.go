package middleware

import (
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/requestctx"
)

const (
	// HeaderUserID is the header key for user ID
	HeaderUserID = "X-User-ID"
	// HeaderRoles carries comma separated roles when no identity provider is configured
	HeaderRoles = "X-Roles"
)

func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = requestctx.SetRequestID(ctx, requestID)
			ctx = requestctx.SetRoute(ctx, req.URL.Path)
			ctx = requestctx.SetUserID(ctx, req.Header.Get(HeaderUserID))

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}

// HeaderRolesAuth trusts the X-Roles header. Only for local development.
func HeaderRolesAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			raw := req.Header.Get(HeaderRoles)
			if raw == "" {
				return next(c)
			}

			roles := make([]string, 0)
			for _, r := range strings.Split(raw, ",") {
				if r = strings.TrimSpace(r); r != "" {
					roles = append(roles, r)
				}
			}

			c.SetRequest(req.WithContext(requestctx.SetRoles(req.Context(), roles)))
			return next(c)
		}
	}
}
