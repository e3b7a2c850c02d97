package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/linkerr"
	"github.com/Ramsey-B/clover/pkg/requestctx"
)

func newTestEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = Error(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	e.Use(Context())
	e.Use(HeaderRolesAuth())
	return e
}

func TestRequireRole(t *testing.T) {
	e := newTestEcho()
	e.GET("/admin", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, RequireRole("admin"))

	tests := []struct {
		name  string
		roles string
		want  int
	}{
		{"no roles", "", http.StatusForbidden},
		{"wrong role", "reader", http.StatusForbidden},
		{"admin", "reader, admin", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.roles != "" {
				req.Header.Set(HeaderRoles, tt.roles)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestContext_SetsRequestID(t *testing.T) {
	e := newTestEcho()
	var seen string
	e.GET("/", func(c echo.Context) error {
		seen = requestctx.GetRequestID(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, "req-1", seen)
	assert.Equal(t, "req-1", rec.Header().Get(echo.HeaderXRequestID))
}

func TestError_MapsLinkingErrors(t *testing.T) {
	e := newTestEcho()
	e.GET("/missing", func(c echo.Context) error {
		return linkerr.NotFound("cluster not found")
	})

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Message, "cluster not found")
	assert.NotEmpty(t, body.RequestID)
}

func TestLogger_RequestFields(t *testing.T) {
	var (
		mu   sync.Mutex
		logs []ectologger.EctoLogMessage
	)
	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		mu.Lock()
		defer mu.Unlock()
		logs = append(logs, msg)
	})

	e := newTestEcho()
	e.Use(Logger(logger))
	e.PUT("/linking/feedback", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/linking/finished/set", func(c echo.Context) error {
		return linkerr.Validation("entity set ids are required")
	})

	tests := []struct {
		name      string
		method    string
		path      string
		roles     string
		wantLevel string
		wantKind  string
	}{
		{"accepted", http.MethodPut, "/linking/feedback", "reviewer", "info", ""},
		{"rejected", http.MethodGet, "/linking/finished/set", "admin", "warn", "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mu.Lock()
			logs = nil
			mu.Unlock()

			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.Header.Set(echo.HeaderXRequestID, "req-"+tt.name)
			req.Header.Set(HeaderUserID, "user-1")
			req.Header.Set(HeaderRoles, tt.roles)
			e.ServeHTTP(httptest.NewRecorder(), req)

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, logs, 1)
			got := logs[0]
			assert.Equal(t, tt.wantLevel, got.Level)
			assert.Equal(t, "req-"+tt.name, got.Fields["request_id"])
			assert.Equal(t, tt.path, got.Fields["route"])
			assert.Equal(t, "user-1", got.Fields["user_id"])
			assert.Equal(t, []string{tt.roles}, got.Fields["roles"])
			if tt.wantKind == "" {
				assert.NotContains(t, got.Fields, "error_kind")
			} else {
				assert.Equal(t, tt.wantKind, got.Fields["error_kind"])
			}
		})
	}
}
