package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(e *echo.Echo, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestChecker(t *testing.T) {
	var redisErr error
	c := NewChecker("test")
	c.AddCheck("database", func(context.Context) error { return nil })
	c.AddCheck("redis", func(context.Context) error { return redisErr })

	e := echo.New()
	c.RegisterRoutes(e)

	assert.Equal(t, http.StatusOK, serve(e, "/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(e, "/health/ready").Code, "not ready before startup")

	c.SetReady(true)
	assert.Equal(t, http.StatusOK, serve(e, "/health/ready").Code)

	rec := serve(e, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Len(t, status.Checks, 2)

	redisErr = errors.New("connection refused")
	rec = serve(e, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "unhealthy", status.Checks["redis"].Status)
	assert.Equal(t, "connection refused", status.Checks["redis"].Message)
	assert.Equal(t, "healthy", status.Checks["database"].Status)

	assert.Equal(t, http.StatusServiceUnavailable, serve(e, "/health/ready").Code)
	assert.Equal(t, http.StatusOK, serve(e, "/health/live").Code)
}
