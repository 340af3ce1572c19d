package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func newGinContext(method, path string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, nil)
	return c, w
}

func TestLivenessAlwaysOK(t *testing.T) {
	handler := NewHandler(nil, nil)
	c, w := newGinContext("GET", "/health/live")

	handler.Liveness(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

func TestReadinessHealthyWithNilDependencies(t *testing.T) {
	handler := NewHandler(nil, nil)
	c, w := newGinContext("GET", "/health/ready")

	handler.Readiness(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ready"`)
}

func TestReadinessUnhealthyWhenStorageDown(t *testing.T) {
	handler := NewHandler(&fakePinger{err: errors.New("connection refused")}, &fakePinger{})
	c, w := newGinContext("GET", "/health/ready")

	handler.Readiness(c)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"storage":"unhealthy"`)
}

func TestReadinessUnhealthyWhenBusDown(t *testing.T) {
	handler := NewHandler(&fakePinger{}, &fakePinger{err: errors.New("connection refused")})
	c, w := newGinContext("GET", "/health/ready")

	handler.Readiness(c)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"bus":"unhealthy"`)
}
