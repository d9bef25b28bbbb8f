package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	httpH "github.com/yungbote/omop-automapper/internal/http/handlers"
	"github.com/yungbote/omop-automapper/internal/observability"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

func TestRouterServesHealthAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := observability.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	r := NewRouter(RouterConfig{
		Log:           logger.Nop(),
		Metrics:       m,
		HealthHandler: httpH.NewHealthHandler(nil),
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: want=200 ok got=%d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("request id header missing")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "/healthz")
}

func TestRouterSkipsUnsetHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(RouterConfig{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/embeddings/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unset handler: want=404 got=%d", rec.Code)
	}
}
