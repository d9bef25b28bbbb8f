package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/omop-automapper/internal/pkg/ctxutil"
)

func TestAttachTraceContext(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seen *ctxutil.TraceData
	r := gin.New()
	r.Use(AttachTraceContext())
	r.GET("/x", func(c *gin.Context) {
		seen = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(headerRequestID, "req-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if seen == nil {
		t.Fatalf("trace data missing from request context")
	}
	if seen.RequestID != "req-123" {
		t.Fatalf("request id: want=req-123 got=%s", seen.RequestID)
	}
	if seen.TraceID == "" {
		t.Fatalf("trace id: want generated id")
	}
	if got := rec.Header().Get(headerTraceID); got != seen.TraceID {
		t.Fatalf("trace header: want=%s got=%s", seen.TraceID, got)
	}
}

func TestAttachTraceContextPassesRunID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seen *ctxutil.TraceData
	r := gin.New()
	r.Use(AttachTraceContext())
	r.POST("/automap", func(c *gin.Context) {
		seen = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/automap", nil)
	req.Header.Set(headerRunID, "nightly-icd10")
	req.Header.Set(headerTraceID, "trace-abc")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if seen == nil || seen.RunID != "nightly-icd10" || seen.TraceID != "trace-abc" {
		t.Fatalf("trace data: got=%+v", seen)
	}
	if seen.RequestID == "" {
		t.Fatalf("request id: want generated id")
	}
	if got := rec.Header().Get(headerRunID); got != "nightly-icd10" {
		t.Fatalf("run id header: want=nightly-icd10 got=%s", got)
	}
}
