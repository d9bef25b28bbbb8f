package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/omop-automapper/internal/pkg/ctxutil"
)

const (
	headerTraceID   = "X-Trace-Id"
	headerRequestID = "X-Request-Id"
	headerRunID     = "X-Run-Id"
)

// AttachTraceContext stores request, trace and run identifiers on the request
// context and echoes them back. The trace id prefers the caller's header,
// then the active otel span, then a fresh uuid. A caller-supplied run id is
// adopted by automap runs started from this request.
func AttachTraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		td := &ctxutil.TraceData{
			TraceID:   strings.TrimSpace(c.GetHeader(headerTraceID)),
			RequestID: strings.TrimSpace(c.GetHeader(headerRequestID)),
			RunID:     strings.TrimSpace(c.GetHeader(headerRunID)),
		}
		if td.RequestID == "" {
			td.RequestID = uuid.NewString()
		}
		if td.TraceID == "" {
			if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
				td.TraceID = sc.TraceID().String()
			} else {
				td.TraceID = uuid.NewString()
			}
		}

		c.Request = c.Request.WithContext(ctxutil.WithTraceData(c.Request.Context(), td))
		h := c.Writer.Header()
		h.Set(headerTraceID, td.TraceID)
		h.Set(headerRequestID, td.RequestID)
		if td.RunID != "" {
			h.Set(headerRunID, td.RunID)
		}
		c.Next()
	}
}
