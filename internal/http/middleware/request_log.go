package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/omop-automapper/internal/pkg/ctxutil"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

// Successful hits on these routes are logged at debug level.
var quietRoutes = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		fields := append([]interface{}{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"bytes", c.Writer.Size(),
			"duration_ms", time.Since(start).Milliseconds(),
		}, ctxutil.LogFields(c.Request.Context())...)
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			fields = append(fields, "error", errs.String())
		}

		switch {
		case status >= 500:
			log.Error("request failed", fields...)
		case status >= 400:
			log.Warn("request rejected", fields...)
		case quietRoutes[route]:
			log.Debug("request served", fields...)
		default:
			log.Info("request served", fields...)
		}
	}
}
