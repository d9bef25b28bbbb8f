package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/omop-automapper/internal/http/handlers"
	httpMW "github.com/yungbote/omop-automapper/internal/http/middleware"
	"github.com/yungbote/omop-automapper/internal/observability"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	Metrics     *observability.Metrics
	ServiceName string
	CORSOrigins []string

	HealthHandler    *httpH.HealthHandler
	EmbeddingHandler *httpH.EmbeddingHandler
	MappingHandler   *httpH.MappingHandler
	AutomapHandler   *httpH.AutomapHandler
	// EventsEnabled serves the automap progress stream.
	EventsEnabled bool
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins...))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api/v1")
	{
		// Embeddings
		if cfg.EmbeddingHandler != nil {
			api.POST("/embeddings/ensure", cfg.EmbeddingHandler.Ensure)
			api.GET("/embeddings/status", cfg.EmbeddingHandler.Status)
		}

		// Recommendations + mappings
		if cfg.MappingHandler != nil {
			api.GET("/source-concepts/:id/recommendation", cfg.MappingHandler.Recommend)
			api.POST("/mappings", cfg.MappingHandler.Commit)
			api.GET("/mappings/:source_id", cfg.MappingHandler.Get)
			api.DELETE("/mappings/:source_id", cfg.MappingHandler.Unmap)
			api.GET("/audits", cfg.MappingHandler.RecentAudits)
			api.GET("/audits/stats", cfg.MappingHandler.Stats)
		}

		// Batch auto-mapping
		if cfg.AutomapHandler != nil {
			api.POST("/automap", cfg.AutomapHandler.Run)
			if cfg.EventsEnabled {
				api.GET("/automap/events", cfg.AutomapHandler.Events)
			}
		}
	}

	return r
}
