package app

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/omop-automapper/internal/http"
	httpH "github.com/yungbote/omop-automapper/internal/http/handlers"
	"github.com/yungbote/omop-automapper/internal/observability"
)

type Handlers struct {
	Health    *httpH.HealthHandler
	Embedding *httpH.EmbeddingHandler
	Mapping   *httpH.MappingHandler
	Automap   *httpH.AutomapHandler
}

func (a *App) wireHandlers() Handlers {
	a.Log.Info("Wiring handlers...")
	checks := map[string]httpH.Pinger{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if a.ready != nil {
		checks["vector_store"] = a.ready
	}
	return Handlers{
		Health: httpH.NewHealthHandler(checks),
		Embedding: httpH.NewEmbeddingHandler(httpH.EmbeddingHandlerDeps{
			Log:        a.Log,
			Embeddings: a.Services.Embeddings,
		}),
		Mapping: httpH.NewMappingHandler(httpH.MappingHandlerDeps{
			Log:     a.Log,
			Mapping: a.Services.Mapping,
		}),
		Automap: httpH.NewAutomapHandler(httpH.AutomapHandlerDeps{
			Log:    a.Log,
			Runner: a.Services.Batch,
			Events: a.Bus,
		}),
	}
}

// Router builds the HTTP API over the wired services.
func (a *App) Router() *gin.Engine {
	h := a.wireHandlers()
	return http.NewRouter(http.RouterConfig{
		Log:              a.Log,
		Metrics:          observability.Current(),
		ServiceName:      a.Cfg.ServiceName,
		CORSOrigins:      a.Cfg.HTTP.CORSOrigins,
		HealthHandler:    h.Health,
		EmbeddingHandler: h.Embedding,
		MappingHandler:   h.Mapping,
		AutomapHandler:   h.Automap,
		EventsEnabled:    a.Bus != nil,
	})
}

// Serve runs the HTTP API until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{Engine: a.Router()}
	a.Log.Info("HTTP server listening", "addr", a.Cfg.HTTP.Addr)
	return srv.Run(ctx, a.Cfg.HTTP.Addr, a.Cfg.HTTP.ShutdownTimeout)
}
