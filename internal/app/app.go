package app

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/omop-automapper/internal/data/db"
	maprepo "github.com/yungbote/omop-automapper/internal/data/repos/mapping"
	vocabrepo "github.com/yungbote/omop-automapper/internal/data/repos/vocab"
	"github.com/yungbote/omop-automapper/internal/mapping"
	"github.com/yungbote/omop-automapper/internal/observability"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
	"github.com/yungbote/omop-automapper/internal/platform/openai"
	"github.com/yungbote/omop-automapper/internal/platform/qdrant"
	"github.com/yungbote/omop-automapper/internal/realtime/bus"
)

type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *gorm.DB
	Repos    Repos
	Services Services
	Bus      bus.Bus

	ready   func(ctx context.Context) error
	closers []func(ctx context.Context) error
}

// OpenDB connects to the configured database and migrates it when
// db.auto_migrate is set.
func OpenDB(log *logger.Logger, cfg Config) (*gorm.DB, error) {
	var conn *gorm.DB
	switch cfg.DB.Driver {
	case DriverSQLite:
		svc, err := db.NewSQLiteService(log, cfg.DB.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
		conn = svc.DB()
	default:
		svc, err := db.NewPostgresService(log, cfg.DB.Postgres)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		conn = svc.DB()
	}
	if cfg.DB.AutoMigrate {
		if err := db.AutoMigrateAll(conn); err != nil {
			return nil, fmt.Errorf("automigrate: %w", err)
		}
	}
	return conn, nil
}

// New connects every dependency named by cfg and wires the pipeline.
func New(ctx context.Context, log *logger.Logger, cfg Config) (*App, error) {
	observability.Init(log)
	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	})

	conn, err := OpenDB(log, cfg)
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*App, error) {
		if sqlDB, dbErr := conn.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}

	store, err := qdrant.NewStore(log, cfg.Qdrant)
	if err != nil {
		return fail(fmt.Errorf("init qdrant: %w", err))
	}
	llm, err := openai.NewClient(log, cfg.OpenAI)
	if err != nil {
		return fail(fmt.Errorf("init openai: %w", err))
	}

	var progress bus.Bus
	if cfg.Redis.Addr != "" {
		progress, err = bus.NewRedisBus(log, cfg.Redis)
		if err != nil {
			return fail(fmt.Errorf("init progress bus: %w", err))
		}
	} else {
		progress = bus.NewMemoryBus()
	}

	a, err := Build(ctx, log, cfg, conn, Clients{Vectors: store, Embedder: llm, LLM: llm}, progress)
	if err != nil {
		_ = progress.Close()
		return fail(err)
	}
	a.ready = store.Ready
	a.closers = append(a.closers, shutdownOtel)
	return a, nil
}

// Build wires the pipeline over already connected dependencies and seeds the
// pipeline config defaults. progress may be nil.
func Build(ctx context.Context, log *logger.Logger, cfg Config, conn *gorm.DB, clients Clients, progress bus.Bus) (*App, error) {
	if log == nil || conn == nil {
		return nil, fmt.Errorf("logger and database required")
	}
	repos := wireRepos(conn, log)

	var publisher mapping.ProgressPublisher
	if progress != nil {
		publisher = progress
	}
	services := wireServices(conn, log, cfg, repos, clients, publisher)
	if err := services.Config.Seed(ctx); err != nil {
		return nil, fmt.Errorf("seed app config: %w", err)
	}

	a := &App{
		Log:      log,
		Cfg:      cfg,
		DB:       conn,
		Repos:    repos,
		Services: services,
		Bus:      progress,
	}
	if progress != nil {
		a.closers = append(a.closers, func(context.Context) error { return progress.Close() })
	}
	a.closers = append(a.closers, func(context.Context) error {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	return a, nil
}

// DeriveAtc7 rebuilds the ATC7 codes of standard drug concepts. It only
// needs the database, so it does not go through New.
func DeriveAtc7(ctx context.Context, log *logger.Logger, conn *gorm.DB) (int, error) {
	start := time.Now()
	n, err := vocabrepo.NewConceptRepo(conn, log).DeriveAtc7(dbctx.Context{Ctx: ctx})
	if err != nil {
		return 0, err
	}
	log.Info("atc7 derived", "drug_concepts", n, "duration_ms", time.Since(start).Milliseconds())
	return n, nil
}

// ConfigStore opens the pipeline config over conn with defaults seeded.
func ConfigStore(ctx context.Context, log *logger.Logger, conn *gorm.DB) (*mapping.ConfigStore, error) {
	store := mapping.NewConfigStore(log, maprepo.NewAppConfigRepo(conn, log))
	if err := store.Seed(ctx); err != nil {
		return nil, fmt.Errorf("seed app config: %w", err)
	}
	return store, nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.Log != nil {
			a.Log.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
	if a.Log != nil {
		a.Log.Sync()
	}
}
