package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/omop-automapper/internal/data/aggregates"
	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
	"github.com/yungbote/omop-automapper/internal/mapping"
	"github.com/yungbote/omop-automapper/internal/observability"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

// Clients are the external providers the pipeline talks to.
type Clients struct {
	Vectors  mapping.VectorIndex
	Embedder mapping.Embedder
	LLM      mapping.LLM
}

type Services struct {
	Config     *mapping.ConfigStore
	Embeddings *mapping.EmbeddingManager
	Retriever  *mapping.Retriever
	Reranker   *mapping.Reranker
	Committer  domainagg.MappingAggregate
	Mapping    *mapping.Service
	Batch      *mapping.BatchRunner
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, repos Repos, clients Clients, progress mapping.ProgressPublisher) Services {
	log.Info("Wiring services...")
	metrics := observability.Current()
	runner := aggregates.NewGormTxRunner(db)
	vectors := instrumentVectorIndex(clients.Vectors, metrics)

	configStore := mapping.NewConfigStore(log, repos.AppConfig)

	embeddings := mapping.NewEmbeddingManager(mapping.EmbeddingManagerDeps{
		Log:      log,
		Runner:   runner,
		Concepts: repos.Concepts,
		Sources:  repos.Sources,
		Embedded: repos.Embedded,
		Config:   configStore,
		Vectors:  vectors,
		Embedder: clients.Embedder,
		Retry:    cfg.Retry,
	})

	retriever := mapping.NewRetriever(mapping.RetrieverDeps{
		Log:        log,
		Embeddings: embeddings,
		Concepts:   repos.Concepts,
		Vectors:    vectors,
		Config:     configStore,
		Retry:      cfg.Retry,
	})

	reranker := mapping.NewReranker(mapping.RerankerDeps{
		Log:           log,
		LLM:           clients.LLM,
		Config:        configStore,
		Retry:         cfg.Retry,
		MaxCandidates: cfg.RerankMaxCandidates,
	})

	committer := aggregates.NewMappingAggregate(aggregates.MappingAggregateDeps{
		Base: aggregates.BaseDeps{
			DB:     db,
			Log:    log,
			Runner: runner,
			Hooks:  aggregates.NewObservabilityHooks(metrics),
		},
		Sources:  repos.Sources,
		Maps:     repos.Maps,
		Audits:   repos.Audits,
		Concepts: repos.Concepts,
	})

	svc := mapping.NewService(mapping.ServiceDeps{
		Log:       log,
		Sources:   repos.Sources,
		Maps:      repos.Maps,
		Audits:    repos.Audits,
		Config:    configStore,
		Retriever: retriever,
		Reranker:  reranker,
		Committer: committer,
	})

	batch := mapping.NewBatchRunner(mapping.BatchRunnerDeps{
		Log:      log,
		Sources:  repos.Sources,
		Service:  svc,
		Config:   configStore,
		Progress: progress,
	})

	return Services{
		Config:     configStore,
		Embeddings: embeddings,
		Retriever:  retriever,
		Reranker:   reranker,
		Committer:  committer,
		Mapping:    svc,
		Batch:      batch,
	}
}
