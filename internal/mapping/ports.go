package mapping

import (
	"context"

	"github.com/yungbote/omop-automapper/internal/platform/qdrant"
)

// VectorIndex is the part of the vector store the pipeline uses. *qdrant.Store implements it.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, name string, size int, indexedFields ...string) error
	Upsert(ctx context.Context, collection string, points []qdrant.Point) error
	Search(ctx context.Context, collection string, in qdrant.SearchRequest) ([]qdrant.ScoredPoint, error)
	Retrieve(ctx context.Context, collection string, ids []uint64) ([]qdrant.Point, error)
	Count(ctx context.Context, collection string, filter *qdrant.Filter) (int, error)
	Delete(ctx context.Context, collection string, ids []uint64) error
}

type Embedder interface {
	Embed(ctx context.Context, model string, dims int, inputs []string) ([][]float32, error)
}

type LLM interface {
	GenerateJSON(ctx context.Context, model, system, user, schemaName string, schema map[string]any) (map[string]any, error)
}

// ProgressPublisher receives batch progress events. Publishing is best effort.
type ProgressPublisher interface {
	Publish(ctx context.Context, ev ProgressEvent) error
}

type noopProgress struct{}

func (noopProgress) Publish(context.Context, ProgressEvent) error { return nil }
