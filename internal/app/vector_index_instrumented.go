package app

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/omop-automapper/internal/mapping"
	"github.com/yungbote/omop-automapper/internal/observability"
	"github.com/yungbote/omop-automapper/internal/platform/qdrant"
)

// instrumentedVectorIndex records latency and a span for every vector store
// call, then defers to inner.
type instrumentedVectorIndex struct {
	inner   mapping.VectorIndex
	metrics *observability.Metrics
}

func instrumentVectorIndex(inner mapping.VectorIndex, metrics *observability.Metrics) mapping.VectorIndex {
	if inner == nil {
		return nil
	}
	return &instrumentedVectorIndex{inner: inner, metrics: metrics}
}

func (s *instrumentedVectorIndex) EnsureCollection(ctx context.Context, name string, size int, indexedFields ...string) error {
	ctx, done := s.begin(ctx, "ensure_collection", name)
	err := s.inner.EnsureCollection(ctx, name, size, indexedFields...)
	done(err)
	return err
}

func (s *instrumentedVectorIndex) Upsert(ctx context.Context, collection string, points []qdrant.Point) error {
	ctx, done := s.begin(ctx, "upsert", collection, attribute.Int("points", len(points)))
	err := s.inner.Upsert(ctx, collection, points)
	done(err)
	return err
}

func (s *instrumentedVectorIndex) Search(ctx context.Context, collection string, in qdrant.SearchRequest) ([]qdrant.ScoredPoint, error) {
	ctx, done := s.begin(ctx, "search", collection, attribute.Int("limit", in.Limit))
	out, err := s.inner.Search(ctx, collection, in)
	done(err)
	return out, err
}

func (s *instrumentedVectorIndex) Retrieve(ctx context.Context, collection string, ids []uint64) ([]qdrant.Point, error) {
	ctx, done := s.begin(ctx, "retrieve", collection)
	out, err := s.inner.Retrieve(ctx, collection, ids)
	done(err)
	return out, err
}

func (s *instrumentedVectorIndex) Count(ctx context.Context, collection string, filter *qdrant.Filter) (int, error) {
	ctx, done := s.begin(ctx, "count", collection)
	n, err := s.inner.Count(ctx, collection, filter)
	done(err)
	return n, err
}

func (s *instrumentedVectorIndex) Delete(ctx context.Context, collection string, ids []uint64) error {
	ctx, done := s.begin(ctx, "delete", collection, attribute.Int("points", len(ids)))
	err := s.inner.Delete(ctx, collection, ids)
	done(err)
	return err
}

func (s *instrumentedVectorIndex) begin(ctx context.Context, operation, collection string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, attribute.String("collection", collection))
	ctx, span := observability.StartSpan(ctx, "vector."+operation, attrs...)
	return ctx, func(err error) {
		observability.EndSpan(span, err)
		status := "success"
		switch {
		case err == nil:
		case qdrant.IsNotFound(err):
			status = "not_found"
		default:
			status = "error"
		}
		s.metrics.ObserveVectorOperation(operation, status, time.Since(start))
	}
}
