package mapping

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/omop-automapper/internal/data/aggregates"
	maprepo "github.com/yungbote/omop-automapper/internal/data/repos/mapping"
	vocabrepo "github.com/yungbote/omop-automapper/internal/data/repos/vocab"
	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/domain/vocab"
	"github.com/yungbote/omop-automapper/internal/observability"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
	"github.com/yungbote/omop-automapper/internal/platform/qdrant"
)

// Payload keys written with every point; the keyword ones are indexed.
const (
	payloadConceptID    = "concept_id"
	payloadConceptType  = "concept_type"
	payloadDomainID     = "domain_id"
	payloadVocabularyID = "vocabulary_id"
	payloadAtc7         = "atc7_codes"
)

var indexedPayloadFields = []string{payloadConceptType, payloadDomainID, payloadVocabularyID, payloadAtc7}

const defaultEmbedBatchSize = 128

type EmbeddingManagerDeps struct {
	Log      *logger.Logger
	Runner   aggregates.TxRunner
	Concepts vocabrepo.ConceptRepo
	Sources  maprepo.SourceConceptRepo
	Embedded maprepo.EmbeddedConceptRepo
	Config   *ConfigStore
	Vectors  VectorIndex
	Embedder Embedder
	Retry    RetryPolicy
}

// EmbeddingManager keeps concept vectors and their embedded_concepts rows in step.
type EmbeddingManager struct {
	log  *logger.Logger
	deps EmbeddingManagerDeps
}

func NewEmbeddingManager(deps EmbeddingManagerDeps) *EmbeddingManager {
	return &EmbeddingManager{
		log:  deps.Log.With("service", "EmbeddingManager"),
		deps: deps,
	}
}

type embedItem struct {
	ConceptID          int64
	Text               string
	Payload            map[string]any
	SourceVocabularyID *string
}

// EnsureEmbedded makes sure conceptID has a vector in the active collection
// for conceptType. An existing embedded_concepts row makes it a no-op.
func (m *EmbeddingManager) EnsureEmbedded(ctx context.Context, conceptID int64, conceptType mapping.ConceptType) (*mapping.EmbeddedConcept, error) {
	const op = "embedding.ensure"
	if conceptID <= 0 || !conceptType.Valid() {
		return nil, domainagg.NewError(domainagg.CodeValidation, op, fmt.Sprintf("invalid concept %d/%q", conceptID, conceptType), nil)
	}
	ctx, span := observability.StartSpan(ctx, "mapping.ensure_embedded",
		attribute.Int64("concept_id", conceptID),
		attribute.String("concept_type", string(conceptType)),
	)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	settings, err := m.deps.Config.Settings(ctx)
	if err != nil {
		return nil, err
	}
	collection := settings.Collection(conceptType)
	dbc := dbctx.Context{Ctx: ctx}

	existing, err := m.deps.Embedded.Get(dbc, conceptID, collection, conceptType)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var item embedItem
	switch conceptType {
	case mapping.ConceptTypeStandard:
		item, err = m.standardItem(dbc, conceptID)
	default:
		item, err = m.sourceItem(dbc, conceptID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := m.embedBatch(ctx, settings, collection, conceptType, []embedItem{item})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// SourceVector ensures the source concept is embedded and returns its vector.
func (m *EmbeddingManager) SourceVector(ctx context.Context, sourceID int64) ([]float32, error) {
	const op = "embedding.source_vector"
	row, err := m.EnsureEmbedded(ctx, sourceID, mapping.ConceptTypeSource)
	if err != nil {
		return nil, err
	}
	pts, err := m.deps.Vectors.Retrieve(ctx, row.CollectionName, []uint64{uint64(sourceID)})
	if err != nil {
		return nil, domainagg.NewError(domainagg.CodeEmbeddingFailure, op, "read source vector", err)
	}
	if len(pts) == 0 || len(pts[0].Vector) == 0 {
		return nil, domainagg.NewError(domainagg.CodeEmbeddingFailure, op,
			fmt.Sprintf("source %d has a row but no vector in %s", sourceID, row.CollectionName), nil)
	}
	return pts[0].Vector, nil
}

func (m *EmbeddingManager) standardItem(dbc dbctx.Context, conceptID int64) (embedItem, error) {
	const op = "embedding.ensure"
	c, err := m.deps.Concepts.GetByID(dbc, conceptID)
	if err != nil {
		return embedItem{}, err
	}
	if c == nil {
		return embedItem{}, domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("concept %d not found", conceptID), nil)
	}
	if !c.IsStandard() {
		return embedItem{}, domainagg.NewError(domainagg.CodeValidation, op, fmt.Sprintf("concept %d is not standard", conceptID), nil)
	}
	atc, err := m.deps.Concepts.Atc7ByConceptIDs(dbc, []int64{conceptID})
	if err != nil {
		return embedItem{}, err
	}
	return standardEmbedItem(c, atc[conceptID]), nil
}

func (m *EmbeddingManager) sourceItem(dbc dbctx.Context, sourceID int64) (embedItem, error) {
	s, err := m.deps.Sources.GetByID(dbc, sourceID)
	if err != nil {
		return embedItem{}, err
	}
	if s == nil {
		return embedItem{}, domainagg.NewError(domainagg.CodeNotFound, "embedding.ensure", fmt.Sprintf("source concept %d not found", sourceID), nil)
	}
	return sourceEmbedItem(s), nil
}

// standardEmbedItem appends the ATC7 codes of drug concepts to the text so
// pharmacological equivalents land close together.
func standardEmbedItem(c *vocab.Concept, atc vocab.CodeSet) embedItem {
	text := c.ConceptName
	payload := map[string]any{
		payloadConceptID:    c.ConceptID,
		payloadConceptType:  string(mapping.ConceptTypeStandard),
		payloadDomainID:     c.DomainID,
		payloadVocabularyID: c.VocabularyID,
	}
	if c.DomainID == vocab.DomainDrug && len(atc) > 0 {
		text = fmt.Sprintf("%s (ATC: %s)", c.ConceptName, strings.Join(atc, ", "))
		payload[payloadAtc7] = []string(atc)
	}
	return embedItem{ConceptID: c.ConceptID, Text: text, Payload: payload}
}

func sourceEmbedItem(s *mapping.SourceConcept) embedItem {
	vocabID := s.SourceVocabularyID
	payload := map[string]any{
		payloadConceptID:    s.SourceID,
		payloadConceptType:  string(mapping.ConceptTypeSource),
		payloadVocabularyID: s.SourceVocabularyID,
	}
	if code, ok := vocab.ExtractAtc7Prefix(s.SourceValue); ok {
		payload[payloadAtc7] = []string{code}
	}
	return embedItem{ConceptID: s.SourceID, Text: s.Text(), Payload: payload, SourceVocabularyID: &vocabID}
}

// embedBatch embeds items, upserts their vectors and records the rows in one
// transaction. If the rows cannot be recorded the vectors are removed again.
func (m *EmbeddingManager) embedBatch(ctx context.Context, settings Settings, collection string, conceptType mapping.ConceptType, items []embedItem) ([]*mapping.EmbeddedConcept, error) {
	const op = "embedding.embed"
	if len(items) == 0 {
		return nil, nil
	}
	start := time.Now()
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}

	vectors, attempts, err := retryCall(ctx, m.deps.Retry, op, func(ctx context.Context) ([][]float32, error) {
		return m.deps.Embedder.Embed(ctx, settings.EmbeddingModel, settings.EmbeddingDims, texts)
	})
	if err != nil {
		observability.Current().ObserveStep("embed", "failure", time.Since(start))
		return nil, domainagg.NewError(domainagg.CodeEmbeddingFailure, op,
			fmt.Sprintf("embedding model %s failed after %d attempts", settings.EmbeddingModel, attempts), err)
	}
	if len(vectors) != len(items) {
		return nil, domainagg.NewError(domainagg.CodeEmbeddingFailure, op,
			fmt.Sprintf("embedding count mismatch want=%d got=%d", len(items), len(vectors)), nil)
	}

	if err := m.deps.Vectors.EnsureCollection(ctx, collection, settings.EmbeddingDims, indexedPayloadFields...); err != nil {
		return nil, domainagg.NewError(domainagg.CodeEmbeddingFailure, op, "ensure collection "+collection, err)
	}

	points := make([]qdrant.Point, len(items))
	ids := make([]uint64, len(items))
	for i, it := range items {
		ids[i] = uint64(it.ConceptID)
		points[i] = qdrant.Point{ID: ids[i], Vector: vectors[i], Payload: it.Payload}
	}
	if err := m.deps.Vectors.Upsert(ctx, collection, points); err != nil {
		return nil, domainagg.NewError(domainagg.CodeEmbeddingFailure, op, "upsert vectors into "+collection, err)
	}

	now := time.Now().UTC()
	rows := make([]*mapping.EmbeddedConcept, len(items))
	for i, it := range items {
		rows[i] = &mapping.EmbeddedConcept{
			ConceptID:          it.ConceptID,
			CollectionName:     collection,
			ConceptType:        conceptType,
			EmbeddingModel:     settings.EmbeddingModel,
			EmbeddedAt:         now,
			SourceVocabularyID: it.SourceVocabularyID,
		}
	}
	err = m.deps.Runner.InTx(ctx, func(dbc dbctx.Context) error {
		return m.deps.Embedded.InsertIgnore(dbc, rows)
	})
	if err != nil {
		// Use a fresh context so a cancelled caller does not leave orphan vectors.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if delErr := m.deps.Vectors.Delete(cleanupCtx, collection, ids); delErr != nil {
			m.log.Error("vector cleanup failed after row insert failure",
				"collection", collection,
				"points", len(ids),
				"error", delErr,
			)
		}
		observability.Current().ObserveStep("embed", "failure", time.Since(start))
		return nil, domainagg.NewError(domainagg.CodeEmbeddingFailure, op, "record embedded concepts", err)
	}

	observability.Current().IncEmbedded(collection, string(conceptType), len(rows))
	observability.Current().ObserveStep("embed", "success", time.Since(start))
	m.log.Debug("embedded concepts",
		"collection", collection,
		"concept_type", string(conceptType),
		"count", len(rows),
		"attempts", attempts,
	)
	return rows, nil
}

type EmbedPendingInput struct {
	ConceptType  mapping.ConceptType
	DomainID     string
	VocabularyID string
	BatchSize    int
	// Limit caps the number of concepts embedded in this call. Zero means no cap.
	Limit int
	// OnBatch is called after every committed batch with the running total.
	OnBatch func(done int)
}

type EmbedPendingResult struct {
	Collection string `json:"collection"`
	Embedded   int    `json:"embedded"`
	Batches    int    `json:"batches"`
}

// EmbedPending embeds every eligible concept of one type that has no row in
// the active collection yet. Each batch is atomic on its own.
func (m *EmbeddingManager) EmbedPending(ctx context.Context, in EmbedPendingInput) (EmbedPendingResult, error) {
	if !in.ConceptType.Valid() {
		return EmbedPendingResult{}, domainagg.NewError(domainagg.CodeValidation, "embedding.pending", fmt.Sprintf("invalid concept type %q", in.ConceptType), nil)
	}
	settings, err := m.deps.Config.Settings(ctx)
	if err != nil {
		return EmbedPendingResult{}, err
	}
	batchSize := in.BatchSize
	if batchSize <= 0 {
		batchSize = defaultEmbedBatchSize
	}
	out := EmbedPendingResult{Collection: settings.Collection(in.ConceptType)}
	dbc := dbctx.Context{Ctx: ctx}

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		size := batchSize
		if in.Limit > 0 {
			if out.Embedded >= in.Limit {
				return out, nil
			}
			size = min(size, in.Limit-out.Embedded)
		}

		items, lastID, err := m.pendingItems(dbc, in, out.Collection, afterID, size)
		if err != nil {
			return out, err
		}
		if len(items) == 0 {
			return out, nil
		}
		afterID = lastID

		rows, err := m.embedBatch(ctx, settings, out.Collection, in.ConceptType, items)
		if err != nil {
			return out, err
		}
		out.Embedded += len(rows)
		out.Batches++
		if in.OnBatch != nil {
			in.OnBatch(out.Embedded)
		}
		m.log.Info("embedding batch committed",
			"collection", out.Collection,
			"batch", out.Batches,
			"embedded", out.Embedded,
		)
	}
}

func (m *EmbeddingManager) pendingItems(dbc dbctx.Context, in EmbedPendingInput, collection string, afterID int64, limit int) ([]embedItem, int64, error) {
	if in.ConceptType == mapping.ConceptTypeSource {
		srcs, err := m.deps.Sources.ListEmbeddable(dbc, collection, in.VocabularyID, afterID, limit)
		if err != nil || len(srcs) == 0 {
			return nil, afterID, err
		}
		items := make([]embedItem, len(srcs))
		for i, s := range srcs {
			items[i] = sourceEmbedItem(s)
		}
		return items, srcs[len(srcs)-1].SourceID, nil
	}

	concepts, err := m.deps.Concepts.ListEmbeddable(dbc, vocabrepo.EmbeddableQuery{
		Collection: collection,
		DomainID:   in.DomainID,
		AfterID:    afterID,
		Limit:      limit,
	})
	if err != nil || len(concepts) == 0 {
		return nil, afterID, err
	}
	ids := make([]int64, len(concepts))
	for i, c := range concepts {
		ids[i] = c.ConceptID
	}
	atc, err := m.deps.Concepts.Atc7ByConceptIDs(dbc, ids)
	if err != nil {
		return nil, afterID, err
	}
	items := make([]embedItem, len(concepts))
	for i, c := range concepts {
		items[i] = standardEmbedItem(c, atc[c.ConceptID])
	}
	return items, concepts[len(concepts)-1].ConceptID, nil
}

type CollectionStatus struct {
	Collection string `json:"collection"`
	Eligible   int64  `json:"eligible"`
	Embedded   int64  `json:"embedded"`
	Pending    int64  `json:"pending"`
	Indexed    int    `json:"indexed"`
}

type EmbeddingStatus struct {
	Model    string           `json:"model"`
	Dims     int              `json:"dims"`
	Standard CollectionStatus `json:"standard"`
	Source   CollectionStatus `json:"source"`
}

// Status reports embedding progress of the active collections. Source
// eligibility counts unmapped source concepts.
func (m *EmbeddingManager) Status(ctx context.Context) (EmbeddingStatus, error) {
	settings, err := m.deps.Config.Settings(ctx)
	if err != nil {
		return EmbeddingStatus{}, err
	}
	dbc := dbctx.Context{Ctx: ctx}
	out := EmbeddingStatus{Model: settings.EmbeddingModel, Dims: settings.EmbeddingDims}

	stdEligible, err := m.deps.Concepts.CountEligible(dbc, "")
	if err != nil {
		return out, err
	}
	srcEligible, err := m.deps.Sources.CountUnmapped(dbc, "")
	if err != nil {
		return out, err
	}
	for _, part := range []struct {
		ct       mapping.ConceptType
		eligible int64
		dst      *CollectionStatus
	}{
		{mapping.ConceptTypeStandard, stdEligible, &out.Standard},
		{mapping.ConceptTypeSource, srcEligible, &out.Source},
	} {
		collection := settings.Collection(part.ct)
		embedded, err := m.deps.Embedded.Count(dbc, collection, part.ct)
		if err != nil {
			return out, err
		}
		indexed, err := m.deps.Vectors.Count(ctx, collection, nil)
		if err != nil && !qdrant.IsNotFound(err) {
			m.log.Warn("vector count unavailable", "collection", collection, "error", err)
		}
		*part.dst = CollectionStatus{
			Collection: collection,
			Eligible:   part.eligible,
			Embedded:   embedded,
			Pending:    max(part.eligible-embedded, 0),
			Indexed:    indexed,
		}
	}
	return out, nil
}
