package mapping

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	vocabrepo "github.com/yungbote/omop-automapper/internal/data/repos/vocab"
	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/domain/vocab"
	"github.com/yungbote/omop-automapper/internal/observability"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
	"github.com/yungbote/omop-automapper/internal/pkg/httpx"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
	"github.com/yungbote/omop-automapper/internal/platform/qdrant"
)

const hydratePageSize = 16

// Candidate is one standard concept proposed for a source concept.
type Candidate struct {
	Concept   *vocab.Concept `json:"concept"`
	Score     float64        `json:"score"`
	Atc7      vocab.CodeSet  `json:"atc7_codes,omitempty"`
	Atc7Match bool           `json:"atc7_match"`
}

type RetrieveInput struct {
	K int
	// Domains restricts candidates to these domain ids. On the drug path an
	// empty list means Drug.
	Domains []string
}

type RetrieverDeps struct {
	Log        *logger.Logger
	Embeddings *EmbeddingManager
	Concepts   vocabrepo.ConceptRepo
	Vectors    VectorIndex
	Config     *ConfigStore
	Retry      RetryPolicy
}

type Retriever struct {
	log  *logger.Logger
	deps RetrieverDeps
}

func NewRetriever(deps RetrieverDeps) *Retriever {
	return &Retriever{log: deps.Log.With("service", "Retriever"), deps: deps}
}

// Retrieval carries the stream together with the path decision so the
// reranker and the committer agree on it.
type Retrieval struct {
	Stream     *CandidateStream
	Drug       bool
	SourceAtc7 vocab.CodeSet
	Collection string
}

// Retrieve embeds src if needed and queries the nearest standard concepts in
// the active collection. A missing or empty collection yields an empty stream.
func (r *Retriever) Retrieve(ctx context.Context, src *mapping.SourceConcept, in RetrieveInput) (*Retrieval, error) {
	const op = "retrieval.candidates"
	if src == nil {
		return nil, domainagg.NewError(domainagg.CodeValidation, op, "source concept is required", nil)
	}
	if in.K <= 0 {
		return nil, domainagg.NewError(domainagg.CodeValidation, op, fmt.Sprintf("k must be positive, got %d", in.K), nil)
	}
	ctx, span := observability.StartSpan(ctx, "mapping.retrieve",
		attribute.Int64("source_id", src.SourceID),
		attribute.Int("k", in.K),
	)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	settings, err := r.deps.Config.Settings(ctx)
	if err != nil {
		return nil, err
	}
	vec, err := r.deps.Embeddings.SourceVector(ctx, src.SourceID)
	if err != nil {
		return nil, err
	}

	policy := NewDrugPolicy(settings)
	out := &Retrieval{
		Drug:       policy.IsDrug(src),
		SourceAtc7: policy.SourceAtc7(src),
		Collection: settings.Collection(mapping.ConceptTypeStandard),
	}
	span.SetAttributes(attribute.Bool("drug", out.Drug))

	domains := cleanDomains(in.Domains)
	if out.Drug && len(domains) == 0 {
		domains = []string{vocab.DomainDrug}
	}
	filter := &qdrant.Filter{Must: []qdrant.Condition{
		qdrant.MatchValue(payloadConceptType, string(mapping.ConceptTypeStandard)),
	}}
	if len(domains) > 0 {
		filter.Must = append(filter.Must, qdrant.MatchAny(payloadDomainID, domains...))
	}
	limit := in.K
	if out.Drug && settings.DrugTopK > limit {
		limit = settings.DrugTopK
	}

	hits, _, err := retryCall(ctx, r.deps.Retry, op, func(ctx context.Context) ([]qdrant.ScoredPoint, error) {
		return r.deps.Vectors.Search(ctx, out.Collection, qdrant.SearchRequest{Vector: vec, Limit: limit, Filter: filter})
	})
	if err != nil {
		if qdrant.IsNotFound(err) {
			r.log.Warn("standard collection missing", "collection", out.Collection)
			err = nil
			out.Stream = newCandidateStream(r.deps.Concepts, nil)
			return out, nil
		}
		code := domainagg.CodeInternal
		if httpx.IsRetryableError(err) {
			code = domainagg.CodeRetryable
		}
		err = domainagg.NewError(code, op, "vector search in "+out.Collection, err)
		return nil, err
	}

	cands := make([]scoredCandidate, 0, len(hits))
	for _, h := range hits {
		cands = append(cands, scoredCandidate{
			ConceptID: int64(h.ID),
			Score:     h.Score,
			DomainID:  payloadString(h.Payload, payloadDomainID),
			Atc7:      payloadCodes(h.Payload, payloadAtc7),
		})
	}
	orderBySimilarity(cands)
	if out.Drug {
		cands = policy.Promote(cands, out.SourceAtc7)
	}
	if len(cands) > in.K {
		cands = cands[:in.K]
	}
	span.SetAttributes(attribute.Int("candidates", len(cands)))
	out.Stream = newCandidateStream(r.deps.Concepts, cands)
	return out, nil
}

func cleanDomains(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, d := range in {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func payloadCodes(p map[string]any, key string) vocab.CodeSet {
	switch v := p[key].(type) {
	case []string:
		return vocab.NormalizeAtc7(v)
	case []any:
		codes := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				codes = append(codes, s)
			}
		}
		return vocab.NormalizeAtc7(codes)
	default:
		return nil
	}
}

// CandidateStream yields candidates in their final order. Concept rows are
// loaded page by page as the stream is consumed. A stream can be read once.
type CandidateStream struct {
	concepts vocabrepo.ConceptRepo
	pending  []scoredCandidate
	buf      []Candidate
	done     bool
}

func newCandidateStream(concepts vocabrepo.ConceptRepo, ordered []scoredCandidate) *CandidateStream {
	return &CandidateStream{concepts: concepts, pending: ordered}
}

// Next returns the next candidate. ok is false once the stream is exhausted.
// Candidates whose concept vanished or stopped being standard are skipped.
func (s *CandidateStream) Next(ctx context.Context) (c Candidate, ok bool, err error) {
	for len(s.buf) == 0 {
		if s.done || len(s.pending) == 0 {
			s.done = true
			return Candidate{}, false, nil
		}
		if err := s.fill(ctx); err != nil {
			s.done = true
			return Candidate{}, false, err
		}
	}
	c = s.buf[0]
	s.buf = s.buf[1:]
	return c, true, nil
}

func (s *CandidateStream) fill(ctx context.Context) error {
	n := min(hydratePageSize, len(s.pending))
	page := s.pending[:n]
	s.pending = s.pending[n:]

	ids := make([]int64, len(page))
	for i, p := range page {
		ids[i] = p.ConceptID
	}
	rows, err := s.concepts.GetByIDs(dbctx.Context{Ctx: ctx}, ids)
	if err != nil {
		return err
	}
	for _, p := range page {
		c := rows[p.ConceptID]
		if c == nil || !c.IsStandard() {
			continue
		}
		s.buf = append(s.buf, Candidate{Concept: c, Score: p.Score, Atc7: p.Atc7, Atc7Match: p.Atc7Match})
	}
	return nil
}

// Collect drains the rest of the stream.
func (s *CandidateStream) Collect(ctx context.Context) ([]Candidate, error) {
	var out []Candidate
	for {
		c, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, c)
	}
}
