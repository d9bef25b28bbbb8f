package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/observability"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

const (
	defaultMaxRerankCandidates = 20
	// One answer plus one corrective retry.
	maxSelectionAttempts = 2
)

type RerankInput struct {
	Source     *mapping.SourceConcept
	Candidates []Candidate
	Drug       bool
}

// RerankResult is the reranker's recommendation. A nil SelectedConceptID
// means no candidate fits.
type RerankResult struct {
	SelectedConceptID *int64         `json:"selected_concept_id"`
	Selected          *Candidate     `json:"selected,omitempty"`
	ConfidenceScore   float64        `json:"confidence_score"`
	MappingMethod     mapping.Method `json:"mapping_method"`
	TargetDomains     []string       `json:"target_domains"`
	Reason            string         `json:"reason,omitempty"`
	// Attempts counts LLM answers requested, not transport retries.
	Attempts int `json:"attempts"`
}

type RerankerDeps struct {
	Log           *logger.Logger
	LLM           LLM
	Config        *ConfigStore
	Retry         RetryPolicy
	MaxCandidates int
}

// Reranker asks the LLM to pick one candidate and refuses any answer that
// does not name a presented candidate.
type Reranker struct {
	log  *logger.Logger
	deps RerankerDeps
}

func NewReranker(deps RerankerDeps) *Reranker {
	if deps.MaxCandidates <= 0 {
		deps.MaxCandidates = defaultMaxRerankCandidates
	}
	return &Reranker{log: deps.Log.With("service", "Reranker"), deps: deps}
}

type rerankDecision struct {
	SelectedConceptID *int64   `json:"selected_concept_id"`
	Confidence        float64  `json:"confidence"`
	TargetDomains     []string `json:"target_domains"`
	Reason            string   `json:"reason"`
}

func (r *Reranker) Rerank(ctx context.Context, in RerankInput) (RerankResult, error) {
	const op = "rerank.select"
	out := RerankResult{MappingMethod: methodFor(in.Drug), TargetDomains: []string{}}
	if in.Source == nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "source concept is required", nil)
	}
	cands := in.Candidates
	if len(cands) > r.deps.MaxCandidates {
		cands = cands[:r.deps.MaxCandidates]
	}
	if len(cands) == 0 {
		out.Reason = "no candidates"
		return out, nil
	}

	ctx, span := observability.StartSpan(ctx, "mapping.rerank",
		attribute.Int64("source_id", in.Source.SourceID),
		attribute.Int("candidates", len(cands)),
		attribute.Bool("drug", in.Drug),
	)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	settings, err := r.deps.Config.Settings(ctx)
	if err != nil {
		return out, err
	}
	byID := make(map[int64]*Candidate, len(cands))
	for i := range cands {
		byID[cands[i].Concept.ConceptID] = &cands[i]
	}

	system, user := promptRerank(in.Source, cands, in.Drug)
	start := time.Now()
	for attempt := 1; attempt <= maxSelectionAttempts; attempt++ {
		out.Attempts = attempt
		var obj map[string]any
		var tries int
		obj, tries, err = retryCall(ctx, r.deps.Retry, op, func(ctx context.Context) (map[string]any, error) {
			return r.deps.LLM.GenerateJSON(ctx, settings.RerankerModel, system, user, rerankSchemaName, schemaRerankSelection())
		})
		if err != nil {
			observability.Current().ObserveStep("rerank", "failure", time.Since(start))
			err = domainagg.NewError(domainagg.CodeRerankFailure, op,
				fmt.Sprintf("model %s failed after %d attempts", settings.RerankerModel, tries), err)
			return out, err
		}

		dec, problem := decodeDecision(obj, byID)
		if problem == "" {
			r.fill(&out, dec, byID)
			observability.Current().ObserveStep("rerank", "success", time.Since(start))
			return out, nil
		}
		r.log.Warn("rejected reranker answer",
			"source_id", in.Source.SourceID,
			"attempt", attempt,
			"problem", problem,
		)
		observability.Current().IncRetry(op, "invalid_selection")
		user += correctiveNote(problem)
	}

	// Fail closed.
	observability.Current().ObserveStep("rerank", "rejected", time.Since(start))
	out.Reason = "model did not select a presented candidate"
	return out, nil
}

// decodeDecision returns a non-empty problem when the answer cannot be used.
// A null selection is a valid answer.
func decodeDecision(obj map[string]any, byID map[int64]*Candidate) (rerankDecision, string) {
	var dec rerankDecision
	b, err := json.Marshal(obj)
	if err != nil {
		return dec, "unreadable answer"
	}
	if err := json.Unmarshal(b, &dec); err != nil {
		return dec, "selected_concept_id must be an integer or null"
	}
	if dec.SelectedConceptID == nil {
		return dec, ""
	}
	if _, ok := byID[*dec.SelectedConceptID]; !ok {
		return dec, fmt.Sprintf("concept_id %d is not in the candidate list", *dec.SelectedConceptID)
	}
	return dec, ""
}

func (r *Reranker) fill(out *RerankResult, dec rerankDecision, byID map[int64]*Candidate) {
	out.Reason = dec.Reason
	if dec.SelectedConceptID == nil {
		return
	}
	sel := byID[*dec.SelectedConceptID]
	id := sel.Concept.ConceptID
	out.SelectedConceptID = &id
	out.Selected = sel
	out.ConfidenceScore = clampConfidence(dec.Confidence)
	out.TargetDomains = cleanDomains(dec.TargetDomains)
	if len(out.TargetDomains) == 0 {
		out.TargetDomains = []string{sel.Concept.DomainID}
	}
}

func clampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
