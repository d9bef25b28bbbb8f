package mapping

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	maprepo "github.com/yungbote/omop-automapper/internal/data/repos/mapping"
	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/observability"
	"github.com/yungbote/omop-automapper/internal/pkg/ctxutil"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

type ServiceDeps struct {
	Log       *logger.Logger
	Sources   maprepo.SourceConceptRepo
	Maps      maprepo.SourceStandardMapRepo
	Audits    maprepo.AuditRepo
	Config    *ConfigStore
	Retriever *Retriever
	Reranker  *Reranker
	Committer domainagg.MappingAggregate
}

// Service runs the per-source pipeline: embed, retrieve, rerank and, when
// asked, commit.
type Service struct {
	log  *logger.Logger
	deps ServiceDeps
}

func NewService(deps ServiceDeps) *Service {
	return &Service{log: deps.Log.With("service", "MappingService"), deps: deps}
}

type Recommendation struct {
	Source     *mapping.SourceConcept `json:"source"`
	Drug       bool                   `json:"drug"`
	SourceAtc7 []string               `json:"source_atc7_codes"`
	Collection string                 `json:"collection"`
	Candidates []Candidate            `json:"candidates"`
	Result     RerankResult           `json:"result"`
}

// NoMatch reports a recommendation without a selected concept.
func (r Recommendation) NoMatch() bool {
	return r.Result.SelectedConceptID == nil
}

// Recommend runs embed, retrieve and rerank for one source concept. It never
// writes a mapping. Domains, when given, restrict retrieval to those domain
// ids.
func (s *Service) Recommend(ctx context.Context, sourceID int64, domains ...string) (*Recommendation, error) {
	const op = "mapping.recommend"
	ctx, span := observability.StartSpan(ctx, op, attribute.Int64("source_id", sourceID))
	var err error
	defer func() { observability.EndSpan(span, err) }()
	start := time.Now()

	src, err := s.deps.Sources.GetByID(dbctx.Context{Ctx: ctx}, sourceID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		err = domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("source concept %d not found", sourceID), nil)
		return nil, err
	}
	settings, err := s.deps.Config.Settings(ctx)
	if err != nil {
		return nil, err
	}

	ret, err := s.deps.Retriever.Retrieve(ctx, src, RetrieveInput{K: settings.TopK, Domains: domains})
	if err != nil {
		return nil, err
	}
	cands, err := ret.Stream.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		s.log.Info("no candidates", append(ctxutil.LogFields(ctx), "source_id", sourceID, "collection", ret.Collection)...)
	}

	// Cancellation between steps discards the work done so far.
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	res, err := s.deps.Reranker.Rerank(ctx, RerankInput{Source: src, Candidates: cands, Drug: ret.Drug})
	if err != nil {
		return nil, err
	}

	rec := &Recommendation{
		Source:     src,
		Drug:       ret.Drug,
		SourceAtc7: []string(ret.SourceAtc7),
		Collection: ret.Collection,
		Candidates: cands,
		Result:     res,
	}
	outcome := "selected"
	if rec.NoMatch() {
		outcome = "no_match"
	}
	observability.Current().ObserveStep("recommend", outcome, time.Since(start))
	return rec, nil
}

type CommitInput struct {
	SourceID        int64          `json:"source_id"`
	ConceptID       int64          `json:"concept_id"`
	ConfidenceScore float64        `json:"confidence_score"`
	MappingMethod   mapping.Method `json:"mapping_method"`
	TargetDomains   []string       `json:"target_domains"`
}

func (s *Service) Commit(ctx context.Context, in CommitInput) (domainagg.CommitMappingResult, error) {
	return s.deps.Committer.CommitMapping(ctx, domainagg.CommitMappingInput{
		SourceID:        in.SourceID,
		ConceptID:       in.ConceptID,
		ConfidenceScore: in.ConfidenceScore,
		MappingMethod:   in.MappingMethod,
		TargetDomains:   in.TargetDomains,
	})
}

// CommitRecommendation commits the selected concept of rec. It fails with a
// validation error when rec selected nothing.
func (s *Service) CommitRecommendation(ctx context.Context, rec *Recommendation) (domainagg.CommitMappingResult, error) {
	if rec == nil || rec.Source == nil || rec.NoMatch() {
		return domainagg.CommitMappingResult{}, domainagg.NewError(domainagg.CodeValidation, "mapping.commit_recommendation", "recommendation has no selected concept", nil)
	}
	return s.Commit(ctx, CommitInput{
		SourceID:        rec.Source.SourceID,
		ConceptID:       *rec.Result.SelectedConceptID,
		ConfidenceScore: rec.Result.ConfidenceScore,
		MappingMethod:   rec.Result.MappingMethod,
		TargetDomains:   rec.Result.TargetDomains,
	})
}

func (s *Service) Unmap(ctx context.Context, sourceID int64) (domainagg.UnmapResult, error) {
	return s.deps.Committer.Unmap(ctx, domainagg.UnmapInput{SourceID: sourceID})
}

type MappingState struct {
	Source  *mapping.SourceConcept       `json:"source"`
	Active  *mapping.SourceStandardMap   `json:"active"`
	History []*mapping.SourceStandardMap `json:"history"`
	Audits  []*mapping.AutoMappingAudit  `json:"audits"`
}

// State returns the current mapping of a source concept with its history.
func (s *Service) State(ctx context.Context, sourceID int64) (*MappingState, error) {
	dbc := dbctx.Context{Ctx: ctx}
	src, err := s.deps.Sources.GetByID(dbc, sourceID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, domainagg.NewError(domainagg.CodeNotFound, "mapping.state", fmt.Sprintf("source concept %d not found", sourceID), nil)
	}
	out := &MappingState{Source: src}
	if out.Active, err = s.deps.Maps.GetActive(dbc, sourceID); err != nil {
		return nil, err
	}
	if out.History, err = s.deps.Maps.History(dbc, sourceID); err != nil {
		return nil, err
	}
	if out.Audits, err = s.deps.Audits.ListBySource(dbc, sourceID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Stats(ctx context.Context, vocabularyID string) ([]maprepo.MethodStats, error) {
	return s.deps.Audits.Stats(dbctx.Context{Ctx: ctx}, vocabularyID)
}

func (s *Service) RecentAudits(ctx context.Context, limit int) ([]*mapping.AutoMappingAudit, error) {
	return s.deps.Audits.Recent(dbctx.Context{Ctx: ctx}, limit)
}
