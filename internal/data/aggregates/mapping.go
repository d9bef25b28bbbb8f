package aggregates

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	maprepo "github.com/yungbote/omop-automapper/internal/data/repos/mapping"
	vocabrepo "github.com/yungbote/omop-automapper/internal/data/repos/vocab"
	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
)

// maxCommitAttempts bounds CommitMapping: the first attempt plus one retry on conflict.
const maxCommitAttempts = 2

type MappingAggregateDeps struct {
	Base BaseDeps

	Sources  maprepo.SourceConceptRepo
	Maps     maprepo.SourceStandardMapRepo
	Audits   maprepo.AuditRepo
	Concepts vocabrepo.ConceptRepo

	// Now is overridable in tests.
	Now func() time.Time
}

type mappingAggregate struct {
	deps MappingAggregateDeps
}

func NewMappingAggregate(deps MappingAggregateDeps) domainagg.MappingAggregate {
	deps.Base = deps.Base.withDefaults()
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &mappingAggregate{deps: deps}
}

func (a *mappingAggregate) Contract() domainagg.Contract {
	return domainagg.MappingAggregateContract
}

func (a *mappingAggregate) CommitMapping(ctx context.Context, in domainagg.CommitMappingInput) (domainagg.CommitMappingResult, error) {
	const op = "Mapping.CommitMapping"
	var out domainagg.CommitMappingResult
	if err := validateCommit(in); err != nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, err.Error(), nil)
	}

	var err error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		out = domainagg.CommitMappingResult{Attempts: attempt}
		err = executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
			return a.commitTx(dbc, in, &out)
		})
		if !domainagg.IsCode(err, domainagg.CodeCommitConflict) || attempt == maxCommitAttempts {
			break
		}
		if ctx.Err() != nil {
			break
		}
		a.deps.Base.Hooks.IncRetry(op)
		a.deps.Base.Log.Warn("commit conflict, retrying",
			"source_id", in.SourceID,
			"concept_id", in.ConceptID,
			"attempt", attempt,
		)
	}
	if err != nil {
		return domainagg.CommitMappingResult{Attempts: out.Attempts}, err
	}
	a.deps.Base.Log.Info("mapping committed",
		"source_id", in.SourceID,
		"concept_id", in.ConceptID,
		"map_id", out.Map.MapID,
		"audit_id", out.AuditID,
		"method", string(in.MappingMethod),
		"confidence", in.ConfidenceScore,
	)
	return out, nil
}

func (a *mappingAggregate) commitTx(dbc dbctx.Context, in domainagg.CommitMappingInput, out *domainagg.CommitMappingResult) error {
	src, err := a.deps.Sources.LockByID(dbc, in.SourceID)
	if err != nil {
		return err
	}
	if src == nil {
		return NotFoundError(fmt.Sprintf("source concept %d not found", in.SourceID))
	}

	target, err := a.deps.Concepts.GetByID(dbc, in.ConceptID)
	if err != nil {
		return err
	}
	if target == nil {
		return NotFoundError(fmt.Sprintf("concept %d not found", in.ConceptID))
	}
	if !target.IsStandard() {
		return ValidationError(fmt.Sprintf("concept %d is not a standard concept", in.ConceptID))
	}

	active, err := a.deps.Maps.ListActive(dbc, in.SourceID)
	if err != nil {
		return err
	}
	if len(active) > 1 {
		return InvariantError(fmt.Sprintf("source %d has %d active mappings", in.SourceID, len(active)))
	}

	now := a.deps.Now()
	if len(active) == 1 {
		n, err := a.deps.Maps.Deactivate(dbc, active[0].MapID, now)
		if err != nil {
			return err
		}
		if n != 1 {
			return ConflictError(fmt.Sprintf("active mapping %d changed during commit", active[0].MapID))
		}
		superseded := active[0].MapID
		out.Superseded = &superseded
	}

	row := &mapping.SourceStandardMap{
		SourceID:  in.SourceID,
		ConceptID: in.ConceptID,
		CreatedAt: now,
	}
	if err := a.deps.Maps.Insert(dbc, row); err != nil {
		return err
	}

	domains := normalizeDomains(in.TargetDomains)
	if len(domains) == 0 {
		domains = []string{target.DomainID}
	}
	audit := &mapping.AutoMappingAudit{
		SourceID:        in.SourceID,
		ConceptID:       in.ConceptID,
		ConfidenceScore: in.ConfidenceScore,
		MappingMethod:   in.MappingMethod,
		TargetDomains:   domains,
		CreatedAt:       now,
	}
	if err := a.deps.Audits.Insert(dbc, audit); err != nil {
		return err
	}

	if !src.Mapped {
		if err := a.deps.Sources.SetMapped(dbc, in.SourceID, true); err != nil {
			return err
		}
	}

	out.Map = *row
	out.AuditID = audit.AuditID
	return nil
}

func (a *mappingAggregate) Unmap(ctx context.Context, in domainagg.UnmapInput) (domainagg.UnmapResult, error) {
	const op = "Mapping.Unmap"
	out := domainagg.UnmapResult{SourceID: in.SourceID}
	if in.SourceID <= 0 {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing source_id", nil)
	}
	err := executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
		src, err := a.deps.Sources.LockByID(dbc, in.SourceID)
		if err != nil {
			return err
		}
		if src == nil {
			return NotFoundError(fmt.Sprintf("source concept %d not found", in.SourceID))
		}
		active, err := a.deps.Maps.ListActive(dbc, in.SourceID)
		if err != nil {
			return err
		}
		if len(active) > 1 {
			return InvariantError(fmt.Sprintf("source %d has %d active mappings", in.SourceID, len(active)))
		}
		now := a.deps.Now()
		if len(active) == 1 {
			if _, err := a.deps.Maps.Deactivate(dbc, active[0].MapID, now); err != nil {
				return err
			}
			id := active[0].MapID
			out.Deactivated = &id
		}
		out.UnmappedAt = now
		return a.deps.Sources.SetMapped(dbc, in.SourceID, false)
	})
	if err != nil {
		return domainagg.UnmapResult{SourceID: in.SourceID}, err
	}
	return out, nil
}

func validateCommit(in domainagg.CommitMappingInput) error {
	switch {
	case in.SourceID <= 0:
		return fmt.Errorf("missing source_id")
	case in.ConceptID <= 0:
		return fmt.Errorf("missing concept_id")
	case math.IsNaN(in.ConfidenceScore) || in.ConfidenceScore < 0 || in.ConfidenceScore > 1:
		return fmt.Errorf("confidence_score %v outside [0,1]", in.ConfidenceScore)
	case !in.MappingMethod.Valid():
		return fmt.Errorf("unknown mapping_method %q", in.MappingMethod)
	}
	return nil
}

func normalizeDomains(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, d := range in {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
