package aggregates_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/yungbote/omop-automapper/internal/data/aggregates"
	aggtest "github.com/yungbote/omop-automapper/internal/data/aggregates/testutil"
	maprepo "github.com/yungbote/omop-automapper/internal/data/repos/mapping"
	repotest "github.com/yungbote/omop-automapper/internal/data/repos/testutil"
	vocabrepo "github.com/yungbote/omop-automapper/internal/data/repos/vocab"
	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

type mappingFixture struct {
	db       *gorm.DB
	sources  maprepo.SourceConceptRepo
	maps     maprepo.SourceStandardMapRepo
	audits   maprepo.AuditRepo
	concepts vocabrepo.ConceptRepo
	hooks    *aggtest.HooksRecorder
	log      *logger.Logger
}

func newMappingFixture(t *testing.T, conn *gorm.DB) *mappingFixture {
	t.Helper()
	log := repotest.Logger(t)
	return &mappingFixture{
		db:       conn,
		sources:  maprepo.NewSourceConceptRepo(conn, log),
		maps:     maprepo.NewSourceStandardMapRepo(conn, log),
		audits:   maprepo.NewAuditRepo(conn, log),
		concepts: vocabrepo.NewConceptRepo(conn, log),
		hooks:    &aggtest.HooksRecorder{},
		log:      log,
	}
}

func (f *mappingFixture) aggregate(runner aggregates.TxRunner) domainagg.MappingAggregate {
	if runner == nil {
		runner = aggregates.NewGormTxRunner(f.db)
	}
	return aggregates.NewMappingAggregate(aggregates.MappingAggregateDeps{
		Base: aggregates.BaseDeps{
			DB:     f.db,
			Log:    f.log,
			Runner: runner,
			Hooks:  f.hooks,
		},
		Sources:  f.sources,
		Maps:     f.maps,
		Audits:   f.audits,
		Concepts: f.concepts,
	})
}

func (f *mappingFixture) assertState(t *testing.T, sourceID int64, wantMapped bool, wantActive int, wantAudits int64) {
	t.Helper()
	dbc := dbctx.Context{Ctx: context.Background()}
	src, err := f.sources.GetByID(dbc, sourceID)
	if err != nil || src == nil {
		t.Fatalf("GetByID: err=%v row=%v", err, src)
	}
	if src.Mapped != wantMapped {
		t.Fatalf("mapped: want=%v got=%v", wantMapped, src.Mapped)
	}
	active, err := f.maps.ListActive(dbc, sourceID)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != wantActive {
		t.Fatalf("active rows: want=%d got=%d", wantActive, len(active))
	}
	n, err := f.audits.CountBySource(dbc, sourceID)
	if err != nil {
		t.Fatalf("CountBySource: %v", err)
	}
	if n != wantAudits {
		t.Fatalf("audit rows: want=%d got=%d", wantAudits, n)
	}
}

func TestMappingAggregateCommitAndRemap(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newMappingFixture(t, tx)
	agg := f.aggregate(nil)

	aspirin := repotest.SeedConcept(t, ctx, tx, "aspirin 100 MG Oral Tablet", repotest.WithDomain("Drug"))
	aspirinEC := repotest.SeedConcept(t, ctx, tx, "aspirin 100 MG Delayed Release Oral Tablet", repotest.WithDomain("Drug"))
	src := repotest.SeedSourceConcept(t, ctx, tx, "ASA100", "ASPIRIN 100MG", "LOCAL", 10)

	first, err := agg.CommitMapping(ctx, domainagg.CommitMappingInput{
		SourceID:        src.SourceID,
		ConceptID:       aspirin.ConceptID,
		ConfidenceScore: 0.93,
		MappingMethod:   mapping.MethodAutoDrug,
		TargetDomains:   []string{"Drug", "Drug", " "},
	})
	if err != nil {
		t.Fatalf("CommitMapping first: %v", err)
	}
	if first.Superseded != nil || first.Attempts != 1 || first.AuditID == 0 {
		t.Fatalf("first result: %+v", first)
	}
	f.assertState(t, src.SourceID, true, 1, 1)

	second, err := agg.CommitMapping(ctx, domainagg.CommitMappingInput{
		SourceID:        src.SourceID,
		ConceptID:       aspirinEC.ConceptID,
		ConfidenceScore: 1,
		MappingMethod:   mapping.MethodManual,
	})
	if err != nil {
		t.Fatalf("CommitMapping remap: %v", err)
	}
	if second.Superseded == nil || *second.Superseded != first.Map.MapID {
		t.Fatalf("remap superseded: want=%d got=%v", first.Map.MapID, second.Superseded)
	}
	f.assertState(t, src.SourceID, true, 1, 2)

	// Re-committing the same target still appends an audit row.
	if _, err := agg.CommitMapping(ctx, domainagg.CommitMappingInput{
		SourceID:        src.SourceID,
		ConceptID:       aspirinEC.ConceptID,
		ConfidenceScore: 0.5,
		MappingMethod:   mapping.MethodAutoDrug,
	}); err != nil {
		t.Fatalf("CommitMapping repeat: %v", err)
	}
	f.assertState(t, src.SourceID, true, 1, 3)

	dbc := dbctx.Context{Ctx: ctx}
	active, _ := f.maps.GetActive(dbc, src.SourceID)
	if active == nil || active.ConceptID != aspirinEC.ConceptID {
		t.Fatalf("active concept: want=%d got=%v", aspirinEC.ConceptID, active)
	}
	hist, _ := f.maps.History(dbc, src.SourceID)
	if len(hist) != 3 {
		t.Fatalf("history: want=3 got=%d", len(hist))
	}
	audits, _ := f.audits.ListBySource(dbc, src.SourceID)
	if len(audits[0].TargetDomains) != 1 || audits[0].TargetDomains[0] != "Drug" {
		t.Fatalf("target domains: got=%v", audits[0].TargetDomains)
	}
	if len(audits[1].TargetDomains) != 1 || audits[1].TargetDomains[0] != "Drug" {
		t.Fatalf("default target domains: got=%v", audits[1].TargetDomains)
	}
}

func TestMappingAggregateRejectsBadTargets(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newMappingFixture(t, tx)
	agg := f.aggregate(nil)

	nonStd := repotest.SeedConcept(t, ctx, tx, "aspirin local", repotest.NonStandard())
	src := repotest.SeedSourceConcept(t, ctx, tx, "ASA", "aspirin", "LOCAL", 1)

	cases := []struct {
		name string
		in   domainagg.CommitMappingInput
		code domainagg.ErrorCode
	}{
		{"non-standard target", domainagg.CommitMappingInput{SourceID: src.SourceID, ConceptID: nonStd.ConceptID, ConfidenceScore: 0.9, MappingMethod: mapping.MethodAutoStandard}, domainagg.CodeValidation},
		{"unknown target", domainagg.CommitMappingInput{SourceID: src.SourceID, ConceptID: repotest.NextID(), ConfidenceScore: 0.9, MappingMethod: mapping.MethodAutoStandard}, domainagg.CodeNotFound},
		{"unknown source", domainagg.CommitMappingInput{SourceID: repotest.NextID(), ConceptID: nonStd.ConceptID, ConfidenceScore: 0.9, MappingMethod: mapping.MethodAutoStandard}, domainagg.CodeNotFound},
		{"confidence above one", domainagg.CommitMappingInput{SourceID: src.SourceID, ConceptID: nonStd.ConceptID, ConfidenceScore: 1.5, MappingMethod: mapping.MethodAutoStandard}, domainagg.CodeValidation},
		{"unknown method", domainagg.CommitMappingInput{SourceID: src.SourceID, ConceptID: nonStd.ConceptID, ConfidenceScore: 0.5, MappingMethod: "guess"}, domainagg.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := agg.CommitMapping(ctx, tc.in)
			if !domainagg.IsCode(err, tc.code) {
				t.Fatalf("want=%s got=%q (%v)", tc.code, domainagg.CodeOf(err), err)
			}
		})
	}
	f.assertState(t, src.SourceID, false, 0, 0)
}

type failingAuditRepo struct {
	maprepo.AuditRepo
	err error
}

func (r failingAuditRepo) Insert(dbctx.Context, *mapping.AutoMappingAudit) error { return r.err }

func TestMappingAggregateRollsBackOnAuditFailure(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newMappingFixture(t, tx)

	target := repotest.SeedConcept(t, ctx, tx, "hypertensive disorder")
	src := repotest.SeedSourceConcept(t, ctx, tx, "HTN", "hypertension", "LOCAL", 1)

	orig := f.audits
	f.audits = failingAuditRepo{AuditRepo: orig, err: errors.New("audit disk full")}
	_, err := f.aggregate(nil).CommitMapping(ctx, domainagg.CommitMappingInput{
		SourceID: src.SourceID, ConceptID: target.ConceptID, ConfidenceScore: 0.9, MappingMethod: mapping.MethodAutoStandard,
	})
	if !domainagg.IsCode(err, domainagg.CodeInternal) {
		t.Fatalf("want=internal got=%q (%v)", domainagg.CodeOf(err), err)
	}
	f.audits = orig
	f.assertState(t, src.SourceID, false, 0, 0)
}

func TestMappingAggregateRollsBackOnCommitFailure(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newMappingFixture(t, tx)

	target := repotest.SeedConcept(t, ctx, tx, "hypertensive disorder")
	src := repotest.SeedSourceConcept(t, ctx, tx, "HTN", "hypertension", "LOCAL", 1)

	runner := &aggtest.InjectedTxRunner{
		Inner:      aggregates.NewGormTxRunner(tx),
		FailCommit: aggregates.RetryableError("connection reset during commit"),
	}
	_, err := f.aggregate(runner).CommitMapping(ctx, domainagg.CommitMappingInput{
		SourceID: src.SourceID, ConceptID: target.ConceptID, ConfidenceScore: 0.9, MappingMethod: mapping.MethodAutoStandard,
	})
	if !domainagg.IsCode(err, domainagg.CodeRetryable) {
		t.Fatalf("want=retryable got=%q (%v)", domainagg.CodeOf(err), err)
	}
	if runner.RollbackCalls != 1 || runner.CommitCalls != 0 {
		t.Fatalf("runner: rollback=%d commit=%d", runner.RollbackCalls, runner.CommitCalls)
	}
	f.assertState(t, src.SourceID, false, 0, 0)
}

type duplicatedActiveRepo struct {
	maprepo.SourceStandardMapRepo
}

func (r duplicatedActiveRepo) ListActive(dbctx.Context, int64) ([]*mapping.SourceStandardMap, error) {
	return []*mapping.SourceStandardMap{{MapID: 1, Active: true}, {MapID: 2, Active: true}}, nil
}

func TestMappingAggregateDetectsInvariantViolation(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newMappingFixture(t, tx)

	target := repotest.SeedConcept(t, ctx, tx, "hypertensive disorder")
	src := repotest.SeedSourceConcept(t, ctx, tx, "HTN", "hypertension", "LOCAL", 1)

	f.maps = duplicatedActiveRepo{SourceStandardMapRepo: f.maps}
	agg := f.aggregate(nil)
	_, err := agg.CommitMapping(ctx, domainagg.CommitMappingInput{
		SourceID: src.SourceID, ConceptID: target.ConceptID, ConfidenceScore: 0.9, MappingMethod: mapping.MethodAutoStandard,
	})
	if !domainagg.IsCode(err, domainagg.CodeInvariantViolation) {
		t.Fatalf("commit: want=invariant_violation got=%q (%v)", domainagg.CodeOf(err), err)
	}
	_, err = agg.Unmap(ctx, domainagg.UnmapInput{SourceID: src.SourceID})
	if !domainagg.IsCode(err, domainagg.CodeInvariantViolation) {
		t.Fatalf("unmap: want=invariant_violation got=%q (%v)", domainagg.CodeOf(err), err)
	}
}

type conflictOnceRepo struct {
	maprepo.SourceStandardMapRepo
	mu    sync.Mutex
	fired bool
}

func (r *conflictOnceRepo) Insert(dbc dbctx.Context, row *mapping.SourceStandardMap) error {
	r.mu.Lock()
	fire := !r.fired
	r.fired = true
	r.mu.Unlock()
	if fire {
		return aggregates.ConflictError("concurrent remap won the race")
	}
	return r.SourceStandardMapRepo.Insert(dbc, row)
}

func TestMappingAggregateRetriesConflictOnce(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newMappingFixture(t, tx)

	target := repotest.SeedConcept(t, ctx, tx, "hypertensive disorder")
	src := repotest.SeedSourceConcept(t, ctx, tx, "HTN", "hypertension", "LOCAL", 1)

	f.maps = &conflictOnceRepo{SourceStandardMapRepo: f.maps}
	res, err := f.aggregate(nil).CommitMapping(ctx, domainagg.CommitMappingInput{
		SourceID: src.SourceID, ConceptID: target.ConceptID, ConfidenceScore: 0.9, MappingMethod: mapping.MethodAutoStandard,
	})
	if err != nil {
		t.Fatalf("CommitMapping: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts: want=2 got=%d", res.Attempts)
	}
	st := f.hooks.Statuses("Mapping.CommitMapping")
	if len(st) != 2 || st[0] != string(domainagg.CodeCommitConflict) || st[1] != "success" {
		t.Fatalf("statuses: got=%v", st)
	}
	if f.hooks.Conflicts() != 1 {
		t.Fatalf("conflicts: want=1 got=%d", f.hooks.Conflicts())
	}
	f.assertState(t, src.SourceID, true, 1, 1)
}

func TestMappingAggregateConcurrentCommitsKeepOneActive(t *testing.T) {
	db := repotest.DB(t)
	ctx := context.Background()
	f := newMappingFixture(t, db)
	agg := f.aggregate(nil)

	a := repotest.SeedConcept(t, ctx, db, "type 2 diabetes mellitus")
	b := repotest.SeedConcept(t, ctx, db, "diabetes mellitus")
	src := repotest.SeedSourceConcept(t, ctx, db, "DM2", "type 2 diabetes", "LOCAL", 1)

	const workers = 8
	start := make(chan struct{})
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		target := a.ConceptID
		if i%2 == 1 {
			target = b.ConceptID
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := agg.CommitMapping(ctx, domainagg.CommitMappingInput{
				SourceID: src.SourceID, ConceptID: target, ConfidenceScore: 0.8, MappingMethod: mapping.MethodAutoStandard,
			})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var ok int64
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		if !domainagg.IsCode(err, domainagg.CodeCommitConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok == 0 {
		t.Fatalf("expected at least one successful commit")
	}
	f.assertState(t, src.SourceID, true, 1, ok)
}

func TestMappingAggregateUnmap(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newMappingFixture(t, tx)
	agg := f.aggregate(nil)

	target := repotest.SeedConcept(t, ctx, tx, "hypertensive disorder")
	src := repotest.SeedSourceConcept(t, ctx, tx, "HTN", "hypertension", "LOCAL", 1)

	committed, err := agg.CommitMapping(ctx, domainagg.CommitMappingInput{
		SourceID: src.SourceID, ConceptID: target.ConceptID, ConfidenceScore: 0.9, MappingMethod: mapping.MethodAutoStandard,
	})
	if err != nil {
		t.Fatalf("CommitMapping: %v", err)
	}

	res, err := agg.Unmap(ctx, domainagg.UnmapInput{SourceID: src.SourceID})
	if err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if res.Deactivated == nil || *res.Deactivated != committed.Map.MapID {
		t.Fatalf("deactivated: want=%d got=%v", committed.Map.MapID, res.Deactivated)
	}
	f.assertState(t, src.SourceID, false, 0, 1)

	again, err := agg.Unmap(ctx, domainagg.UnmapInput{SourceID: src.SourceID})
	if err != nil || again.Deactivated != nil {
		t.Fatalf("Unmap again: err=%v deactivated=%v", err, again.Deactivated)
	}
	if _, err := agg.Unmap(ctx, domainagg.UnmapInput{SourceID: repotest.NextID()}); !domainagg.IsCode(err, domainagg.CodeNotFound) {
		t.Fatalf("Unmap unknown: want=not_found got=%v", err)
	}
}
