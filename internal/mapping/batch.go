package mapping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	maprepo "github.com/yungbote/omop-automapper/internal/data/repos/mapping"
	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
	"github.com/yungbote/omop-automapper/internal/observability"
	"github.com/yungbote/omop-automapper/internal/pkg/ctxutil"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

type Outcome string

const (
	OutcomeMapped               Outcome = "mapped"
	OutcomeSkippedLowConfidence Outcome = "skipped_low_confidence"
	OutcomeNoMatch              Outcome = "no_match"
	OutcomeFailed               Outcome = "failed"
)

const defaultBatchConcurrency = 4

// ProgressEvent is published after every processed source concept and once
// when the run ends.
type ProgressEvent struct {
	RunID    string          `json:"run_id"`
	Total    int             `json:"total"`
	Done     int             `json:"done"`
	Counts   map[Outcome]int `json:"counts"`
	SourceID int64           `json:"source_id,omitempty"`
	Outcome  Outcome         `json:"outcome,omitempty"`
	Finished bool            `json:"finished"`
	At       time.Time       `json:"at"`
}

type BatchInput struct {
	VocabularyID string
	Limit        int
	Concurrency  int
	// Threshold overrides mapping.auto_commit_threshold when set.
	Threshold *float64
	// Domains restricts every recommendation of the run to these domain ids.
	Domains []string
}

type SourceOutcome struct {
	SourceID   int64   `json:"source_id"`
	Outcome    Outcome `json:"outcome"`
	ConceptID  *int64  `json:"concept_id,omitempty"`
	Confidence float64 `json:"confidence"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Error      string  `json:"error,omitempty"`
	// Retryable marks failures a later run may clear without operator action.
	Retryable  bool    `json:"retryable,omitempty"`
}

type BatchReport struct {
	RunID     string          `json:"run_id"`
	Total     int             `json:"total"`
	Counts    map[Outcome]int `json:"counts"`
	Results   []SourceOutcome `json:"results"`
	Cancelled bool            `json:"cancelled"`
	Duration  time.Duration   `json:"duration"`
}

// Failures returns the failed results in input order.
func (r BatchReport) Failures() []SourceOutcome {
	var out []SourceOutcome
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

type BatchRunnerDeps struct {
	Log      *logger.Logger
	Sources  maprepo.SourceConceptRepo
	Service  *Service
	Config   *ConfigStore
	Progress ProgressPublisher
}

// BatchRunner maps the unmapped source concepts of a vocabulary with bounded
// concurrency. A failing source concept never stops the run.
type BatchRunner struct {
	log  *logger.Logger
	deps BatchRunnerDeps
}

func NewBatchRunner(deps BatchRunnerDeps) *BatchRunner {
	if deps.Progress == nil {
		deps.Progress = noopProgress{}
	}
	return &BatchRunner{log: deps.Log.With("service", "BatchRunner"), deps: deps}
}

func (b *BatchRunner) Run(ctx context.Context, in BatchInput) (BatchReport, error) {
	start := time.Now()
	var td ctxutil.TraceData
	if cur := ctxutil.GetTraceData(ctx); cur != nil {
		td = *cur
	}
	if td.RunID == "" {
		td.RunID = uuid.NewString()
	}
	ctx = ctxutil.WithTraceData(ctx, &td)
	report := BatchReport{RunID: td.RunID, Counts: map[Outcome]int{}}

	settings, err := b.deps.Config.Settings(ctx)
	if err != nil {
		return report, err
	}
	threshold := settings.AutoCommitThreshold
	if in.Threshold != nil {
		threshold = *in.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return report, domainagg.NewError(domainagg.CodeValidation, "mapping.batch", fmt.Sprintf("threshold %v outside [0,1]", threshold), nil)
	}
	concurrency := in.Concurrency
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}

	sources, err := b.deps.Sources.ListUnmapped(dbctx.Context{Ctx: ctx}, maprepo.UnmappedQuery{
		VocabularyID: in.VocabularyID,
		Limit:        in.Limit,
	})
	if err != nil {
		return report, err
	}
	report.Total = len(sources)
	b.log.Info("automap run started",
		"run_id", report.RunID,
		"vocabulary_id", in.VocabularyID,
		"total", report.Total,
		"concurrency", concurrency,
		"threshold", threshold,
		"domains", in.Domains,
	)

	results := make([]*SourceOutcome, len(sources))
	var (
		mu   sync.Mutex
		done int
	)
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, src := range sources {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := b.runOne(ctx, src.SourceID, threshold, in.Domains)
			observability.Current().IncBatchOutcome(string(res.Outcome))

			mu.Lock()
			results[i] = &res
			report.Counts[res.Outcome]++
			done++
			ev := ProgressEvent{
				RunID:    report.RunID,
				Total:    report.Total,
				Done:     done,
				Counts:   copyCounts(report.Counts),
				SourceID: res.SourceID,
				Outcome:  res.Outcome,
				At:       time.Now().UTC(),
			}
			mu.Unlock()
			b.publish(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r != nil {
			report.Results = append(report.Results, *r)
		}
	}
	report.Cancelled = ctx.Err() != nil
	report.Duration = time.Since(start)
	b.publish(context.WithoutCancel(ctx), ProgressEvent{
		RunID:    report.RunID,
		Total:    report.Total,
		Done:     len(report.Results),
		Counts:   copyCounts(report.Counts),
		Finished: true,
		At:       time.Now().UTC(),
	})
	b.log.Info("automap run finished",
		"run_id", report.RunID,
		"mapped", report.Counts[OutcomeMapped],
		"skipped_low_confidence", report.Counts[OutcomeSkippedLowConfidence],
		"no_match", report.Counts[OutcomeNoMatch],
		"failed", report.Counts[OutcomeFailed],
		"cancelled", report.Cancelled,
		"duration_ms", report.Duration.Milliseconds(),
	)
	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

func (b *BatchRunner) runOne(ctx context.Context, sourceID int64, threshold float64, domains []string) SourceOutcome {
	out := SourceOutcome{SourceID: sourceID}
	rec, err := b.deps.Service.Recommend(ctx, sourceID, domains...)
	if err != nil {
		return b.failed(ctx, out, err)
	}
	if rec.NoMatch() {
		out.Outcome = OutcomeNoMatch
		return out
	}
	out.ConceptID = rec.Result.SelectedConceptID
	out.Confidence = rec.Result.ConfidenceScore
	if rec.Result.ConfidenceScore < threshold {
		out.Outcome = OutcomeSkippedLowConfidence
		return out
	}
	if _, err := b.deps.Service.CommitRecommendation(ctx, rec); err != nil {
		return b.failed(ctx, out, err)
	}
	out.Outcome = OutcomeMapped
	return out
}

func (b *BatchRunner) failed(ctx context.Context, out SourceOutcome, err error) SourceOutcome {
	out.Outcome = OutcomeFailed
	code := domainagg.CodeOf(err)
	if code == "" {
		code = domainagg.CodeInternal
	}
	out.ErrorCode = string(code)
	out.Retryable = code.Retryable()
	out.Error = err.Error()
	b.log.Warn("source concept failed",
		append(ctxutil.LogFields(ctx), "source_id", out.SourceID, "code", out.ErrorCode, "error", err)...,
	)
	return out
}

func (b *BatchRunner) publish(ctx context.Context, ev ProgressEvent) {
	if err := b.deps.Progress.Publish(ctx, ev); err != nil {
		b.log.Debug("progress publish failed", "run_id", ev.RunID, "error", err)
	}
}

func copyCounts(in map[Outcome]int) map[Outcome]int {
	out := make(map[Outcome]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
