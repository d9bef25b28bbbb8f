package aggregates

import (
	"context"
	"time"

	"github.com/yungbote/omop-automapper/internal/domain/mapping"
)

var MappingAggregateContract = Contract{
	Name:             "Mapping.SourceMapping",
	WriteTxOwnership: WriteTxOwnedByAggregate,
	Notes:            "Owns the mapped flag, the single active source_standard_map row and the audit append for one source_id.",
}

// MappingAggregate owns the one-active-mapping-per-source invariant.
//
// Write failures return *Error with codes CodeValidation, CodeNotFound,
// CodeCommitConflict, CodeInvariantViolation, CodeRetryable or CodeInternal.
type MappingAggregate interface {
	Aggregate

	// CommitMapping supersedes any active mapping of SourceID, inserts the new
	// active row and one audit row, and sets mapped=true, all atomically.
	CommitMapping(ctx context.Context, in CommitMappingInput) (CommitMappingResult, error)

	// Unmap deactivates the active mapping and sets mapped=false.
	Unmap(ctx context.Context, in UnmapInput) (UnmapResult, error)
}

type CommitMappingInput struct {
	SourceID        int64
	ConceptID       int64
	ConfidenceScore float64
	MappingMethod   mapping.Method
	TargetDomains   []string
}

type CommitMappingResult struct {
	Map        mapping.SourceStandardMap
	AuditID    int64
	Superseded *int64
	Attempts   int
}

type UnmapInput struct {
	SourceID int64
}

type UnmapResult struct {
	SourceID    int64
	Deactivated *int64
	UnmappedAt  time.Time
}
