package aggregates

// WriteTxOwnership defines who owns write transaction boundaries.
type WriteTxOwnership string

const (
	// WriteTxOwnedByAggregate means write methods open and commit their own transaction.
	WriteTxOwnedByAggregate WriteTxOwnership = "aggregate_owned"
)

// Contract describes aggregate-level policy expectations.
type Contract struct {
	Name             string
	WriteTxOwnership WriteTxOwnership
	Notes            string
}

// Aggregate is the common marker for aggregate contracts.
type Aggregate interface {
	Contract() Contract
}
