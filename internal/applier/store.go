package applier

import (
	"context"
	"time"
)

// Leg side labels as stored in the ledger.
const (
	SideBank = "bank"
	SideBook = "book"
)

// Reconciliation statuses.
const (
	StatusMatched = "matched"
)

// LegRecord is the persisted view of one ledger leg, as seen under lock.
type LegRecord struct {
	ID         string
	CompanyID  string
	Side       string
	Reconciled bool
}

// Reconciliation is the persistent record linking a set of bank legs to a
// set of book legs.
type Reconciliation struct {
	ID        string
	CompanyID string
	Status    string
	BankIDs   []string
	BookIDs   []string
	CreatedAt time.Time
}

// Unit is one atomic unit of work against the ledger. Either Commit or
// Rollback must be called exactly once.
type Unit interface {
	// LockLegs acquires row locks on the given legs and returns their
	// current records. A missing leg is simply absent from the result; a
	// lock that cannot be acquired returns an error with code
	// lock_conflict.
	LockLegs(ctx context.Context, bankIDs, bookIDs []string) ([]LegRecord, error)

	// CreateReconciliation inserts the reconciliation record and its
	// member links.
	CreateReconciliation(ctx context.Context, rec Reconciliation) error

	// MarkReconciled flags the legs as consumed by the reconciliation.
	MarkReconciled(ctx context.Context, reconID string, bankIDs, bookIDs []string) error

	Commit() error
	Rollback() error
}

// LedgerStore opens units of work against the underlying ledger storage.
type LedgerStore interface {
	BeginUnit(ctx context.Context) (Unit, error)
}
