// Package applier persists exact match proposals as reconciliation records.
//
// Only proposals that carry full confidence and were selected as primary are
// eligible; everything else stays a suggestion for human review. Each
// eligible proposal is applied in its own unit of work so one failure never
// rolls back its neighbors.
package applier

import (
	"context"
	"sort"
	"time"

	"bankrecon/internal/models"
	apperrors "bankrecon/pkg/errors"
	"bankrecon/pkg/logger"

	"github.com/google/uuid"
)

// Skip reasons reported per proposal.
const (
	ReasonOverlapInBatch    = string(apperrors.CodeOverlapInBatch)
	ReasonAlreadyReconciled = string(apperrors.CodeAlreadyReconciled)
	ReasonLockConflict      = string(apperrors.CodeLockConflict)
	ReasonMissingRecord     = string(apperrors.CodeMissingRecord)
	ReasonMixedCompany      = string(apperrors.CodeMixedCompany)
	ReasonStorageFailure    = string(apperrors.CodeStorageFailure)
)

// Outcome records what happened to one eligible proposal.
type Outcome struct {
	Proposal         models.MatchProposal `json:"proposal"`
	Applied          bool                 `json:"applied"`
	Reason           string               `json:"reason,omitempty"`
	ReconciliationID string               `json:"reconciliation_id,omitempty"`
}

// Summary reports the apply phase as a whole. Applied + Skipped always
// equals Eligible.
type Summary struct {
	Eligible int       `json:"eligible"`
	Applied  int       `json:"applied"`
	Skipped  int       `json:"skipped"`
	Outcomes []Outcome `json:"outcomes"`
}

// Applier writes accepted proposals to a ledger store.
type Applier struct {
	store LedgerStore
	log   logger.Logger
	now   func() time.Time
	newID func() string
}

// NewApplier returns an applier bound to the given store. A nil logger
// discards diagnostics.
func NewApplier(store LedgerStore, log logger.Logger) *Applier {
	if log == nil {
		log = logger.Nop()
	}
	return &Applier{
		store: store,
		log:   log.WithComponent("applier"),
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Apply persists every eligible proposal for the given company. Eligible
// means primary with confidence 1.0. Proposals are processed in a fixed
// order derived from their id sets, each in its own unit of work; a skipped
// or failed proposal is reported in the summary and never blocks the rest.
func (a *Applier) Apply(ctx context.Context, companyID string, proposals []models.MatchProposal) (*Summary, error) {
	eligible := make([]models.MatchProposal, 0, len(proposals))
	for _, p := range proposals {
		if p.IsPrimary && p.Confidence >= 1.0 {
			eligible = append(eligible, p)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].GroupKey() < eligible[j].GroupKey()
	})

	summary := &Summary{Eligible: len(eligible)}
	usedBank := make(map[string]bool)
	usedBook := make(map[string]bool)

	for _, p := range eligible {
		outcome := Outcome{Proposal: p}

		if p.Overlaps(usedBank, usedBook) {
			outcome.Reason = ReasonOverlapInBatch
		} else {
			reconID, reason := a.applyOne(ctx, companyID, p)
			outcome.Reason = reason
			if reason == "" {
				outcome.Applied = true
				outcome.ReconciliationID = reconID
				p.MarkUsed(usedBank, usedBook)
			}
		}

		if outcome.Applied {
			summary.Applied++
			a.log.WithFields(logger.Fields{
				"reconciliation_id": outcome.ReconciliationID,
				"bank_ids":          p.BankIDs,
				"book_ids":          p.BookIDs,
			}).Info("Proposal applied")
		} else {
			summary.Skipped++
			a.log.WithFields(logger.Fields{
				"reason":   outcome.Reason,
				"bank_ids": p.BankIDs,
				"book_ids": p.BookIDs,
			}).Warn("Proposal skipped")
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	return summary, nil
}

// applyOne persists a single proposal in its own unit of work. An empty
// reason means success.
func (a *Applier) applyOne(ctx context.Context, companyID string, p models.MatchProposal) (reconID, reason string) {
	unit, err := a.store.BeginUnit(ctx)
	if err != nil {
		return "", ReasonStorageFailure
	}
	defer func() {
		if reason != "" {
			_ = unit.Rollback()
		}
	}()

	records, err := unit.LockLegs(ctx, p.BankIDs, p.BookIDs)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeLockConflict) {
			return "", ReasonLockConflict
		}
		return "", ReasonStorageFailure
	}

	if reason := verifyRecords(companyID, p, records); reason != "" {
		return "", reason
	}

	rec := Reconciliation{
		ID:        a.newID(),
		CompanyID: companyID,
		Status:    StatusMatched,
		BankIDs:   p.BankIDs,
		BookIDs:   p.BookIDs,
		CreatedAt: a.now().UTC(),
	}
	if err := unit.CreateReconciliation(ctx, rec); err != nil {
		return "", ReasonStorageFailure
	}
	if err := unit.MarkReconciled(ctx, rec.ID, p.BankIDs, p.BookIDs); err != nil {
		return "", ReasonStorageFailure
	}
	if err := unit.Commit(); err != nil {
		return "", ReasonStorageFailure
	}
	return rec.ID, ""
}

// verifyRecords re-checks the locked rows against the proposal: every leg
// must exist, belong to the target company, and be unreconciled. Bank and
// book ids are separate namespaces, so records are keyed by side and id.
func verifyRecords(companyID string, p models.MatchProposal, records []LegRecord) string {
	type legKey struct{ side, id string }
	byKey := make(map[legKey]LegRecord, len(records))
	for _, r := range records {
		byKey[legKey{r.Side, r.ID}] = r
	}

	check := func(side string, ids []string) string {
		for _, id := range ids {
			r, ok := byKey[legKey{side, id}]
			if !ok {
				return ReasonMissingRecord
			}
			if r.CompanyID != companyID {
				return ReasonMixedCompany
			}
			if r.Reconciled {
				return ReasonAlreadyReconciled
			}
		}
		return ""
	}

	if reason := check(SideBank, p.BankIDs); reason != "" {
		return reason
	}
	return check(SideBook, p.BookIDs)
}
