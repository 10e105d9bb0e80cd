package matcher

import (
	"sort"

	"bankrecon/internal/models"
	"bankrecon/pkg/errors"
)

// Status represents the lifecycle state of a persisted reconciliation
type Status string

const (
	StatusPending  Status = "pending"
	StatusMatched  Status = "matched"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Consumed reports whether a reconciliation in this status removes its legs
// from future candidate pools.
func (s Status) Consumed() bool {
	return s == StatusMatched || s == StatusApproved
}

// ReconciledSet tracks leg ids already tied to a matched or approved
// reconciliation. Legs in the set never re-enter a candidate pool.
type ReconciledSet struct {
	bank map[string]bool
	book map[string]bool
}

// NewReconciledSet creates an empty ReconciledSet
func NewReconciledSet() *ReconciledSet {
	return &ReconciledSet{
		bank: make(map[string]bool),
		book: make(map[string]bool),
	}
}

// AddBank records a bank leg id when the status consumes the leg
func (s *ReconciledSet) AddBank(id string, status Status) {
	if status.Consumed() {
		s.bank[id] = true
	}
}

// AddBook records a book leg id when the status consumes the leg
func (s *ReconciledSet) AddBook(id string, status Status) {
	if status.Consumed() {
		s.book[id] = true
	}
}

// HasBank reports whether the bank leg is already reconciled
func (s *ReconciledSet) HasBank(id string) bool {
	return s != nil && s.bank[id]
}

// HasBook reports whether the book leg is already reconciled
func (s *ReconciledSet) HasBook(id string) bool {
	return s != nil && s.book[id]
}

// PoolInput carries the raw record collections and restrictions for one
// matching run. Collections arrive as plain slices; the engine performs no
// data-store queries of its own.
type PoolInput struct {
	CompanyID string

	BankLegs []models.BankLeg
	BookLegs []models.BookLeg

	// Reconciled excludes legs already consumed by a persisted
	// reconciliation. Nil means nothing is excluded.
	Reconciled *ReconciledSet

	// BankFilterIDs / BookFilterIDs optionally restrict the run to explicit
	// ids. Empty means no restriction.
	BankFilterIDs []string
	BookFilterIDs []string
}

// CandidatePool is the filtered, scope-checked set of legs a matching run
// operates on. Legs are held in deterministic (date, id) order.
type CandidatePool struct {
	CompanyID  string
	CurrencyID string
	Bank       []models.BankLeg
	Book       []models.BookLeg
}

// SelectCandidates filters the input collections into a candidate pool.
//
// It excludes already-reconciled legs and book legs whose account is not
// linked to a bank ledger, applies the optional id filters, and enforces
// single-company and single-currency scope: mixed companies or currencies
// are a fatal ScopeMismatch, never a silent filter.
func SelectCandidates(in PoolInput) (*CandidatePool, error) {
	bankFilter := idSet(in.BankFilterIDs)
	bookFilter := idSet(in.BookFilterIDs)

	pool := &CandidatePool{CompanyID: in.CompanyID}

	companies := make(map[string]bool)
	currencies := make(map[string]bool)

	for _, leg := range in.BankLegs {
		if in.Reconciled.HasBank(leg.ID) {
			continue
		}
		if bankFilter != nil && !bankFilter[leg.ID] {
			continue
		}
		companies[leg.CompanyID] = true
		currencies[leg.CurrencyID] = true
		pool.Bank = append(pool.Bank, leg)
	}

	for _, leg := range in.BookLegs {
		if !leg.BankLinked {
			continue
		}
		if in.Reconciled.HasBook(leg.ID) {
			continue
		}
		if bookFilter != nil && !bookFilter[leg.ID] {
			continue
		}
		companies[leg.CompanyID] = true
		currencies[leg.CurrencyID] = true
		pool.Book = append(pool.Book, leg)
	}

	if in.CompanyID != "" {
		companies[in.CompanyID] = true
	}
	if len(companies) > 1 {
		return nil, errors.ScopeMismatch("candidate pool spans multiple companies", sortedKeys(companies))
	}
	if len(currencies) > 1 {
		return nil, errors.ScopeMismatch("candidate pool spans multiple currencies", sortedKeys(currencies))
	}
	for currency := range currencies {
		pool.CurrencyID = currency
	}

	// Deterministic scan order regardless of input ordering.
	sort.Slice(pool.Bank, func(i, j int) bool {
		if !pool.Bank[i].Date.Equal(pool.Bank[j].Date) {
			return pool.Bank[i].Date.Before(pool.Bank[j].Date)
		}
		return pool.Bank[i].ID < pool.Bank[j].ID
	})
	sort.Slice(pool.Book, func(i, j int) bool {
		if !pool.Book[i].Date.Equal(pool.Book[j].Date) {
			return pool.Book[i].Date.Before(pool.Book[j].Date)
		}
		return pool.Book[i].ID < pool.Book[j].ID
	})

	return pool, nil
}

// without returns a copy of the pool with the given leg ids removed.
func (p *CandidatePool) without(bankIDs, bookIDs map[string]bool) *CandidatePool {
	next := &CandidatePool{CompanyID: p.CompanyID, CurrencyID: p.CurrencyID}
	for _, leg := range p.Bank {
		if !bankIDs[leg.ID] {
			next.Bank = append(next.Bank, leg)
		}
	}
	for _, leg := range p.Book {
		if !bookIDs[leg.ID] {
			next.Book = append(next.Book, leg)
		}
	}
	return next
}

func idSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
