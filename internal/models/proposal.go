package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MatchKind represents the cardinality of a match proposal
type MatchKind string

const (
	MatchExact1to1  MatchKind = "exact_1to1"
	MatchFuzzy1to1  MatchKind = "fuzzy_1to1"
	MatchOneToMany  MatchKind = "one_to_many"
	MatchManyToOne  MatchKind = "many_to_one"
	MatchManyToMany MatchKind = "many_to_many"
)

// String returns the string representation of MatchKind
func (k MatchKind) String() string {
	return string(k)
}

// IsValid checks if the match kind is valid
func (k MatchKind) IsValid() bool {
	switch k {
	case MatchExact1to1, MatchFuzzy1to1, MatchOneToMany, MatchManyToOne, MatchManyToMany:
		return true
	}
	return false
}

// LegRef carries enough per-record detail for a review UI to render a
// proposal without re-querying storage.
type LegRef struct {
	ID          string          `json:"id"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for LegRef
func (r LegRef) MarshalJSON() ([]byte, error) {
	type Alias LegRef
	return json.Marshal(&struct {
		Amount string `json:"amount"`
		Date   string `json:"date"`
		Alias
	}{
		Amount: r.Amount.String(),
		Date:   r.Date.Format("2006-01-02"),
		Alias:  (Alias)(r),
	})
}

// MatchProposal represents one proposed correspondence between a set of bank
// legs and a set of book legs. Proposals are never mutated after creation;
// re-ranking produces new values.
type MatchProposal struct {
	Kind       MatchKind       `json:"match_type"`
	BankIDs    []string        `json:"bank_ids"`
	BookIDs    []string        `json:"book_ids"`
	BankLegs   []LegRef        `json:"bank_legs"`
	BookLegs   []LegRef        `json:"book_legs"`
	SumBank    decimal.Decimal `json:"sum_bank"`
	SumBook    decimal.Decimal `json:"sum_book"`
	Difference decimal.Decimal `json:"difference"`
	Confidence float64         `json:"confidence_score"`
	IsPrimary  bool            `json:"is_primary"`
	// Rank is 1-based among alternatives sharing the same anchor record.
	Rank int `json:"rank_among_alternatives"`
}

// NewMatchProposal creates a proposal from the participating legs. Bank and
// book id slices are stored sorted so that proposal identity and ordering are
// independent of construction order.
func NewMatchProposal(kind MatchKind, bank []BankLeg, book []BookLeg, confidence float64) MatchProposal {
	p := MatchProposal{
		Kind:       kind,
		BankIDs:    make([]string, 0, len(bank)),
		BookIDs:    make([]string, 0, len(book)),
		BankLegs:   make([]LegRef, 0, len(bank)),
		BookLegs:   make([]LegRef, 0, len(book)),
		SumBank:    decimal.Zero,
		SumBook:    decimal.Zero,
		Confidence: confidence,
	}

	for _, leg := range bank {
		p.BankIDs = append(p.BankIDs, leg.ID)
		p.SumBank = p.SumBank.Add(leg.Amount)
	}
	for _, leg := range book {
		p.BookIDs = append(p.BookIDs, leg.ID)
		p.SumBook = p.SumBook.Add(leg.EffectiveAmount())
	}
	sort.Strings(p.BankIDs)
	sort.Strings(p.BookIDs)

	bankByID := make(map[string]BankLeg, len(bank))
	for _, leg := range bank {
		bankByID[leg.ID] = leg
	}
	bookByID := make(map[string]BookLeg, len(book))
	for _, leg := range book {
		bookByID[leg.ID] = leg
	}
	for _, id := range p.BankIDs {
		leg := bankByID[id]
		p.BankLegs = append(p.BankLegs, LegRef{ID: leg.ID, Date: leg.Date, Amount: leg.Amount, Description: leg.Description})
	}
	for _, id := range p.BookIDs {
		leg := bookByID[id]
		p.BookLegs = append(p.BookLegs, LegRef{ID: leg.ID, Date: leg.Date, Amount: leg.EffectiveAmount(), Description: leg.Description})
	}

	p.Difference = p.SumBank.Sub(p.SumBook).Abs()
	return p
}

// Key returns a stable identity for deduplication: the match kind plus the
// sorted bank and book id sets.
func (p *MatchProposal) Key() string {
	return string(p.Kind) + "|" + strings.Join(p.BankIDs, ",") + "|" + strings.Join(p.BookIDs, ",")
}

// GroupKey identifies the (bank_ids, book_ids) combination regardless of
// match kind, used to suppress duplicate group enumerations.
func (p *MatchProposal) GroupKey() string {
	return strings.Join(p.BankIDs, ",") + "|" + strings.Join(p.BookIDs, ",")
}

// WithRank returns a copy of the proposal with ranking fields assigned.
func (p MatchProposal) WithRank(rank int, primary bool) MatchProposal {
	p.Rank = rank
	p.IsPrimary = primary
	return p
}

// Overlaps reports whether the proposal shares any bank or book id with the
// given id sets.
func (p *MatchProposal) Overlaps(bankUsed, bookUsed map[string]bool) bool {
	for _, id := range p.BankIDs {
		if bankUsed[id] {
			return true
		}
	}
	for _, id := range p.BookIDs {
		if bookUsed[id] {
			return true
		}
	}
	return false
}

// MarkUsed records the proposal's bank and book ids in the given sets.
func (p *MatchProposal) MarkUsed(bankUsed, bookUsed map[string]bool) {
	for _, id := range p.BankIDs {
		bankUsed[id] = true
	}
	for _, id := range p.BookIDs {
		bookUsed[id] = true
	}
}

// Validate performs basic validation on the MatchProposal
func (p *MatchProposal) Validate() error {
	if !p.Kind.IsValid() {
		return fmt.Errorf("invalid match kind: %s", p.Kind)
	}
	if len(p.BankIDs) == 0 {
		return fmt.Errorf("proposal must reference at least one bank leg")
	}
	if len(p.BookIDs) == 0 {
		return fmt.Errorf("proposal must reference at least one book leg")
	}
	if p.Confidence < 0.0 || p.Confidence > 1.0 {
		return fmt.Errorf("confidence score must be between 0.0 and 1.0: %f", p.Confidence)
	}
	return nil
}

// String returns a string representation of the MatchProposal
func (p *MatchProposal) String() string {
	return fmt.Sprintf("MatchProposal{%s, bank: [%s], book: [%s], diff: %s, confidence: %.4f, rank: %d}",
		p.Kind, strings.Join(p.BankIDs, ","), strings.Join(p.BookIDs, ","),
		p.Difference.String(), p.Confidence, p.Rank)
}

// MarshalJSON implements custom JSON marshaling for MatchProposal
func (p MatchProposal) MarshalJSON() ([]byte, error) {
	type Alias MatchProposal
	return json.Marshal(&struct {
		SumBank    string `json:"sum_bank"`
		SumBook    string `json:"sum_book"`
		Difference string `json:"difference"`
		Alias
	}{
		SumBank:    p.SumBank.String(),
		SumBook:    p.SumBook.String(),
		Difference: p.Difference.String(),
		Alias:      (Alias)(p),
	})
}
