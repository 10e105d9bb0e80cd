package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EntrySide represents the side of a journal entry leg
type EntrySide string

const (
	// SideDebit represents a debit leg
	SideDebit EntrySide = "DEBIT"
	// SideCredit represents a credit leg
	SideCredit EntrySide = "CREDIT"
)

// String returns the string representation of EntrySide
func (s EntrySide) String() string {
	return string(s)
}

// IsValid checks if the entry side is valid
func (s EntrySide) IsValid() bool {
	return s == SideDebit || s == SideCredit
}

// ParseEntrySide parses and validates an entry side from string
func ParseEntrySide(s string) (EntrySide, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBIT", "D", "DR":
		return SideDebit, nil
	case "CREDIT", "C", "CR":
		return SideCredit, nil
	default:
		return "", fmt.Errorf("invalid entry side '%s': must be DEBIT or CREDIT", s)
	}
}

// BankLeg represents one bank-reported transaction record to be matched.
// Instances are treated as immutable once loaded into a matching run.
type BankLeg struct {
	ID          string          `json:"id"`
	CompanyID   string          `json:"company_id"`
	Amount      decimal.Decimal `json:"amount"`
	CurrencyID  string          `json:"currency_id"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description,omitempty"`
	Embedding   []float64       `json:"embedding,omitempty"`
}

// NewBankLeg creates a new BankLeg instance
func NewBankLeg(id, companyID string, amount decimal.Decimal, currencyID string, date time.Time) BankLeg {
	return BankLeg{
		ID:         id,
		CompanyID:  companyID,
		Amount:     amount,
		CurrencyID: currencyID,
		Date:       date,
	}
}

// Validate performs basic validation on the BankLeg
func (b *BankLeg) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("bank leg id cannot be empty")
	}
	if strings.TrimSpace(b.CompanyID) == "" {
		return fmt.Errorf("bank leg %s: company id cannot be empty", b.ID)
	}
	if strings.TrimSpace(b.CurrencyID) == "" {
		return fmt.Errorf("bank leg %s: currency id cannot be empty", b.ID)
	}
	if b.Date.IsZero() {
		return fmt.Errorf("bank leg %s: date cannot be zero", b.ID)
	}
	return nil
}

// String returns a string representation of the BankLeg
func (b *BankLeg) String() string {
	return fmt.Sprintf("BankLeg{ID: %s, Amount: %s %s, Date: %s}",
		b.ID, b.Amount.String(), b.CurrencyID, b.Date.Format("2006-01-02"))
}

// MarshalJSON implements custom JSON marshaling for BankLeg
func (b BankLeg) MarshalJSON() ([]byte, error) {
	type Alias BankLeg
	return json.Marshal(&struct {
		Amount string `json:"amount"`
		Date   string `json:"date"`
		Alias
	}{
		Amount: b.Amount.String(),
		Date:   b.Date.Format("2006-01-02"),
		Alias:  (Alias)(b),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for BankLeg
func (b *BankLeg) UnmarshalJSON(data []byte) error {
	type Alias BankLeg
	aux := &struct {
		Amount string `json:"amount"`
		Date   string `json:"date"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var err error
	b.Amount, err = decimal.NewFromString(aux.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount format: %w", err)
	}

	b.Date, err = ParseDate(aux.Date)
	if err != nil {
		return fmt.Errorf("invalid date format: %w", err)
	}

	return nil
}

// BookLeg represents one internal journal-entry leg restricted to accounts
// linked to a bank ledger. Multiple legs may belong to one underlying journal
// transaction (TransactionID); exact matching sums legs at transaction level.
type BookLeg struct {
	ID            string          `json:"id"`
	CompanyID     string          `json:"company_id"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Side          EntrySide       `json:"side"`
	// AccountDirection flips the sign convention for contra accounts.
	// +1 keeps debit-positive, -1 inverts it. Zero is treated as +1.
	AccountDirection int       `json:"account_direction,omitempty"`
	BankLinked       bool      `json:"bank_linked"`
	CurrencyID       string    `json:"currency_id"`
	Date             time.Time `json:"date"`
	Description      string    `json:"description,omitempty"`
	Embedding        []float64 `json:"embedding,omitempty"`
}

// EffectiveAmount returns the signed amount of the leg with the sign
// convention applied: debit positive, credit negative, adjusted by the
// account direction.
func (b *BookLeg) EffectiveAmount() decimal.Decimal {
	signed := b.Amount
	if b.Side == SideCredit {
		signed = signed.Neg()
	}
	if b.AccountDirection < 0 {
		signed = signed.Neg()
	}
	return signed
}

// Validate performs basic validation on the BookLeg
func (b *BookLeg) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("book leg id cannot be empty")
	}
	if strings.TrimSpace(b.CompanyID) == "" {
		return fmt.Errorf("book leg %s: company id cannot be empty", b.ID)
	}
	if !b.Side.IsValid() {
		return fmt.Errorf("book leg %s: invalid entry side: %s", b.ID, b.Side)
	}
	if strings.TrimSpace(b.CurrencyID) == "" {
		return fmt.Errorf("book leg %s: currency id cannot be empty", b.ID)
	}
	if b.Date.IsZero() {
		return fmt.Errorf("book leg %s: date cannot be zero", b.ID)
	}
	return nil
}

// String returns a string representation of the BookLeg
func (b *BookLeg) String() string {
	return fmt.Sprintf("BookLeg{ID: %s, Txn: %s, Effective: %s %s, Date: %s}",
		b.ID, b.TransactionID, b.EffectiveAmount().String(), b.CurrencyID, b.Date.Format("2006-01-02"))
}

// MarshalJSON implements custom JSON marshaling for BookLeg
func (b BookLeg) MarshalJSON() ([]byte, error) {
	type Alias BookLeg
	return json.Marshal(&struct {
		Amount string `json:"amount"`
		Date   string `json:"date"`
		Alias
	}{
		Amount: b.Amount.String(),
		Date:   b.Date.Format("2006-01-02"),
		Alias:  (Alias)(b),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for BookLeg
func (b *BookLeg) UnmarshalJSON(data []byte) error {
	type Alias BookLeg
	aux := &struct {
		Amount string `json:"amount"`
		Date   string `json:"date"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var err error
	b.Amount, err = decimal.NewFromString(aux.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount format: %w", err)
	}

	b.Date, err = ParseDate(aux.Date)
	if err != nil {
		return fmt.Errorf("invalid date format: %w", err)
	}

	return nil
}

// ParseDate attempts to parse a date from string using common formats
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date string cannot be empty")
	}

	formats := []string{
		"2006-01-02",
		time.RFC3339,
		"2006-01-02 15:04:05",
		"01/02/2006",
	}

	var lastErr error
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date '%s': %w", s, lastErr)
}

// DateOnly truncates a time to midnight UTC so that only the calendar date
// participates in comparisons.
func DateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the absolute whole-day distance between two dates.
func DaysBetween(a, b time.Time) int {
	diff := DateOnly(a).Sub(DateOnly(b))
	if diff < 0 {
		diff = -diff
	}
	return int(diff / (24 * time.Hour))
}
