// Package config builds pipeline configurations from CLI profiles and
// loads ledger snapshots from JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"bankrecon/internal/matcher"
	"bankrecon/internal/models"

	"github.com/shopspring/decimal"
)

// Overrides carries CLI-level adjustments applied on top of a profile.
// Zero values leave the profile untouched.
type Overrides struct {
	AmountTolerance   string
	DateToleranceDays int
	MaxGroupSize      int
	MaxSuggestions    int
	MaxRuntime        time.Duration
}

// BuildPipelineConfig resolves a named profile and applies overrides to
// every stage.
func BuildPipelineConfig(profile string, ov Overrides) (*matcher.PipelineConfig, error) {
	var cfg *matcher.PipelineConfig
	switch profile {
	case "", "default":
		cfg = matcher.DefaultPipelineConfig()
	case "strict":
		cfg = matcher.StrictPipelineConfig()
	case "relaxed":
		cfg = matcher.RelaxedPipelineConfig()
	default:
		return nil, fmt.Errorf("unknown profile '%s': must be default, strict, or relaxed", profile)
	}

	if ov.AmountTolerance != "" {
		tol, err := decimal.NewFromString(ov.AmountTolerance)
		if err != nil {
			return nil, fmt.Errorf("invalid amount tolerance '%s': %w", ov.AmountTolerance, err)
		}
		for i := range cfg.Stages {
			if cfg.Stages[i].Kind != matcher.StageExact1to1 {
				cfg.Stages[i].AmountTolerance = tol
			}
		}
	}
	if ov.DateToleranceDays > 0 {
		for i := range cfg.Stages {
			if cfg.Stages[i].Kind != matcher.StageExact1to1 {
				cfg.Stages[i].DateToleranceDays = ov.DateToleranceDays
			}
		}
	}
	if ov.MaxGroupSize > 0 {
		for i := range cfg.Stages {
			cfg.Stages[i].MaxGroupSize = ov.MaxGroupSize
		}
	}
	if ov.MaxSuggestions > 0 {
		cfg.MaxSuggestions = ov.MaxSuggestions
	}
	if ov.MaxRuntime > 0 {
		cfg.MaxRuntime = ov.MaxRuntime
	}

	return cfg, nil
}

// LoadBankLegs reads a JSON array of bank legs and validates each record.
func LoadBankLegs(path string) ([]models.BankLeg, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bank file: %w", err)
	}

	var legs []models.BankLeg
	if err := json.Unmarshal(data, &legs); err != nil {
		return nil, fmt.Errorf("parsing bank file %s: %w", path, err)
	}
	for i := range legs {
		if err := legs[i].Validate(); err != nil {
			return nil, fmt.Errorf("bank file %s, record %d: %w", path, i, err)
		}
	}
	return legs, nil
}

// LoadBookLegs reads a JSON array of book legs and validates each record.
func LoadBookLegs(path string) ([]models.BookLeg, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading book file: %w", err)
	}

	var legs []models.BookLeg
	if err := json.Unmarshal(data, &legs); err != nil {
		return nil, fmt.Errorf("parsing book file %s: %w", path, err)
	}
	for i := range legs {
		if err := legs[i].Validate(); err != nil {
			return nil, fmt.Errorf("book file %s, record %d: %w", path, i, err)
		}
	}
	return legs, nil
}
