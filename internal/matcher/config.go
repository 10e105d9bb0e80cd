// Package matcher implements the ledger reconciliation matching pipeline:
// candidate selection, the staged matching search (exact, fuzzy, grouped),
// subset-sum feasibility pruning, confidence scoring, and deterministic
// ranking of alternatives.
//
// The pipeline runs an ordered list of stages over a shrinking candidate
// pool. Each stage emits scored match proposals; the engine deduplicates
// them, assigns ranks deterministically, and selects non-overlapping primary
// proposals. The search phase is pure computation over in-memory data: given
// the same legs and configuration it produces identical output regardless of
// input ordering.
//
// Example usage:
//
//	cfg := matcher.DefaultPipelineConfig()
//	pool, err := matcher.SelectCandidates(matcher.PoolInput{
//		CompanyID: "co-1",
//		BankLegs:  bankLegs,
//		BookLegs:  bookLegs,
//	})
//	if err != nil {
//		return err
//	}
//	engine, err := matcher.NewEngine(cfg, logger.Nop())
//	if err != nil {
//		return err
//	}
//	result, err := engine.Run(pool, nil)
package matcher

import (
	"fmt"
	"time"

	"bankrecon/internal/models"
	"bankrecon/pkg/errors"

	"github.com/shopspring/decimal"
)

// StageKind identifies one of the closed set of matching stages.
type StageKind int

const (
	// StageExact1to1 pairs a bank leg with a book transaction whose legs sum
	// to exactly the bank amount on the same date with the same sign.
	StageExact1to1 StageKind = iota

	// StageFuzzy1to1 pairs single legs within amount and date tolerances,
	// retaining ranked alternatives per anchor.
	StageFuzzy1to1

	// StageOneToMany matches one bank leg against a group of book legs.
	StageOneToMany

	// StageManyToOne matches a group of bank legs against one book leg.
	StageManyToOne

	// StageManyToMany matches groups on both sides.
	StageManyToMany
)

// String returns the string representation of StageKind
func (k StageKind) String() string {
	switch k {
	case StageExact1to1:
		return "exact_1to1"
	case StageFuzzy1to1:
		return "fuzzy_1to1"
	case StageOneToMany:
		return "one_to_many"
	case StageManyToOne:
		return "many_to_one"
	case StageManyToMany:
		return "many_to_many"
	default:
		return "unknown"
	}
}

// MatchKind returns the proposal kind produced by the stage
func (k StageKind) MatchKind() models.MatchKind {
	switch k {
	case StageExact1to1:
		return models.MatchExact1to1
	case StageFuzzy1to1:
		return models.MatchFuzzy1to1
	case StageOneToMany:
		return models.MatchOneToMany
	case StageManyToOne:
		return models.MatchManyToOne
	case StageManyToMany:
		return models.MatchManyToMany
	default:
		return ""
	}
}

// ParseStageKind parses a stage kind from its string form
func ParseStageKind(s string) (StageKind, error) {
	switch s {
	case "exact_1to1":
		return StageExact1to1, nil
	case "fuzzy_1to1":
		return StageFuzzy1to1, nil
	case "one_to_many":
		return StageOneToMany, nil
	case "many_to_one":
		return StageManyToOne, nil
	case "many_to_many":
		return StageManyToMany, nil
	default:
		return 0, fmt.Errorf("unknown stage kind: %s", s)
	}
}

// StageConfig holds the per-stage search parameters.
type StageConfig struct {
	Kind StageKind `json:"kind"`

	// AmountTolerance is the absolute tolerance band around the target sum.
	AmountTolerance decimal.Decimal `json:"amount_tolerance"`

	// DateToleranceDays bounds the date window around an anchor. For
	// many_to_many it bounds the average pairwise date delta.
	DateToleranceDays int `json:"date_tolerance_days"`

	// MaxGroupSize caps the number of legs enumerated per side.
	MaxGroupSize int `json:"max_group_size"`

	// MaxSpanDays caps the date span inside one group. Zero means the date
	// tolerance doubles as the span limit.
	MaxSpanDays int `json:"max_span_days"`

	// AllowMixedSigns permits groups whose member amounts disagree in sign.
	AllowMixedSigns bool `json:"allow_mixed_signs"`

	// MaxAlternatives caps retained proposals per anchor record.
	MaxAlternatives int `json:"max_alternatives"`
}

// Weights defines the relative importance of the scoring axes. Weights must
// be non-negative; they need not sum to 1 but typically do.
type Weights struct {
	Amount      float64 `json:"amount_weight"`
	Date        float64 `json:"date_weight"`
	Currency    float64 `json:"currency_weight"`
	Description float64 `json:"description_weight"`
}

// Sum returns the total weight
func (w Weights) Sum() float64 {
	return w.Amount + w.Date + w.Currency + w.Description
}

// Validate checks the weights for fatal configuration errors
func (w Weights) Validate() error {
	if w.Amount < 0 || w.Date < 0 || w.Currency < 0 || w.Description < 0 {
		return errors.ConfigError(errors.CodeInvalidWeights, "weights", w).
			WithSuggestion("all scoring weights must be non-negative")
	}
	total := w.Sum()
	if total <= 0 || total > 2.0 {
		return errors.ConfigError(errors.CodeInvalidWeights, "weights_sum", total).
			WithSuggestion("weights should sum to approximately 1.0")
	}
	return nil
}

// PipelineConfig holds the full matching-run configuration: the ordered list
// of stages plus global caps and scoring weights.
type PipelineConfig struct {
	Stages []StageConfig `json:"stages"`

	// MaxSuggestions caps the total number of returned proposals.
	MaxSuggestions int `json:"max_suggestions"`

	// MaxRuntime is the soft budget for the whole run. The engine checks it
	// cooperatively between stages and group-size iterations and returns
	// partial, flagged results when exceeded. Zero means no budget.
	MaxRuntime time.Duration `json:"max_runtime"`

	Weights Weights `json:"weights"`
}

// DefaultPipelineConfig returns a configuration with sensible defaults:
// every stage enabled in order, small group sizes, modest tolerances.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		Stages: []StageConfig{
			{Kind: StageExact1to1},
			{Kind: StageFuzzy1to1, AmountTolerance: decimal.NewFromFloat(0.05), DateToleranceDays: 3, MaxAlternatives: 5},
			{Kind: StageOneToMany, AmountTolerance: decimal.Zero, DateToleranceDays: 5, MaxGroupSize: 5, MaxAlternatives: 3},
			{Kind: StageManyToOne, AmountTolerance: decimal.Zero, DateToleranceDays: 5, MaxGroupSize: 5, MaxAlternatives: 3},
			{Kind: StageManyToMany, AmountTolerance: decimal.Zero, DateToleranceDays: 3, MaxGroupSize: 3, MaxAlternatives: 2},
		},
		MaxSuggestions: 200,
		MaxRuntime:     30 * time.Second,
		Weights: Weights{
			Amount:      0.5,
			Date:        0.3,
			Currency:    0.2,
			Description: 0.0,
		},
	}
}

// StrictPipelineConfig returns a configuration for strict matching: exact
// stage only plus tight fuzzy pairing, no grouped search.
func StrictPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		Stages: []StageConfig{
			{Kind: StageExact1to1},
			{Kind: StageFuzzy1to1, AmountTolerance: decimal.Zero, DateToleranceDays: 0, MaxAlternatives: 1},
		},
		MaxSuggestions: 100,
		MaxRuntime:     10 * time.Second,
		Weights: Weights{
			Amount:      0.6,
			Date:        0.2,
			Currency:    0.2,
			Description: 0.0,
		},
	}
}

// RelaxedPipelineConfig returns a configuration for exploratory matching
// with loose tolerances and larger groups.
func RelaxedPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		Stages: []StageConfig{
			{Kind: StageExact1to1},
			{Kind: StageFuzzy1to1, AmountTolerance: decimal.NewFromFloat(1.00), DateToleranceDays: 7, MaxAlternatives: 10},
			{Kind: StageOneToMany, AmountTolerance: decimal.NewFromFloat(0.05), DateToleranceDays: 10, MaxGroupSize: 8, AllowMixedSigns: true, MaxAlternatives: 5},
			{Kind: StageManyToOne, AmountTolerance: decimal.NewFromFloat(0.05), DateToleranceDays: 10, MaxGroupSize: 8, AllowMixedSigns: true, MaxAlternatives: 5},
			{Kind: StageManyToMany, AmountTolerance: decimal.NewFromFloat(0.05), DateToleranceDays: 7, MaxGroupSize: 4, AllowMixedSigns: true, MaxAlternatives: 3},
		},
		MaxSuggestions: 500,
		MaxRuntime:     120 * time.Second,
		Weights: Weights{
			Amount:      0.4,
			Date:        0.3,
			Currency:    0.2,
			Description: 0.1,
		},
	}
}

// Validate checks the pipeline configuration for fatal errors. It must be
// called, and must pass, before any matching begins.
func (pc *PipelineConfig) Validate() error {
	if len(pc.Stages) == 0 {
		return errors.ConfigError(errors.CodeInvalidConfig, "stages", "empty").
			WithSuggestion("configure at least one matching stage")
	}

	seen := make(map[StageKind]bool)
	for i, stage := range pc.Stages {
		if stage.Kind.MatchKind() == "" {
			return errors.ConfigError(errors.CodeInvalidConfig,
				fmt.Sprintf("stages[%d].kind", i), int(stage.Kind))
		}
		if seen[stage.Kind] {
			return errors.ConfigError(errors.CodeInvalidConfig,
				fmt.Sprintf("stages[%d].kind", i), stage.Kind.String()).
				WithSuggestion("each stage kind may appear at most once")
		}
		seen[stage.Kind] = true

		if stage.AmountTolerance.IsNegative() {
			return errors.ConfigError(errors.CodeInvalidConfig,
				fmt.Sprintf("stages[%d].amount_tolerance", i), stage.AmountTolerance.String())
		}
		if stage.DateToleranceDays < 0 {
			return errors.ConfigError(errors.CodeInvalidConfig,
				fmt.Sprintf("stages[%d].date_tolerance_days", i), stage.DateToleranceDays)
		}
		if stage.MaxGroupSize < 0 {
			return errors.ConfigError(errors.CodeInvalidConfig,
				fmt.Sprintf("stages[%d].max_group_size", i), stage.MaxGroupSize)
		}
		if stage.MaxSpanDays < 0 {
			return errors.ConfigError(errors.CodeInvalidConfig,
				fmt.Sprintf("stages[%d].max_span_days", i), stage.MaxSpanDays)
		}
		if stage.MaxAlternatives < 0 {
			return errors.ConfigError(errors.CodeInvalidConfig,
				fmt.Sprintf("stages[%d].max_alternatives", i), stage.MaxAlternatives)
		}
	}

	if pc.MaxSuggestions <= 0 {
		return errors.ConfigError(errors.CodeInvalidConfig, "max_suggestions", pc.MaxSuggestions)
	}
	if pc.MaxRuntime < 0 {
		return errors.ConfigError(errors.CodeInvalidConfig, "max_runtime", pc.MaxRuntime.String())
	}

	return pc.Weights.Validate()
}

// Clone creates a deep copy of the pipeline configuration
func (pc *PipelineConfig) Clone() *PipelineConfig {
	if pc == nil {
		return nil
	}

	clone := &PipelineConfig{
		Stages:         make([]StageConfig, len(pc.Stages)),
		MaxSuggestions: pc.MaxSuggestions,
		MaxRuntime:     pc.MaxRuntime,
		Weights:        pc.Weights,
	}
	copy(clone.Stages, pc.Stages)
	return clone
}

// groupSize returns the effective per-side group size for a stage.
func (sc *StageConfig) groupSize() int {
	if sc.MaxGroupSize <= 0 {
		return 1
	}
	return sc.MaxGroupSize
}

// spanDays returns the effective group date-span limit for a stage.
func (sc *StageConfig) spanDays() int {
	if sc.MaxSpanDays > 0 {
		return sc.MaxSpanDays
	}
	return sc.DateToleranceDays
}

// alternativesCap returns the effective per-anchor alternatives cap.
func (sc *StageConfig) alternativesCap() int {
	if sc.MaxAlternatives <= 0 {
		return 1
	}
	return sc.MaxAlternatives
}
