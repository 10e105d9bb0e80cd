package matcher

import (
	"sort"
	"time"

	"bankrecon/internal/models"
	"bankrecon/pkg/logger"

	"github.com/shopspring/decimal"
)

// Engine runs the configured matching stages over a candidate pool and
// returns a ranked, deduplicated list of match proposals. The engine holds
// no global state; construct one per configuration and reuse it across
// pools.
type Engine struct {
	cfg *PipelineConfig
	log logger.Logger
}

// NewEngine validates the pipeline configuration and returns a ready engine.
// A nil config selects the default pipeline; a nil logger discards
// diagnostics.
func NewEngine(cfg *PipelineConfig, log logger.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultPipelineConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		cfg: cfg.Clone(),
		log: log.WithComponent("matcher"),
	}, nil
}

// RunResult carries the outcome of one engine run.
type RunResult struct {
	Proposals []models.MatchProposal `json:"proposals"`
	// Truncated is true when the runtime budget expired before all stages
	// completed. Proposals emitted before expiry are still returned.
	Truncated bool      `json:"truncated"`
	Report    RunReport `json:"report"`
}

// RunReport summarizes an engine run for reporting and CLI output.
type RunReport struct {
	CompanyID         string          `json:"company_id"`
	CurrencyID        string          `json:"currency_id"`
	BankTotal         int             `json:"bank_total"`
	BookTotal         int             `json:"book_total"`
	MatchedBank       int             `json:"matched_bank"`
	MatchedBook       int             `json:"matched_book"`
	UnmatchedBank     int             `json:"unmatched_bank"`
	UnmatchedBook     int             `json:"unmatched_book"`
	MatchedBankAmount decimal.Decimal `json:"matched_bank_amount"`
	ProposalsByKind   map[string]int  `json:"proposals_by_kind"`
	Truncated         bool            `json:"truncated"`
	Elapsed           time.Duration   `json:"elapsed"`
}

// runState threads the runtime budget and the optional trace through the
// stages of a single run.
type runState struct {
	trace     *Trace
	deadline  time.Time
	truncated bool
}

// expired reports whether the runtime budget is exhausted. Stages call it
// between anchors and group sizes, never mid-combination.
func (rs *runState) expired() bool {
	if rs.truncated {
		return true
	}
	if rs.deadline.IsZero() {
		return false
	}
	if time.Now().After(rs.deadline) {
		rs.truncated = true
		return true
	}
	return false
}

// Run executes the configured stages against the pool in order. Earlier
// stages consume their primary matches before later stages run, and every
// record participates in at most one primary proposal across the whole run.
// The same (bank_ids, book_ids) combination surfaces at most once, credited
// to the earliest stage that found it.
//
// trace may be nil; when provided it receives per-stage scan counters and
// rejection causes.
func (e *Engine) Run(pool *CandidatePool, trace *Trace) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{Report: RunReport{
		MatchedBankAmount: decimal.Zero,
		ProposalsByKind:   make(map[string]int),
	}}

	if pool == nil || len(pool.Bank) == 0 || len(pool.Book) == 0 {
		result.Report.Elapsed = time.Since(start)
		if pool != nil {
			result.Report.CompanyID = pool.CompanyID
			result.Report.CurrencyID = pool.CurrencyID
			result.Report.BankTotal = len(pool.Bank)
			result.Report.BookTotal = len(pool.Book)
			result.Report.UnmatchedBank = len(pool.Bank)
			result.Report.UnmatchedBook = len(pool.Book)
		}
		return result, nil
	}

	rs := &runState{trace: trace}
	if e.cfg.MaxRuntime > 0 {
		rs.deadline = start.Add(e.cfg.MaxRuntime)
	}

	current := pool
	bankUsed := make(map[string]bool)
	bookUsed := make(map[string]bool)
	seenGroups := make(map[string]bool)
	var all []models.MatchProposal

	for _, sc := range e.cfg.Stages {
		if rs.expired() {
			e.log.WithField("stage", sc.Kind.String()).Warn("Runtime budget exhausted, skipping remaining stages")
			break
		}

		stageProps := e.runStage(sc, current, rs)

		// Suppress combinations an earlier stage already surfaced.
		deduped := stageProps[:0]
		for _, p := range stageProps {
			key := p.GroupKey()
			if seenGroups[key] {
				continue
			}
			seenGroups[key] = true
			deduped = append(deduped, p)
		}

		ranked := rankStage(deduped, bankUsed, bookUsed)
		all = append(all, ranked...)

		e.log.WithFields(logger.Fields{
			"stage":     sc.Kind.String(),
			"proposals": len(ranked),
			"bank_used": len(bankUsed),
			"book_used": len(bookUsed),
		}).Debug("Stage completed")

		current = current.without(bankUsed, bookUsed)
	}

	sortFinal(all)
	if e.cfg.MaxSuggestions > 0 && len(all) > e.cfg.MaxSuggestions {
		all = all[:e.cfg.MaxSuggestions]
	}

	result.Proposals = all
	result.Truncated = rs.truncated
	result.Report = e.buildReport(pool, all, bankUsed, bookUsed, rs.truncated, time.Since(start))

	e.log.WithFields(logger.Fields{
		"company_id": pool.CompanyID,
		"proposals":  len(all),
		"truncated":  rs.truncated,
		"elapsed":    result.Report.Elapsed.String(),
	}).Info("Matching run completed")

	return result, nil
}

// rankStage assigns per-anchor ranks and greedy primary flags for one
// stage's deduplicated proposals. Primaries are chosen in confidence order
// with a deterministic tie-break, skipping any proposal that overlaps an
// already consumed record.
func rankStage(proposals []models.MatchProposal, bankUsed, bookUsed map[string]bool) []models.MatchProposal {
	byAnchor := make(map[string][]int)
	for i, p := range proposals {
		key := anchorKeyOf(&p)
		byAnchor[key] = append(byAnchor[key], i)
	}

	ranks := make([]int, len(proposals))
	for _, idxs := range byAnchor {
		sort.SliceStable(idxs, func(a, b int) bool {
			pa, pb := proposals[idxs[a]], proposals[idxs[b]]
			if pa.Confidence != pb.Confidence {
				return pa.Confidence > pb.Confidence
			}
			return pa.GroupKey() < pb.GroupKey()
		})
		for rank, i := range idxs {
			ranks[i] = rank + 1
		}
	}

	order := make([]int, len(proposals))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		pa, pb := proposals[order[a]], proposals[order[b]]
		if pa.Confidence != pb.Confidence {
			return pa.Confidence > pb.Confidence
		}
		return pa.GroupKey() < pb.GroupKey()
	})

	out := make([]models.MatchProposal, 0, len(proposals))
	for _, i := range order {
		p := proposals[i]
		primary := !p.Overlaps(bankUsed, bookUsed)
		if primary {
			p.MarkUsed(bankUsed, bookUsed)
		}
		out = append(out, p.WithRank(ranks[i], primary))
	}
	return out
}

// anchorKeyOf identifies the anchor record a proposal was generated around:
// the book leg for many_to_one, the first bank leg otherwise.
func anchorKeyOf(p *models.MatchProposal) string {
	if p.Kind == models.MatchManyToOne {
		return "book:" + p.BookIDs[0]
	}
	return "bank:" + p.BankIDs[0]
}

// sortFinal orders the run's proposals for output: primaries first, then by
// confidence, then by the deterministic id key.
func sortFinal(proposals []models.MatchProposal) {
	sort.SliceStable(proposals, func(i, j int) bool {
		if proposals[i].IsPrimary != proposals[j].IsPrimary {
			return proposals[i].IsPrimary
		}
		if proposals[i].Confidence != proposals[j].Confidence {
			return proposals[i].Confidence > proposals[j].Confidence
		}
		return proposals[i].GroupKey() < proposals[j].GroupKey()
	})
}

func (e *Engine) buildReport(pool *CandidatePool, proposals []models.MatchProposal, bankUsed, bookUsed map[string]bool, truncated bool, elapsed time.Duration) RunReport {
	report := RunReport{
		CompanyID:         pool.CompanyID,
		CurrencyID:        pool.CurrencyID,
		BankTotal:         len(pool.Bank),
		BookTotal:         len(pool.Book),
		MatchedBank:       len(bankUsed),
		MatchedBook:       len(bookUsed),
		UnmatchedBank:     len(pool.Bank) - len(bankUsed),
		UnmatchedBook:     len(pool.Book) - len(bookUsed),
		MatchedBankAmount: decimal.Zero,
		ProposalsByKind:   make(map[string]int),
		Truncated:         truncated,
		Elapsed:           elapsed,
	}

	for _, leg := range pool.Bank {
		if bankUsed[leg.ID] {
			report.MatchedBankAmount = report.MatchedBankAmount.Add(leg.Amount)
		}
	}
	for _, p := range proposals {
		report.ProposalsByKind[string(p.Kind)]++
	}
	return report
}
