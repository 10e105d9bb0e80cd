package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"bankrecon/cmd/reconmatch/config"
	"bankrecon/internal/applier"
	"bankrecon/internal/matcher"
	"bankrecon/internal/models"
	"bankrecon/internal/storage"
	"bankrecon/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flags for the match command
var (
	bankFile       string
	bookFile       string
	companyID      string
	profile        string
	amountTol      string
	dateTol        int
	maxGroupSize   int
	maxSuggestions int
	maxRuntime     time.Duration
	applyMatches   bool
	dbPath         string
	outputFormat   string
	outputFile     string
	withTrace      bool
)

// matchCmd represents the match command
var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Propose matches between bank and book legs",
	Long: `Match loads bank statement legs and accounting book legs for one
company, runs the staged matching pipeline, and reports ranked match
proposals. With --apply, exact matches are persisted as reconciliation
records in the SQLite ledger database.

Both input files are JSON arrays of leg records. All records must belong
to the same company and currency; mixed scopes abort the run.

Examples:
  # Propose matches and print a console summary
  reconmatch match --bank-file bank.json --book-file book.json --company acme

  # Strict profile, JSON output to a file
  reconmatch match --bank-file bank.json --book-file book.json --company acme \
    --profile strict --output json --output-file proposals.json

  # Persist exact matches
  reconmatch match --bank-file bank.json --book-file book.json --company acme \
    --apply --db ledger.db`,

	PreRunE: validateMatchFlags,
	RunE:    runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	// Required flags
	matchCmd.Flags().StringVarP(&bankFile, "bank-file", "b", "", "path to bank legs JSON file (required)")
	matchCmd.Flags().StringVarP(&bookFile, "book-file", "k", "", "path to book legs JSON file (required)")
	matchCmd.Flags().StringVarP(&companyID, "company", "c", "", "company id the run belongs to (required)")

	// Pipeline configuration flags
	matchCmd.Flags().StringVarP(&profile, "profile", "p", "default", "pipeline profile: default, strict, relaxed")
	matchCmd.Flags().StringVarP(&amountTol, "amount-tolerance", "a", "", "amount tolerance for fuzzy and grouped stages (decimal)")
	matchCmd.Flags().IntVarP(&dateTol, "date-tolerance", "d", 0, "date tolerance in days for fuzzy and grouped stages")
	matchCmd.Flags().IntVar(&maxGroupSize, "max-group-size", 0, "maximum legs per grouped match")
	matchCmd.Flags().IntVar(&maxSuggestions, "max-suggestions", 0, "cap on returned proposals")
	matchCmd.Flags().DurationVar(&maxRuntime, "max-runtime", 0, "runtime budget for the matching run (e.g. 30s)")

	// Apply flags
	matchCmd.Flags().BoolVar(&applyMatches, "apply", false, "persist exact matches as reconciliation records")
	matchCmd.Flags().StringVar(&dbPath, "db", "", "SQLite ledger database path (required with --apply)")

	// Output flags
	matchCmd.Flags().StringVarP(&outputFormat, "output", "f", "console", "output format: console, json")
	matchCmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "output file path (default: stdout)")
	matchCmd.Flags().BoolVar(&withTrace, "trace", false, "include per-stage diagnostics in the output")

	matchCmd.MarkFlagRequired("bank-file")
	matchCmd.MarkFlagRequired("book-file")
	matchCmd.MarkFlagRequired("company")

	viper.BindPFlag("profile", matchCmd.Flags().Lookup("profile"))
	viper.BindPFlag("db", matchCmd.Flags().Lookup("db"))
	viper.BindPFlag("output", matchCmd.Flags().Lookup("output"))
}

func validateMatchFlags(cmd *cobra.Command, args []string) error {
	if outputFormat != "console" && outputFormat != "json" {
		return fmt.Errorf("invalid output format '%s': must be console or json", outputFormat)
	}
	if applyMatches && dbPath == "" {
		return fmt.Errorf("--apply requires --db")
	}
	if _, err := os.Stat(bankFile); err != nil {
		return fmt.Errorf("bank file not accessible: %w", err)
	}
	if _, err := os.Stat(bookFile); err != nil {
		return fmt.Errorf("book file not accessible: %w", err)
	}
	return nil
}

// matchOutput is the JSON envelope for one run.
type matchOutput struct {
	Report    matcher.RunReport      `json:"report"`
	Proposals []models.MatchProposal `json:"proposals"`
	Truncated bool                   `json:"truncated"`
	Apply     *applier.Summary       `json:"apply,omitempty"`
	Trace     *matcher.Trace         `json:"trace,omitempty"`
}

func runMatch(cmd *cobra.Command, args []string) error {
	if err := executeMatch(); err != nil {
		os.Exit(NewCLIErrorHandler().HandleError(err))
	}
	return nil
}

func executeMatch() error {
	log, err := buildLogger()
	if err != nil {
		return err
	}
	ctx := context.Background()

	bankLegs, err := config.LoadBankLegs(bankFile)
	if err != nil {
		return err
	}
	bookLegs, err := config.LoadBookLegs(bookFile)
	if err != nil {
		return err
	}

	pipelineCfg, err := config.BuildPipelineConfig(profile, config.Overrides{
		AmountTolerance:   amountTol,
		DateToleranceDays: dateTol,
		MaxGroupSize:      maxGroupSize,
		MaxSuggestions:    maxSuggestions,
		MaxRuntime:        maxRuntime,
	})
	if err != nil {
		return err
	}

	var store *storage.SQLiteStore
	reconciled := matcher.NewReconciledSet()
	if dbPath != "" {
		store, err = storage.OpenSQLite(dbPath, log)
		if err != nil {
			return err
		}
		defer store.Close()

		bankDone, bookDone, err := store.ReconciledLegIDs(ctx, companyID)
		if err != nil {
			return err
		}
		for _, id := range bankDone {
			reconciled.AddBank(id, matcher.StatusMatched)
		}
		for _, id := range bookDone {
			reconciled.AddBook(id, matcher.StatusMatched)
		}
	}

	pool, err := matcher.SelectCandidates(matcher.PoolInput{
		CompanyID:  companyID,
		BankLegs:   bankLegs,
		BookLegs:   bookLegs,
		Reconciled: reconciled,
	})
	if err != nil {
		return err
	}

	engine, err := matcher.NewEngine(pipelineCfg, log)
	if err != nil {
		return err
	}

	var trace *matcher.Trace
	if withTrace {
		trace = matcher.NewTrace()
	}
	result, err := engine.Run(pool, trace)
	if err != nil {
		return err
	}

	out := &matchOutput{
		Report:    result.Report,
		Proposals: result.Proposals,
		Truncated: result.Truncated,
		Trace:     trace,
	}

	if applyMatches {
		if err := seedLedger(ctx, store, pool); err != nil {
			return err
		}
		summary, err := applier.NewApplier(store, log).Apply(ctx, companyID, result.Proposals)
		if err != nil {
			return err
		}
		out.Apply = summary
	}

	return renderOutput(out)
}

// seedLedger makes sure every pool leg exists in the ledger database before
// the apply phase locks them. Already reconciled rows keep their state.
func seedLedger(ctx context.Context, store *storage.SQLiteStore, pool *matcher.CandidatePool) error {
	records := make([]applier.LegRecord, 0, len(pool.Bank)+len(pool.Book))
	for _, leg := range pool.Bank {
		records = append(records, applier.LegRecord{ID: leg.ID, CompanyID: leg.CompanyID, Side: applier.SideBank})
	}
	for _, leg := range pool.Book {
		records = append(records, applier.LegRecord{ID: leg.ID, CompanyID: leg.CompanyID, Side: applier.SideBook})
	}
	return store.SeedLegs(ctx, records)
}

func buildLogger() (logger.Logger, error) {
	cfg := logger.DefaultConfig()
	if verbose || viper.GetBool("verbose") {
		cfg = logger.DebugConfig()
	}
	return logger.New(cfg)
}

func renderOutput(out *matchOutput) error {
	w := os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if outputFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	return renderConsole(w, out)
}

func renderConsole(w *os.File, out *matchOutput) error {
	r := out.Report
	fmt.Fprintf(w, "Reconciliation matching for company %s (%s)\n", r.CompanyID, r.CurrencyID)
	fmt.Fprintf(w, "  Bank legs: %d (%d matched, %d unmatched)\n", r.BankTotal, r.MatchedBank, r.UnmatchedBank)
	fmt.Fprintf(w, "  Book legs: %d (%d matched, %d unmatched)\n", r.BookTotal, r.MatchedBook, r.UnmatchedBook)
	fmt.Fprintf(w, "  Matched bank amount: %s\n", r.MatchedBankAmount.String())
	fmt.Fprintf(w, "  Elapsed: %s\n", r.Elapsed)
	if out.Truncated {
		fmt.Fprintf(w, "  WARNING: runtime budget exhausted, results truncated\n")
	}

	fmt.Fprintf(w, "\nProposals (%d):\n", len(out.Proposals))
	for _, p := range out.Proposals {
		marker := " "
		if p.IsPrimary {
			marker = "*"
		}
		fmt.Fprintf(w, "  %s [%-12s] bank=%v book=%v diff=%s confidence=%.4f rank=%d\n",
			marker, p.Kind, p.BankIDs, p.BookIDs, p.Difference.String(), p.Confidence, p.Rank)
	}

	if out.Apply != nil {
		fmt.Fprintf(w, "\nApply: %d eligible, %d applied, %d skipped\n",
			out.Apply.Eligible, out.Apply.Applied, out.Apply.Skipped)
		for _, o := range out.Apply.Outcomes {
			if o.Applied {
				fmt.Fprintf(w, "  applied bank=%v book=%v recon=%s\n",
					o.Proposal.BankIDs, o.Proposal.BookIDs, o.ReconciliationID)
			} else {
				fmt.Fprintf(w, "  skipped bank=%v book=%v reason=%s\n",
					o.Proposal.BankIDs, o.Proposal.BookIDs, o.Reason)
			}
		}
	}

	if out.Trace != nil {
		fmt.Fprintf(w, "\nStage diagnostics:\n")
		stages := make([]string, 0, len(out.Trace.Stages))
		for stage := range out.Trace.Stages {
			stages = append(stages, stage)
		}
		sort.Strings(stages)
		for _, stage := range stages {
			st := out.Trace.Stages[stage]
			fmt.Fprintf(w, "  %s: anchors=%d emitted=%d\n", stage, st.AnchorsScanned, st.Emitted)
			causes := make([]string, 0, len(st.Rejections))
			for cause := range st.Rejections {
				causes = append(causes, cause)
			}
			sort.Strings(causes)
			for _, cause := range causes {
				fmt.Fprintf(w, "    rejected %s: %d\n", cause, st.Rejections[cause])
			}
		}
	}
	return nil
}
