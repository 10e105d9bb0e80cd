package matcher

import (
	"testing"
	"time"

	"bankrecon/internal/models"
)

// runPipeline selects candidates and runs the engine with the given config.
func runPipeline(t *testing.T, cfg *PipelineConfig, bank []models.BankLeg, book []models.BookLeg) *RunResult {
	t.Helper()

	pool, err := SelectCandidates(PoolInput{CompanyID: "acme", BankLegs: bank, BookLegs: book})
	if err != nil {
		t.Fatalf("SelectCandidates failed: %v", err)
	}
	engine, err := NewEngine(cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	result, err := engine.Run(pool, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return result
}

func singleStage(sc StageConfig) *PipelineConfig {
	return &PipelineConfig{
		Stages:         []StageConfig{sc},
		MaxSuggestions: 50,
		Weights:        Weights{Amount: 0.5, Date: 0.3, Currency: 0.2},
	}
}

func TestExactStageMatchesSameAmountSameDate(t *testing.T) {
	result := runPipeline(t, singleStage(StageConfig{Kind: StageExact1to1}),
		[]models.BankLeg{createTestBankLeg("bk1", "500.00", "2024-03-05")},
		[]models.BookLeg{bankDebit("bl1", "500.00", "2024-03-05")})

	if len(result.Proposals) != 1 {
		t.Fatalf("got %d proposals, want 1", len(result.Proposals))
	}
	p := result.Proposals[0]
	if p.Kind != models.MatchExact1to1 {
		t.Errorf("kind = %s, want exact_1to1", p.Kind)
	}
	if p.Confidence != 1.0 {
		t.Errorf("confidence = %f, want 1.0", p.Confidence)
	}
	if !p.IsPrimary || p.Rank != 1 {
		t.Errorf("exact match should be primary rank 1, got primary=%v rank=%d", p.IsPrimary, p.Rank)
	}
}

func TestExactStageRejectsDifferentDate(t *testing.T) {
	result := runPipeline(t, singleStage(StageConfig{Kind: StageExact1to1}),
		[]models.BankLeg{createTestBankLeg("bk1", "500.00", "2024-03-05")},
		[]models.BookLeg{bankDebit("bl1", "500.00", "2024-03-06")})

	if len(result.Proposals) != 0 {
		t.Errorf("exact stage must not match across dates, got %d proposals", len(result.Proposals))
	}
}

func TestExactStageSumsTransactionLegs(t *testing.T) {
	// Two legs of one journal transaction: 400 + 600 sum to the bank 1000.
	legA := createTestBookLeg("bl1", "txn-split", "400.00", models.SideDebit, "2024-03-05")
	legB := createTestBookLeg("bl2", "txn-split", "600.00", models.SideDebit, "2024-03-05")

	result := runPipeline(t, singleStage(StageConfig{Kind: StageExact1to1}),
		[]models.BankLeg{createTestBankLeg("bk1", "1000.00", "2024-03-05")},
		[]models.BookLeg{legA, legB})

	if len(result.Proposals) != 1 {
		t.Fatalf("got %d proposals, want 1", len(result.Proposals))
	}
	p := result.Proposals[0]
	if len(p.BookIDs) != 2 {
		t.Errorf("transaction legs = %v, want both bl1 and bl2", p.BookIDs)
	}
	if p.Confidence != 1.0 {
		t.Errorf("confidence = %f, want 1.0", p.Confidence)
	}
}

func TestExactStageMatchesCreditWithdrawal(t *testing.T) {
	// A bank withdrawal is negative; the book records it as a credit leg.
	credit := createTestBookLeg("bl1", "txn-w", "200.00", models.SideCredit, "2024-03-05")

	result := runPipeline(t, singleStage(StageConfig{Kind: StageExact1to1}),
		[]models.BankLeg{createTestBankLeg("bk1", "-200.00", "2024-03-05")},
		[]models.BookLeg{credit})

	if len(result.Proposals) != 1 {
		t.Fatalf("got %d proposals, want 1", len(result.Proposals))
	}
}

func TestExactStageFirstWinsIsDeterministic(t *testing.T) {
	// Two identical book transactions compete for one bank leg; the scan
	// order (bank by id, transactions by id) makes bl1 the winner.
	result := runPipeline(t, singleStage(StageConfig{Kind: StageExact1to1}),
		[]models.BankLeg{createTestBankLeg("bk1", "100.00", "2024-03-05")},
		[]models.BookLeg{
			bankDebit("bl2", "100.00", "2024-03-05"),
			bankDebit("bl1", "100.00", "2024-03-05"),
		})

	if len(result.Proposals) != 1 {
		t.Fatalf("got %d proposals, want 1", len(result.Proposals))
	}
	if result.Proposals[0].BookIDs[0] != "bl1" {
		t.Errorf("winner = %s, want bl1 (stable scan order)", result.Proposals[0].BookIDs[0])
	}
}

func TestFuzzyStageToleranceBand(t *testing.T) {
	cfg := singleStage(StageConfig{
		Kind:              StageFuzzy1to1,
		AmountTolerance:   dec("0.05"),
		DateToleranceDays: 3,
		MaxAlternatives:   5,
	})

	result := runPipeline(t, cfg,
		[]models.BankLeg{createTestBankLeg("bk1", "100.00", "2024-03-05")},
		[]models.BookLeg{
			bankDebit("bl1", "100.03", "2024-03-06"), // inside both tolerances
			bankDebit("bl2", "100.10", "2024-03-05"), // amount outside
			bankDebit("bl3", "100.00", "2024-03-12"), // date outside
		})

	if len(result.Proposals) != 1 {
		t.Fatalf("got %d proposals, want 1", len(result.Proposals))
	}
	p := result.Proposals[0]
	if p.BookIDs[0] != "bl1" {
		t.Errorf("matched %s, want bl1", p.BookIDs[0])
	}
	if p.Confidence >= 1.0 || p.Confidence <= 0.0 {
		t.Errorf("fuzzy confidence = %f, want strictly between 0 and 1", p.Confidence)
	}
}

func TestFuzzyStageRanksAlternatives(t *testing.T) {
	cfg := singleStage(StageConfig{
		Kind:              StageFuzzy1to1,
		AmountTolerance:   dec("1.00"),
		DateToleranceDays: 3,
		MaxAlternatives:   5,
	})

	result := runPipeline(t, cfg,
		[]models.BankLeg{createTestBankLeg("bk1", "100.00", "2024-03-05")},
		[]models.BookLeg{
			bankDebit("bl1", "100.00", "2024-03-06"),
			bankDebit("bl2", "100.50", "2024-03-06"),
		})

	if len(result.Proposals) != 2 {
		t.Fatalf("got %d proposals, want 2", len(result.Proposals))
	}

	var primaries int
	for _, p := range result.Proposals {
		if p.IsPrimary {
			primaries++
			if p.BookIDs[0] != "bl1" {
				t.Errorf("primary = %s, want bl1 (closer amount)", p.BookIDs[0])
			}
			if p.Rank != 1 {
				t.Errorf("primary rank = %d, want 1", p.Rank)
			}
		}
	}
	if primaries != 1 {
		t.Errorf("primaries = %d, want exactly 1 per anchor", primaries)
	}
}

func TestFuzzyStageCapsAlternatives(t *testing.T) {
	cfg := singleStage(StageConfig{
		Kind:              StageFuzzy1to1,
		AmountTolerance:   dec("5.00"),
		DateToleranceDays: 3,
		MaxAlternatives:   2,
	})

	book := []models.BookLeg{
		bankDebit("bl1", "100.00", "2024-03-05"),
		bankDebit("bl2", "101.00", "2024-03-05"),
		bankDebit("bl3", "102.00", "2024-03-05"),
		bankDebit("bl4", "103.00", "2024-03-05"),
	}
	result := runPipeline(t, cfg,
		[]models.BankLeg{createTestBankLeg("bk1", "100.00", "2024-03-05")}, book)

	if len(result.Proposals) != 2 {
		t.Errorf("got %d proposals, want 2 (capped)", len(result.Proposals))
	}
}

func TestOneToManyFindsGroup(t *testing.T) {
	cfg := singleStage(StageConfig{
		Kind:              StageOneToMany,
		DateToleranceDays: 5,
		MaxGroupSize:      5,
		MaxAlternatives:   3,
	})

	result := runPipeline(t, cfg,
		[]models.BankLeg{createTestBankLeg("bk1", "1000.00", "2024-03-05")},
		[]models.BookLeg{
			bankDebit("bl1", "400.00", "2024-03-04"),
			bankDebit("bl2", "600.00", "2024-03-06"),
			bankDebit("bl3", "999.00", "2024-03-05"), // no exact subset with this one
		})

	if len(result.Proposals) != 1 {
		t.Fatalf("got %d proposals, want 1", len(result.Proposals))
	}
	p := result.Proposals[0]
	if p.Kind != models.MatchOneToMany {
		t.Errorf("kind = %s, want one_to_many", p.Kind)
	}
	if len(p.BookIDs) != 2 || p.BookIDs[0] != "bl1" || p.BookIDs[1] != "bl2" {
		t.Errorf("group = %v, want [bl1 bl2]", p.BookIDs)
	}
	if !p.Difference.IsZero() {
		t.Errorf("difference = %s, want 0", p.Difference)
	}
}

func TestOneToManyAllInShortcut(t *testing.T) {
	// Forty installments of 25.00 against one 1000.00 bank leg. Feasibility
	// proves sizes 1..39 dead and the all-in shortcut finds the full set,
	// so the run finishes immediately despite the huge subset space.
	bank := []models.BankLeg{createTestBankLeg("bk1", "1000.00", "2024-03-05")}
	book := make([]models.BookLeg, 40)
	for i := range book {
		book[i] = bankDebit(legID("bl", i), "25.00", "2024-03-05")
	}

	cfg := singleStage(StageConfig{
		Kind:              StageOneToMany,
		DateToleranceDays: 5,
		MaxGroupSize:      40,
		MaxAlternatives:   3,
	})
	cfg.MaxRuntime = 5 * time.Second

	start := time.Now()
	result := runPipeline(t, cfg, bank, book)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %s, the pruned search should be near-instant", elapsed)
	}

	if result.Truncated {
		t.Fatal("run should finish inside the budget")
	}
	if len(result.Proposals) != 1 {
		t.Fatalf("got %d proposals, want 1", len(result.Proposals))
	}
	if got := len(result.Proposals[0].BookIDs); got != 40 {
		t.Errorf("group size = %d, want 40", got)
	}
}

func TestOneToManyRejectsMixedSigns(t *testing.T) {
	strictSigns := singleStage(StageConfig{
		Kind:              StageOneToMany,
		DateToleranceDays: 5,
		MaxGroupSize:      5,
		MaxAlternatives:   3,
	})

	// 1200 - 200 reaches 1000 but mixes signs.
	book := []models.BookLeg{
		bankDebit("bl1", "1200.00", "2024-03-05"),
		createTestBookLeg("bl2", "txn-r", "200.00", models.SideCredit, "2024-03-05"),
	}
	bank := []models.BankLeg{createTestBankLeg("bk1", "1000.00", "2024-03-05")}

	result := runPipeline(t, strictSigns, bank, book)
	if len(result.Proposals) != 0 {
		t.Errorf("mixed-sign group should be rejected, got %d proposals", len(result.Proposals))
	}

	mixedOK := singleStage(StageConfig{
		Kind:              StageOneToMany,
		DateToleranceDays: 5,
		MaxGroupSize:      5,
		AllowMixedSigns:   true,
		MaxAlternatives:   3,
	})
	result = runPipeline(t, mixedOK, bank, book)
	if len(result.Proposals) != 1 {
		t.Errorf("mixed-sign group should match when allowed, got %d proposals", len(result.Proposals))
	}
}

func TestOneToManyRespectsSpanLimit(t *testing.T) {
	cfg := singleStage(StageConfig{
		Kind:              StageOneToMany,
		DateToleranceDays: 10,
		MaxGroupSize:      3,
		MaxSpanDays:       2,
		MaxAlternatives:   3,
	})

	result := runPipeline(t, cfg,
		[]models.BankLeg{createTestBankLeg("bk1", "1000.00", "2024-03-10")},
		[]models.BookLeg{
			bankDebit("bl1", "400.00", "2024-03-03"),
			bankDebit("bl2", "600.00", "2024-03-17"),
		})

	if len(result.Proposals) != 0 {
		t.Errorf("group spanning 14 days should be rejected with a 2-day span limit")
	}
}

func TestManyToOneFindsGroup(t *testing.T) {
	cfg := singleStage(StageConfig{
		Kind:              StageManyToOne,
		DateToleranceDays: 5,
		MaxGroupSize:      5,
		MaxAlternatives:   3,
	})

	result := runPipeline(t, cfg,
		[]models.BankLeg{
			createTestBankLeg("bk1", "300.00", "2024-03-04"),
			createTestBankLeg("bk2", "700.00", "2024-03-06"),
		},
		[]models.BookLeg{bankDebit("bl1", "1000.00", "2024-03-05")})

	if len(result.Proposals) != 1 {
		t.Fatalf("got %d proposals, want 1", len(result.Proposals))
	}
	p := result.Proposals[0]
	if p.Kind != models.MatchManyToOne {
		t.Errorf("kind = %s, want many_to_one", p.Kind)
	}
	if len(p.BankIDs) != 2 {
		t.Errorf("bank group = %v, want two legs", p.BankIDs)
	}
}

func TestManyToManyFindsGroups(t *testing.T) {
	cfg := singleStage(StageConfig{
		Kind:              StageManyToMany,
		DateToleranceDays: 3,
		MaxGroupSize:      2,
		MaxAlternatives:   3,
	})

	// 150 + 250 on the bank side corresponds to 180 + 220 on the book side.
	result := runPipeline(t, cfg,
		[]models.BankLeg{
			createTestBankLeg("bk1", "150.00", "2024-03-05"),
			createTestBankLeg("bk2", "250.00", "2024-03-05"),
		},
		[]models.BookLeg{
			bankDebit("bl1", "180.00", "2024-03-05"),
			bankDebit("bl2", "220.00", "2024-03-05"),
		})

	found := false
	for _, p := range result.Proposals {
		if len(p.BankIDs) == 2 && len(p.BookIDs) == 2 {
			found = true
			if !p.Difference.IsZero() {
				t.Errorf("2x2 group difference = %s, want 0", p.Difference)
			}
		}
	}
	if !found {
		t.Errorf("expected a 2x2 group among %d proposals", len(result.Proposals))
	}

	// The same (bank_ids, book_ids) combination must appear only once even
	// though multiple anchors could generate it.
	seen := make(map[string]int)
	for _, p := range result.Proposals {
		seen[p.GroupKey()]++
	}
	for key, n := range seen {
		if n > 1 {
			t.Errorf("combination %s emitted %d times", key, n)
		}
	}
}

func TestManyToManyRejectsMixedSignBookGroup(t *testing.T) {
	strictSigns := singleStage(StageConfig{
		Kind:              StageManyToMany,
		DateToleranceDays: 3,
		MaxGroupSize:      2,
		MaxAlternatives:   3,
	})

	// 100 + 300 on the bank side reaches 500 - 100 on the book side only
	// by mixing book signs.
	bank := []models.BankLeg{
		createTestBankLeg("bk1", "100.00", "2024-03-05"),
		createTestBankLeg("bk2", "300.00", "2024-03-05"),
	}
	book := []models.BookLeg{
		bankDebit("bl1", "500.00", "2024-03-05"),
		createTestBookLeg("bl2", "txn-r", "100.00", models.SideCredit, "2024-03-05"),
	}

	result := runPipeline(t, strictSigns, bank, book)
	if len(result.Proposals) != 0 {
		t.Errorf("mixed-sign book group should be rejected, got %d proposals", len(result.Proposals))
	}

	mixedOK := singleStage(StageConfig{
		Kind:              StageManyToMany,
		DateToleranceDays: 3,
		MaxGroupSize:      2,
		AllowMixedSigns:   true,
		MaxAlternatives:   3,
	})
	result = runPipeline(t, mixedOK, bank, book)
	if len(result.Proposals) != 1 {
		t.Errorf("mixed-sign book group should match when allowed, got %d proposals", len(result.Proposals))
	}
}

func TestManyToManyBoundsAveragePairwiseDateDelta(t *testing.T) {
	cfg := singleStage(StageConfig{
		Kind:              StageManyToMany,
		DateToleranceDays: 3,
		MaxGroupSize:      2,
		MaxSpanDays:       6,
		MaxAlternatives:   3,
	})

	bank := []models.BankLeg{
		createTestBankLeg("bk1", "150.00", "2024-03-05"),
		createTestBankLeg("bk2", "250.00", "2024-03-08"),
	}

	// Every leg sits inside the anchor's window, but the cross-side day
	// distances average 4.5: beyond tolerance, so the group is excluded
	// rather than merely penalized.
	farBooks := []models.BookLeg{
		bankDebit("bl1", "180.00", "2024-03-02"),
		bankDebit("bl2", "220.00", "2024-03-02"),
	}
	result := runPipeline(t, cfg, bank, farBooks)
	if len(result.Proposals) != 0 {
		t.Errorf("group with average date delta 4.5 should be excluded, got %d proposals", len(result.Proposals))
	}

	// Two days closer the average drops to 2.5 and the group matches.
	nearBooks := []models.BookLeg{
		bankDebit("bl1", "180.00", "2024-03-04"),
		bankDebit("bl2", "220.00", "2024-03-04"),
	}
	result = runPipeline(t, cfg, bank, nearBooks)
	found := false
	for _, p := range result.Proposals {
		if len(p.BankIDs) == 2 && len(p.BookIDs) == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("group with average date delta 2.5 should match, got %d proposals", len(result.Proposals))
	}
}

func legID(prefix string, i int) string {
	return prefix + string(rune('a'+i/26)) + string(rune('a'+i%26))
}
