package applier

import (
	"context"
	"testing"
	"time"

	"bankrecon/internal/models"
	apperrors "bankrecon/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a scriptable LedgerStore for exercising per-proposal failure
// isolation. Legs are keyed by (side, id), matching the real stores.
type fakeStore struct {
	legs map[string]LegRecord

	lockErr   map[string]error // keyed by first bank id
	createErr error

	committed  []Reconciliation
	rolledBack int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		legs:    make(map[string]LegRecord),
		lockErr: make(map[string]error),
	}
}

func fakeKey(side, id string) string {
	return side + "/" + id
}

func (s *fakeStore) seed(id, companyID, side string, reconciled bool) {
	s.legs[fakeKey(side, id)] = LegRecord{ID: id, CompanyID: companyID, Side: side, Reconciled: reconciled}
}

func (s *fakeStore) BeginUnit(ctx context.Context) (Unit, error) {
	return &fakeUnit{store: s}, nil
}

type fakeUnit struct {
	store  *fakeStore
	recons []Reconciliation
	marked []string
}

func (u *fakeUnit) LockLegs(ctx context.Context, bankIDs, bookIDs []string) ([]LegRecord, error) {
	if len(bankIDs) > 0 {
		if err := u.store.lockErr[bankIDs[0]]; err != nil {
			return nil, err
		}
	}
	var records []LegRecord
	for _, id := range bankIDs {
		if rec, ok := u.store.legs[fakeKey(SideBank, id)]; ok {
			records = append(records, rec)
		}
	}
	for _, id := range bookIDs {
		if rec, ok := u.store.legs[fakeKey(SideBook, id)]; ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (u *fakeUnit) CreateReconciliation(ctx context.Context, rec Reconciliation) error {
	if u.store.createErr != nil {
		return u.store.createErr
	}
	u.recons = append(u.recons, rec)
	return nil
}

func (u *fakeUnit) MarkReconciled(ctx context.Context, reconID string, bankIDs, bookIDs []string) error {
	for _, id := range bankIDs {
		u.marked = append(u.marked, fakeKey(SideBank, id))
	}
	for _, id := range bookIDs {
		u.marked = append(u.marked, fakeKey(SideBook, id))
	}
	return nil
}

func (u *fakeUnit) Commit() error {
	u.store.committed = append(u.store.committed, u.recons...)
	for _, key := range u.marked {
		rec := u.store.legs[key]
		rec.Reconciled = true
		u.store.legs[key] = rec
	}
	return nil
}

func (u *fakeUnit) Rollback() error {
	u.store.rolledBack++
	return nil
}

func testProposal(kind models.MatchKind, bankID, bookID string, confidence float64, primary bool) models.MatchProposal {
	date, _ := models.ParseDate("2024-03-05")
	bank := models.NewBankLeg(bankID, "acme", decimal.RequireFromString("100.00"), "USD", date)
	book := models.BookLeg{
		ID: bookID, CompanyID: "acme", TransactionID: "t-" + bookID,
		Amount: decimal.RequireFromString("100.00"), Side: models.SideDebit,
		BankLinked: true, CurrencyID: "USD", Date: date,
	}
	p := models.NewMatchProposal(kind, []models.BankLeg{bank}, []models.BookLeg{book}, confidence)
	return p.WithRank(1, primary)
}

func seedFor(store *fakeStore, p models.MatchProposal) {
	for _, id := range p.BankIDs {
		store.seed(id, "acme", SideBank, false)
	}
	for _, id := range p.BookIDs {
		store.seed(id, "acme", SideBook, false)
	}
}

func TestApplyOnlyFullConfidencePrimaries(t *testing.T) {
	store := newFakeStore()
	exact := testProposal(models.MatchExact1to1, "bk1", "bl1", 1.0, true)
	fuzzy := testProposal(models.MatchFuzzy1to1, "bk2", "bl2", 0.93, true)
	alternative := testProposal(models.MatchExact1to1, "bk3", "bl3", 1.0, false)
	seedFor(store, exact)
	seedFor(store, fuzzy)
	seedFor(store, alternative)

	summary, err := NewApplier(store, nil).Apply(context.Background(), "acme",
		[]models.MatchProposal{exact, fuzzy, alternative})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Eligible)
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, 0, summary.Skipped)
	require.Len(t, store.committed, 1)
	assert.Equal(t, []string{"bk1"}, store.committed[0].BankIDs)
	assert.Equal(t, StatusMatched, store.committed[0].Status)
	assert.NotEmpty(t, summary.Outcomes[0].ReconciliationID)
}

func TestApplySkipsOverlapInBatch(t *testing.T) {
	store := newFakeStore()
	date, _ := models.ParseDate("2024-03-05")
	bank1 := models.NewBankLeg("bk1", "acme", decimal.RequireFromString("100.00"), "USD", date)
	bank2 := models.NewBankLeg("bk2", "acme", decimal.RequireFromString("100.00"), "USD", date)
	book := models.BookLeg{
		ID: "bl1", CompanyID: "acme", Amount: decimal.RequireFromString("100.00"),
		Side: models.SideDebit, BankLinked: true, CurrencyID: "USD", Date: date,
	}

	first := models.NewMatchProposal(models.MatchExact1to1, []models.BankLeg{bank1}, []models.BookLeg{book}, 1.0).WithRank(1, true)
	second := models.NewMatchProposal(models.MatchExact1to1, []models.BankLeg{bank2}, []models.BookLeg{book}, 1.0).WithRank(1, true)
	seedFor(store, first)
	seedFor(store, second)

	summary, err := NewApplier(store, nil).Apply(context.Background(), "acme",
		[]models.MatchProposal{first, second})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Eligible)
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, 1, summary.Skipped)

	// Processing order follows the id-based key, so bk1 wins and bk2 is the
	// overlap.
	assert.True(t, summary.Outcomes[0].Applied)
	assert.Equal(t, ReasonOverlapInBatch, summary.Outcomes[1].Reason)
}

func TestApplySkipsAlreadyReconciled(t *testing.T) {
	store := newFakeStore()
	p := testProposal(models.MatchExact1to1, "bk1", "bl1", 1.0, true)
	seedFor(store, p)
	store.seed("bl1", "acme", SideBook, true)

	summary, err := NewApplier(store, nil).Apply(context.Background(), "acme",
		[]models.MatchProposal{p})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Applied)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, ReasonAlreadyReconciled, summary.Outcomes[0].Reason)
	assert.Equal(t, 1, store.rolledBack)
	assert.Empty(t, store.committed)
}

func TestApplyVerifiesSidesSeparately(t *testing.T) {
	store := newFakeStore()
	// Bank and book ids are distinct namespaces: a reconciled bank leg must
	// block the proposal even when an unreconciled book leg shares its id.
	p := testProposal(models.MatchExact1to1, "L1", "L1", 1.0, true)
	store.seed("L1", "acme", SideBank, true)
	store.seed("L1", "acme", SideBook, false)

	summary, err := NewApplier(store, nil).Apply(context.Background(), "acme",
		[]models.MatchProposal{p})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Applied)
	require.Len(t, summary.Outcomes, 1)
	assert.Equal(t, ReasonAlreadyReconciled, summary.Outcomes[0].Reason)
	assert.Empty(t, store.committed)
}

func TestApplySkipsMixedCompany(t *testing.T) {
	store := newFakeStore()
	p := testProposal(models.MatchExact1to1, "bk1", "bl1", 1.0, true)
	store.seed("bk1", "acme", SideBank, false)
	store.seed("bl1", "globex", SideBook, false)

	summary, err := NewApplier(store, nil).Apply(context.Background(), "acme",
		[]models.MatchProposal{p})
	require.NoError(t, err)

	assert.Equal(t, ReasonMixedCompany, summary.Outcomes[0].Reason)
	assert.Empty(t, store.committed)
}

func TestApplySkipsMissingRecord(t *testing.T) {
	store := newFakeStore()
	p := testProposal(models.MatchExact1to1, "bk1", "bl1", 1.0, true)
	store.seed("bk1", "acme", SideBank, false)
	// bl1 never seeded.

	summary, err := NewApplier(store, nil).Apply(context.Background(), "acme",
		[]models.MatchProposal{p})
	require.NoError(t, err)

	assert.Equal(t, ReasonMissingRecord, summary.Outcomes[0].Reason)
}

func TestApplyIsolatesFailures(t *testing.T) {
	store := newFakeStore()
	failing := testProposal(models.MatchExact1to1, "bk1", "bl1", 1.0, true)
	healthy := testProposal(models.MatchExact1to1, "bk2", "bl2", 1.0, true)
	seedFor(store, failing)
	seedFor(store, healthy)
	store.lockErr["bk1"] = apperrors.ApplyError(apperrors.CodeLockConflict, "row locked", nil)

	summary, err := NewApplier(store, nil).Apply(context.Background(), "acme",
		[]models.MatchProposal{failing, healthy})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Eligible)
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, ReasonLockConflict, summary.Outcomes[0].Reason)
	assert.True(t, summary.Outcomes[1].Applied, "healthy proposal must still apply")
}

func TestApplyStorageFailureReason(t *testing.T) {
	store := newFakeStore()
	p := testProposal(models.MatchExact1to1, "bk1", "bl1", 1.0, true)
	seedFor(store, p)
	store.createErr = apperrors.StorageError("insert", context.DeadlineExceeded)

	summary, err := NewApplier(store, nil).Apply(context.Background(), "acme",
		[]models.MatchProposal{p})
	require.NoError(t, err)

	assert.Equal(t, ReasonStorageFailure, summary.Outcomes[0].Reason)
	assert.Equal(t, 1, store.rolledBack)
}

func TestApplySummaryInvariant(t *testing.T) {
	store := newFakeStore()
	proposals := []models.MatchProposal{
		testProposal(models.MatchExact1to1, "bk1", "bl1", 1.0, true),
		testProposal(models.MatchExact1to1, "bk2", "bl2", 1.0, true),
		testProposal(models.MatchFuzzy1to1, "bk3", "bl3", 0.8, true),
	}
	for _, p := range proposals {
		seedFor(store, p)
	}
	store.lockErr["bk2"] = apperrors.ApplyError(apperrors.CodeLockConflict, "row locked", nil)

	summary, err := NewApplier(store, nil).Apply(context.Background(), "acme", proposals)
	require.NoError(t, err)

	assert.Equal(t, summary.Eligible, summary.Applied+summary.Skipped)
	assert.Len(t, summary.Outcomes, summary.Eligible)
}

func TestApplyRecordsTimestamps(t *testing.T) {
	store := newFakeStore()
	p := testProposal(models.MatchExact1to1, "bk1", "bl1", 1.0, true)
	seedFor(store, p)

	applier := NewApplier(store, nil)
	fixed := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	applier.now = func() time.Time { return fixed }
	applier.newID = func() string { return "recon-fixed" }

	summary, err := applier.Apply(context.Background(), "acme", []models.MatchProposal{p})
	require.NoError(t, err)

	require.Len(t, store.committed, 1)
	assert.Equal(t, "recon-fixed", store.committed[0].ID)
	assert.Equal(t, fixed, store.committed[0].CreatedAt)
	assert.Equal(t, "recon-fixed", summary.Outcomes[0].ReconciliationID)
}
