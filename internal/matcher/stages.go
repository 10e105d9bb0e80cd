package matcher

import (
	"sort"
	"time"

	"bankrecon/internal/models"

	"github.com/shopspring/decimal"
)

// maxCombosPerAnchor bounds the combinations tried for one anchor so a
// pathological window cannot stall the run between budget checks.
const maxCombosPerAnchor = 50000

// runStage dispatches exhaustively over the closed stage set.
func (e *Engine) runStage(cfg StageConfig, pool *CandidatePool, rs *runState) []models.MatchProposal {
	switch cfg.Kind {
	case StageExact1to1:
		return e.exactOneToOne(cfg, pool, rs)
	case StageFuzzy1to1:
		return e.fuzzyOneToOne(cfg, pool, rs)
	case StageOneToMany:
		return e.oneToMany(cfg, pool, rs)
	case StageManyToOne:
		return e.manyToOne(cfg, pool, rs)
	case StageManyToMany:
		return e.manyToMany(cfg, pool, rs)
	default:
		return nil
	}
}

// bookTxn aggregates the book legs of one journal transaction for
// transaction-level exact matching.
type bookTxn struct {
	id   string
	legs []models.BookLeg
	sum  decimal.Decimal
}

// date returns the transaction date used for exact matching: the latest leg
// date when legs disagree.
func (t *bookTxn) date() (latest int64) {
	for _, leg := range t.legs {
		if d := models.DateOnly(leg.Date).Unix(); d > latest {
			latest = d
		}
	}
	return latest
}

// groupBookByTransaction groups the pool's book legs by parent transaction.
// Legs without a transaction id stand alone. Transactions come back sorted
// by id for a stable scan order.
func groupBookByTransaction(legs []models.BookLeg) []*bookTxn {
	byID := make(map[string]*bookTxn)
	for _, leg := range legs {
		key := leg.TransactionID
		if key == "" {
			key = "leg:" + leg.ID
		}
		txn, ok := byID[key]
		if !ok {
			txn = &bookTxn{id: key, sum: decimal.Zero}
			byID[key] = txn
		}
		txn.legs = append(txn.legs, leg)
		txn.sum = txn.sum.Add(leg.EffectiveAmount())
	}

	txns := make([]*bookTxn, 0, len(byID))
	for _, txn := range byID {
		sort.Slice(txn.legs, func(i, j int) bool { return txn.legs[i].ID < txn.legs[j].ID })
		txns = append(txns, txn)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].id < txns[j].id })
	return txns
}

// exactOneToOne pairs a bank leg with a book transaction only when the
// transaction's summed signed amount equals the bank amount exactly on the
// same date. Bank legs are scanned sorted by id and the first satisfying
// transaction wins; both sides are consumed immediately so exact matches
// never compete as alternatives.
func (e *Engine) exactOneToOne(cfg StageConfig, pool *CandidatePool, rs *runState) []models.MatchProposal {
	txns := groupBookByTransaction(pool.Book)

	banks := make([]models.BankLeg, len(pool.Bank))
	copy(banks, pool.Bank)
	sort.Slice(banks, func(i, j int) bool { return banks[i].ID < banks[j].ID })

	usedTxn := make(map[string]bool)
	var proposals []models.MatchProposal

	for _, bank := range banks {
		rs.trace.anchor(cfg.Kind)
		bankDate := models.DateOnly(bank.Date).Unix()

		for _, txn := range txns {
			if usedTxn[txn.id] {
				continue
			}
			if !bank.Amount.Equal(txn.sum) {
				rs.trace.reject(cfg.Kind, rejectAmountOutsideTolerance)
				continue
			}
			if txn.date() != bankDate {
				rs.trace.reject(cfg.Kind, rejectDateOutsideTolerance)
				continue
			}

			usedTxn[txn.id] = true
			proposals = append(proposals, models.NewMatchProposal(
				models.MatchExact1to1, []models.BankLeg{bank}, txn.legs, 1.0))
			break
		}
	}

	rs.trace.emitted(cfg.Kind, len(proposals))
	return proposals
}

// fuzzyOneToOne emits a proposal for every remaining (bank, book) pair whose
// amount and date deltas fall within the stage tolerances. Candidates are
// not consumed here; primary selection happens at ranking time so no record
// is double-used.
func (e *Engine) fuzzyOneToOne(cfg StageConfig, pool *CandidatePool, rs *runState) []models.MatchProposal {
	bookIdx := newBookDateIndex(pool.Book)
	var proposals []models.MatchProposal

	for _, bank := range pool.Bank {
		rs.trace.anchor(cfg.Kind)
		if rs.expired() {
			break
		}

		from, to := windowAround(bank.Date, cfg.DateToleranceDays)
		window := bookIdx.Window(from, to)
		if len(window) == 0 {
			rs.trace.reject(cfg.Kind, rejectEmptyWindow)
			continue
		}

		var anchorProposals []models.MatchProposal
		for _, book := range window {
			amountDiff := bank.Amount.Sub(book.EffectiveAmount()).Abs()
			if amountDiff.GreaterThan(cfg.AmountTolerance) {
				rs.trace.reject(cfg.Kind, rejectAmountOutsideTolerance)
				continue
			}

			dateDiff := models.DaysBetween(bank.Date, book.Date)
			sim := models.CosineSimilarity(bank.Embedding, book.Embedding)
			scores := Score(amountDiff, cfg.AmountTolerance, float64(dateDiff),
				float64(cfg.DateToleranceDays), true, sim, e.cfg.Weights)

			anchorProposals = append(anchorProposals, models.NewMatchProposal(
				models.MatchFuzzy1to1, []models.BankLeg{bank}, []models.BookLeg{book}, scores.Global))
		}

		proposals = append(proposals, capAlternatives(anchorProposals, cfg.alternativesCap())...)
	}

	rs.trace.emitted(cfg.Kind, len(proposals))
	return proposals
}

// oneToMany matches one anchor bank leg against groups of book legs inside
// the anchor's date window. Group sizes are pruned with subset-sum
// feasibility bounds before any combination is enumerated, and the whole
// window is tested first so the "only the full set reaches the target" case
// costs one check.
func (e *Engine) oneToMany(cfg StageConfig, pool *CandidatePool, rs *runState) []models.MatchProposal {
	bookIdx := newBookDateIndex(pool.Book)
	var proposals []models.MatchProposal

	for _, bank := range pool.Bank {
		rs.trace.anchor(cfg.Kind)
		if rs.expired() {
			break
		}

		from, to := windowAround(bank.Date, cfg.DateToleranceDays)
		window := bookIdx.Window(from, to)
		window = filterBookSigns(window, bank.Amount, cfg.AllowMixedSigns)
		if len(window) == 0 {
			rs.trace.reject(cfg.Kind, rejectEmptyWindow)
			continue
		}

		amounts := make([]decimal.Decimal, len(window))
		dates := make([]int64, len(window))
		for i, leg := range window {
			amounts[i] = leg.EffectiveAmount()
			dates[i] = models.DateOnly(leg.Date).Unix()
		}

		groups := e.searchGroups(cfg, rs, groupSearch{
			target:     bank.Amount,
			amounts:    amounts,
			dates:      dates,
			maxSize:    cfg.groupSize(),
			spanDays:   cfg.spanDays(),
			allowMixed: cfg.AllowMixedSigns,
		})

		var anchorProposals []models.MatchProposal
		for _, idx := range groups {
			members := pickBook(window, idx)
			scores := e.scoreGroup(cfg, bank.Amount, sumBookEffective(members),
				avgDaysToAnchor(bank.Date, bookDates(members)))
			anchorProposals = append(anchorProposals, models.NewMatchProposal(
				models.MatchOneToMany, []models.BankLeg{bank}, members, scores.Global))
		}

		proposals = append(proposals, capAlternatives(anchorProposals, cfg.alternativesCap())...)
	}

	rs.trace.emitted(cfg.Kind, len(proposals))
	return proposals
}

// manyToOne is the mirror of oneToMany: the anchor is a book leg and groups
// of bank legs are searched against its effective amount.
func (e *Engine) manyToOne(cfg StageConfig, pool *CandidatePool, rs *runState) []models.MatchProposal {
	bankIdx := newBankDateIndex(pool.Bank)
	var proposals []models.MatchProposal

	for _, book := range pool.Book {
		rs.trace.anchor(cfg.Kind)
		if rs.expired() {
			break
		}

		target := book.EffectiveAmount()
		from, to := windowAround(book.Date, cfg.DateToleranceDays)
		window := bankIdx.Window(from, to)
		window = filterBankSigns(window, target, cfg.AllowMixedSigns)
		if len(window) == 0 {
			rs.trace.reject(cfg.Kind, rejectEmptyWindow)
			continue
		}

		amounts := make([]decimal.Decimal, len(window))
		dates := make([]int64, len(window))
		for i, leg := range window {
			amounts[i] = leg.Amount
			dates[i] = models.DateOnly(leg.Date).Unix()
		}

		groups := e.searchGroups(cfg, rs, groupSearch{
			target:     target,
			amounts:    amounts,
			dates:      dates,
			maxSize:    cfg.groupSize(),
			spanDays:   cfg.spanDays(),
			allowMixed: cfg.AllowMixedSigns,
		})

		var anchorProposals []models.MatchProposal
		for _, idx := range groups {
			members := pickBank(window, idx)
			scores := e.scoreGroup(cfg, sumBankAmounts(members), target,
				avgDaysToAnchor(book.Date, bankDates(members)))
			anchorProposals = append(anchorProposals, models.NewMatchProposal(
				models.MatchManyToOne, members, []models.BookLeg{book}, scores.Global))
		}

		proposals = append(proposals, capAlternatives(anchorProposals, cfg.alternativesCap())...)
	}

	rs.trace.emitted(cfg.Kind, len(proposals))
	return proposals
}

// manyToMany searches windowed subsets on both sides. Bank subsets are built
// around each anchor leg (the anchor is always the sorted-first member, so a
// group is generated exactly once); for every bank subset the book side is
// feasibility-pruned against the subset's sum. Duplicate (bank_ids,
// book_ids) combinations are suppressed via a seen-set.
func (e *Engine) manyToMany(cfg StageConfig, pool *CandidatePool, rs *runState) []models.MatchProposal {
	bankIdx := newBankDateIndex(pool.Bank)
	bookIdx := newBookDateIndex(pool.Book)

	seen := make(map[string]bool)
	var proposals []models.MatchProposal

	for _, anchor := range bankIdx.legs {
		rs.trace.anchor(cfg.Kind)
		if rs.expired() {
			break
		}

		from, to := windowAround(anchor.Date, cfg.DateToleranceDays)

		// Bank-side window restricted to legs at or after the anchor in the
		// sorted order, so every subset has a unique generating anchor.
		bankWindow := trimBefore(bankIdx.Window(from, to), anchor.ID)
		bookWindow := bookIdx.Window(from, to)
		if len(bankWindow) == 0 || len(bookWindow) == 0 {
			rs.trace.reject(cfg.Kind, rejectEmptyWindow)
			continue
		}

		bookAmounts := make([]decimal.Decimal, len(bookWindow))
		bookDays := make([]int64, len(bookWindow))
		for i, leg := range bookWindow {
			bookAmounts[i] = leg.EffectiveAmount()
			bookDays[i] = models.DateOnly(leg.Date).Unix()
		}
		bookLow, bookHigh := reachableRange(bookAmounts, cfg.groupSize())

		bankAmounts := make([]decimal.Decimal, len(bankWindow))
		bankDays := make([]int64, len(bankWindow))
		for i, leg := range bankWindow {
			bankAmounts[i] = leg.Amount
			bankDays[i] = models.DateOnly(leg.Date).Unix()
		}

		var anchorProposals []models.MatchProposal
		combos := 0

		for g := 1; g <= cfg.groupSize() && g <= len(bankWindow); g++ {
			if rs.expired() {
				break
			}
			// Bank-side feasibility: skip sizes whose reachable sums cannot
			// intersect the book side's reachable band.
			low, high := sizeBounds(bankAmounts, g)
			if low.GreaterThan(bookHigh.Add(cfg.AmountTolerance)) || high.LessThan(bookLow.Sub(cfg.AmountTolerance)) {
				rs.trace.reject(cfg.Kind, rejectInfeasibleGroup)
				continue
			}

			// The anchor is member zero of every subset; choose g-1 others.
			stop := false
			forEachCombination(len(bankWindow)-1, g-1, func(rest []int) bool {
				combos++
				if combos > maxCombosPerAnchor || rs.expired() {
					stop = true
					return false
				}

				bankSel := make([]int, 0, g)
				bankSel = append(bankSel, 0)
				for _, r := range rest {
					bankSel = append(bankSel, r+1)
				}

				if !spanOK(bankDays, bankSel, cfg.spanDays()) {
					rs.trace.reject(cfg.Kind, rejectSpanExceeded)
					return true
				}
				if !cfg.AllowMixedSigns && !uniformSigns(bankAmounts, bankSel) {
					rs.trace.reject(cfg.Kind, rejectMixedSigns)
					return true
				}

				target := sumSelected(bankAmounts, bankSel)
				bookGroups := e.searchGroups(cfg, rs, groupSearch{
					target:     target,
					amounts:    bookAmounts,
					dates:      bookDays,
					maxSize:    cfg.groupSize(),
					spanDays:   cfg.spanDays(),
					allowMixed: cfg.AllowMixedSigns,
				})

				for _, bookSel := range bookGroups {
					bankMembers := pickBank(bankWindow, bankSel)
					bookMembers := pickBook(bookWindow, bookSel)

					avgDelta := avgPairwiseDays(bankDates(bankMembers), bookDates(bookMembers))
					if avgDelta > float64(cfg.DateToleranceDays) {
						rs.trace.reject(cfg.Kind, rejectDateOutsideTolerance)
						continue
					}

					scores := e.scoreGroup(cfg, sumBankAmounts(bankMembers), sumBookEffective(bookMembers),
						avgDelta)
					p := models.NewMatchProposal(models.MatchManyToMany, bankMembers, bookMembers, scores.Global)
					if seen[p.GroupKey()] {
						continue
					}
					seen[p.GroupKey()] = true
					anchorProposals = append(anchorProposals, p)
				}
				return true
			})
			if stop {
				break
			}
		}

		proposals = append(proposals, capAlternatives(anchorProposals, cfg.alternativesCap())...)
	}

	rs.trace.emitted(cfg.Kind, len(proposals))
	return proposals
}

// groupSearch describes one subset-sum search over a windowed candidate
// side.
type groupSearch struct {
	target     decimal.Decimal
	amounts    []decimal.Decimal
	dates      []int64
	maxSize    int
	spanDays   int
	allowMixed bool
}

// searchGroups returns the index sets of subsets whose sums land inside the
// tolerance band, after feasibility pruning and the all-in shortcut. Results
// follow a fixed lexicographic enumeration order.
func (e *Engine) searchGroups(cfg StageConfig, rs *runState, search groupSearch) [][]int {
	n := len(search.amounts)
	if n == 0 {
		return nil
	}
	maxSize := search.maxSize
	if maxSize > n {
		maxSize = n
	}

	feas := GroupFeasibility(search.amounts, search.target, cfg.AmountTolerance, maxSize)
	if feas.Infeasible() {
		rs.trace.reject(cfg.Kind, rejectInfeasibleGroup)
		return nil
	}

	var groups [][]int

	// All-in shortcut: the full window as a single candidate group.
	allIn := false
	if maxSize == n && withinBand(sumAll(search.amounts), search.target, cfg.AmountTolerance) {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		if spanOK(search.dates, all, search.spanDays) &&
			(search.allowMixed || signsAgree(search.amounts, all, search.target.Sign())) {
			groups = append(groups, all)
			allIn = true
		}
	}

	combos := 0
	for g := feas.MinSize; g <= maxSize; g++ {
		if !feas.FeasibleAt(g) {
			continue
		}
		if g == n && allIn {
			continue
		}
		if rs.expired() {
			break
		}

		stop := false
		forEachCombination(n, g, func(idx []int) bool {
			combos++
			if combos > maxCombosPerAnchor || rs.expired() {
				stop = true
				return false
			}

			if !withinBand(sumSelected(search.amounts, idx), search.target, cfg.AmountTolerance) {
				return true
			}
			if !spanOK(search.dates, idx, search.spanDays) {
				rs.trace.reject(cfg.Kind, rejectSpanExceeded)
				return true
			}
			if !search.allowMixed && !signsAgree(search.amounts, idx, search.target.Sign()) {
				rs.trace.reject(cfg.Kind, rejectMixedSigns)
				return true
			}

			sel := make([]int, g)
			copy(sel, idx)
			groups = append(groups, sel)
			return true
		})
		if stop {
			break
		}
	}

	return groups
}

// scoreGroup scores one grouped correspondence. Currency always matches
// inside a pool; description similarity is not defined for groups and
// contributes zero.
func (e *Engine) scoreGroup(cfg StageConfig, sumBank, sumBook decimal.Decimal, avgDateDelta float64) AxisScores {
	return Score(sumBank.Sub(sumBook).Abs(), cfg.AmountTolerance,
		avgDateDelta, float64(cfg.DateToleranceDays), true, 0, e.cfg.Weights)
}

// forEachCombination enumerates the k-subsets of [0, n) in lexicographic
// order. The callback returns false to stop the enumeration. The callback
// must not retain the index slice.
func forEachCombination(n, k int, fn func(idx []int) bool) {
	if k < 0 || k > n {
		return
	}
	if k == 0 {
		fn([]int{})
		return
	}

	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}

	for {
		if !fn(idx) {
			return
		}

		// Advance to the next combination.
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// capAlternatives sorts one anchor's proposals by confidence with a
// deterministic id tie-break and keeps the top limit entries.
func capAlternatives(proposals []models.MatchProposal, limit int) []models.MatchProposal {
	sortProposals(proposals)
	if limit > 0 && len(proposals) > limit {
		proposals = proposals[:limit]
	}
	return proposals
}

// sortProposals orders proposals by confidence descending, then by sorted
// bank ids and sorted book ids.
func sortProposals(proposals []models.MatchProposal) {
	sort.SliceStable(proposals, func(i, j int) bool {
		if proposals[i].Confidence != proposals[j].Confidence {
			return proposals[i].Confidence > proposals[j].Confidence
		}
		iKey, jKey := proposals[i].GroupKey(), proposals[j].GroupKey()
		return iKey < jKey
	})
}

func signOf(d decimal.Decimal) int {
	return d.Sign()
}

// filterBookSigns drops legs whose effective sign disagrees with the target
// when mixed-sign groups are disallowed. Zero amounts always survive.
func filterBookSigns(legs []models.BookLeg, target decimal.Decimal, allowMixed bool) []models.BookLeg {
	if allowMixed {
		return legs
	}
	want := signOf(target)
	var out []models.BookLeg
	for _, leg := range legs {
		s := signOf(leg.EffectiveAmount())
		if s == 0 || s == want {
			out = append(out, leg)
		}
	}
	return out
}

// filterBankSigns is the bank-side counterpart of filterBookSigns.
func filterBankSigns(legs []models.BankLeg, target decimal.Decimal, allowMixed bool) []models.BankLeg {
	if allowMixed {
		return legs
	}
	want := signOf(target)
	var out []models.BankLeg
	for _, leg := range legs {
		s := signOf(leg.Amount)
		if s == 0 || s == want {
			out = append(out, leg)
		}
	}
	return out
}

// signsAgree reports whether every non-zero selected amount carries the
// wanted sign. Zeros are neutral, matching the window pre-filters.
func signsAgree(amounts []decimal.Decimal, idx []int, want int) bool {
	for _, i := range idx {
		if s := signOf(amounts[i]); s != 0 && s != want {
			return false
		}
	}
	return true
}

// uniformSigns reports whether the selected amounts agree in sign, treating
// zeros as neutral.
func uniformSigns(amounts []decimal.Decimal, idx []int) bool {
	want := 0
	for _, i := range idx {
		s := signOf(amounts[i])
		if s == 0 {
			continue
		}
		if want == 0 {
			want = s
		} else if s != want {
			return false
		}
	}
	return true
}

// spanOK reports whether the selected dates span at most spanDays.
func spanOK(days []int64, idx []int, spanDays int) bool {
	if len(idx) <= 1 {
		return true
	}
	minDay, maxDay := days[idx[0]], days[idx[0]]
	for _, i := range idx[1:] {
		if days[i] < minDay {
			minDay = days[i]
		}
		if days[i] > maxDay {
			maxDay = days[i]
		}
	}
	return (maxDay-minDay)/86400 <= int64(spanDays)
}

func sumSelected(amounts []decimal.Decimal, idx []int) decimal.Decimal {
	total := decimal.Zero
	for _, i := range idx {
		total = total.Add(amounts[i])
	}
	return total
}

// sizeBounds returns the minimum and maximum sum reachable by any subset of
// exactly size g.
func sizeBounds(amounts []decimal.Decimal, g int) (decimal.Decimal, decimal.Decimal) {
	sorted := make([]decimal.Decimal, len(amounts))
	copy(sorted, amounts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	low, high := decimal.Zero, decimal.Zero
	for i := 0; i < g; i++ {
		low = low.Add(sorted[i])
		high = high.Add(sorted[len(sorted)-1-i])
	}
	return low, high
}

// reachableRange returns the lowest and highest sums reachable by any
// nonempty subset of size at most maxSize.
func reachableRange(amounts []decimal.Decimal, maxSize int) (decimal.Decimal, decimal.Decimal) {
	if maxSize > len(amounts) {
		maxSize = len(amounts)
	}
	low, high := sizeBounds(amounts, 1)
	for g := 2; g <= maxSize; g++ {
		l, h := sizeBounds(amounts, g)
		if l.LessThan(low) {
			low = l
		}
		if h.GreaterThan(high) {
			high = h
		}
	}
	return low, high
}

// trimBefore drops window legs sorted strictly before the anchor leg. The
// anchor always falls inside its own window, so the result is nonempty.
func trimBefore(window []models.BankLeg, anchorID string) []models.BankLeg {
	for i, leg := range window {
		if leg.ID == anchorID {
			return window[i:]
		}
	}
	return nil
}

func pickBank(legs []models.BankLeg, idx []int) []models.BankLeg {
	out := make([]models.BankLeg, 0, len(idx))
	for _, i := range idx {
		out = append(out, legs[i])
	}
	return out
}

func pickBook(legs []models.BookLeg, idx []int) []models.BookLeg {
	out := make([]models.BookLeg, 0, len(idx))
	for _, i := range idx {
		out = append(out, legs[i])
	}
	return out
}

func sumBankAmounts(legs []models.BankLeg) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range legs {
		total = total.Add(leg.Amount)
	}
	return total
}

func sumBookEffective(legs []models.BookLeg) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range legs {
		total = total.Add(leg.EffectiveAmount())
	}
	return total
}

func bankDates(legs []models.BankLeg) []int64 {
	out := make([]int64, len(legs))
	for i, leg := range legs {
		out[i] = models.DateOnly(leg.Date).Unix()
	}
	return out
}

func bookDates(legs []models.BookLeg) []int64 {
	out := make([]int64, len(legs))
	for i, leg := range legs {
		out[i] = models.DateOnly(leg.Date).Unix()
	}
	return out
}

// avgDaysToAnchor returns the mean absolute day distance between the anchor
// date and each member date.
func avgDaysToAnchor(anchor time.Time, memberDays []int64) float64 {
	if len(memberDays) == 0 {
		return 0
	}
	anchorDay := models.DateOnly(anchor).Unix()
	var total float64
	for _, d := range memberDays {
		diff := d - anchorDay
		if diff < 0 {
			diff = -diff
		}
		total += float64(diff) / 86400.0
	}
	return total / float64(len(memberDays))
}

// avgPairwiseDays returns the mean absolute day distance over the cross
// product of the two date sets.
func avgPairwiseDays(a, b []int64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var total float64
	for _, da := range a {
		for _, db := range b {
			diff := da - db
			if diff < 0 {
				diff = -diff
			}
			total += float64(diff) / 86400.0
		}
	}
	return total / float64(len(a)*len(b))
}
