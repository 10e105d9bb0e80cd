package matcher

import (
	"sort"
	"time"

	"bankrecon/internal/models"
)

// bankDateIndex holds bank legs sorted by (date, id) for binary-searched
// date-window lookups during grouped search.
type bankDateIndex struct {
	legs []models.BankLeg
}

// bookDateIndex holds book legs sorted by (date, id).
type bookDateIndex struct {
	legs []models.BookLeg
}

func newBankDateIndex(legs []models.BankLeg) *bankDateIndex {
	sorted := make([]models.BankLeg, len(legs))
	copy(sorted, legs)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &bankDateIndex{legs: sorted}
}

func newBookDateIndex(legs []models.BookLeg) *bookDateIndex {
	sorted := make([]models.BookLeg, len(legs))
	copy(sorted, legs)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &bookDateIndex{legs: sorted}
}

// Window returns the legs dated within [from, to] inclusive, in sorted order.
func (idx *bankDateIndex) Window(from, to time.Time) []models.BankLeg {
	from = models.DateOnly(from)
	to = models.DateOnly(to)

	start := sort.Search(len(idx.legs), func(i int) bool {
		return !models.DateOnly(idx.legs[i].Date).Before(from)
	})
	end := sort.Search(len(idx.legs), func(i int) bool {
		return models.DateOnly(idx.legs[i].Date).After(to)
	})
	if start >= end {
		return nil
	}
	return idx.legs[start:end]
}

// Window returns the legs dated within [from, to] inclusive, in sorted order.
func (idx *bookDateIndex) Window(from, to time.Time) []models.BookLeg {
	from = models.DateOnly(from)
	to = models.DateOnly(to)

	start := sort.Search(len(idx.legs), func(i int) bool {
		return !models.DateOnly(idx.legs[i].Date).Before(from)
	})
	end := sort.Search(len(idx.legs), func(i int) bool {
		return models.DateOnly(idx.legs[i].Date).After(to)
	})
	if start >= end {
		return nil
	}
	return idx.legs[start:end]
}

// windowAround returns the inclusive date window of toleranceDays on either
// side of an anchor date.
func windowAround(anchor time.Time, toleranceDays int) (time.Time, time.Time) {
	day := models.DateOnly(anchor)
	return day.AddDate(0, 0, -toleranceDays), day.AddDate(0, 0, toleranceDays)
}
