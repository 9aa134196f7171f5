package job

import (
	"cmp"
	"iter"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
)

// SortBy selects the ordering of a job listing.
type SortBy string

const (
	SortNewest     SortBy = "newest"
	SortOldest     SortBy = "oldest"
	SortBudgetHigh SortBy = "budget_high"
	SortBudgetLow  SortBy = "budget_low"
)

// Valid reports whether s is a known ordering. Empty means newest.
func (s SortBy) Valid() bool {
	switch s {
	case "", SortNewest, SortOldest, SortBudgetHigh, SortBudgetLow:
		return true
	}
	return false
}

// Filter narrows a job listing. Zero values disable a criterion.
type Filter struct {
	Search    string
	MinBudget *decimal.Decimal
	MaxBudget *decimal.Decimal
	Currency  money.Currency
	Tags      []string
	Status    Status
	SortBy    SortBy
}

// matchTags accepts a job carrying at least one of the requested tags.
// Blank tags are ignored; no tags at all matches everything.
func (f Filter) matchTags(j Job) bool {
	wanted := false
	for _, tag := range f.Tags {
		if strings.TrimSpace(tag) == "" {
			continue
		}
		if j.HasTag(tag) {
			return true
		}
		wanted = true
	}
	return !wanted
}

// Match reports whether j satisfies every criterion of f.
func (f Filter) Match(j Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Currency != "" && j.Currency != f.Currency {
		return false
	}
	if f.MinBudget != nil && j.Budget.LessThan(*f.MinBudget) {
		return false
	}
	if f.MaxBudget != nil && j.Budget.GreaterThan(*f.MaxBudget) {
		return false
	}
	if !f.matchTags(j) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(j.Title), q) &&
			!strings.Contains(strings.ToLower(j.Description), q) &&
			!slices.ContainsFunc(j.Tags, func(t string) bool { return strings.Contains(strings.ToLower(t), q) }) {
			return false
		}
	}
	return true
}

// Sort orders jobs in place according to s. Ties fall back to id so the
// order is stable across calls.
func (s SortBy) Sort(jobs []Job) {
	slices.SortStableFunc(jobs, func(a, b Job) int {
		var c int
		switch s {
		case SortOldest:
			c = a.CreatedAt.Compare(b.CreatedAt)
		case SortBudgetHigh:
			c = b.Budget.Cmp(a.Budget)
		case SortBudgetLow:
			c = a.Budget.Cmp(b.Budget)
		default:
			c = b.CreatedAt.Compare(a.CreatedAt)
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Select sorts the snapshot once and returns a sequence that filters it on
// every iteration. Ranging over the result again starts from the beginning.
func Select(snapshot []Job, f Filter) iter.Seq[Job] {
	ordered := slices.Clone(snapshot)
	f.SortBy.Sort(ordered)
	return func(yield func(Job) bool) {
		for _, j := range ordered {
			if !f.Match(j) {
				continue
			}
			if !yield(j) {
				return
			}
		}
	}
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
