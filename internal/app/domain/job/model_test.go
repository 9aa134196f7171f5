package job

import (
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
)

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusOpen, StatusInProgress, true},
		{StatusOpen, StatusCancelled, true},
		{StatusOpen, StatusCompleted, false},
		{StatusOpen, StatusDisputed, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusDisputed, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusInProgress, StatusOpen, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusOpen, false},
		{StatusDisputed, StatusCompleted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusOpen.Terminal())
}

func sampleJobs() []Job {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []Job{
		{ID: "1", Title: "Build Soroban escrow", Description: "contract work", Budget: decimal.NewFromInt(500), Currency: money.XLM, Tags: []string{"rust", "soroban"}, CreatedAt: base},
		{ID: "2", Title: "Landing page", Description: "React site", Budget: decimal.NewFromInt(150), Currency: money.USDC, Tags: []string{"react", "design"}, CreatedAt: base.Add(time.Hour)},
		{ID: "3", Title: "API backend", Description: "Go service with postgres", Budget: decimal.NewFromInt(900), Currency: money.USDC, Tags: []string{"go", "postgres"}, CreatedAt: base.Add(2 * time.Hour)},
	}
}

func ids(seq func(func(Job) bool)) []string {
	var out []string
	for j := range seq {
		out = append(out, j.ID)
	}
	return out
}

func TestSelectFiltersAndSorts(t *testing.T) {
	jobs := sampleJobs()

	assert.Equal(t, []string{"3", "2", "1"}, ids(Select(jobs, Filter{})))
	assert.Equal(t, []string{"1", "2", "3"}, ids(Select(jobs, Filter{SortBy: SortOldest})))
	assert.Equal(t, []string{"3", "1", "2"}, ids(Select(jobs, Filter{SortBy: SortBudgetHigh})))
	assert.Equal(t, []string{"2", "1", "3"}, ids(Select(jobs, Filter{SortBy: SortBudgetLow})))

	assert.Equal(t, []string{"1"}, ids(Select(jobs, Filter{Search: "SOROBAN"})))
	assert.Equal(t, []string{"3"}, ids(Select(jobs, Filter{Search: "postgres"})))
	assert.Equal(t, []string{"3", "2"}, ids(Select(jobs, Filter{Currency: money.USDC})))
	assert.Equal(t, []string{"3"}, ids(Select(jobs, Filter{Tags: []string{"Go", "postgres"}})))
	assert.Equal(t, []string{"3", "2"}, ids(Select(jobs, Filter{Tags: []string{"go", "react"}})))
	assert.Empty(t, ids(Select(jobs, Filter{Tags: []string{"python", "java"}})))
	assert.Len(t, ids(Select(jobs, Filter{Tags: []string{" "}})), 3)

	min := decimal.NewFromInt(200)
	max := decimal.NewFromInt(600)
	assert.Equal(t, []string{"1"}, ids(Select(jobs, Filter{MinBudget: &min, MaxBudget: &max})))
}

func TestSelectTagsMatchAny(t *testing.T) {
	jobs := []Job{
		{ID: "1", Title: "a", Tags: []string{"go"}},
		{ID: "2", Title: "b", Tags: []string{"rust"}},
		{ID: "3", Title: "c", Tags: []string{"go", "rust"}},
		{ID: "4", Title: "d", Tags: []string{"python"}},
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids(Select(jobs, Filter{Tags: []string{"go", "rust"}, SortBy: SortOldest})))
}

func TestSelectIsRestartable(t *testing.T) {
	seq := Select(sampleJobs(), Filter{SortBy: SortOldest})
	first := ids(seq)
	second := ids(seq)
	assert.Equal(t, first, second)

	var partial []string
	for j := range seq {
		partial = append(partial, j.ID)
		break
	}
	assert.Equal(t, []string{"1"}, partial)
	assert.True(t, slices.Equal(first, ids(seq)))
}

func TestSelectDoesNotReorderSnapshot(t *testing.T) {
	jobs := sampleJobs()
	_ = ids(Select(jobs, Filter{SortBy: SortBudgetHigh}))
	assert.Equal(t, "1", jobs[0].ID)
}
