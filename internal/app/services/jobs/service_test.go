package jobs

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/job"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
	"github.com/R3E-Network/marketplace_layer/internal/app/storage/memory"
	"github.com/R3E-Network/marketplace_layer/internal/errors"
)

func newJob(employer, title, budget string, tags ...string) job.Job {
	return job.Job{
		EmployerAddress: employer,
		Title:           title,
		Description:     "build " + title,
		Budget:          decimal.RequireFromString(budget),
		Currency:        money.XLM,
		Tags:            tags,
	}
}

func TestService_Create(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, newJob(" GEMP ", "Landing page", "100", "Go", "go", " web "))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "GEMP", created.EmployerAddress)
	assert.Equal(t, job.StatusOpen, created.Status)
	assert.Equal(t, job.EscrowPending, created.EscrowStatus)
	assert.Equal(t, []string{"go", "web"}, created.Tags)

	cases := map[string]job.Job{
		"missing employer": newJob("", "x", "1"),
		"missing title":    newJob("GEMP", " ", "1"),
		"zero budget":      newJob("GEMP", "x", "0"),
		"negative budget":  newJob("GEMP", "x", "-5"),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(ctx, in)
			assert.True(t, errors.Is(err, errors.CodeValidation), "got %v", err)
		})
	}

	bad := newJob("GEMP", "x", "1")
	bad.Currency = "BTC"
	_, err = svc.Create(ctx, bad)
	assert.True(t, errors.Is(err, errors.CodeValidation))
}

func TestService_GetMissing(t *testing.T) {
	svc := New(memory.New(), nil)
	_, err := svc.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestService_ListFiltersAndSorts(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()

	for _, in := range []job.Job{
		newJob("GEMP", "Go API", "300", "go"),
		newJob("GEMP", "Rust CLI", "50", "rust"),
		newJob("GOTHER", "Go worker", "120", "go"),
	} {
		_, err := svc.Create(ctx, in)
		require.NoError(t, err)
	}

	lo := decimal.RequireFromString("100")
	seq, err := svc.List(ctx, job.Filter{Tags: []string{"GO"}, MinBudget: &lo, SortBy: job.SortBudgetHigh})
	require.NoError(t, err)

	titles := func() []string {
		var out []string
		for j := range seq {
			out = append(out, j.Title)
		}
		return out
	}
	assert.Equal(t, []string{"Go API", "Go worker"}, titles())
	// The sequence is restartable.
	assert.Equal(t, titles(), titles())

	_, err = svc.List(ctx, job.Filter{SortBy: "random"})
	assert.True(t, errors.Is(err, errors.CodeValidation))

	hi := decimal.RequireFromString("10")
	_, err = svc.List(ctx, job.Filter{MinBudget: &lo, MaxBudget: &hi})
	assert.True(t, errors.Is(err, errors.CodeValidation))

	mine, err := svc.ListByEmployer(ctx, "GEMP")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestService_UpdateStatus(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()
	created, err := svc.Create(ctx, newJob("GEMP", "Logo", "10"))
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, created.ID, job.StatusCancelled, "GSTRANGER")
	assert.True(t, errors.Is(err, errors.CodeUnauthorized))

	_, err = svc.UpdateStatus(ctx, created.ID, job.StatusCompleted, "GEMP")
	assert.True(t, errors.Is(err, errors.CodeInvalidStateTransition))

	cancelled, err := svc.UpdateStatus(ctx, created.ID, job.StatusCancelled, "GEMP")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, cancelled.Status)

	_, err = svc.UpdateStatus(ctx, created.ID, job.StatusOpen, "GEMP")
	assert.True(t, errors.Is(err, errors.CodeInvalidStateTransition))
}

func TestService_UpdateStatusRefusesEscrowedJob(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()
	created, err := svc.Create(ctx, newJob("GEMP", "Logo", "10"))
	require.NoError(t, err)
	funded, err := svc.SetEscrow(ctx, created, "esc-1")
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, funded.ID, job.StatusCancelled, "GEMP")
	assert.True(t, errors.Is(err, errors.CodeInvalidStateTransition), "cancelling must go through the workflow to refund the escrow")

	stored, err := svc.Get(ctx, funded.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusOpen, stored.Status)
	assert.Equal(t, "esc-1", stored.EscrowID)
}

func TestService_MarkInProgressAndRevert(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()
	created, err := svc.Create(ctx, newJob("GEMP", "Logo", "10"))
	require.NoError(t, err)

	started, err := svc.MarkInProgress(ctx, created, "GFREE")
	require.NoError(t, err)
	assert.Equal(t, job.StatusInProgress, started.Status)
	assert.Equal(t, "GFREE", started.SelectedFreelancerAddress)

	// Stale version is refused.
	_, err = svc.MarkInProgress(ctx, created, "GOTHER")
	assert.Error(t, err)

	reverted, err := svc.RevertToOpen(ctx, started)
	require.NoError(t, err)
	assert.Equal(t, job.StatusOpen, reverted.Status)
	assert.Empty(t, reverted.SelectedFreelancerAddress)
}

func TestService_DisputeAndEscrowMarkers(t *testing.T) {
	svc := New(memory.New(), nil)
	ctx := context.Background()
	created, err := svc.Create(ctx, newJob("GEMP", "Logo", "10"))
	require.NoError(t, err)

	_, err = svc.MarkDisputed(ctx, created, "late")
	assert.True(t, errors.Is(err, errors.CodeInvalidStateTransition))

	failed, err := svc.MarkEscrowFailed(ctx, created, "gateway down")
	require.NoError(t, err)
	assert.Equal(t, job.EscrowFailed, failed.EscrowStatus)

	attached, err := svc.SetEscrow(ctx, failed, "esc-1")
	require.NoError(t, err)
	assert.Equal(t, job.EscrowCreated, attached.EscrowStatus)
	assert.Empty(t, attached.EscrowError)

	started, err := svc.MarkInProgress(ctx, attached, "GFREE")
	require.NoError(t, err)
	_, err = svc.MarkDisputed(ctx, started, " ")
	assert.True(t, errors.Is(err, errors.CodeValidation))

	disputed, err := svc.MarkDisputed(ctx, started, "work not delivered")
	require.NoError(t, err)
	assert.Equal(t, job.StatusDisputed, disputed.Status)
	assert.True(t, disputed.Status.Terminal())
}

func TestParseBudget(t *testing.T) {
	v, err := ParseBudget("")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = ParseBudget("12.5")
	require.NoError(t, err)
	assert.Equal(t, "12.5", v.String())

	_, err = ParseBudget("abc")
	assert.True(t, errors.Is(err, errors.CodeValidation))
}
