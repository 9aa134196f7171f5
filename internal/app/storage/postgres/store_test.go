package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/application"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/escrow"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/job"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/reputation"
	"github.com/R3E-Network/marketplace_layer/internal/app/storage"
	"github.com/R3E-Network/marketplace_layer/internal/platform/migrations"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

var jobColumnNames = []string{
	"id", "title", "description", "budget", "currency", "employer_address", "status",
	"selected_freelancer_address", "escrow_id", "escrow_status", "escrow_error", "requirements", "tags",
	"deadline", "dispute_reason", "created_at", "updated_at", "version",
}

func TestCreateJobInsertsRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO marketplace_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := store.CreateJob(context.Background(), job.Job{
		Title:           "Audit",
		Description:     "contract audit",
		Budget:          decimal.NewFromInt(100),
		Currency:        money.XLM,
		EmployerAddress: "NEMP",
		Status:          job.StatusOpen,
		EscrowStatus:    job.EscrowPending,
		Tags:            []string{"audit"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, int64(1), created.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobScansRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(jobColumnNames).AddRow(
		"j1", "Audit", "contract audit", "100.5", "XLM", "NEMP", "open",
		"", "e1", "created", "", []byte("{reentrancy}"), []byte("{audit,rust}"),
		nil, "", now, now, int64(3),
	)
	mock.ExpectQuery("SELECT (.+) FROM marketplace_jobs WHERE id = \\$1").WithArgs("j1").WillReturnRows(rows)

	got, err := store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.True(t, got.Budget.Equal(decimal.RequireFromString("100.5")))
	assert.Equal(t, []string{"audit", "rust"}, got.Tags)
	assert.Equal(t, []string{"reentrancy"}, got.Requirements)
	assert.Equal(t, job.EscrowCreated, got.EscrowStatus)
	assert.Nil(t, got.Deadline)
	assert.Equal(t, int64(3), got.Version)
}

func TestGetJobMissingMapsToNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM marketplace_jobs").WillReturnError(sql.ErrNoRows)

	_, err := store.GetJob(context.Background(), "nope")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestUpdateJobStaleVersionIsConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE marketplace_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("j1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := store.UpdateJob(context.Background(), job.Job{ID: "j1", Version: 1, Status: job.StatusInProgress})
	assert.True(t, errors.Is(err, storage.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEscrowMissingIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE marketplace_escrows").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("e9").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := store.UpdateEscrow(context.Background(), escrow.Escrow{ID: "e9", Version: 1, Status: escrow.StatusCancelled})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestCreateApplicationUniqueViolationIsDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO marketplace_applications").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := store.CreateApplication(context.Background(), application.Application{
		JobID:             "j1",
		FreelancerAddress: "NF",
		Proposal:          "I can do it",
		QuotedPrice:       decimal.NewFromInt(90),
		Status:            application.StatusPending,
	})
	assert.True(t, errors.Is(err, storage.ErrDuplicate))
}

func TestListTokensByFreelancer(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "token_id", "freelancer_address", "job_id", "application_id", "job_title",
		"employer_address", "rating", "comment", "job_budget", "job_currency", "minted_at",
	}).
		AddRow("t2", "sbt_b", "NF", "j2", "a2", "Second", "NEMP", 4, "", "50", "USDC", now).
		AddRow("t1", "sbt_a", "NF", "j1", "a1", "First", "NEMP", 5, "great", "100", "XLM", now.Add(-time.Hour))
	mock.ExpectQuery("FROM marketplace_reputation_tokens").WithArgs("NF").WillReturnRows(rows)

	tokens, err := store.ListTokensByFreelancer(context.Background(), "NF")
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "sbt_b", tokens[0].TokenID)
	assert.Equal(t, money.XLM, tokens[1].JobCurrency)
	assert.True(t, tokens[1].JobBudget.Equal(decimal.NewFromInt(100)))
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, migrations.Apply(ctx, db))
	store := New(db)

	j, err := store.CreateJob(ctx, job.Job{
		Title: "integration", Description: "d", Budget: decimal.NewFromInt(10), Currency: money.USDC,
		EmployerAddress: "NEMP", Status: job.StatusOpen, EscrowStatus: job.EscrowPending,
	})
	require.NoError(t, err)

	e, err := store.CreateEscrow(ctx, escrow.Escrow{JobID: j.ID, EmployerAddress: "NEMP", Amount: j.Budget, Currency: j.Currency, Status: escrow.StatusLocked})
	require.NoError(t, err)
	_, err = store.CreateEscrow(ctx, escrow.Escrow{JobID: j.ID, EmployerAddress: "NEMP", Amount: j.Budget, Currency: j.Currency, Status: escrow.StatusLocked})
	assert.True(t, errors.Is(err, storage.ErrDuplicate))

	e.FreelancerAddress = "NF"
	e, err = store.UpdateEscrow(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "NF", e.FreelancerAddress)

	tok := reputation.Token{TokenID: reputation.TokenIDFor(j.ID, "a1"), FreelancerAddress: "NF", JobID: j.ID, ApplicationID: "a1", Rating: 5, JobBudget: j.Budget, JobCurrency: j.Currency}
	_, err = store.CreateToken(ctx, tok)
	require.NoError(t, err)
	_, err = store.CreateToken(ctx, tok)
	assert.True(t, errors.Is(err, storage.ErrDuplicate))
}
