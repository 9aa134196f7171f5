package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/application"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/escrow"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/job"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/reputation"
	"github.com/R3E-Network/marketplace_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.JobStore = (*Store)(nil)
var _ storage.ApplicationStore = (*Store)(nil)
var _ storage.EscrowStore = (*Store)(nil)
var _ storage.ReputationStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

const uniqueViolation = "23505"

// classify maps driver errors onto the storage sentinels.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%s: %w", what, storage.ErrDuplicate)
	}
	return err
}

// versionMiss distinguishes a stale version from a missing row after an
// update touched no rows.
func (s *Store) versionMiss(ctx context.Context, table, id, what string) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id); err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", what, storage.ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
}

func updated(result sql.Result) bool {
	rows, err := result.RowsAffected()
	return err == nil && rows > 0
}

// --- JobStore ---------------------------------------------------------------

type jobRow struct {
	ID                 string          `db:"id"`
	Title              string          `db:"title"`
	Description        string          `db:"description"`
	Budget             decimal.Decimal `db:"budget"`
	Currency           string          `db:"currency"`
	EmployerAddress    string          `db:"employer_address"`
	Status             string          `db:"status"`
	SelectedFreelancer string          `db:"selected_freelancer_address"`
	EscrowID           string          `db:"escrow_id"`
	EscrowStatus       string          `db:"escrow_status"`
	EscrowError        string          `db:"escrow_error"`
	Requirements       pq.StringArray  `db:"requirements"`
	Tags               pq.StringArray  `db:"tags"`
	Deadline           *time.Time      `db:"deadline"`
	DisputeReason      string          `db:"dispute_reason"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
	Version            int64           `db:"version"`
}

func (r jobRow) toDomain() job.Job {
	return job.Job{
		ID:                        r.ID,
		Title:                     r.Title,
		Description:               r.Description,
		Budget:                    r.Budget,
		Currency:                  money.Currency(r.Currency),
		EmployerAddress:           r.EmployerAddress,
		Status:                    job.Status(r.Status),
		SelectedFreelancerAddress: r.SelectedFreelancer,
		EscrowID:                  r.EscrowID,
		EscrowStatus:              job.EscrowStatus(r.EscrowStatus),
		EscrowError:               r.EscrowError,
		Requirements:              []string(r.Requirements),
		Tags:                      []string(r.Tags),
		Deadline:                  r.Deadline,
		DisputeReason:             r.DisputeReason,
		CreatedAt:                 r.CreatedAt,
		UpdatedAt:                 r.UpdatedAt,
		Version:                   r.Version,
	}
}

const jobColumns = `id, title, description, budget, currency, employer_address, status,
	selected_freelancer_address, escrow_id, escrow_status, escrow_error, requirements, tags,
	deadline, dispute_reason, created_at, updated_at, version`

func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	j.Version = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO marketplace_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, j.ID, j.Title, j.Description, j.Budget, string(j.Currency), j.EmployerAddress, string(j.Status),
		j.SelectedFreelancerAddress, j.EscrowID, string(j.EscrowStatus), j.EscrowError,
		pq.StringArray(j.Requirements), pq.StringArray(j.Tags), j.Deadline, j.DisputeReason,
		j.CreatedAt, j.UpdatedAt, j.Version)
	if err != nil {
		return job.Job{}, classify(err, "job "+j.ID)
	}
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) (job.Job, error) {
	j.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE marketplace_jobs
		SET title = $3, description = $4, status = $5, selected_freelancer_address = $6,
			escrow_id = $7, escrow_status = $8, escrow_error = $9, requirements = $10, tags = $11,
			deadline = $12, dispute_reason = $13, updated_at = $14, version = version + 1
		WHERE id = $1 AND version = $2
	`, j.ID, j.Version, j.Title, j.Description, string(j.Status), j.SelectedFreelancerAddress,
		j.EscrowID, string(j.EscrowStatus), j.EscrowError, pq.StringArray(j.Requirements),
		pq.StringArray(j.Tags), j.Deadline, j.DisputeReason, j.UpdatedAt)
	if err != nil {
		return job.Job{}, err
	}
	if !updated(result) {
		return job.Job{}, s.versionMiss(ctx, "marketplace_jobs", j.ID, "job "+j.ID)
	}
	return s.GetJob(ctx, j.ID)
}

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	var row jobRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM marketplace_jobs WHERE id = $1`, id); err != nil {
		return job.Job{}, classify(err, "job "+id)
	}
	return row.toDomain(), nil
}

func (s *Store) ListJobs(ctx context.Context) ([]job.Job, error) {
	return s.selectJobs(ctx, `SELECT `+jobColumns+` FROM marketplace_jobs ORDER BY created_at, id`)
}

func (s *Store) ListJobsByEmployer(ctx context.Context, employer string) ([]job.Job, error) {
	return s.selectJobs(ctx, `SELECT `+jobColumns+` FROM marketplace_jobs WHERE employer_address = $1 ORDER BY created_at, id`, employer)
}

func (s *Store) selectJobs(ctx context.Context, query string, args ...interface{}) ([]job.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]job.Job, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

// --- ApplicationStore -------------------------------------------------------

type applicationRow struct {
	ID                string          `db:"id"`
	JobID             string          `db:"job_id"`
	FreelancerAddress string          `db:"freelancer_address"`
	Proposal          string          `db:"proposal"`
	QuotedPrice       decimal.Decimal `db:"quoted_price"`
	EstimatedDuration string          `db:"estimated_duration"`
	Status            string          `db:"status"`
	CompletionData    []byte          `db:"completion_data"`
	Rating            *int            `db:"rating"`
	Comment           string          `db:"comment"`
	AppliedAt         time.Time       `db:"applied_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
	ApprovedAt        *time.Time      `db:"approved_at"`
	Version           int64           `db:"version"`
}

func (r applicationRow) toDomain() application.Application {
	app := application.Application{
		ID:                r.ID,
		JobID:             r.JobID,
		FreelancerAddress: r.FreelancerAddress,
		Proposal:          r.Proposal,
		QuotedPrice:       r.QuotedPrice,
		EstimatedDuration: r.EstimatedDuration,
		Status:            application.Status(r.Status),
		Rating:            r.Rating,
		Comment:           r.Comment,
		AppliedAt:         r.AppliedAt,
		UpdatedAt:         r.UpdatedAt,
		ApprovedAt:        r.ApprovedAt,
		Version:           r.Version,
	}
	if len(r.CompletionData) > 0 {
		var cd application.CompletionData
		if err := json.Unmarshal(r.CompletionData, &cd); err == nil {
			app.CompletionData = &cd
		}
	}
	return app
}

func completionJSON(cd *application.CompletionData) ([]byte, error) {
	if cd == nil {
		return nil, nil
	}
	return json.Marshal(cd)
}

const applicationColumns = `id, job_id, freelancer_address, proposal, quoted_price, estimated_duration,
	status, completion_data, rating, comment, applied_at, updated_at, approved_at, version`

func (s *Store) CreateApplication(ctx context.Context, app application.Application) (application.Application, error) {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if app.AppliedAt.IsZero() {
		app.AppliedAt = now
	}
	app.UpdatedAt = now
	app.Version = 1

	completion, err := completionJSON(app.CompletionData)
	if err != nil {
		return application.Application{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO marketplace_applications (`+applicationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, app.ID, app.JobID, app.FreelancerAddress, app.Proposal, app.QuotedPrice, app.EstimatedDuration,
		string(app.Status), completion, app.Rating, app.Comment, app.AppliedAt, app.UpdatedAt,
		app.ApprovedAt, app.Version)
	if err != nil {
		return application.Application{}, classify(err, "application for job "+app.JobID)
	}
	return app, nil
}

func (s *Store) UpdateApplication(ctx context.Context, app application.Application) (application.Application, error) {
	app.UpdatedAt = time.Now().UTC()

	completion, err := completionJSON(app.CompletionData)
	if err != nil {
		return application.Application{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE marketplace_applications
		SET proposal = $3, quoted_price = $4, estimated_duration = $5, status = $6,
			completion_data = $7, rating = $8, comment = $9, approved_at = $10, updated_at = $11,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, app.ID, app.Version, app.Proposal, app.QuotedPrice, app.EstimatedDuration, string(app.Status),
		completion, app.Rating, app.Comment, app.ApprovedAt, app.UpdatedAt)
	if err != nil {
		return application.Application{}, classify(err, "application "+app.ID)
	}
	if !updated(result) {
		return application.Application{}, s.versionMiss(ctx, "marketplace_applications", app.ID, "application "+app.ID)
	}
	return s.GetApplication(ctx, app.ID)
}

func (s *Store) GetApplication(ctx context.Context, id string) (application.Application, error) {
	var row applicationRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+applicationColumns+` FROM marketplace_applications WHERE id = $1`, id); err != nil {
		return application.Application{}, classify(err, "application "+id)
	}
	return row.toDomain(), nil
}

func (s *Store) ListApplicationsByJob(ctx context.Context, jobID string) ([]application.Application, error) {
	return s.selectApplications(ctx, `SELECT `+applicationColumns+` FROM marketplace_applications WHERE job_id = $1 ORDER BY applied_at, id`, jobID)
}

func (s *Store) ListApplicationsByFreelancer(ctx context.Context, freelancer string) ([]application.Application, error) {
	return s.selectApplications(ctx, `SELECT `+applicationColumns+` FROM marketplace_applications WHERE freelancer_address = $1 ORDER BY applied_at, id`, freelancer)
}

func (s *Store) selectApplications(ctx context.Context, query string, args ...interface{}) ([]application.Application, error) {
	var rows []applicationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]application.Application, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

// --- EscrowStore ------------------------------------------------------------

type escrowRow struct {
	ID                string          `db:"id"`
	JobID             string          `db:"job_id"`
	EmployerAddress   string          `db:"employer_address"`
	FreelancerAddress string          `db:"freelancer_address"`
	Amount            decimal.Decimal `db:"amount"`
	Currency          string          `db:"currency"`
	Status            string          `db:"status"`
	SettlementRef     string          `db:"settlement_ref"`
	TxRef             string          `db:"tx_ref"`
	LastError         string          `db:"last_error"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
	ReleasedAt        *time.Time      `db:"released_at"`
	Version           int64           `db:"version"`
}

func (r escrowRow) toDomain() escrow.Escrow {
	return escrow.Escrow{
		ID:                r.ID,
		JobID:             r.JobID,
		EmployerAddress:   r.EmployerAddress,
		FreelancerAddress: r.FreelancerAddress,
		Amount:            r.Amount,
		Currency:          money.Currency(r.Currency),
		Status:            escrow.Status(r.Status),
		SettlementRef:     r.SettlementRef,
		TxRef:             r.TxRef,
		LastError:         r.LastError,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		ReleasedAt:        r.ReleasedAt,
		Version:           r.Version,
	}
}

const escrowColumns = `id, job_id, employer_address, freelancer_address, amount, currency, status,
	settlement_ref, tx_ref, last_error, created_at, updated_at, released_at, version`

func (s *Store) CreateEscrow(ctx context.Context, e escrow.Escrow) (escrow.Escrow, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Version = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO marketplace_escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, e.JobID, e.EmployerAddress, e.FreelancerAddress, e.Amount, string(e.Currency),
		string(e.Status), e.SettlementRef, e.TxRef, e.LastError, e.CreatedAt, e.UpdatedAt,
		e.ReleasedAt, e.Version)
	if err != nil {
		return escrow.Escrow{}, classify(err, "escrow for job "+e.JobID)
	}
	return e, nil
}

// UpdateEscrow never rewrites amount, currency or parties other than the
// freelancer, and only fills the freelancer when it is still empty.
func (s *Store) UpdateEscrow(ctx context.Context, e escrow.Escrow) (escrow.Escrow, error) {
	e.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE marketplace_escrows
		SET freelancer_address = CASE WHEN freelancer_address = '' THEN $3 ELSE freelancer_address END,
			status = $4, settlement_ref = $5, tx_ref = $6, last_error = $7, released_at = $8,
			updated_at = $9, version = version + 1
		WHERE id = $1 AND version = $2 AND (freelancer_address = '' OR freelancer_address = $3)
	`, e.ID, e.Version, e.FreelancerAddress, string(e.Status), e.SettlementRef, e.TxRef, e.LastError,
		e.ReleasedAt, e.UpdatedAt)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if !updated(result) {
		return escrow.Escrow{}, s.versionMiss(ctx, "marketplace_escrows", e.ID, "escrow "+e.ID)
	}
	return s.GetEscrow(ctx, e.ID)
}

func (s *Store) GetEscrow(ctx context.Context, id string) (escrow.Escrow, error) {
	var row escrowRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+escrowColumns+` FROM marketplace_escrows WHERE id = $1`, id); err != nil {
		return escrow.Escrow{}, classify(err, "escrow "+id)
	}
	return row.toDomain(), nil
}

func (s *Store) GetEscrowByJob(ctx context.Context, jobID string) (escrow.Escrow, error) {
	var row escrowRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+escrowColumns+` FROM marketplace_escrows WHERE job_id = $1`, jobID); err != nil {
		return escrow.Escrow{}, classify(err, "escrow for job "+jobID)
	}
	return row.toDomain(), nil
}

func (s *Store) ListEscrowsByEmployer(ctx context.Context, employer string) ([]escrow.Escrow, error) {
	return s.selectEscrows(ctx, `SELECT `+escrowColumns+` FROM marketplace_escrows WHERE employer_address = $1 ORDER BY created_at, id`, employer)
}

func (s *Store) ListEscrowsByFreelancer(ctx context.Context, freelancer string) ([]escrow.Escrow, error) {
	return s.selectEscrows(ctx, `SELECT `+escrowColumns+` FROM marketplace_escrows WHERE freelancer_address = $1 ORDER BY created_at, id`, freelancer)
}

func (s *Store) ListEscrowsByStatus(ctx context.Context, status escrow.Status) ([]escrow.Escrow, error) {
	return s.selectEscrows(ctx, `SELECT `+escrowColumns+` FROM marketplace_escrows WHERE status = $1 ORDER BY created_at, id`, string(status))
}

func (s *Store) selectEscrows(ctx context.Context, query string, args ...interface{}) ([]escrow.Escrow, error) {
	var rows []escrowRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]escrow.Escrow, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

// --- ReputationStore --------------------------------------------------------

type tokenRow struct {
	ID                string          `db:"id"`
	TokenID           string          `db:"token_id"`
	FreelancerAddress string          `db:"freelancer_address"`
	JobID             string          `db:"job_id"`
	ApplicationID     string          `db:"application_id"`
	JobTitle          string          `db:"job_title"`
	EmployerAddress   string          `db:"employer_address"`
	Rating            int             `db:"rating"`
	Comment           string          `db:"comment"`
	JobBudget         decimal.Decimal `db:"job_budget"`
	JobCurrency       string          `db:"job_currency"`
	MintedAt          time.Time       `db:"minted_at"`
}

func (r tokenRow) toDomain() reputation.Token {
	return reputation.Token{
		ID:                r.ID,
		TokenID:           r.TokenID,
		FreelancerAddress: r.FreelancerAddress,
		JobID:             r.JobID,
		ApplicationID:     r.ApplicationID,
		JobTitle:          r.JobTitle,
		EmployerAddress:   r.EmployerAddress,
		Rating:            r.Rating,
		Comment:           r.Comment,
		JobBudget:         r.JobBudget,
		JobCurrency:       money.Currency(r.JobCurrency),
		MintedAt:          r.MintedAt,
	}
}

const tokenColumns = `id, token_id, freelancer_address, job_id, application_id, job_title,
	employer_address, rating, comment, job_budget, job_currency, minted_at`

func (s *Store) CreateToken(ctx context.Context, tok reputation.Token) (reputation.Token, error) {
	if tok.ID == "" {
		tok.ID = uuid.NewString()
	}
	if tok.MintedAt.IsZero() {
		tok.MintedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO marketplace_reputation_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, tok.ID, tok.TokenID, tok.FreelancerAddress, tok.JobID, tok.ApplicationID, tok.JobTitle,
		tok.EmployerAddress, tok.Rating, tok.Comment, tok.JobBudget, string(tok.JobCurrency), tok.MintedAt)
	if err != nil {
		return reputation.Token{}, classify(err, "token "+tok.TokenID)
	}
	return tok, nil
}

func (s *Store) GetTokenByTokenID(ctx context.Context, tokenID string) (reputation.Token, error) {
	var row tokenRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+tokenColumns+` FROM marketplace_reputation_tokens WHERE token_id = $1`, tokenID); err != nil {
		return reputation.Token{}, classify(err, "token "+tokenID)
	}
	return row.toDomain(), nil
}

func (s *Store) ListTokensByFreelancer(ctx context.Context, freelancer string) ([]reputation.Token, error) {
	var rows []tokenRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+tokenColumns+` FROM marketplace_reputation_tokens
		WHERE freelancer_address = $1
		ORDER BY minted_at DESC, id DESC
	`, freelancer); err != nil {
		return nil, err
	}
	result := make([]reputation.Token, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}
