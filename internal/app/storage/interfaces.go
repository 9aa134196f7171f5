package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/application"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/escrow"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/job"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/reputation"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an update carries a stale version.
	ErrConflict = errors.New("record was modified concurrently")
	// ErrDuplicate is returned when a write would break a uniqueness rule.
	ErrDuplicate = errors.New("record already exists")
)

// JobStore persists jobs. UpdateJob succeeds only when the supplied Version
// matches the stored one and returns the record with the next version.
type JobStore interface {
	CreateJob(ctx context.Context, j job.Job) (job.Job, error)
	UpdateJob(ctx context.Context, j job.Job) (job.Job, error)
	GetJob(ctx context.Context, id string) (job.Job, error)
	ListJobs(ctx context.Context) ([]job.Job, error)
	ListJobsByEmployer(ctx context.Context, employer string) ([]job.Job, error)
}

// ApplicationStore persists applications. CreateApplication rejects a second
// non-rejected application for the same job and freelancer with ErrDuplicate.
type ApplicationStore interface {
	CreateApplication(ctx context.Context, app application.Application) (application.Application, error)
	UpdateApplication(ctx context.Context, app application.Application) (application.Application, error)
	GetApplication(ctx context.Context, id string) (application.Application, error)
	ListApplicationsByJob(ctx context.Context, jobID string) ([]application.Application, error)
	ListApplicationsByFreelancer(ctx context.Context, freelancer string) ([]application.Application, error)
}

// EscrowStore persists escrows. CreateEscrow rejects a second escrow for the
// same job with ErrDuplicate.
type EscrowStore interface {
	CreateEscrow(ctx context.Context, e escrow.Escrow) (escrow.Escrow, error)
	UpdateEscrow(ctx context.Context, e escrow.Escrow) (escrow.Escrow, error)
	GetEscrow(ctx context.Context, id string) (escrow.Escrow, error)
	GetEscrowByJob(ctx context.Context, jobID string) (escrow.Escrow, error)
	ListEscrowsByEmployer(ctx context.Context, employer string) ([]escrow.Escrow, error)
	ListEscrowsByFreelancer(ctx context.Context, freelancer string) ([]escrow.Escrow, error)
	ListEscrowsByStatus(ctx context.Context, status escrow.Status) ([]escrow.Escrow, error)
}

// ReputationStore persists soulbound tokens. Tokens are append-only;
// CreateToken rejects a repeated TokenID with ErrDuplicate.
type ReputationStore interface {
	CreateToken(ctx context.Context, tok reputation.Token) (reputation.Token, error)
	GetTokenByTokenID(ctx context.Context, tokenID string) (reputation.Token, error)
	ListTokensByFreelancer(ctx context.Context, freelancer string) ([]reputation.Token, error)
}
