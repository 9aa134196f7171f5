package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/application"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/escrow"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/job"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/reputation"
	"github.com/R3E-Network/marketplace_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
// Secondary indices mirror the ones the postgres schema declares.
type Store struct {
	mu     sync.RWMutex
	nextID int64

	jobs           map[string]job.Job
	jobsByEmployer map[string][]string

	applications     map[string]application.Application
	appsByJob        map[string][]string
	appsByFreelancer map[string][]string

	escrows             map[string]escrow.Escrow
	escrowByJob         map[string]string
	escrowsByEmployer   map[string][]string
	escrowsByFreelancer map[string][]string

	tokens             map[string]reputation.Token // keyed by TokenID
	tokensByFreelancer map[string][]string
}

var _ storage.JobStore = (*Store)(nil)
var _ storage.ApplicationStore = (*Store)(nil)
var _ storage.EscrowStore = (*Store)(nil)
var _ storage.ReputationStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:              1,
		jobs:                make(map[string]job.Job),
		jobsByEmployer:      make(map[string][]string),
		applications:        make(map[string]application.Application),
		appsByJob:           make(map[string][]string),
		appsByFreelancer:    make(map[string][]string),
		escrows:             make(map[string]escrow.Escrow),
		escrowByJob:         make(map[string]string),
		escrowsByEmployer:   make(map[string][]string),
		escrowsByFreelancer: make(map[string][]string),
		tokens:              make(map[string]reputation.Token),
		tokensByFreelancer:  make(map[string][]string),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func stamp(created time.Time) (time.Time, time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		return now, now
	}
	return created.UTC(), now
}

// JobStore implementation -----------------------------------------------------

func (s *Store) CreateJob(_ context.Context, j job.Job) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = s.nextIDLocked()
	} else if _, exists := s.jobs[j.ID]; exists {
		return job.Job{}, fmt.Errorf("job %s: %w", j.ID, storage.ErrDuplicate)
	}

	j.CreatedAt, j.UpdatedAt = stamp(j.CreatedAt)
	j.Version = 1
	j = cloneJob(j)

	s.jobs[j.ID] = j
	s.jobsByEmployer[j.EmployerAddress] = append(s.jobsByEmployer[j.EmployerAddress], j.ID)
	return cloneJob(j), nil
}

func (s *Store) UpdateJob(_ context.Context, j job.Job) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.jobs[j.ID]
	if !ok {
		return job.Job{}, fmt.Errorf("job %s: %w", j.ID, storage.ErrNotFound)
	}
	if original.Version != j.Version {
		return job.Job{}, fmt.Errorf("job %s: %w", j.ID, storage.ErrConflict)
	}

	j.EmployerAddress = original.EmployerAddress
	j.CreatedAt = original.CreatedAt
	j.UpdatedAt = time.Now().UTC()
	j.Version = original.Version + 1
	j = cloneJob(j)

	s.jobs[j.ID] = j
	return cloneJob(j), nil
}

func (s *Store) GetJob(_ context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	return cloneJob(j), nil
}

func (s *Store) ListJobs(_ context.Context) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		result = append(result, cloneJob(j))
	}
	sortByCreated(result, func(j job.Job) (time.Time, string) { return j.CreatedAt, j.ID })
	return result, nil
}

func (s *Store) ListJobsByEmployer(_ context.Context, employer string) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.jobsByEmployer[employer]
	result := make([]job.Job, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneJob(s.jobs[id]))
	}
	return result, nil
}

// ApplicationStore implementation ---------------------------------------------

func (s *Store) CreateApplication(_ context.Context, app application.Application) (application.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if app.ID == "" {
		app.ID = s.nextIDLocked()
	} else if _, exists := s.applications[app.ID]; exists {
		return application.Application{}, fmt.Errorf("application %s: %w", app.ID, storage.ErrDuplicate)
	}
	for _, id := range s.appsByJob[app.JobID] {
		existing := s.applications[id]
		if existing.FreelancerAddress == app.FreelancerAddress && existing.Active() {
			return application.Application{}, fmt.Errorf("application for job %s by %s: %w", app.JobID, app.FreelancerAddress, storage.ErrDuplicate)
		}
	}

	app.AppliedAt, app.UpdatedAt = stamp(app.AppliedAt)
	app.Version = 1
	app = cloneApplication(app)

	s.applications[app.ID] = app
	s.appsByJob[app.JobID] = append(s.appsByJob[app.JobID], app.ID)
	s.appsByFreelancer[app.FreelancerAddress] = append(s.appsByFreelancer[app.FreelancerAddress], app.ID)
	return cloneApplication(app), nil
}

func (s *Store) UpdateApplication(_ context.Context, app application.Application) (application.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.applications[app.ID]
	if !ok {
		return application.Application{}, fmt.Errorf("application %s: %w", app.ID, storage.ErrNotFound)
	}
	if original.Version != app.Version {
		return application.Application{}, fmt.Errorf("application %s: %w", app.ID, storage.ErrConflict)
	}

	app.JobID = original.JobID
	app.FreelancerAddress = original.FreelancerAddress
	app.AppliedAt = original.AppliedAt
	app.UpdatedAt = time.Now().UTC()
	app.Version = original.Version + 1
	app = cloneApplication(app)

	s.applications[app.ID] = app
	return cloneApplication(app), nil
}

func (s *Store) GetApplication(_ context.Context, id string) (application.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.applications[id]
	if !ok {
		return application.Application{}, fmt.Errorf("application %s: %w", id, storage.ErrNotFound)
	}
	return cloneApplication(app), nil
}

func (s *Store) ListApplicationsByJob(_ context.Context, jobID string) ([]application.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applicationsLocked(s.appsByJob[jobID]), nil
}

func (s *Store) ListApplicationsByFreelancer(_ context.Context, freelancer string) ([]application.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applicationsLocked(s.appsByFreelancer[freelancer]), nil
}

func (s *Store) applicationsLocked(ids []string) []application.Application {
	result := make([]application.Application, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneApplication(s.applications[id]))
	}
	return result
}

// EscrowStore implementation --------------------------------------------------

func (s *Store) CreateEscrow(_ context.Context, e escrow.Escrow) (escrow.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escrowByJob[e.JobID]; exists {
		return escrow.Escrow{}, fmt.Errorf("escrow for job %s: %w", e.JobID, storage.ErrDuplicate)
	}
	if e.ID == "" {
		e.ID = s.nextIDLocked()
	} else if _, exists := s.escrows[e.ID]; exists {
		return escrow.Escrow{}, fmt.Errorf("escrow %s: %w", e.ID, storage.ErrDuplicate)
	}

	e.CreatedAt, e.UpdatedAt = stamp(e.CreatedAt)
	e.Version = 1
	e = cloneEscrow(e)

	s.escrows[e.ID] = e
	s.escrowByJob[e.JobID] = e.ID
	s.escrowsByEmployer[e.EmployerAddress] = append(s.escrowsByEmployer[e.EmployerAddress], e.ID)
	if e.FreelancerAddress != "" {
		s.escrowsByFreelancer[e.FreelancerAddress] = append(s.escrowsByFreelancer[e.FreelancerAddress], e.ID)
	}
	return cloneEscrow(e), nil
}

func (s *Store) UpdateEscrow(_ context.Context, e escrow.Escrow) (escrow.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.escrows[e.ID]
	if !ok {
		return escrow.Escrow{}, fmt.Errorf("escrow %s: %w", e.ID, storage.ErrNotFound)
	}
	if original.Version != e.Version {
		return escrow.Escrow{}, fmt.Errorf("escrow %s: %w", e.ID, storage.ErrConflict)
	}
	if original.FreelancerAddress != "" && e.FreelancerAddress != original.FreelancerAddress {
		return escrow.Escrow{}, fmt.Errorf("escrow %s freelancer is already assigned", e.ID)
	}

	// Amount, currency and parties other than the freelancer are immutable.
	e.JobID = original.JobID
	e.EmployerAddress = original.EmployerAddress
	e.Amount = original.Amount
	e.Currency = original.Currency
	e.CreatedAt = original.CreatedAt
	e.UpdatedAt = time.Now().UTC()
	e.Version = original.Version + 1
	e = cloneEscrow(e)

	s.escrows[e.ID] = e
	if original.FreelancerAddress == "" && e.FreelancerAddress != "" {
		s.escrowsByFreelancer[e.FreelancerAddress] = append(s.escrowsByFreelancer[e.FreelancerAddress], e.ID)
	}
	return cloneEscrow(e), nil
}

func (s *Store) GetEscrow(_ context.Context, id string) (escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[id]
	if !ok {
		return escrow.Escrow{}, fmt.Errorf("escrow %s: %w", id, storage.ErrNotFound)
	}
	return cloneEscrow(e), nil
}

func (s *Store) GetEscrowByJob(_ context.Context, jobID string) (escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.escrowByJob[jobID]
	if !ok {
		return escrow.Escrow{}, fmt.Errorf("escrow for job %s: %w", jobID, storage.ErrNotFound)
	}
	return cloneEscrow(s.escrows[id]), nil
}

func (s *Store) ListEscrowsByEmployer(_ context.Context, employer string) ([]escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.escrowsLocked(s.escrowsByEmployer[employer]), nil
}

func (s *Store) ListEscrowsByFreelancer(_ context.Context, freelancer string) ([]escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.escrowsLocked(s.escrowsByFreelancer[freelancer]), nil
}

func (s *Store) ListEscrowsByStatus(_ context.Context, status escrow.Status) ([]escrow.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]escrow.Escrow, 0)
	for _, e := range s.escrows {
		if e.Status == status {
			result = append(result, cloneEscrow(e))
		}
	}
	sortByCreated(result, func(e escrow.Escrow) (time.Time, string) { return e.CreatedAt, e.ID })
	return result, nil
}

func (s *Store) escrowsLocked(ids []string) []escrow.Escrow {
	result := make([]escrow.Escrow, 0, len(ids))
	for _, id := range ids {
		result = append(result, cloneEscrow(s.escrows[id]))
	}
	return result
}

// ReputationStore implementation ----------------------------------------------

func (s *Store) CreateToken(_ context.Context, tok reputation.Token) (reputation.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[tok.TokenID]; exists {
		return reputation.Token{}, fmt.Errorf("token %s: %w", tok.TokenID, storage.ErrDuplicate)
	}
	if tok.ID == "" {
		tok.ID = s.nextIDLocked()
	}
	if tok.MintedAt.IsZero() {
		tok.MintedAt = time.Now().UTC()
	}

	s.tokens[tok.TokenID] = tok
	s.tokensByFreelancer[tok.FreelancerAddress] = append(s.tokensByFreelancer[tok.FreelancerAddress], tok.TokenID)
	return tok, nil
}

func (s *Store) GetTokenByTokenID(_ context.Context, tokenID string) (reputation.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[tokenID]
	if !ok {
		return reputation.Token{}, fmt.Errorf("token %s: %w", tokenID, storage.ErrNotFound)
	}
	return tok, nil
}

// ListTokensByFreelancer returns tokens newest first.
func (s *Store) ListTokensByFreelancer(_ context.Context, freelancer string) ([]reputation.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.tokensByFreelancer[freelancer]
	result := make([]reputation.Token, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		result = append(result, s.tokens[ids[i]])
	}
	return result, nil
}

// helpers ---------------------------------------------------------------------

func sortByCreated[T any](items []T, key func(T) (time.Time, string)) {
	slices.SortStableFunc(items, func(a, b T) int {
		ta, ia := key(a)
		tb, ib := key(b)
		if c := ta.Compare(tb); c != 0 {
			return c
		}
		if len(ia) != len(ib) {
			return len(ia) - len(ib)
		}
		if ia < ib {
			return -1
		}
		if ia > ib {
			return 1
		}
		return 0
	})
}

func cloneJob(j job.Job) job.Job {
	j.Requirements = slices.Clone(j.Requirements)
	j.Tags = slices.Clone(j.Tags)
	if j.Deadline != nil {
		d := *j.Deadline
		j.Deadline = &d
	}
	return j
}

func cloneApplication(app application.Application) application.Application {
	if app.CompletionData != nil {
		cd := *app.CompletionData
		cd.FileRefs = slices.Clone(cd.FileRefs)
		app.CompletionData = &cd
	}
	if app.Rating != nil {
		r := *app.Rating
		app.Rating = &r
	}
	if app.ApprovedAt != nil {
		t := *app.ApprovedAt
		app.ApprovedAt = &t
	}
	return app
}

func cloneEscrow(e escrow.Escrow) escrow.Escrow {
	if e.ReleasedAt != nil {
		t := *e.ReleasedAt
		e.ReleasedAt = &t
	}
	return e
}
