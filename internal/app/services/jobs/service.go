package jobs

import (
	"context"
	"iter"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/job"
	"github.com/R3E-Network/marketplace_layer/internal/app/storage"
	"github.com/R3E-Network/marketplace_layer/internal/errors"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

// Service owns job records and enforces the job state machine.
type Service struct {
	store storage.JobStore
	log   *logger.Logger
}

// New constructs a job catalog.
func New(store storage.JobStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("jobs")
	}
	return &Service{store: store, log: log}
}

// Create validates and stores a new open job whose escrow is pending.
func (s *Service) Create(ctx context.Context, j job.Job) (job.Job, error) {
	j.EmployerAddress = strings.TrimSpace(j.EmployerAddress)
	j.Title = strings.TrimSpace(j.Title)
	j.Description = strings.TrimSpace(j.Description)
	j.Requirements = cleanList(j.Requirements, false)
	j.Tags = cleanList(j.Tags, true)

	switch {
	case j.EmployerAddress == "":
		return job.Job{}, errors.Validation("employer address is required")
	case j.Title == "":
		return job.Job{}, errors.Validation("title is required")
	case j.Description == "":
		return job.Job{}, errors.Validation("description is required")
	case !j.Budget.IsPositive():
		return job.Job{}, errors.Validation("budget must be greater than zero")
	case !j.Currency.Valid():
		return job.Job{}, errors.Validation("currency %q is not supported", j.Currency)
	}

	j.ID = ""
	j.Status = job.StatusOpen
	j.EscrowStatus = job.EscrowPending
	j.EscrowID = ""
	j.SelectedFreelancerAddress = ""

	created, err := s.store.CreateJob(ctx, j)
	if err != nil {
		return job.Job{}, storage.Classify(err, "job", j.Title)
	}
	s.log.WithField("job_id", created.ID).
		WithField("employer", created.EmployerAddress).
		WithField("budget", created.Budget.String()+" "+string(created.Currency)).
		Info("job created")
	return created, nil
}

// Get fetches a job by id.
func (s *Service) Get(ctx context.Context, id string) (job.Job, error) {
	j, err := s.store.GetJob(ctx, strings.TrimSpace(id))
	if err != nil {
		return job.Job{}, storage.Classify(err, "job", id)
	}
	return j, nil
}

// List returns the jobs matching f as a restartable sequence over a
// snapshot taken at call time.
func (s *Service) List(ctx context.Context, f job.Filter) (iter.Seq[job.Job], error) {
	if !f.SortBy.Valid() {
		return nil, errors.Validation("sortBy %q is not supported", f.SortBy)
	}
	if f.Currency != "" && !f.Currency.Valid() {
		return nil, errors.Validation("currency %q is not supported", f.Currency)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, errors.Validation("status %q is not supported", f.Status)
	}
	if f.MinBudget != nil && f.MaxBudget != nil && f.MinBudget.GreaterThan(*f.MaxBudget) {
		return nil, errors.Validation("minBudget must not exceed maxBudget")
	}
	snapshot, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, storage.Classify(err, "job", "list")
	}
	return job.Select(snapshot, f), nil
}

// ListByEmployer returns an employer's jobs, oldest first.
func (s *Service) ListByEmployer(ctx context.Context, employer string) ([]job.Job, error) {
	employer = strings.TrimSpace(employer)
	if employer == "" {
		return nil, errors.Validation("employer address is required")
	}
	jobs, err := s.store.ListJobsByEmployer(ctx, employer)
	if err != nil {
		return nil, storage.Classify(err, "job", employer)
	}
	return jobs, nil
}

// UpdateStatus moves a job along one edge of the state machine on behalf of
// its employer. It touches the catalog only, so it refuses jobs with an
// escrow attached: those move through the workflow, which keeps the escrow
// and applications in step.
func (s *Service) UpdateStatus(ctx context.Context, id string, to job.Status, caller string) (job.Job, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if err := Authorize(j, caller); err != nil {
		return job.Job{}, err
	}
	if j.EscrowID != "" {
		return job.Job{}, errors.InvalidState("job %s holds escrow %s; change its status through the job workflow", j.ID, j.EscrowID)
	}
	return s.transition(ctx, j, to, nil)
}

// Authorize fails unless caller is the job's employer.
func Authorize(j job.Job, caller string) error {
	if strings.TrimSpace(caller) == "" || strings.TrimSpace(caller) != j.EmployerAddress {
		return errors.Unauthorized("only the employer of job " + j.ID + " may do this")
	}
	return nil
}

// MarkInProgress moves an open job to in_progress with the selected freelancer.
func (s *Service) MarkInProgress(ctx context.Context, j job.Job, freelancer string) (job.Job, error) {
	return s.transition(ctx, j, job.StatusInProgress, func(j *job.Job) {
		j.SelectedFreelancerAddress = freelancer
	})
}

// RevertToOpen undoes MarkInProgress when a later step of an acceptance fails. It is
// a compensation, not a state machine edge, and only applies to the exact
// version MarkInProgress returned.
func (s *Service) RevertToOpen(ctx context.Context, j job.Job) (job.Job, error) {
	if j.Status != job.StatusInProgress {
		return job.Job{}, errors.InvalidState("job %s is %s, nothing to revert", j.ID, j.Status)
	}
	j.Status = job.StatusOpen
	j.SelectedFreelancerAddress = ""
	return s.save(ctx, j, "start reverted")
}

// Complete closes an in_progress job.
func (s *Service) Complete(ctx context.Context, j job.Job) (job.Job, error) {
	return s.transition(ctx, j, job.StatusCompleted, nil)
}

// Cancel cancels an open or in_progress job.
func (s *Service) Cancel(ctx context.Context, j job.Job) (job.Job, error) {
	return s.transition(ctx, j, job.StatusCancelled, nil)
}

// Restore puts a job back to a prior status after a failed multi-step
// operation. Like RevertToOpen it bypasses the state machine.
func (s *Service) Restore(ctx context.Context, j job.Job, status job.Status) (job.Job, error) {
	j.Status = status
	return s.save(ctx, j, "status restored")
}

// MarkDisputed marks an in_progress job as disputed.
func (s *Service) MarkDisputed(ctx context.Context, j job.Job, reason string) (job.Job, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return job.Job{}, errors.Validation("dispute reason is required")
	}
	return s.transition(ctx, j, job.StatusDisputed, func(j *job.Job) {
		j.DisputeReason = reason
	})
}

// SetEscrow records a successfully created escrow.
func (s *Service) SetEscrow(ctx context.Context, j job.Job, escrowID string) (job.Job, error) {
	j.EscrowID = escrowID
	j.EscrowStatus = job.EscrowCreated
	j.EscrowError = ""
	return s.save(ctx, j, "escrow attached")
}

// MarkEscrowFailed flags a job whose escrow could not be created so it is
// never mistaken for a funded posting.
func (s *Service) MarkEscrowFailed(ctx context.Context, j job.Job, reason string) (job.Job, error) {
	j.EscrowStatus = job.EscrowFailed
	j.EscrowError = reason
	return s.save(ctx, j, "escrow creation failed")
}

func (s *Service) transition(ctx context.Context, j job.Job, to job.Status, mutate func(*job.Job)) (job.Job, error) {
	if !job.CanTransition(j.Status, to) {
		return job.Job{}, errors.InvalidStateTransition("job", string(j.Status), string(to))
	}
	from := j.Status
	j.Status = to
	if mutate != nil {
		mutate(&j)
	}
	return s.save(ctx, j, "job "+string(from)+" -> "+string(to))
}

func (s *Service) save(ctx context.Context, j job.Job, event string) (job.Job, error) {
	updated, err := s.store.UpdateJob(ctx, j)
	if err != nil {
		return job.Job{}, storage.Classify(err, "job", j.ID)
	}
	s.log.WithField("job_id", updated.ID).WithField("status", updated.Status).Info(event)
	return updated, nil
}

func cleanList(items []string, lower bool) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if lower {
			item = strings.ToLower(item)
		}
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

// ParseBudget parses an optional decimal filter bound.
func ParseBudget(raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, errors.Validation("invalid amount %q", raw)
	}
	return &d, nil
}
