package applications

import (
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/application"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/job"
	"github.com/R3E-Network/marketplace_layer/internal/app/storage"
	svcerrors "github.com/R3E-Network/marketplace_layer/internal/errors"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

// Service owns applications. It reads jobs to validate new applications but
// never writes them.
type Service struct {
	store storage.ApplicationStore
	jobs  storage.JobStore
	log   *logger.Logger
}

// New constructs an application registry.
func New(store storage.ApplicationStore, jobs storage.JobStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("applications")
	}
	return &Service{store: store, jobs: jobs, log: log}
}

// Apply records a pending application for an open job.
func (s *Service) Apply(ctx context.Context, app application.Application) (application.Application, error) {
	app.JobID = strings.TrimSpace(app.JobID)
	app.FreelancerAddress = strings.TrimSpace(app.FreelancerAddress)
	app.Proposal = strings.TrimSpace(app.Proposal)
	app.EstimatedDuration = strings.TrimSpace(app.EstimatedDuration)

	switch {
	case app.JobID == "":
		return application.Application{}, svcerrors.Validation("job id is required")
	case app.FreelancerAddress == "":
		return application.Application{}, svcerrors.Validation("freelancer address is required")
	case app.Proposal == "":
		return application.Application{}, svcerrors.Validation("proposal is required")
	case !app.QuotedPrice.IsPositive():
		return application.Application{}, svcerrors.Validation("quoted price must be greater than zero")
	}

	j, err := s.jobs.GetJob(ctx, app.JobID)
	if err != nil {
		return application.Application{}, storage.Classify(err, "job", app.JobID)
	}
	if j.Status != job.StatusOpen {
		return application.Application{}, svcerrors.InvalidState("job %s is %s and not accepting applications", j.ID, j.Status)
	}
	if j.EmployerAddress == app.FreelancerAddress {
		return application.Application{}, svcerrors.Validation("employers cannot apply to their own job")
	}

	existing, err := s.store.ListApplicationsByJob(ctx, j.ID)
	if err != nil {
		return application.Application{}, storage.Classify(err, "application", j.ID)
	}
	if slices.ContainsFunc(existing, func(a application.Application) bool {
		return a.FreelancerAddress == app.FreelancerAddress && a.Active()
	}) {
		return application.Application{}, svcerrors.DuplicateApplication(j.ID, app.FreelancerAddress)
	}

	app.ID = ""
	app.Status = application.StatusPending
	app.CompletionData = nil
	app.Rating = nil
	app.Comment = ""
	app.ApprovedAt = nil

	created, err := s.store.CreateApplication(ctx, app)
	if errors.Is(err, storage.ErrDuplicate) {
		return application.Application{}, svcerrors.DuplicateApplication(j.ID, app.FreelancerAddress)
	}
	if err != nil {
		return application.Application{}, storage.Classify(err, "application", j.ID)
	}
	s.log.WithField("application_id", created.ID).
		WithField("job_id", created.JobID).
		WithField("freelancer", created.FreelancerAddress).
		Info("application received")
	return created, nil
}

// Get fetches an application by id.
func (s *Service) Get(ctx context.Context, id string) (application.Application, error) {
	app, err := s.store.GetApplication(ctx, strings.TrimSpace(id))
	if err != nil {
		return application.Application{}, storage.Classify(err, "application", id)
	}
	return app, nil
}

// ListByJob returns a job's applications in submission order.
func (s *Service) ListByJob(ctx context.Context, jobID string) (iter.Seq[application.Application], error) {
	if _, err := s.jobs.GetJob(ctx, jobID); err != nil {
		return nil, storage.Classify(err, "job", jobID)
	}
	apps, err := s.store.ListApplicationsByJob(ctx, jobID)
	if err != nil {
		return nil, storage.Classify(err, "application", jobID)
	}
	return slices.Values(apps), nil
}

// ListByFreelancer returns a freelancer's applications in submission order.
func (s *Service) ListByFreelancer(ctx context.Context, freelancer string) (iter.Seq[application.Application], error) {
	freelancer = strings.TrimSpace(freelancer)
	if freelancer == "" {
		return nil, svcerrors.Validation("freelancer address is required")
	}
	apps, err := s.store.ListApplicationsByFreelancer(ctx, freelancer)
	if err != nil {
		return nil, storage.Classify(err, "application", freelancer)
	}
	return slices.Values(apps), nil
}

// MarkAccepted accepts a pending application. No other application of the
// same job may hold the accepted slot.
func (s *Service) MarkAccepted(ctx context.Context, app application.Application) (application.Application, error) {
	siblings, err := s.store.ListApplicationsByJob(ctx, app.JobID)
	if err != nil {
		return application.Application{}, storage.Classify(err, "application", app.JobID)
	}
	for _, other := range siblings {
		if other.ID != app.ID && (other.Engaged() || other.Status == application.StatusApproved) {
			return application.Application{}, svcerrors.InvalidState("job %s already has accepted application %s", app.JobID, other.ID)
		}
	}
	return s.transition(ctx, app, application.StatusAccepted, nil)
}

// MarkRejected rejects a pending application.
func (s *Service) MarkRejected(ctx context.Context, app application.Application) (application.Application, error) {
	return s.transition(ctx, app, application.StatusRejected, nil)
}

// MarkCompleted records the freelancer's deliverables.
func (s *Service) MarkCompleted(ctx context.Context, app application.Application, data application.CompletionData) (application.Application, error) {
	data.Deliverables = strings.TrimSpace(data.Deliverables)
	data.Notes = strings.TrimSpace(data.Notes)
	if data.Deliverables == "" {
		return application.Application{}, svcerrors.Validation("deliverables are required")
	}
	if data.CompletedAt.IsZero() {
		data.CompletedAt = time.Now().UTC()
	}
	return s.transition(ctx, app, application.StatusCompleted, func(a *application.Application) {
		a.CompletionData = &data
	})
}

// MarkApproved records the employer's rating on a completed application.
func (s *Service) MarkApproved(ctx context.Context, app application.Application, rating int, comment string) (application.Application, error) {
	if rating < 1 || rating > 5 {
		return application.Application{}, svcerrors.Validation("rating must be between 1 and 5")
	}
	now := time.Now().UTC()
	return s.transition(ctx, app, application.StatusApproved, func(a *application.Application) {
		a.Rating = &rating
		a.Comment = strings.TrimSpace(comment)
		a.ApprovedAt = &now
	})
}

// RevertAcceptance returns an accepted application to pending when the rest
// of an acceptance could not be applied. It bypasses the state machine.
func (s *Service) RevertAcceptance(ctx context.Context, app application.Application) (application.Application, error) {
	if app.Status != application.StatusAccepted {
		return application.Application{}, svcerrors.InvalidState("application %s is %s, nothing to revert", app.ID, app.Status)
	}
	app.Status = application.StatusPending
	return s.save(ctx, app, "acceptance reverted")
}

func (s *Service) transition(ctx context.Context, app application.Application, to application.Status, mutate func(*application.Application)) (application.Application, error) {
	if !application.CanTransition(app.Status, to) {
		return application.Application{}, svcerrors.InvalidStateTransition("application", string(app.Status), string(to))
	}
	from := app.Status
	app.Status = to
	if mutate != nil {
		mutate(&app)
	}
	return s.save(ctx, app, "application "+string(from)+" -> "+string(to))
}

func (s *Service) save(ctx context.Context, app application.Application, event string) (application.Application, error) {
	updated, err := s.store.UpdateApplication(ctx, app)
	if err != nil {
		return application.Application{}, storage.Classify(err, "application", app.ID)
	}
	s.log.WithField("application_id", updated.ID).
		WithField("job_id", updated.JobID).
		WithField("status", updated.Status).
		Info(event)
	return updated, nil
}
