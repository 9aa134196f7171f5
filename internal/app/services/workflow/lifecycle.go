package workflow

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/application"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/escrow"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/job"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/reputation"
	"github.com/R3E-Network/marketplace_layer/internal/app/events"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/jobs"
	repsvc "github.com/R3E-Network/marketplace_layer/internal/app/services/reputation"
	"github.com/R3E-Network/marketplace_layer/internal/errors"
)

// Approval is the result of a successful ApproveCompletion.
type Approval struct {
	Job         job.Job                 `json:"job"`
	Application application.Application `json:"application"`
	Escrow      escrow.Escrow           `json:"escrow"`
	Token       reputation.Token        `json:"token"`
}

// CreateJob stores a job and locks its escrow. When the escrow cannot be
// created the job is kept, flagged with EscrowStatus failed, and returned
// together with the error so the caller can retry with RetryEscrowCreation.
func (s *Service) CreateJob(ctx context.Context, in job.Job) (job.Job, error) {
	created, err := s.jobs.Create(ctx, in)
	if err != nil {
		s.observer.ObserveOperation("create_job", Outcome(err), 0)
		return job.Job{}, err
	}

	var out job.Job
	err = s.withJob(ctx, "create_job", created.ID, func() error {
		var err error
		out, err = s.lockEscrow(ctx, created)
		return err
	})
	if err == nil {
		s.publish(ctx, events.JobCreated, out.ID, map[string]any{"title": out.Title, "budget": out.Budget.String(), "currency": out.Currency}, out.EmployerAddress)
	}
	return out, err
}

func (s *Service) lockEscrow(ctx context.Context, j job.Job) (job.Job, error) {
	e, err := s.escrows.Create(ctx, j.ID, j.EmployerAddress, j.Budget, j.Currency)
	if err != nil {
		s.log.WithField("job_id", j.ID).WithError(err).Warn("escrow creation failed")
		marked, markErr := s.jobs.MarkEscrowFailed(ctx, j, err.Error())
		if markErr != nil {
			s.compensate("mark_escrow_failed", j.ID, markErr)
			return j, err
		}
		return marked, err
	}
	return s.jobs.SetEscrow(ctx, j, e.ID)
}

// RetryEscrowCreation re-runs escrow creation for an open job whose escrow
// is missing.
func (s *Service) RetryEscrowCreation(ctx context.Context, jobID, caller string) (job.Job, error) {
	var out job.Job
	err := s.withJob(ctx, "retry_escrow", jobID, func() error {
		j, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if err := jobs.Authorize(j, caller); err != nil {
			return err
		}
		if j.EscrowStatus == job.EscrowCreated {
			return errors.InvalidState("job %s already has escrow %s", j.ID, j.EscrowID)
		}
		if j.Status != job.StatusOpen {
			return errors.InvalidState("job %s is %s; escrow can only be created for open jobs", j.ID, j.Status)
		}
		// A crash between the two writes leaves an escrow the job does not
		// point at yet.
		if existing, err := s.escrows.GetByJobID(ctx, j.ID); err == nil && existing.Status == escrow.StatusLocked {
			out, err = s.jobs.SetEscrow(ctx, j, existing.ID)
			return err
		}
		out, err = s.lockEscrow(ctx, j)
		return err
	})
	return out, err
}

// Apply records an application and notifies the employer.
func (s *Service) Apply(ctx context.Context, in application.Application) (application.Application, error) {
	var out application.Application
	err := s.withJob(ctx, "apply", in.JobID, func() error {
		var err error
		out, err = s.apps.Apply(ctx, in)
		return err
	})
	if err != nil {
		return application.Application{}, err
	}
	if j, err := s.jobs.Get(ctx, out.JobID); err == nil {
		s.publish(ctx, events.ApplicationReceived, out.JobID, map[string]any{"application_id": out.ID}, j.EmployerAddress, out.FreelancerAddress)
	}
	return out, nil
}

// loadPair fetches a job and one of its applications.
func (s *Service) loadPair(ctx context.Context, jobID, applicationID string) (job.Job, application.Application, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return job.Job{}, application.Application{}, err
	}
	app, err := s.apps.Get(ctx, applicationID)
	if err != nil {
		return job.Job{}, application.Application{}, err
	}
	if app.JobID != j.ID {
		return job.Job{}, application.Application{}, errors.NotFound("application", applicationID).
			WithDetails("job_id", j.ID)
	}
	return j, app, nil
}

// AcceptApplication selects a freelancer for an open job. The application is
// accepted, the job moves to in_progress and the escrow payee is fixed, in
// that order; if a later step fails the earlier ones are reverted. Other
// pending applications are left untouched.
func (s *Service) AcceptApplication(ctx context.Context, jobID, applicationID, caller string) (application.Application, error) {
	var out application.Application
	err := s.withJob(ctx, "accept_application", jobID, func() error {
		j, app, err := s.loadPair(ctx, jobID, applicationID)
		if err != nil {
			return err
		}
		if err := jobs.Authorize(j, caller); err != nil {
			return err
		}
		if j.Status != job.StatusOpen {
			return errors.InvalidStateTransition("job", string(j.Status), string(job.StatusInProgress))
		}
		if j.EscrowStatus != job.EscrowCreated {
			return errors.InvalidState("job %s has no locked escrow (escrow %s)", j.ID, j.EscrowStatus)
		}

		accepted, err := s.apps.MarkAccepted(ctx, app)
		if err != nil {
			return err
		}
		started, err := s.jobs.MarkInProgress(ctx, j, accepted.FreelancerAddress)
		if err != nil {
			_, undo := s.apps.RevertAcceptance(ctx, accepted)
			s.compensate("revert_acceptance", jobID, undo)
			return err
		}
		if _, err := s.escrows.AssignFreelancer(ctx, jobID, accepted.FreelancerAddress); err != nil {
			_, undo := s.jobs.RevertToOpen(ctx, started)
			s.compensate("revert_job_start", jobID, undo)
			_, undo = s.apps.RevertAcceptance(ctx, accepted)
			s.compensate("revert_acceptance", jobID, undo)
			return err
		}
		out = accepted
		s.publish(ctx, events.ApplicationAccepted, jobID, map[string]any{"application_id": accepted.ID}, j.EmployerAddress, accepted.FreelancerAddress)
		return nil
	})
	return out, err
}

// RejectApplication rejects a pending application.
func (s *Service) RejectApplication(ctx context.Context, jobID, applicationID, caller string) (application.Application, error) {
	var out application.Application
	err := s.withJob(ctx, "reject_application", jobID, func() error {
		j, app, err := s.loadPair(ctx, jobID, applicationID)
		if err != nil {
			return err
		}
		if err := jobs.Authorize(j, caller); err != nil {
			return err
		}
		out, err = s.apps.MarkRejected(ctx, app)
		if err == nil {
			s.publish(ctx, events.ApplicationRejected, jobID, map[string]any{"application_id": out.ID}, out.FreelancerAddress)
		}
		return err
	})
	return out, err
}

// SubmitCompletion records the accepted freelancer's deliverables.
func (s *Service) SubmitCompletion(ctx context.Context, jobID, applicationID, caller string, data application.CompletionData) (application.Application, error) {
	var out application.Application
	err := s.withJob(ctx, "submit_completion", jobID, func() error {
		j, app, err := s.loadPair(ctx, jobID, applicationID)
		if err != nil {
			return err
		}
		if strings.TrimSpace(caller) == "" || caller != app.FreelancerAddress {
			return errors.Unauthorized("only the applicant may submit completion")
		}
		if app.Status != application.StatusAccepted {
			return errors.InvalidStateTransition("application", string(app.Status), string(application.StatusCompleted))
		}
		if j.Status != job.StatusInProgress || j.SelectedFreelancerAddress != app.FreelancerAddress {
			return errors.InvalidState("job %s is %s and not being worked by %s", j.ID, j.Status, caller)
		}
		out, err = s.apps.MarkCompleted(ctx, app, data)
		if err == nil {
			s.publish(ctx, events.CompletionSubmitted, jobID, map[string]any{"application_id": out.ID}, j.EmployerAddress)
		}
		return err
	})
	return out, err
}

// ApproveCompletion pays the freelancer, mints their reputation token and
// closes the job. Payment comes first; nothing else changes unless the
// escrow ends up released. A retry after a partial failure skips the
// payment when the escrow is already released to the same freelancer, and
// minting is idempotent, so repeating the call is safe.
func (s *Service) ApproveCompletion(ctx context.Context, jobID, applicationID, caller string, rating int, comment string) (Approval, error) {
	if !reputation.ValidRating(rating) {
		return Approval{}, errors.Validation("rating must be between 1 and 5")
	}

	var out Approval
	err := s.withJob(ctx, "approve_completion", jobID, func() error {
		j, app, err := s.loadPair(ctx, jobID, applicationID)
		if err != nil {
			return err
		}
		if err := jobs.Authorize(j, caller); err != nil {
			return err
		}
		switch {
		case app.Status == application.StatusApproved && j.Status == job.StatusCompleted:
			return errors.InvalidStateTransition("application", string(app.Status), string(application.StatusApproved))
		case app.Status != application.StatusCompleted && app.Status != application.StatusApproved:
			return errors.InvalidStateTransition("application", string(app.Status), string(application.StatusApproved))
		case j.Status != job.StatusInProgress:
			return errors.InvalidStateTransition("job", string(j.Status), string(job.StatusCompleted))
		}

		e, err := s.release(ctx, j, app)
		if err != nil {
			return err
		}

		tok, err := s.reputation.Mint(ctx, repsvc.MintRequest{
			Freelancer:    app.FreelancerAddress,
			JobID:         j.ID,
			ApplicationID: app.ID,
			JobTitle:      j.Title,
			Employer:      j.EmployerAddress,
			Rating:        rating,
			Comment:       comment,
			JobBudget:     j.Budget,
			JobCurrency:   j.Currency,
		})
		if err != nil {
			return err
		}
		s.publish(ctx, events.ReputationMinted, jobID, map[string]any{"token_id": tok.TokenID, "rating": tok.Rating}, app.FreelancerAddress)

		if app.Status == application.StatusCompleted {
			if app, err = s.apps.MarkApproved(ctx, app, rating, comment); err != nil {
				return err
			}
		}
		if j, err = s.jobs.Complete(ctx, j); err != nil {
			return err
		}
		s.publish(ctx, events.JobCompleted, jobID, nil, j.EmployerAddress, app.FreelancerAddress)

		out = Approval{Job: j, Application: app, Escrow: e, Token: tok}
		return nil
	})
	return out, err
}

// release pays the escrow of j to the applicant unless that already happened.
func (s *Service) release(ctx context.Context, j job.Job, app application.Application) (escrow.Escrow, error) {
	e, err := s.escrows.GetByJobID(ctx, j.ID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	switch e.Status {
	case escrow.StatusReleased:
		if e.FreelancerAddress != app.FreelancerAddress {
			return escrow.Escrow{}, errors.InvalidState("escrow %s was released to another freelancer", e.ID)
		}
		return e, nil
	case escrow.StatusPendingSettlement:
		return escrow.Escrow{}, errors.Indeterminate("a settlement for escrow "+e.ID+" is already in flight; reconcile it first", nil)
	case escrow.StatusCancelled:
		return escrow.Escrow{}, errors.InvalidStateTransition("escrow", string(e.Status), string(escrow.StatusReleased))
	}

	released, err := s.escrows.Release(ctx, e.ID, app.FreelancerAddress)
	s.observer.ObserveSettlement(Outcome(err))
	if err != nil {
		if errors.Is(err, errors.CodeIndeterminate) {
			s.publish(ctx, events.SettlementIndeterminate, j.ID, map[string]any{"escrow_id": e.ID}, j.EmployerAddress, app.FreelancerAddress)
		}
		return escrow.Escrow{}, err
	}
	s.publish(ctx, events.PaymentReleased, j.ID, map[string]any{
		"escrow_id": released.ID,
		"tx_ref":    released.TxRef,
		"amount":    released.Amount.String(),
		"currency":  released.Currency,
	}, j.EmployerAddress, app.FreelancerAddress)
	return released, nil
}

// CancelJob cancels an open or in_progress job and its escrow. Funds are
// never paid out. A release in flight blocks cancellation.
func (s *Service) CancelJob(ctx context.Context, jobID, caller string) (job.Job, error) {
	var out job.Job
	err := s.withJob(ctx, "cancel_job", jobID, func() error {
		j, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if err := jobs.Authorize(j, caller); err != nil {
			return err
		}
		if !job.CanTransition(j.Status, job.StatusCancelled) {
			return errors.InvalidStateTransition("job", string(j.Status), string(job.StatusCancelled))
		}

		e, err := s.escrows.GetByJobID(ctx, jobID)
		hasEscrow := err == nil
		if err != nil && !errors.Is(err, errors.CodeNotFound) {
			return err
		}
		if hasEscrow && e.Status != escrow.StatusLocked {
			return errors.InvalidStateTransition("escrow", string(e.Status), string(escrow.StatusCancelled))
		}

		cancelled, err := s.jobs.Cancel(ctx, j)
		if err != nil {
			return err
		}
		if hasEscrow {
			if _, err := s.escrows.Cancel(ctx, e.ID); err != nil {
				_, undo := s.jobs.Restore(ctx, cancelled, j.Status)
				s.compensate("restore_job_status", jobID, undo)
				return err
			}
		}
		out = cancelled
		recipients := []string{j.EmployerAddress}
		if j.SelectedFreelancerAddress != "" {
			recipients = append(recipients, j.SelectedFreelancerAddress)
		}
		s.publish(ctx, events.JobCancelled, jobID, nil, recipients...)
		return nil
	})
	return out, err
}

// CompleteJob closes an in_progress job without paying or minting.
func (s *Service) CompleteJob(ctx context.Context, jobID, caller string) (job.Job, error) {
	var out job.Job
	err := s.withJob(ctx, "complete_job", jobID, func() error {
		j, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if err := jobs.Authorize(j, caller); err != nil {
			return err
		}
		out, err = s.jobs.Complete(ctx, j)
		if err == nil {
			s.publish(ctx, events.JobCompleted, jobID, nil, j.EmployerAddress)
		}
		return err
	})
	return out, err
}

// OpenDispute freezes an in_progress job. Either party may open it.
func (s *Service) OpenDispute(ctx context.Context, jobID, caller, reason string) (job.Job, error) {
	var out job.Job
	err := s.withJob(ctx, "open_dispute", jobID, func() error {
		j, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		caller = strings.TrimSpace(caller)
		if caller == "" || (caller != j.EmployerAddress && caller != j.SelectedFreelancerAddress) {
			return errors.Unauthorized("only the employer or the selected freelancer may open a dispute")
		}
		out, err = s.jobs.MarkDisputed(ctx, j, reason)
		if err == nil {
			s.publish(ctx, events.JobDisputed, jobID, map[string]any{"reason": out.DisputeReason, "opened_by": caller},
				j.EmployerAddress, j.SelectedFreelancerAddress)
		}
		return err
	})
	return out, err
}

// ReconcileSettlement resolves a pending_settlement escrow against the
// ledger. Once it reports released, approving the completion again finishes
// the job without a second payment.
func (s *Service) ReconcileSettlement(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	var out escrow.Escrow
	err = s.withJob(ctx, "reconcile_settlement", e.JobID, func() error {
		current, err := s.escrows.Get(ctx, escrowID)
		if err != nil {
			return err
		}
		before := current.Status
		out, err = s.escrows.Reconcile(ctx, escrowID)
		if err != nil {
			return err
		}
		if before != out.Status {
			s.observer.ObserveSettlement("reconciled_" + string(out.Status))
		}
		if before == escrow.StatusPendingSettlement && out.Status == escrow.StatusReleased {
			s.publish(ctx, events.PaymentReleased, out.JobID, map[string]any{
				"escrow_id":  out.ID,
				"tx_ref":     out.TxRef,
				"reconciled": true,
			}, out.EmployerAddress, out.FreelancerAddress)
		}
		return nil
	})
	return out, err
}

// asServiceError keeps stdlib errors out of the taxonomy boundary.
func asServiceError(err error) error {
	if err == nil || errors.GetServiceError(err) != nil {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Indeterminate("operation interrupted", err)
	}
	return errors.Internal("workflow failure", err)
}
