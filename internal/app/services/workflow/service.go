// Package workflow sequences operations that span jobs, applications,
// escrows and reputation tokens. Every mutating operation holds the job's
// lock for its whole duration, and a failure in a later step undoes the
// earlier ones where that is possible.
package workflow

import (
	"context"
	"time"

	"github.com/R3E-Network/marketplace_layer/internal/app/events"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/applications"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/escrow"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/jobs"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/reputation"
	"github.com/R3E-Network/marketplace_layer/internal/errors"
	"github.com/R3E-Network/marketplace_layer/internal/locks"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

// Dependencies are the components a workflow coordinates. Locker, Events and
// Observer are optional.
type Dependencies struct {
	Jobs         *jobs.Service
	Applications *applications.Service
	Escrows      *escrow.Service
	Reputation   *reputation.Service
	Locker       locks.Locker
	Events       events.Publisher
	Observer     Observer
}

// Service is the coordinating workflow.
type Service struct {
	jobs       *jobs.Service
	apps       *applications.Service
	escrows    *escrow.Service
	reputation *reputation.Service
	locker     locks.Locker
	events     events.Publisher
	observer   Observer
	log        *logger.Logger
}

// New wires a workflow over deps.
func New(deps Dependencies, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("workflow")
	}
	if deps.Locker == nil {
		deps.Locker = locks.NewLocal()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	return &Service{
		jobs:       deps.Jobs,
		apps:       deps.Applications,
		escrows:    deps.Escrows,
		reputation: deps.Reputation,
		locker:     deps.Locker,
		events:     deps.Events,
		observer:   deps.Observer,
		log:        log,
	}
}

// withJob runs fn holding the lock of jobID and reports the outcome.
func (s *Service) withJob(ctx context.Context, op, jobID string, fn func() error) (err error) {
	start := time.Now()
	defer func() {
		s.observer.ObserveOperation(op, Outcome(err), time.Since(start))
	}()

	unlock, err := s.locker.Lock(ctx, "job:"+jobID)
	if err != nil {
		return errors.Conflict("job "+jobID+" is busy; retry", err)
	}
	defer unlock()
	return asServiceError(fn())
}

func (s *Service) publish(ctx context.Context, typ events.Type, jobID string, data map[string]any, recipients ...string) {
	s.events.Publish(ctx, events.Event{
		Type:       typ,
		JobID:      jobID,
		Recipients: recipients,
		Data:       data,
		At:         time.Now().UTC(),
	})
}

// compensate logs a failed undo step. The original error is what the caller
// sees; the log is what an operator needs to repair the record by hand.
func (s *Service) compensate(step, jobID string, err error) {
	if err == nil {
		return
	}
	s.log.WithField("job_id", jobID).WithField("step", step).WithError(err).Error("compensation failed")
}
