package workflow

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/marketplace_layer/internal/app/services/escrow"
	"github.com/R3E-Network/marketplace_layer/internal/app/system"
	"github.com/R3E-Network/marketplace_layer/internal/errors"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

// DefaultReconcileSchedule runs a reconciliation pass every minute.
const DefaultReconcileSchedule = "@every 1m"

// Reconciler periodically resolves escrows stuck in pending_settlement.
type Reconciler struct {
	workflow *Service
	escrows  *escrow.Service
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ system.Service = (*Reconciler)(nil)

// NewReconciler builds a reconciler using a cron schedule spec such as
// "@every 30s" or "*/5 * * * *". An empty schedule selects the default.
func NewReconciler(workflow *Service, escrows *escrow.Service, schedule string, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("reconciler")
	}
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}
	return &Reconciler{workflow: workflow, escrows: escrows, schedule: schedule, log: log}
}

func (r *Reconciler) Name() string { return "settlement-reconciler" }

func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(r.log)),
		cron.SkipIfStillRunning(cron.PrintfLogger(r.log)),
	))
	runCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(r.schedule, func() { r.RunOnce(runCtx) }); err != nil {
		return errors.Validation("invalid reconcile schedule %q: %v", r.schedule, err)
	}
	c.Start()
	r.cron = c
	r.running = true
	r.log.WithField("schedule", r.schedule).Info("settlement reconciler started")
	return nil
}

// Stop halts the schedule and waits for a running pass or ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c := r.cron
	r.cron = nil
	r.running = false
	r.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("settlement reconciler stopped")
	return nil
}

// RunOnce reconciles every pending settlement and returns how many were
// resolved.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	pending, err := r.escrows.ListPending(ctx)
	if err != nil {
		r.log.WithError(err).Warn("list pending settlements")
		return 0
	}
	resolved := 0
	for _, e := range pending {
		if ctx.Err() != nil {
			break
		}
		out, err := r.workflow.ReconcileSettlement(ctx, e.ID)
		switch {
		case errors.Is(err, errors.CodeIndeterminate):
			r.log.WithField("escrow_id", e.ID).Debug("settlement still unknown")
		case err != nil:
			r.log.WithField("escrow_id", e.ID).WithError(err).Warn("reconcile settlement")
		default:
			resolved++
			r.log.WithField("escrow_id", out.ID).WithField("status", out.Status).Info("settlement reconciled")
		}
	}
	return resolved
}
