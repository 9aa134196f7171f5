package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/R3E-Network/marketplace_layer/internal/app/events"
	"github.com/R3E-Network/marketplace_layer/internal/app/marketplace"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/applications"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/escrow"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/jobs"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/reputation"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/workflow"
	"github.com/R3E-Network/marketplace_layer/internal/app/storage"
	"github.com/R3E-Network/marketplace_layer/internal/app/storage/memory"
	"github.com/R3E-Network/marketplace_layer/internal/app/system"
	"github.com/R3E-Network/marketplace_layer/internal/locks"
	"github.com/R3E-Network/marketplace_layer/internal/settlement"
	"github.com/R3E-Network/marketplace_layer/internal/signer"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Jobs         storage.JobStore
	Applications storage.ApplicationStore
	Escrows      storage.EscrowStore
	Reputation   storage.ReputationStore
}

// Options configures the application. Gateway and Signer are required.
type Options struct {
	Stores  Stores
	Gateway settlement.Gateway
	Signer  signer.Signer
	// Locker defaults to an in-process keyed mutex.
	Locker locks.Locker
	// SettlementTimeout bounds each gateway and signer call.
	SettlementTimeout time.Duration
	// ReconcileSchedule enables the settlement reconciler when non-empty.
	ReconcileSchedule string
	// CheckOrigin guards websocket upgrades of the event feed.
	CheckOrigin func(*http.Request) bool
	Observer    workflow.Observer
	// Publishers receive lifecycle events in addition to the websocket hub.
	Publishers []events.Publisher
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Jobs         *jobs.Service
	Applications *applications.Service
	Escrows      *escrow.Service
	Reputation   *reputation.Service
	Workflow     *workflow.Service
	API          *marketplace.API
	Hub          *events.Hub
	Reconciler   *workflow.Reconciler
}

// New builds a fully initialised application.
func New(opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("settlement gateway is required")
	}
	if opts.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}

	stores := opts.Stores
	if stores.Jobs == nil || stores.Applications == nil || stores.Escrows == nil || stores.Reputation == nil {
		mem := memory.New()
		if stores.Jobs == nil {
			stores.Jobs = mem
		}
		if stores.Applications == nil {
			stores.Applications = mem
		}
		if stores.Escrows == nil {
			stores.Escrows = mem
		}
		if stores.Reputation == nil {
			stores.Reputation = mem
		}
	}

	var escrowOpts []escrow.Option
	if opts.SettlementTimeout > 0 {
		escrowOpts = append(escrowOpts, escrow.WithTimeout(opts.SettlementTimeout))
	}

	jobService := jobs.New(stores.Jobs, log.Named("jobs"))
	appService := applications.New(stores.Applications, stores.Jobs, log.Named("applications"))
	escrowService := escrow.New(stores.Escrows, opts.Gateway, opts.Signer, log.Named("escrow"), escrowOpts...)
	repService := reputation.New(stores.Reputation, log.Named("reputation"))

	hub := events.NewHub(opts.CheckOrigin, log.Named("events"))
	publishers := append(events.Fanout{hub}, opts.Publishers...)

	wf := workflow.New(workflow.Dependencies{
		Jobs:         jobService,
		Applications: appService,
		Escrows:      escrowService,
		Reputation:   repService,
		Locker:       opts.Locker,
		Events:       publishers,
		Observer:     opts.Observer,
	}, log.Named("workflow"))

	api := marketplace.New(marketplace.Dependencies{
		Workflow:     wf,
		Jobs:         jobService,
		Applications: appService,
		Escrows:      escrowService,
		Reputation:   repService,
	}, log.Named("marketplace"))

	manager := system.NewManager()
	if err := manager.Register(hub); err != nil {
		return nil, fmt.Errorf("register %s: %w", hub.Name(), err)
	}

	var reconciler *workflow.Reconciler
	if opts.ReconcileSchedule != "" {
		reconciler = workflow.NewReconciler(wf, escrowService, opts.ReconcileSchedule, log.Named("reconciler"))
		if err := manager.Register(reconciler); err != nil {
			return nil, fmt.Errorf("register %s: %w", reconciler.Name(), err)
		}
	}

	return &Application{
		manager:      manager,
		log:          log,
		Jobs:         jobService,
		Applications: appService,
		Escrows:      escrowService,
		Reputation:   repService,
		Workflow:     wf,
		API:          api,
		Hub:          hub,
		Reconciler:   reconciler,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Services lists the registered lifecycle services in start order.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	a.log.WithField("services", a.manager.Services()).Info("starting application")
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
