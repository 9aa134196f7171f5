// Package marketplace is the public operation surface of the engine. Every
// call returns a Result; failures are reported as values carrying the error
// code rather than as Go errors, so transports can forward them unchanged.
package marketplace

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/marketplace_layer/internal/app/core/service"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/application"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/job"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/applications"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/escrow"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/jobs"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/reputation"
	"github.com/R3E-Network/marketplace_layer/internal/app/services/workflow"
	"github.com/R3E-Network/marketplace_layer/internal/errors"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the outcome of an API call.
type Result struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Data    any                    `json:"data,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`

	err error
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Err returns the classified error behind a failed result.
func (r Result) Err() error { return r.err }

// HTTPStatus maps the result to a response status. Successful calls use
// success.
func (r Result) HTTPStatus(success int) int {
	if r.OK() {
		return success
	}
	if se := errors.GetServiceError(r.err); se != nil && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

func ok(message string, data any) Result {
	return Result{Status: StatusSuccess, Message: message, Data: data}
}

func fail(err error, data any) Result {
	se := errors.GetServiceError(err)
	if se == nil {
		se = errors.Internal("internal error", err)
	}
	return Result{
		Status:  StatusError,
		Message: se.Message,
		Code:    string(se.Code),
		Data:    data,
		Details: se.Details,
		err:     se,
	}
}

// Dependencies are the engine components the API fronts.
type Dependencies struct {
	Workflow     *workflow.Service
	Jobs         *jobs.Service
	Applications *applications.Service
	Escrows      *escrow.Service
	Reputation   *reputation.Service
}

// API exposes the marketplace operations.
type API struct {
	workflow   *workflow.Service
	jobs       *jobs.Service
	apps       *applications.Service
	escrows    *escrow.Service
	reputation *reputation.Service
	log        *logger.Logger
}

// New constructs the API over deps.
func New(deps Dependencies, log *logger.Logger) *API {
	if log == nil {
		log = logger.NewDefault("marketplace")
	}
	return &API{
		workflow:   deps.Workflow,
		jobs:       deps.Jobs,
		apps:       deps.Applications,
		escrows:    deps.Escrows,
		reputation: deps.Reputation,
		log:        log,
	}
}

// Descriptor lists the operations the API serves.
func (a *API) Descriptor() service.Descriptor {
	cmd := func(name string) service.Operation { return service.Operation{Name: name, Kind: service.KindCommand} }
	query := func(name string) service.Operation { return service.Operation{Name: name, Kind: service.KindQuery} }
	return service.Descriptor{Name: "marketplace", Domain: "freelance"}.WithOperations(
		cmd("createJob"), query("listJobs"), query("getJob"), query("getJobsByEmployer"),
		cmd("applyToJob"), query("getJobApplications"), query("getFreelancerApplications"),
		cmd("acceptApplication"), cmd("rejectApplication"), cmd("submitCompletion"),
		cmd("approveJobCompletion"), cmd("cancelJob"), cmd("completeJob"), cmd("openDispute"),
		cmd("retryEscrowCreation"), cmd("reconcileEscrow"),
		query("getEscrowByJobId"), query("getEscrowStats"),
		query("getReputationTokens"), query("getReputationSummary"),
	)
}

// CreateJobRequest carries a new posting. Budget is a decimal string.
type CreateJobRequest struct {
	EmployerAddress string     `json:"employer_address"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Budget          string     `json:"budget"`
	Currency        string     `json:"currency"`
	Requirements    []string   `json:"requirements"`
	Tags            []string   `json:"tags"`
	Deadline        *time.Time `json:"deadline,omitempty"`
}

// JobCreated is the data of a successful CreateJob.
type JobCreated struct {
	JobID    string  `json:"job_id"`
	EscrowID string  `json:"escrow_id,omitempty"`
	Job      job.Job `json:"job"`
}

// CreateJob posts a job and locks its escrow. When the escrow cannot be
// created the job still exists, flagged as failed, and is returned as the
// data of the error result.
func (a *API) CreateJob(ctx context.Context, req CreateJobRequest) Result {
	budget, err := parseAmount("budget", req.Budget)
	if err != nil {
		return fail(err, nil)
	}
	j, err := a.workflow.CreateJob(ctx, job.Job{
		EmployerAddress: req.EmployerAddress,
		Title:           req.Title,
		Description:     req.Description,
		Budget:          budget,
		Currency:        currency(req.Currency),
		Requirements:    req.Requirements,
		Tags:            req.Tags,
		Deadline:        req.Deadline,
	})
	if err != nil {
		if j.ID != "" {
			return fail(err, JobCreated{JobID: j.ID, Job: j})
		}
		return fail(err, nil)
	}
	return ok("Job created successfully", JobCreated{JobID: j.ID, EscrowID: j.EscrowID, Job: j})
}

// ListJobsRequest narrows a listing. Budgets are decimal strings; empty
// values disable a criterion.
type ListJobsRequest struct {
	Search    string   `json:"search,omitempty"`
	MinBudget string   `json:"min_budget,omitempty"`
	MaxBudget string   `json:"max_budget,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Status    string   `json:"status,omitempty"`
	SortBy    string   `json:"sort_by,omitempty"`
}

// Filter converts the request into a job filter.
func (r ListJobsRequest) Filter() (job.Filter, error) {
	lo, err := jobs.ParseBudget(r.MinBudget)
	if err != nil {
		return job.Filter{}, err
	}
	hi, err := jobs.ParseBudget(r.MaxBudget)
	if err != nil {
		return job.Filter{}, err
	}
	return job.Filter{
		Search:    r.Search,
		MinBudget: lo,
		MaxBudget: hi,
		Currency:  currency(r.Currency),
		Tags:      r.Tags,
		Status:    job.Status(strings.ToLower(strings.TrimSpace(r.Status))),
		SortBy:    job.SortBy(strings.ToLower(strings.TrimSpace(r.SortBy))),
	}, nil
}

// ListJobs returns the jobs matching req in the requested order.
func (a *API) ListJobs(ctx context.Context, req ListJobsRequest) Result {
	f, err := req.Filter()
	if err != nil {
		return fail(err, nil)
	}
	seq, err := a.jobs.List(ctx, f)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Jobs retrieved successfully", nonNil(slices.Collect(seq)))
}

// GetJob returns one job.
func (a *API) GetJob(ctx context.Context, jobID string) Result {
	j, err := a.jobs.Get(ctx, jobID)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Job retrieved successfully", j)
}

// GetJobsByEmployer returns an employer's postings, newest first.
func (a *API) GetJobsByEmployer(ctx context.Context, employer string) Result {
	list, err := a.jobs.ListByEmployer(ctx, employer)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Jobs retrieved successfully", nonNil(list))
}

// ApplyRequest carries a freelancer's proposal. QuotedPrice is a decimal
// string.
type ApplyRequest struct {
	JobID             string `json:"job_id"`
	FreelancerAddress string `json:"freelancer_address"`
	Proposal          string `json:"proposal"`
	QuotedPrice       string `json:"quoted_price"`
	EstimatedDuration string `json:"estimated_duration"`
}

// ApplyToJob records an application.
func (a *API) ApplyToJob(ctx context.Context, req ApplyRequest) Result {
	price, err := parseAmount("quoted_price", req.QuotedPrice)
	if err != nil {
		return fail(err, nil)
	}
	app, err := a.workflow.Apply(ctx, application.Application{
		JobID:             req.JobID,
		FreelancerAddress: req.FreelancerAddress,
		Proposal:          req.Proposal,
		QuotedPrice:       price,
		EstimatedDuration: req.EstimatedDuration,
	})
	if err != nil {
		return fail(err, nil)
	}
	return ok("Application submitted successfully", app)
}

// GetJobApplications returns the applications for a job.
func (a *API) GetJobApplications(ctx context.Context, jobID string) Result {
	seq, err := a.apps.ListByJob(ctx, jobID)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Applications retrieved successfully", nonNil(slices.Collect(seq)))
}

// GetFreelancerApplications returns a freelancer's applications.
func (a *API) GetFreelancerApplications(ctx context.Context, freelancer string) Result {
	seq, err := a.apps.ListByFreelancer(ctx, freelancer)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Applications retrieved successfully", nonNil(slices.Collect(seq)))
}

// AcceptApplication selects the applicant for the job.
func (a *API) AcceptApplication(ctx context.Context, jobID, applicationID, caller string) Result {
	app, err := a.workflow.AcceptApplication(ctx, jobID, applicationID, caller)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Application accepted successfully", app)
}

// RejectApplication declines a pending application.
func (a *API) RejectApplication(ctx context.Context, jobID, applicationID, caller string) Result {
	app, err := a.workflow.RejectApplication(ctx, jobID, applicationID, caller)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Application rejected", app)
}

// SubmitCompletionRequest carries a freelancer's hand-in.
type SubmitCompletionRequest struct {
	JobID         string   `json:"job_id"`
	ApplicationID string   `json:"application_id"`
	Caller        string   `json:"-"`
	Deliverables  string   `json:"deliverables"`
	Notes         string   `json:"notes,omitempty"`
	FileRefs      []string `json:"file_refs,omitempty"`
}

// SubmitCompletion marks the work as delivered.
func (a *API) SubmitCompletion(ctx context.Context, req SubmitCompletionRequest) Result {
	app, err := a.workflow.SubmitCompletion(ctx, req.JobID, req.ApplicationID, req.Caller, application.CompletionData{
		Deliverables: req.Deliverables,
		Notes:        req.Notes,
		FileRefs:     req.FileRefs,
	})
	if err != nil {
		return fail(err, nil)
	}
	return ok("Completion submitted successfully", app)
}

// ApproveRequest carries the employer's rating of delivered work.
type ApproveRequest struct {
	JobID         string `json:"job_id"`
	ApplicationID string `json:"application_id"`
	Caller        string `json:"-"`
	Rating        int    `json:"rating"`
	Comment       string `json:"comment,omitempty"`
}

// ApproveJobCompletion pays the freelancer and mints their reputation token.
func (a *API) ApproveJobCompletion(ctx context.Context, req ApproveRequest) Result {
	approval, err := a.workflow.ApproveCompletion(ctx, req.JobID, req.ApplicationID, req.Caller, req.Rating, req.Comment)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Job completed, payment released and reputation token minted", approval)
}

// CancelJob cancels the job and its escrow.
func (a *API) CancelJob(ctx context.Context, jobID, caller string) Result {
	j, err := a.workflow.CancelJob(ctx, jobID, caller)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Job cancelled successfully", j)
}

// CompleteJob closes an in-progress job without payment.
func (a *API) CompleteJob(ctx context.Context, jobID, caller string) Result {
	j, err := a.workflow.CompleteJob(ctx, jobID, caller)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Job marked as completed", j)
}

// OpenDispute freezes an in-progress job.
func (a *API) OpenDispute(ctx context.Context, jobID, caller, reason string) Result {
	j, err := a.workflow.OpenDispute(ctx, jobID, caller, reason)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Dispute opened", j)
}

// RetryEscrowCreation re-attempts the escrow of a job whose escrow failed.
func (a *API) RetryEscrowCreation(ctx context.Context, jobID, caller string) Result {
	j, err := a.workflow.RetryEscrowCreation(ctx, jobID, caller)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Escrow created successfully", JobCreated{JobID: j.ID, EscrowID: j.EscrowID, Job: j})
}

// ReconcileEscrow resolves a pending settlement. Only the escrow's employer
// or payee may ask.
func (a *API) ReconcileEscrow(ctx context.Context, escrowID, caller string) Result {
	e, err := a.escrows.Get(ctx, escrowID)
	if err != nil {
		return fail(err, nil)
	}
	if caller != e.EmployerAddress && (caller == "" || caller != e.FreelancerAddress) {
		return fail(errors.Unauthorized("only the employer or payee can reconcile this escrow"), nil)
	}
	e, err = a.workflow.ReconcileSettlement(ctx, escrowID)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Escrow reconciled", e)
}

// GetEscrowByJobID returns the escrow of a job.
func (a *API) GetEscrowByJobID(ctx context.Context, jobID string) Result {
	e, err := a.escrows.GetByJobID(ctx, jobID)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Escrow retrieved successfully", e)
}

// GetEscrowStats summarises an employer's escrows.
func (a *API) GetEscrowStats(ctx context.Context, employer string) Result {
	stats, err := a.escrows.Stats(ctx, employer)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Escrow stats retrieved successfully", stats)
}

// GetReputationTokens returns a freelancer's tokens, newest first.
func (a *API) GetReputationTokens(ctx context.Context, freelancer string) Result {
	seq, err := a.reputation.Query(ctx, freelancer)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Reputation tokens retrieved successfully", nonNil(slices.Collect(seq)))
}

// GetReputationSummary aggregates a freelancer's tokens. recent selects the
// window of the recent average.
func (a *API) GetReputationSummary(ctx context.Context, freelancer string, recent int) Result {
	summary, err := a.reputation.Summary(ctx, freelancer, recent)
	if err != nil {
		return fail(err, nil)
	}
	return ok("Reputation summary retrieved successfully", summary)
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, errors.Validation("%s is required", field)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.Validation("%s must be a decimal number", field).WithDetails("value", raw)
	}
	return d, nil
}

func currency(raw string) money.Currency {
	return money.Currency(strings.ToUpper(strings.TrimSpace(raw)))
}

// nonNil keeps empty listings encoded as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
