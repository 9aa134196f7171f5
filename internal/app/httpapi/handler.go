// Package httpapi exposes the marketplace API over REST and the lifecycle
// event feed over websockets.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/marketplace_layer/internal/app/marketplace"
	"github.com/R3E-Network/marketplace_layer/internal/errors"
	"github.com/R3E-Network/marketplace_layer/internal/httputil"
	"github.com/R3E-Network/marketplace_layer/internal/middleware"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

// Options wires the handler. Only API is required.
type Options struct {
	API       *marketplace.API
	Events    http.Handler
	Metrics   http.Handler
	Auth      *middleware.AuthMiddleware
	RateLimit *middleware.RateLimiter
	CORS      *middleware.CORSMiddleware
	Audit     *AuditLog
	// Health reports readiness, typically a database ping.
	Health func(ctx context.Context) error
	// Instrument wraps the whole handler, e.g. with request metrics.
	Instrument func(http.Handler) http.Handler
	Log        *logger.Logger
}

// handler bundles HTTP endpoints for the marketplace API.
type handler struct {
	api    *marketplace.API
	audit  *AuditLog
	health func(ctx context.Context) error
	log    *logger.Logger
}

// NewHandler returns the router with every middleware applied.
func NewHandler(opts Options) http.Handler {
	if opts.Log == nil {
		opts.Log = logger.NewDefault("httpapi")
	}
	h := &handler{api: opts.API, audit: opts.Audit, health: opts.Health, log: opts.Log}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, errors.NotFound("route", r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, httputil.Envelope{
			Status:  httputil.StatusError,
			Message: "method not allowed",
			Code:    string(errors.CodeValidation),
		})
	})

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}
	if opts.Events != nil {
		feed := middleware.RequireCaller(opts.Events)
		if opts.Auth != nil {
			feed = opts.Auth.Handler(feed)
		}
		r.Handle("/ws", feed).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	if opts.Auth != nil {
		v1.Use(opts.Auth.Handler)
	}
	if opts.RateLimit != nil {
		v1.Use(opts.RateLimit.Handler)
	}
	if opts.Audit != nil {
		v1.Use(opts.Audit.Middleware)
	}
	h.routes(v1)

	var root http.Handler = r
	if opts.CORS != nil {
		root = opts.CORS.Handler(root)
	}
	root = middleware.NewTracingMiddleware(opts.Log).Handler(root)
	if opts.Instrument != nil {
		root = opts.Instrument(root)
	}
	return root
}

func (h *handler) routes(r *mux.Router) {
	r.HandleFunc("/descriptor", h.descriptor).Methods(http.MethodGet)
	r.HandleFunc("/audit", h.auditEntries).Methods(http.MethodGet)

	r.HandleFunc("/jobs", h.createJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs", h.listJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{jobID}", h.getJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{jobID}/cancel", h.cancelJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{jobID}/complete", h.completeJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{jobID}/dispute", h.openDispute).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{jobID}/escrow", h.getEscrow).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{jobID}/escrow/retry", h.retryEscrow).Methods(http.MethodPost)

	r.HandleFunc("/jobs/{jobID}/applications", h.applyToJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{jobID}/applications", h.jobApplications).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{jobID}/applications/{applicationID}/accept", h.acceptApplication).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{jobID}/applications/{applicationID}/reject", h.rejectApplication).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{jobID}/applications/{applicationID}/completion", h.submitCompletion).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{jobID}/applications/{applicationID}/approve", h.approveCompletion).Methods(http.MethodPost)

	r.HandleFunc("/escrows/{escrowID}/reconcile", h.reconcileEscrow).Methods(http.MethodPost)

	r.HandleFunc("/employers/{address}/jobs", h.employerJobs).Methods(http.MethodGet)
	r.HandleFunc("/employers/{address}/escrow-stats", h.escrowStats).Methods(http.MethodGet)
	r.HandleFunc("/freelancers/{address}/applications", h.freelancerApplications).Methods(http.MethodGet)
	r.HandleFunc("/freelancers/{address}/reputation", h.reputationTokens).Methods(http.MethodGet)
	r.HandleFunc("/freelancers/{address}/reputation/summary", h.reputationSummary).Methods(http.MethodGet)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.log.WithContext(r.Context()).WithError(err).Warn("health check failed")
			httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.Envelope{
				Status:  httputil.StatusError,
				Message: "unhealthy",
				Code:    string(errors.CodeInternal),
			})
			return
		}
	}
	httputil.WriteSuccess(w, http.StatusOK, "ok", nil)
}

func (h *handler) descriptor(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, http.StatusOK, "ok", h.api.Descriptor())
}

func (h *handler) auditEntries(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		httputil.WriteError(w, errors.NotFound("route", r.URL.Path))
		return
	}
	if middleware.Caller(r.Context()) == "" {
		httputil.WriteError(w, errors.InvalidToken(nil))
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "ok", h.audit.List(limit))
}

// respond writes res with success as the status of a successful call.
func respond(w http.ResponseWriter, res marketplace.Result, success int) {
	httputil.WriteJSON(w, res.HTTPStatus(success), res)
}

// caller returns the authenticated address or writes a 401.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	c := middleware.Caller(r.Context())
	if c == "" {
		httputil.WriteError(w, errors.InvalidToken(nil).WithDetails("reason", "authentication required"))
		return "", false
	}
	return c, true
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	employer, ok := caller(w, r)
	if !ok {
		return
	}
	var req marketplace.CreateJobRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.EmployerAddress != "" && req.EmployerAddress != employer {
		httputil.WriteError(w, errors.Unauthorized("employer_address must match the authenticated caller"))
		return
	}
	req.EmployerAddress = employer
	respond(w, h.api.CreateJob(r.Context(), req), http.StatusCreated)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := marketplace.ListJobsRequest{
		Search:    q.Get("search"),
		MinBudget: q.Get("min_budget"),
		MaxBudget: q.Get("max_budget"),
		Currency:  q.Get("currency"),
		Status:    q.Get("status"),
		SortBy:    q.Get("sort_by"),
	}
	for _, raw := range q["tags"] {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				req.Tags = append(req.Tags, tag)
			}
		}
	}
	respond(w, h.api.ListJobs(r.Context(), req), http.StatusOK)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	respond(w, h.api.GetJob(r.Context(), mux.Vars(r)["jobID"]), http.StatusOK)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	respond(w, h.api.CancelJob(r.Context(), mux.Vars(r)["jobID"], who), http.StatusOK)
}

func (h *handler) completeJob(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	respond(w, h.api.CompleteJob(r.Context(), mux.Vars(r)["jobID"], who), http.StatusOK)
}

func (h *handler) openDispute(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := httputil.DecodeJSON(w, r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	respond(w, h.api.OpenDispute(r.Context(), mux.Vars(r)["jobID"], who, payload.Reason), http.StatusOK)
}

func (h *handler) getEscrow(w http.ResponseWriter, r *http.Request) {
	respond(w, h.api.GetEscrowByJobID(r.Context(), mux.Vars(r)["jobID"]), http.StatusOK)
}

func (h *handler) retryEscrow(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	respond(w, h.api.RetryEscrowCreation(r.Context(), mux.Vars(r)["jobID"], who), http.StatusOK)
}

func (h *handler) applyToJob(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req marketplace.ApplyRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.FreelancerAddress != "" && req.FreelancerAddress != who {
		httputil.WriteError(w, errors.Unauthorized("freelancer_address must match the authenticated caller"))
		return
	}
	req.FreelancerAddress = who
	req.JobID = mux.Vars(r)["jobID"]
	respond(w, h.api.ApplyToJob(r.Context(), req), http.StatusCreated)
}

func (h *handler) jobApplications(w http.ResponseWriter, r *http.Request) {
	respond(w, h.api.GetJobApplications(r.Context(), mux.Vars(r)["jobID"]), http.StatusOK)
}

func (h *handler) acceptApplication(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	respond(w, h.api.AcceptApplication(r.Context(), vars["jobID"], vars["applicationID"], who), http.StatusOK)
}

func (h *handler) rejectApplication(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	respond(w, h.api.RejectApplication(r.Context(), vars["jobID"], vars["applicationID"], who), http.StatusOK)
}

func (h *handler) submitCompletion(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req marketplace.SubmitCompletionRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	vars := mux.Vars(r)
	req.JobID, req.ApplicationID, req.Caller = vars["jobID"], vars["applicationID"], who
	respond(w, h.api.SubmitCompletion(r.Context(), req), http.StatusOK)
}

func (h *handler) approveCompletion(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req marketplace.ApproveRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	vars := mux.Vars(r)
	req.JobID, req.ApplicationID, req.Caller = vars["jobID"], vars["applicationID"], who
	respond(w, h.api.ApproveJobCompletion(r.Context(), req), http.StatusOK)
}

func (h *handler) reconcileEscrow(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	respond(w, h.api.ReconcileEscrow(r.Context(), mux.Vars(r)["escrowID"], who), http.StatusOK)
}

func (h *handler) employerJobs(w http.ResponseWriter, r *http.Request) {
	respond(w, h.api.GetJobsByEmployer(r.Context(), mux.Vars(r)["address"]), http.StatusOK)
}

func (h *handler) escrowStats(w http.ResponseWriter, r *http.Request) {
	respond(w, h.api.GetEscrowStats(r.Context(), mux.Vars(r)["address"]), http.StatusOK)
}

func (h *handler) freelancerApplications(w http.ResponseWriter, r *http.Request) {
	respond(w, h.api.GetFreelancerApplications(r.Context(), mux.Vars(r)["address"]), http.StatusOK)
}

func (h *handler) reputationTokens(w http.ResponseWriter, r *http.Request) {
	respond(w, h.api.GetReputationTokens(r.Context(), mux.Vars(r)["address"]), http.StatusOK)
}

func (h *handler) reputationSummary(w http.ResponseWriter, r *http.Request) {
	recent, err := intParam(r, "recent")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	respond(w, h.api.GetReputationSummary(r.Context(), mux.Vars(r)["address"], recent), http.StatusOK)
}

func intParam(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Validation("%s must be a non-negative integer", name)
	}
	return n, nil
}
