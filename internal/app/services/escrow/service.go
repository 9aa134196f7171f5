package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/escrow"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
	"github.com/R3E-Network/marketplace_layer/internal/app/storage"
	svcerrors "github.com/R3E-Network/marketplace_layer/internal/errors"
	"github.com/R3E-Network/marketplace_layer/internal/settlement"
	"github.com/R3E-Network/marketplace_layer/internal/signer"
	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

// DefaultTimeout bounds every gateway and signer call.
const DefaultTimeout = 30 * time.Second

// DefaultNotFoundGrace is how long a pending settlement must have been
// outstanding before a ledger "not found" is trusted to mean it never
// arrived.
const DefaultNotFoundGrace = 10 * time.Minute

// Service owns escrows and is the only caller of the settlement gateway.
type Service struct {
	store   storage.EscrowStore
	gateway settlement.Gateway
	signer  signer.Signer
	timeout time.Duration
	grace   time.Duration
	now     func() time.Time
	log     *logger.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithNotFoundGrace overrides DefaultNotFoundGrace.
func WithNotFoundGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs an escrow ledger.
func New(store storage.EscrowStore, gateway settlement.Gateway, sg signer.Signer, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("escrow")
	}
	s := &Service{
		store:   store,
		gateway: gateway,
		signer:  sg,
		timeout: DefaultTimeout,
		grace:   DefaultNotFoundGrace,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create records a locked escrow for a job after checking that the employer
// account exists and currently holds the amount. Nothing moves on the ledger.
func (s *Service) Create(ctx context.Context, jobID, employer string, amount decimal.Decimal, currency money.Currency) (escrow.Escrow, error) {
	jobID = strings.TrimSpace(jobID)
	employer = strings.TrimSpace(employer)
	switch {
	case jobID == "":
		return escrow.Escrow{}, svcerrors.Validation("job id is required")
	case employer == "":
		return escrow.Escrow{}, svcerrors.Validation("employer address is required")
	case !amount.IsPositive():
		return escrow.Escrow{}, svcerrors.Validation("escrow amount must be greater than zero")
	case !currency.Valid():
		return escrow.Escrow{}, svcerrors.Validation("currency %q is not supported", currency)
	}

	if existing, err := s.store.GetEscrowByJob(ctx, jobID); err == nil {
		return escrow.Escrow{}, svcerrors.InvalidState("job %s already has escrow %s", jobID, existing.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return escrow.Escrow{}, storage.Classify(err, "escrow", jobID)
	}

	if err := s.checkFunds(ctx, employer, amount, currency); err != nil {
		return escrow.Escrow{}, err
	}

	created, err := s.store.CreateEscrow(ctx, escrow.Escrow{
		JobID:           jobID,
		EmployerAddress: employer,
		Amount:          amount,
		Currency:        currency,
		Status:          escrow.StatusLocked,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return escrow.Escrow{}, svcerrors.InvalidState("job %s already has an escrow", jobID)
	}
	if err != nil {
		return escrow.Escrow{}, storage.Classify(err, "escrow", jobID)
	}
	s.log.WithField("escrow_id", created.ID).
		WithField("job_id", jobID).
		WithField("amount", amount.String()+" "+string(currency)).
		Info("escrow locked")
	return created, nil
}

func (s *Service) checkFunds(ctx context.Context, employer string, amount decimal.Decimal, currency money.Currency) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.gateway.AccountExists(callCtx, employer)
	if err != nil {
		return svcerrors.SettlementFailure("could not verify employer account", err)
	}
	if !exists {
		return svcerrors.Validation("employer account %s does not exist on the ledger", employer)
	}
	balance, err := s.gateway.Balance(callCtx, employer, currency)
	if err != nil {
		return svcerrors.SettlementFailure("could not read employer balance", err)
	}
	if balance.LessThan(amount) {
		return svcerrors.Validation("insufficient %s balance: have %s, need %s", currency, balance.String(), amount.String())
	}
	return nil
}

// AssignFreelancer fixes the payee of a locked escrow. Assigning the same
// freelancer again is a no-op.
func (s *Service) AssignFreelancer(ctx context.Context, jobID, freelancer string) (escrow.Escrow, error) {
	freelancer = strings.TrimSpace(freelancer)
	if freelancer == "" {
		return escrow.Escrow{}, svcerrors.Validation("freelancer address is required")
	}
	e, err := s.GetByJobID(ctx, jobID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if e.Status != escrow.StatusLocked {
		return escrow.Escrow{}, svcerrors.InvalidState("escrow %s is %s; freelancer can only be assigned while locked", e.ID, e.Status)
	}
	if e.FreelancerAddress == freelancer {
		return e, nil
	}
	if e.FreelancerAddress != "" {
		return escrow.Escrow{}, svcerrors.InvalidState("escrow %s is already assigned to %s", e.ID, e.FreelancerAddress)
	}
	e.FreelancerAddress = freelancer
	return s.save(ctx, e, "freelancer assigned")
}

// payment is the canonical payload the employer signs. Field order is fixed
// by the struct so the same escrow always yields the same bytes.
type payment struct {
	EscrowID  string `json:"escrow_id"`
	JobID     string `json:"job_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

// Payload returns the bytes signed for a release of e to freelancer.
func Payload(e escrow.Escrow, freelancer string) ([]byte, error) {
	ref := e.SettlementRef
	if ref == "" {
		ref = e.ID
	}
	return json.Marshal(payment{
		EscrowID:  e.ID,
		JobID:     e.JobID,
		From:      e.EmployerAddress,
		To:        freelancer,
		Amount:    e.Amount.String(),
		Currency:  string(e.Currency),
		Reference: ref,
	})
}

// Release pays a locked escrow to its freelancer. The employer signs first;
// the escrow is then marked pending_settlement before the gateway is called
// so that a crash or timeout never loses track of an outstanding payment.
//
// On a definite failure (a failed status, or a gateway that refused the call
// before sending it) the escrow returns to locked. Any other outcome keeps it
// pending_settlement and Release reports Indeterminate; Reconcile resolves it.
func (s *Service) Release(ctx context.Context, escrowID, freelancer string) (escrow.Escrow, error) {
	e, err := s.Get(ctx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if e.Status != escrow.StatusLocked {
		return escrow.Escrow{}, svcerrors.InvalidStateTransition("escrow", string(e.Status), string(escrow.StatusReleased))
	}
	freelancer = strings.TrimSpace(freelancer)
	if freelancer == "" || (e.FreelancerAddress != "" && e.FreelancerAddress != freelancer) {
		return escrow.Escrow{}, svcerrors.Validation("escrow %s is not payable to %q", e.ID, freelancer)
	}

	payload, err := Payload(e, freelancer)
	if err != nil {
		return escrow.Escrow{}, svcerrors.Internal("encode payment payload", err)
	}
	signature, err := s.sign(ctx, payload, e.EmployerAddress)
	if err != nil {
		s.log.WithField("escrow_id", e.ID).WithError(err).Warn("release not signed")
		return escrow.Escrow{}, svcerrors.SignerRejected(err)
	}

	if e.SettlementRef == "" {
		e.SettlementRef = e.ID
	}
	e.FreelancerAddress = freelancer
	e.Status = escrow.StatusPendingSettlement
	e.LastError = ""
	pending, err := s.save(ctx, e, "settlement submitted")
	if err != nil {
		return escrow.Escrow{}, err
	}

	payCtx, cancel := context.WithTimeout(ctx, s.timeout)
	result, payErr := s.gateway.Pay(payCtx, settlement.PaymentRequest{
		From:      pending.EmployerAddress,
		To:        freelancer,
		Amount:    pending.Amount,
		Currency:  pending.Currency,
		Reference: pending.SettlementRef,
		Payload:   payload,
		Signature: signature,
	})
	timedOut := payCtx.Err() != nil
	cancel()

	// The outcome must be recorded even if the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case payErr != nil && (timedOut || settlement.IsTimeout(payErr)):
		s.log.WithField("escrow_id", pending.ID).
			WithField("reference", pending.SettlementRef).
			WithError(payErr).
			Warn("settlement outcome unknown; awaiting reconciliation")
		return pending, svcerrors.Indeterminate("settlement outcome unknown; escrow "+pending.ID+" awaits reconciliation", payErr)
	case payErr != nil:
		reverted, err := s.settleFailed(persistCtx, pending, payErr.Error())
		if err != nil {
			return escrow.Escrow{}, err
		}
		return reverted, svcerrors.SettlementFailure("settlement gateway error", payErr).WithDetails("escrow", reverted.ID)
	case result.Status == settlement.StatusSuccess:
		return s.settled(persistCtx, pending, result.TxRef)
	case result.Status != settlement.StatusFailed:
		s.log.WithField("escrow_id", pending.ID).
			WithField("payment_status", result.Status).
			Warn("settlement not final; awaiting reconciliation")
		return pending, svcerrors.Indeterminate("settlement of escrow "+pending.ID+" is not final", nil)
	default:
		reason := result.Error
		if reason == "" {
			reason = "payment failed"
		}
		reverted, err := s.settleFailed(persistCtx, pending, reason)
		if err != nil {
			return escrow.Escrow{}, err
		}
		return reverted, svcerrors.SettlementFailure(reason, nil).WithDetails("escrow", reverted.ID)
	}
}

func (s *Service) sign(ctx context.Context, payload []byte, address string) ([]byte, error) {
	signCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	sig, err := s.signer.Sign(signCtx, payload, address)
	if err != nil {
		return nil, err
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("signer returned an empty signature for %s", address)
	}
	return sig, nil
}

func (s *Service) settled(ctx context.Context, e escrow.Escrow, txRef string) (escrow.Escrow, error) {
	now := s.now()
	e.Status = escrow.StatusReleased
	e.TxRef = txRef
	e.ReleasedAt = &now
	e.LastError = ""
	return s.save(ctx, e, "payment released")
}

func (s *Service) settleFailed(ctx context.Context, e escrow.Escrow, reason string) (escrow.Escrow, error) {
	e.Status = escrow.StatusLocked
	e.LastError = reason
	s.log.WithField("escrow_id", e.ID).WithField("reason", reason).Warn("settlement failed; escrow locked again")
	return s.save(ctx, e, "settlement reverted")
}

// Reconcile asks the gateway what happened to the payment of a
// pending_settlement escrow and records the answer. Released escrows are
// returned unchanged.
func (s *Service) Reconcile(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	e, err := s.Get(ctx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	switch e.Status {
	case escrow.StatusReleased:
		return e, nil
	case escrow.StatusPendingSettlement:
	default:
		return escrow.Escrow{}, svcerrors.InvalidState("escrow %s is %s; only pending settlements are reconciled", e.ID, e.Status)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	result, err := s.gateway.Lookup(lookupCtx, e.SettlementRef)
	cancel()
	if err != nil {
		return e, svcerrors.Indeterminate("settlement of escrow "+e.ID+" is still unknown", err)
	}

	switch {
	case result.Found && result.Status == settlement.StatusSuccess:
		return s.settled(ctx, e, result.TxRef)
	case result.Found:
		reason := result.Error
		if reason == "" {
			reason = "payment failed"
		}
		return s.settleFailed(ctx, e, reason)
	case s.now().Sub(e.UpdatedAt) < s.grace:
		// The ledger may not have recorded a payment submitted moments ago.
		return e, svcerrors.Indeterminate("payment for escrow "+e.ID+" not yet visible on ledger", nil)
	default:
		return s.settleFailed(ctx, e, "payment not found on ledger")
	}
}

// Cancel cancels a locked escrow. A pending settlement cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	e, err := s.Get(ctx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if !escrow.CanTransition(e.Status, escrow.StatusCancelled) {
		return escrow.Escrow{}, svcerrors.InvalidStateTransition("escrow", string(e.Status), string(escrow.StatusCancelled))
	}
	e.Status = escrow.StatusCancelled
	return s.save(ctx, e, "escrow cancelled")
}

// Get fetches an escrow by id.
func (s *Service) Get(ctx context.Context, id string) (escrow.Escrow, error) {
	e, err := s.store.GetEscrow(ctx, strings.TrimSpace(id))
	if err != nil {
		return escrow.Escrow{}, storage.Classify(err, "escrow", id)
	}
	return e, nil
}

// GetByJobID fetches the escrow of a job.
func (s *Service) GetByJobID(ctx context.Context, jobID string) (escrow.Escrow, error) {
	e, err := s.store.GetEscrowByJob(ctx, strings.TrimSpace(jobID))
	if err != nil {
		return escrow.Escrow{}, storage.Classify(err, "escrow for job", jobID)
	}
	return e, nil
}

// ListByEmployer returns an employer's escrows, oldest first.
func (s *Service) ListByEmployer(ctx context.Context, employer string) ([]escrow.Escrow, error) {
	list, err := s.store.ListEscrowsByEmployer(ctx, strings.TrimSpace(employer))
	if err != nil {
		return nil, storage.Classify(err, "escrow", employer)
	}
	return list, nil
}

// ListByFreelancer returns the escrows payable to a freelancer.
func (s *Service) ListByFreelancer(ctx context.Context, freelancer string) ([]escrow.Escrow, error) {
	list, err := s.store.ListEscrowsByFreelancer(ctx, strings.TrimSpace(freelancer))
	if err != nil {
		return nil, storage.Classify(err, "escrow", freelancer)
	}
	return list, nil
}

// ListPending returns escrows whose settlement outcome is not yet known.
func (s *Service) ListPending(ctx context.Context) ([]escrow.Escrow, error) {
	list, err := s.store.ListEscrowsByStatus(ctx, escrow.StatusPendingSettlement)
	if err != nil {
		return nil, storage.Classify(err, "escrow", string(escrow.StatusPendingSettlement))
	}
	return list, nil
}

// Stats summarises an employer's escrows.
func (s *Service) Stats(ctx context.Context, employer string) (escrow.Stats, error) {
	employer = strings.TrimSpace(employer)
	if employer == "" {
		return escrow.Stats{}, svcerrors.Validation("employer address is required")
	}
	list, err := s.ListByEmployer(ctx, employer)
	if err != nil {
		return escrow.Stats{}, err
	}
	return escrow.Summarize(list), nil
}

func (s *Service) save(ctx context.Context, e escrow.Escrow, event string) (escrow.Escrow, error) {
	updated, err := s.store.UpdateEscrow(ctx, e)
	if err != nil {
		return escrow.Escrow{}, storage.Classify(err, "escrow", e.ID)
	}
	s.log.WithField("escrow_id", updated.ID).
		WithField("job_id", updated.JobID).
		WithField("status", updated.Status).
		Info(event)
	return updated, nil
}
