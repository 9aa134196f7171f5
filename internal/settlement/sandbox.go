package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
)

// Sandbox is an in-memory ledger used for local runs and tests. Payments
// are idempotent per reference. Faults can be scripted with Script.
type Sandbox struct {
	mu       sync.Mutex
	balances map[string]map[money.Currency]decimal.Decimal
	payments map[string]PaymentResult
	calls    []PaymentRequest
	script   []Fault
}

// Fault scripts the outcome of the next Pay call.
type Fault int

const (
	// FaultReject makes Pay answer with StatusFailed.
	FaultReject Fault = iota + 1
	// FaultTimeout makes Pay block until ctx ends without settling.
	FaultTimeout
	// FaultTimeoutAfterSettle settles the payment, then reports a timeout,
	// the case reconciliation exists for.
	FaultTimeoutAfterSettle
	// FaultUnavailable makes Pay fail before reaching the ledger.
	FaultUnavailable
)

var _ Gateway = (*Sandbox)(nil)

// NewSandbox returns an empty ledger.
func NewSandbox() *Sandbox {
	return &Sandbox{
		balances: make(map[string]map[money.Currency]decimal.Decimal),
		payments: make(map[string]PaymentResult),
	}
}

// Fund credits address with amount of currency, creating the account.
func (s *Sandbox) Fund(address string, currency money.Currency, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accountLocked(address)
	acct[currency] = acct[currency].Add(amount)
}

// Script queues faults for upcoming Pay calls.
func (s *Sandbox) Script(faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, faults...)
}

// Calls returns every Pay request received, including rejected ones.
func (s *Sandbox) Calls() []PaymentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PaymentRequest(nil), s.calls...)
}

func (s *Sandbox) accountLocked(address string) map[money.Currency]decimal.Decimal {
	acct, ok := s.balances[address]
	if !ok {
		acct = make(map[money.Currency]decimal.Decimal)
		s.balances[address] = acct
	}
	return acct
}

func (s *Sandbox) Pay(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var fault Fault
	if len(s.script) > 0 {
		fault = s.script[0]
		s.script = s.script[1:]
	}
	s.mu.Unlock()

	switch fault {
	case FaultReject:
		return PaymentResult{Status: StatusFailed, Error: "payment rejected by ledger"}, nil
	case FaultUnavailable:
		return PaymentResult{}, ErrUnavailable
	case FaultTimeout:
		<-ctx.Done()
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}

	s.mu.Lock()
	result := s.settleLocked(req)
	s.mu.Unlock()

	if fault == FaultTimeoutAfterSettle {
		<-ctx.Done()
		return PaymentResult{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	return result, nil
}

func (s *Sandbox) settleLocked(req PaymentRequest) PaymentResult {
	// A settled reference is never paid again; a failed one may be retried.
	if prior, ok := s.payments[req.Reference]; ok && req.Reference != "" && prior.Status == StatusSuccess {
		return prior
	}

	from, ok := s.balances[req.From]
	var result PaymentResult
	switch {
	case !ok:
		result = PaymentResult{Status: StatusFailed, Error: "source account does not exist"}
	case from[req.Currency].LessThan(req.Amount):
		result = PaymentResult{Status: StatusFailed, Error: "insufficient balance"}
	default:
		from[req.Currency] = from[req.Currency].Sub(req.Amount)
		to := s.accountLocked(req.To)
		to[req.Currency] = to[req.Currency].Add(req.Amount)
		result = PaymentResult{Status: StatusSuccess, TxRef: uuid.NewString()}
	}
	if req.Reference != "" {
		s.payments[req.Reference] = result
	}
	return result
}

func (s *Sandbox) Balance(_ context.Context, address string, currency money.Currency) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.balances[address]
	if !ok {
		return decimal.Zero, nil
	}
	return acct[currency], nil
}

func (s *Sandbox) AccountExists(_ context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.balances[address]
	return ok, nil
}

func (s *Sandbox) Lookup(_ context.Context, reference string) (LookupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.payments[reference]
	if !ok {
		return LookupResult{}, nil
	}
	return LookupResult{Found: true, Status: result.Status, TxRef: result.TxRef, Error: result.Error}, nil
}
