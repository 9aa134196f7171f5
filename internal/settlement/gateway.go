// Package settlement abstracts the payment ledger. The marketplace never
// builds ledger transactions itself; it hands a signed payment intent to a
// Gateway and records the outcome.
package settlement

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
)

// PaymentStatus is the ledger's verdict on a payment.
type PaymentStatus string

const (
	StatusSuccess PaymentStatus = "success"
	StatusFailed  PaymentStatus = "failed"
)

var (
	// ErrTimeout marks a call whose outcome is unknown: no answer in time, a
	// lost connection, or an answer that does not settle it.
	ErrTimeout = errors.New("settlement gateway timed out")
	// ErrUnavailable marks a call that was refused before reaching the ledger.
	ErrUnavailable = errors.New("settlement gateway unavailable")
)

// PaymentRequest is a signed payment intent. Reference is the idempotency
// key: submitting the same reference twice must not pay twice.
type PaymentRequest struct {
	From      string
	To        string
	Amount    decimal.Decimal
	Currency  money.Currency
	Reference string
	Payload   []byte
	Signature []byte
}

// PaymentResult is the gateway's answer to Pay.
type PaymentResult struct {
	TxRef  string
	Status PaymentStatus
	Error  string
}

// LookupResult answers a reconciliation query. Found is false when the
// ledger has no record of the reference.
type LookupResult struct {
	Found  bool
	Status PaymentStatus
	TxRef  string
	Error  string
}

// Gateway moves value on the ledger.
type Gateway interface {
	Pay(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	Balance(ctx context.Context, address string, currency money.Currency) (decimal.Decimal, error)
	AccountExists(ctx context.Context, address string) (bool, error)
	Lookup(ctx context.Context, reference string) (LookupResult, error)
}

// IsTimeout reports whether err means the outcome of a call is unknown.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
