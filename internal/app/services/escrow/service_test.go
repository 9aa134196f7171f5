package escrow

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/escrow"
	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
	"github.com/R3E-Network/marketplace_layer/internal/app/storage/memory"
	"github.com/R3E-Network/marketplace_layer/internal/errors"
	"github.com/R3E-Network/marketplace_layer/internal/settlement"
	"github.com/R3E-Network/marketplace_layer/internal/signer"
)

const (
	employer   = "NEmployerAddr"
	freelancer = "NFreelancerAddr"
)

type fixture struct {
	svc     *Service
	ledger  *settlement.Sandbox
	keys    *signer.Keyring
	decline atomic.Bool
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{ledger: settlement.NewSandbox()}
	keys, err := signer.NewKeyring(signer.KeyringConfig{
		MasterKey:     bytes.Repeat([]byte{7}, 32),
		DeriveUnknown: true,
		Approver: func(context.Context, signer.Request) bool {
			return !f.decline.Load()
		},
	})
	require.NoError(t, err)
	f.keys = keys
	f.ledger.Fund(employer, money.XLM, decimal.NewFromInt(1000))
	f.svc = New(memory.New(), f.ledger, keys, nil, opts...)
	return f
}

func (f *fixture) lockedEscrow(t *testing.T, jobID string) escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	e, err := f.svc.Create(ctx, jobID, employer, decimal.NewFromInt(100), money.XLM)
	require.NoError(t, err)
	e, err = f.svc.AssignFreelancer(ctx, jobID, freelancer)
	require.NoError(t, err)
	return e
}

func TestService_Create(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.svc.Create(ctx, "job-1", employer, decimal.NewFromInt(100), money.XLM)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusLocked, e.Status)
	assert.Empty(t, f.ledger.Calls(), "creating an escrow moves nothing")

	_, err = f.svc.Create(ctx, "job-1", employer, decimal.NewFromInt(100), money.XLM)
	assert.True(t, errors.Is(err, errors.CodeInvalidStateTransition))

	_, err = f.svc.Create(ctx, "job-2", "NUnknown", decimal.NewFromInt(1), money.XLM)
	assert.True(t, errors.Is(err, errors.CodeValidation))

	_, err = f.svc.Create(ctx, "job-3", employer, decimal.NewFromInt(5000), money.XLM)
	assert.True(t, errors.Is(err, errors.CodeValidation), "insufficient balance")

	_, err = f.svc.Create(ctx, "job-4", employer, decimal.NewFromInt(10), money.USDC)
	assert.True(t, errors.Is(err, errors.CodeValidation), "no USDC balance")

	_, err = f.svc.Create(ctx, "job-5", employer, decimal.Zero, money.XLM)
	assert.True(t, errors.Is(err, errors.CodeValidation))
}

func TestService_AssignFreelancer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.lockedEscrow(t, "job-1")
	assert.Equal(t, freelancer, e.FreelancerAddress)

	again, err := f.svc.AssignFreelancer(ctx, "job-1", freelancer)
	require.NoError(t, err)
	assert.Equal(t, e.Version, again.Version)

	_, err = f.svc.AssignFreelancer(ctx, "job-1", "NSomeoneElse")
	assert.True(t, errors.Is(err, errors.CodeInvalidStateTransition))
}

func TestService_ReleaseSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.lockedEscrow(t, "job-1")

	released, err := f.svc.Release(ctx, e.ID, freelancer)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, released.Status)
	assert.NotEmpty(t, released.TxRef)
	assert.NotNil(t, released.ReleasedAt)
	assert.Equal(t, e.ID, released.SettlementRef)

	bal, err := f.ledger.Balance(ctx, freelancer, money.XLM)
	require.NoError(t, err)
	assert.Equal(t, "100", bal.String())

	calls := f.ledger.Calls()
	require.Len(t, calls, 1)
	pub, err := f.keys.PublicKey(employer)
	require.NoError(t, err)
	assert.True(t, signer.Verify(pub, calls[0].Payload, calls[0].Signature))

	_, err = f.svc.Release(ctx, e.ID, freelancer)
	assert.True(t, errors.Is(err, errors.CodeInvalidStateTransition))
	assert.Len(t, f.ledger.Calls(), 1, "a released escrow is never paid twice")

	_, err = f.svc.Cancel(ctx, e.ID)
	assert.True(t, errors.Is(err, errors.CodeInvalidStateTransition))
}

func TestService_ReleaseRejectedThenRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.lockedEscrow(t, "job-1")

	f.ledger.Script(settlement.FaultReject)
	reverted, err := f.svc.Release(ctx, e.ID, freelancer)
	assert.True(t, errors.Is(err, errors.CodeSettlementFailure))
	assert.Equal(t, escrow.StatusLocked, reverted.Status)
	assert.NotEmpty(t, reverted.LastError)

	released, err := f.svc.Release(ctx, e.ID, freelancer)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, released.Status)
	assert.Empty(t, released.LastError)
}

func TestService_ReleaseGatewayUnavailable(t *testing.T) {
	f := newFixture(t)
	e := f.lockedEscrow(t, "job-1")

	f.ledger.Script(settlement.FaultUnavailable)
	reverted, err := f.svc.Release(context.Background(), e.ID, freelancer)
	assert.True(t, errors.Is(err, errors.CodeSettlementFailure))
	assert.Equal(t, escrow.StatusLocked, reverted.Status)
}

func TestService_ReleaseWrongPayee(t *testing.T) {
	f := newFixture(t)
	e := f.lockedEscrow(t, "job-1")

	_, err := f.svc.Release(context.Background(), e.ID, "NIntruder")
	assert.True(t, errors.Is(err, errors.CodeValidation))
	assert.Empty(t, f.ledger.Calls())
}

func TestService_ReleaseSignerDeclined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.lockedEscrow(t, "job-1")

	f.decline.Store(true)
	_, err := f.svc.Release(ctx, e.ID, freelancer)
	assert.True(t, errors.Is(err, errors.CodeSignerRejected))
	assert.Empty(t, f.ledger.Calls())

	current, err := f.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusLocked, current.Status)
}

func TestService_ReleaseTimeoutThenReconcile(t *testing.T) {
	f := newFixture(t, WithTimeout(20*time.Millisecond))
	ctx := context.Background()
	e := f.lockedEscrow(t, "job-1")

	f.ledger.Script(settlement.FaultTimeoutAfterSettle)
	pending, err := f.svc.Release(ctx, e.ID, freelancer)
	assert.True(t, errors.Is(err, errors.CodeIndeterminate), "got %v", err)
	assert.Equal(t, escrow.StatusPendingSettlement, pending.Status)

	_, err = f.svc.Cancel(ctx, e.ID)
	assert.True(t, errors.Is(err, errors.CodeInvalidStateTransition), "pending settlement blocks cancel")
	_, err = f.svc.Release(ctx, e.ID, freelancer)
	assert.True(t, errors.Is(err, errors.CodeInvalidStateTransition), "pending settlement blocks a second pay")

	list, err := f.svc.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	reconciled, err := f.svc.Reconcile(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, reconciled.Status)
	assert.NotEmpty(t, reconciled.TxRef)
	assert.Len(t, f.ledger.Calls(), 1)

	again, err := f.svc.Reconcile(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, reconciled.Version, again.Version)
}

func TestService_ReconcileNotFoundRelocks(t *testing.T) {
	var skew atomic.Int64
	clock := func() time.Time { return time.Now().UTC().Add(time.Duration(skew.Load())) }
	f := newFixture(t, WithTimeout(20*time.Millisecond), WithNotFoundGrace(time.Minute), WithClock(clock))
	ctx := context.Background()
	e := f.lockedEscrow(t, "job-1")

	f.ledger.Script(settlement.FaultTimeout)
	_, err := f.svc.Release(ctx, e.ID, freelancer)
	require.True(t, errors.Is(err, errors.CodeIndeterminate))

	// A payment submitted moments ago may simply not be visible yet.
	still, err := f.svc.Reconcile(ctx, e.ID)
	assert.True(t, errors.Is(err, errors.CodeIndeterminate), "got %v", err)
	assert.Equal(t, escrow.StatusPendingSettlement, still.Status)
	_, err = f.svc.Cancel(ctx, e.ID)
	assert.True(t, errors.Is(err, errors.CodeInvalidStateTransition))

	skew.Store(int64(2 * time.Minute))
	relocked, err := f.svc.Reconcile(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusLocked, relocked.Status)
	assert.Equal(t, "payment not found on ledger", relocked.LastError)

	_, err = f.svc.Reconcile(ctx, e.ID)
	assert.True(t, errors.Is(err, errors.CodeInvalidStateTransition))

	cancelled, err := f.svc.Cancel(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCancelled, cancelled.Status)
}

// httpLedger serves account reads for the employer and answers every
// payment with the given status code and body.
func httpLedger(t *testing.T, code int, body string) settlement.Gateway {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/accounts/"+employer:
			_, _ = w.Write([]byte(`{"exists":true,"balances":[{"asset":"XLM","balance":"1000"}]}`))
		case r.URL.Path == "/payments" && r.Method == http.MethodPost:
			w.WriteHeader(code)
			_, _ = w.Write([]byte(body))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	gw, err := settlement.NewHTTPGateway(settlement.HTTPConfig{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	return gw
}

func TestService_ReleaseAmbiguousAnswerStaysPending(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
	}{
		{"accepted but pending", http.StatusAccepted, `{"status":"pending"}`},
		{"processing", http.StatusOK, `{"status":"processing"}`},
		{"bad gateway", http.StatusBadGateway, `upstream reset`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys, err := signer.NewKeyring(signer.KeyringConfig{MasterKey: bytes.Repeat([]byte{7}, 32), DeriveUnknown: true})
			require.NoError(t, err)
			svc := New(memory.New(), httpLedger(t, tt.code, tt.body), keys, nil)
			ctx := context.Background()

			e, err := svc.Create(ctx, "job-1", employer, decimal.NewFromInt(100), money.XLM)
			require.NoError(t, err)
			_, err = svc.AssignFreelancer(ctx, "job-1", freelancer)
			require.NoError(t, err)

			pending, err := svc.Release(ctx, e.ID, freelancer)
			assert.True(t, errors.Is(err, errors.CodeIndeterminate), "got %v", err)
			assert.Equal(t, escrow.StatusPendingSettlement, pending.Status)

			_, err = svc.Cancel(ctx, e.ID)
			assert.True(t, errors.Is(err, errors.CodeInvalidStateTransition), "a payment that may settle blocks cancel")
			current, err := svc.Get(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, escrow.StatusPendingSettlement, current.Status)
		})
	}
}

func TestService_ReleaseClientErrorRelocks(t *testing.T) {
	keys, err := signer.NewKeyring(signer.KeyringConfig{MasterKey: bytes.Repeat([]byte{7}, 32), DeriveUnknown: true})
	require.NoError(t, err)
	svc := New(memory.New(), httpLedger(t, http.StatusUnprocessableEntity, `{"status":"failed","error":"bad signature"}`), keys, nil)
	ctx := context.Background()

	e, err := svc.Create(ctx, "job-1", employer, decimal.NewFromInt(100), money.XLM)
	require.NoError(t, err)
	_, err = svc.AssignFreelancer(ctx, "job-1", freelancer)
	require.NoError(t, err)

	reverted, err := svc.Release(ctx, e.ID, freelancer)
	assert.True(t, errors.Is(err, errors.CodeSettlementFailure), "got %v", err)
	assert.Equal(t, escrow.StatusLocked, reverted.Status)
	assert.Equal(t, "bad signature", reverted.LastError)
}

func TestService_Stats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.lockedEscrow(t, "job-1")
	_ = f.lockedEscrow(t, "job-2")
	_, err := f.svc.Release(ctx, first.ID, freelancer)
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx, employer)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveCount)
	assert.Equal(t, 1, stats.CompletedCount)
	assert.Equal(t, "100", stats.TotalLocked[money.XLM].String())
	assert.Equal(t, "100", stats.TotalReleased[money.XLM].String())

	byFreelancer, err := f.svc.ListByFreelancer(ctx, freelancer)
	require.NoError(t, err)
	assert.Len(t, byFreelancer, 2)

	_, err = f.svc.Stats(ctx, "")
	assert.True(t, errors.Is(err, errors.CodeValidation))
}

func TestPayloadIsStable(t *testing.T) {
	e := escrow.Escrow{ID: "e1", JobID: "j1", EmployerAddress: employer, Amount: decimal.RequireFromString("12.50"), Currency: money.USDC}
	a, err := Payload(e, freelancer)
	require.NoError(t, err)
	b, err := Payload(e, freelancer)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.JSONEq(t, `{"escrow_id":"e1","job_id":"j1","from":"NEmployerAddr","to":"NFreelancerAddr","amount":"12.5","currency":"USDC","reference":"e1"}`, string(a))
}
