package app

import (
	"bytes"
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/marketplace_layer/internal/app/domain/money"
	"github.com/R3E-Network/marketplace_layer/internal/app/events"
	"github.com/R3E-Network/marketplace_layer/internal/app/marketplace"
	"github.com/R3E-Network/marketplace_layer/internal/settlement"
	"github.com/R3E-Network/marketplace_layer/internal/signer"
)

type capture struct{ got []events.Event }

func (c *capture) Publish(_ context.Context, evt events.Event) { c.got = append(c.got, evt) }

func testSigner(t *testing.T) *signer.Keyring {
	t.Helper()
	k, err := signer.NewKeyring(signer.KeyringConfig{MasterKey: bytes.Repeat([]byte{3}, 32), DeriveUnknown: true})
	require.NoError(t, err)
	return k
}

func TestNewRequiresGatewayAndSigner(t *testing.T) {
	_, err := New(Options{Signer: testSigner(t)}, nil)
	assert.Error(t, err)

	_, err = New(Options{Gateway: settlement.NewSandbox()}, nil)
	assert.Error(t, err)
}

func TestApplicationLifecycle(t *testing.T) {
	ledger := settlement.NewSandbox()
	ledger.Fund("NEmp", money.USDC, decimal.NewFromInt(50))
	sink := &capture{}

	application, err := New(Options{
		Gateway:           ledger,
		Signer:            testSigner(t),
		ReconcileSchedule: "@every 1h",
		Publishers:        []events.Publisher{sink},
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, application.Reconciler)
	assert.Equal(t, []string{"events-hub", "settlement-reconciler"}, application.Services())

	ctx := context.Background()
	require.NoError(t, application.Start(ctx))
	defer application.Stop(ctx)

	res := application.API.CreateJob(ctx, marketplace.CreateJobRequest{
		EmployerAddress: "NEmp", Title: "Logo", Description: "Vector logo", Budget: "25", Currency: "USDC",
	})
	require.True(t, res.OK(), res.Message)
	require.NotEmpty(t, sink.got)
	assert.Equal(t, events.JobCreated, sink.got[0].Type)
}

func TestReconcilerIsOptional(t *testing.T) {
	application, err := New(Options{Gateway: settlement.NewSandbox(), Signer: testSigner(t)}, nil)
	require.NoError(t, err)
	assert.Nil(t, application.Reconciler)
	assert.Equal(t, []string{"events-hub"}, application.Services())
}
