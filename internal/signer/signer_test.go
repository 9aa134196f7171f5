package signer

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var master = bytes.Repeat([]byte{7}, 32)

func TestProvisionIsDeterministic(t *testing.T) {
	a, err := NewKeyring(KeyringConfig{MasterKey: master})
	require.NoError(t, err)
	b, err := NewKeyring(KeyringConfig{MasterKey: master})
	require.NoError(t, err)

	addrA, err := a.Provision("employer-1")
	require.NoError(t, err)
	addrB, err := b.Provision("employer-1")
	require.NoError(t, err)
	assert.Equal(t, addrA, addrB)

	other, err := a.Provision("employer-2")
	require.NoError(t, err)
	assert.NotEqual(t, addrA, other)
}

func TestSignAndVerify(t *testing.T) {
	kr, err := NewKeyring(KeyringConfig{MasterKey: master})
	require.NoError(t, err)
	addr, err := kr.Provision("employer-1")
	require.NoError(t, err)

	payload := []byte(`{"escrow":"e1","amount":"100"}`)
	sig, err := kr.Sign(context.Background(), payload, addr)
	require.NoError(t, err)

	pub, err := kr.PublicKey(addr)
	require.NoError(t, err)
	assert.True(t, Verify(pub, payload, sig))
	assert.False(t, Verify(pub, []byte("tampered"), sig))
}

func TestImportedKeySigns(t *testing.T) {
	kr, err := NewKeyring(KeyringConfig{MasterKey: master})
	require.NoError(t, err)
	priv, err := keys.NewPrivateKey()
	require.NoError(t, err)

	addr := kr.Import(priv)
	assert.Equal(t, priv.Address(), addr)

	sig, err := kr.Sign(context.Background(), []byte("x"), addr)
	require.NoError(t, err)
	assert.True(t, Verify(priv.PublicKey(), []byte("x"), sig))
}

func TestUnknownSignerAndDecline(t *testing.T) {
	kr, err := NewKeyring(KeyringConfig{MasterKey: master})
	require.NoError(t, err)
	_, err = kr.Sign(context.Background(), []byte("x"), "NUNKNOWN")
	assert.True(t, errors.Is(err, ErrUnknownSigner))

	declining, err := NewKeyring(KeyringConfig{
		MasterKey:     master,
		DeriveUnknown: true,
		Approver:      func(context.Context, Request) bool { return false },
	})
	require.NoError(t, err)
	_, err = declining.Sign(context.Background(), []byte("x"), "NUNKNOWN")
	assert.True(t, errors.Is(err, ErrUserDeclined))
}

func TestDeriveUnknownIsStable(t *testing.T) {
	kr, err := NewKeyring(KeyringConfig{MasterKey: master, DeriveUnknown: true})
	require.NoError(t, err)
	first, err := kr.PublicKey("GEMPLOYER")
	require.NoError(t, err)
	second, err := kr.PublicKey("GEMPLOYER")
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
}

func TestNewKeyringRejectsShortMaster(t *testing.T) {
	_, err := NewKeyring(KeyringConfig{MasterKey: []byte("short")})
	assert.Error(t, err)
}
