// Package signer authorises settlement payloads on behalf of a ledger
// address.
package signer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrUserDeclined is returned when the account holder refuses to sign.
	ErrUserDeclined = errors.New("user declined to sign")
	// ErrUnknownSigner is returned when no key is held for the address.
	ErrUnknownSigner = errors.New("no signing key for address")
)

// Signer signs payloads for a ledger address.
type Signer interface {
	Sign(ctx context.Context, payload []byte, signerAddress string) ([]byte, error)
}

// Request is what an Approver sees before a signature is produced.
type Request struct {
	Address string
	Payload []byte
}

// Approver decides whether the holder of an address agrees to sign. It
// stands in for the wallet confirmation prompt.
type Approver func(ctx context.Context, req Request) bool

// KeyringConfig configures a Keyring.
type KeyringConfig struct {
	// MasterKey seeds deterministic key derivation. At least 32 bytes.
	MasterKey []byte
	// Context separates derivations of different deployments.
	Context string
	// DeriveUnknown derives a custodial key on first use for addresses that
	// were never registered. Local and sandbox deployments only.
	DeriveUnknown bool
	Approver      Approver
}

// Keyring holds secp256r1 keys (Neo N3 curve) keyed by ledger address.
type Keyring struct {
	mu       sync.RWMutex
	master   []byte
	context  string
	derive   bool
	approver Approver
	keys     map[string]*keys.PrivateKey
}

var _ Signer = (*Keyring)(nil)

// NewKeyring validates cfg and returns an empty keyring.
func NewKeyring(cfg KeyringConfig) (*Keyring, error) {
	if len(cfg.MasterKey) < 32 {
		return nil, fmt.Errorf("master key must be at least 32 bytes, got %d", len(cfg.MasterKey))
	}
	if cfg.Context == "" {
		cfg.Context = "marketplace-signer"
	}
	return &Keyring{
		master:   append([]byte(nil), cfg.MasterKey...),
		context:  cfg.Context,
		derive:   cfg.DeriveUnknown,
		approver: cfg.Approver,
		keys:     make(map[string]*keys.PrivateKey),
	}, nil
}

func (k *Keyring) deriveKey(id string) (*keys.PrivateKey, error) {
	reader := hkdf.New(sha256.New, k.master, []byte(id), []byte(k.context))
	seed := make([]byte, 32)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	priv, err := keys.NewPrivateKeyFromBytes(seed)
	if err != nil {
		return nil, fmt.Errorf("create neo private key: %w", err)
	}
	return priv, nil
}

// Provision derives the key for accountID, stores it and returns its
// address. The same accountID always yields the same address.
func (k *Keyring) Provision(accountID string) (string, error) {
	priv, err := k.deriveKey("account:" + accountID)
	if err != nil {
		return "", err
	}
	address := priv.Address()
	k.mu.Lock()
	k.keys[address] = priv
	k.mu.Unlock()
	return address, nil
}

// Import stores an existing key and returns its address.
func (k *Keyring) Import(priv *keys.PrivateKey) string {
	address := priv.Address()
	k.mu.Lock()
	k.keys[address] = priv
	k.mu.Unlock()
	return address
}

func (k *Keyring) keyFor(address string) (*keys.PrivateKey, error) {
	k.mu.RLock()
	priv, ok := k.keys[address]
	k.mu.RUnlock()
	if ok {
		return priv, nil
	}
	if !k.derive {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, address)
	}
	priv, err := k.deriveKey("address:" + address)
	if err != nil {
		return nil, err
	}
	k.mu.Lock()
	if existing, ok := k.keys[address]; ok {
		priv = existing
	} else {
		k.keys[address] = priv
	}
	k.mu.Unlock()
	return priv, nil
}

// Sign asks the approver, then signs sha256(payload) with the address key.
func (k *Keyring) Sign(ctx context.Context, payload []byte, signerAddress string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	priv, err := k.keyFor(signerAddress)
	if err != nil {
		return nil, err
	}
	if k.approver != nil && !k.approver(ctx, Request{Address: signerAddress, Payload: payload}) {
		return nil, ErrUserDeclined
	}
	return priv.Sign(payload), nil
}

// PublicKey returns the compressed public key held for address.
func (k *Keyring) PublicKey(address string) (*keys.PublicKey, error) {
	priv, err := k.keyFor(address)
	if err != nil {
		return nil, err
	}
	return priv.PublicKey(), nil
}

// Verify checks a signature produced by Sign.
func Verify(pub *keys.PublicKey, payload, signature []byte) bool {
	return pub.Verify(signature, hash.Sha256(payload).BytesBE())
}
