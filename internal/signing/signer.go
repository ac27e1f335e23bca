// Package signing signs baseline change digests, either with a local Ed25519
// key or through a remote KMS proxy.
package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/config"
)

// Signer produces detached signatures over audit digests.
type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	SignerID() string
}

// Ed25519Signer holds the registry's local audit key.
type Ed25519Signer struct {
	key ed25519.PrivateKey
	id  string
}

// NewEd25519SignerFromB64 accepts a base64 Ed25519 key as either the 32-byte
// seed or the 64-byte expanded private key.
func NewEd25519SignerFromB64(encoded, id string) (*Ed25519Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("audit signing key is not base64: %w", err)
	}
	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("audit signing key has %d bytes, want %d (seed) or %d", len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
	return &Ed25519Signer{key: key, id: id}, nil
}

func (s *Ed25519Signer) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ed25519.Sign(s.key, digest), nil
}

func (s *Ed25519Signer) SignerID() string { return s.id }

// PublicKey is the key audit records are verified against.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// NewSignerFromConfig prefers the KMS proxy when one is configured.
func NewSignerFromConfig(c config.Config) (Signer, error) {
	if c.KMSEndpoint == "" {
		return NewEd25519SignerFromB64(c.SignerKeyB64, c.SignerID)
	}
	return NewKMSSigner(KMSSignerConfig{Endpoint: c.KMSEndpoint, Timeout: 5 * time.Second, Retries: 2})
}
