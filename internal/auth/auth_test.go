package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/config"
)

const approveScope = "baseline:approve"

func writeKeyFile(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))
	return key, path
}

func bearer(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return "Bearer " + s
}

func TestApproverFromRSAToken(t *testing.T) {
	key, path := writeKeyFile(t)
	v, err := NewVerifier(config.Config{JWTPublicKeysFile: path, ApproverScope: approveScope})
	require.NoError(t, err)

	t.Run("scope claim", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/baselines/apply", nil)
		req.Header.Set("Authorization", bearer(t, jwt.SigningMethodRS256, key, jwt.MapClaims{
			"sub":   "alice",
			"scope": "baseline:read baseline:approve",
			"exp":   time.Now().Add(time.Hour).Unix(),
		}))
		p, err := v.Approver(req)
		require.NoError(t, err)
		assert.Equal(t, "alice", p.Subject)
		assert.False(t, p.Debug)
	})

	t.Run("roles claim", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/baselines/apply", nil)
		req.Header.Set("Authorization", bearer(t, jwt.SigningMethodRS256, key, jwt.MapClaims{
			"sub":   "bob",
			"roles": []any{"planner", approveScope},
			"exp":   time.Now().Add(time.Hour).Unix(),
		}))
		p, err := v.Approver(req)
		require.NoError(t, err)
		assert.Equal(t, "bob", p.Subject)
	})

	t.Run("missing scope", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/baselines/apply", nil)
		req.Header.Set("Authorization", bearer(t, jwt.SigningMethodRS256, key, jwt.MapClaims{
			"sub":   "carol",
			"scope": "baseline:read",
			"exp":   time.Now().Add(time.Hour).Unix(),
		}))
		_, err := v.Approver(req)
		assert.True(t, errors.Is(err, ErrForbidden))

		p, err := v.Authenticate(req)
		require.NoError(t, err, "authentication alone still succeeds")
		assert.Equal(t, "carol", p.Subject)
	})

	t.Run("expired", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/baselines/apply", nil)
		req.Header.Set("Authorization", bearer(t, jwt.SigningMethodRS256, key, jwt.MapClaims{
			"sub":   "alice",
			"scope": approveScope,
			"exp":   time.Now().Add(-time.Minute).Unix(),
		}))
		_, err := v.Approver(req)
		assert.True(t, errors.Is(err, ErrUnauthenticated))
	})

	t.Run("no expiry", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/baselines/apply", nil)
		req.Header.Set("Authorization", bearer(t, jwt.SigningMethodRS256, key, jwt.MapClaims{
			"sub":   "alice",
			"scope": approveScope,
		}))
		_, err := v.Approver(req)
		assert.True(t, errors.Is(err, ErrUnauthenticated))
	})

	t.Run("foreign key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		req := httptest.NewRequest("POST", "/v1/baselines/apply", nil)
		req.Header.Set("Authorization", bearer(t, jwt.SigningMethodRS256, other, jwt.MapClaims{
			"sub":   "mallory",
			"scope": approveScope,
			"exp":   time.Now().Add(time.Hour).Unix(),
		}))
		_, err = v.Approver(req)
		assert.True(t, errors.Is(err, ErrUnauthenticated))
	})

	t.Run("no subject", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/baselines/apply", nil)
		req.Header.Set("Authorization", bearer(t, jwt.SigningMethodRS256, key, jwt.MapClaims{
			"scope": approveScope,
			"exp":   time.Now().Add(time.Hour).Unix(),
		}))
		_, err := v.Approver(req)
		assert.True(t, errors.Is(err, ErrUnauthenticated))
	})
}

func TestApproverFromSharedSecret(t *testing.T) {
	v, err := NewVerifier(config.Config{JWTSecret: "s3cret", ApproverScope: approveScope})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", bearer(t, jwt.SigningMethodHS256, []byte("s3cret"), jwt.MapClaims{
		"sub":   "alice",
		"scope": approveScope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}))
	p, err := v.Approver(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)

	req.Header.Set("Authorization", bearer(t, jwt.SigningMethodHS256, []byte("wrong"), jwt.MapClaims{
		"sub":   "alice",
		"scope": approveScope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}))
	_, err = v.Approver(req)
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestMissingCredentials(t *testing.T) {
	v, err := NewVerifier(config.Config{JWTSecret: "s3cret", ApproverScope: approveScope})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/", nil)
	_, err = v.Approver(req)
	assert.True(t, errors.Is(err, ErrUnauthenticated))

	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	_, err = v.Approver(req)
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestDebugToken(t *testing.T) {
	v, err := NewVerifier(config.Config{ApproverScope: approveScope, AllowDebugToken: true, DebugToken: "dev"})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set(DebugTokenHeader, "dev")
	req.Header.Set(DebugPrincipalHeader, "local-dev")
	p, err := v.Approver(req)
	require.NoError(t, err)
	assert.Equal(t, "local-dev", p.Subject)
	assert.True(t, p.Debug)

	req.Header.Set(DebugTokenHeader, "guess")
	_, err = v.Approver(req)
	assert.True(t, errors.Is(err, ErrUnauthenticated))

	off, err := NewVerifier(config.Config{ApproverScope: approveScope})
	require.NoError(t, err)
	req.Header.Set(DebugTokenHeader, "dev")
	_, err = off.Approver(req)
	assert.True(t, errors.Is(err, ErrUnauthenticated), "debug header is ignored unless enabled")
}

func TestDebugTokenRejectedInProduction(t *testing.T) {
	_, err := NewVerifier(config.Config{Environment: "production", AllowDebugToken: true, DebugToken: "dev"})
	assert.Error(t, err)
	_, err = NewVerifier(config.Config{AllowDebugToken: true})
	assert.Error(t, err)
}

func TestBadKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))
	_, err := NewVerifier(config.Config{JWTPublicKeysFile: path})
	assert.Error(t, err)
}
