// Package auth resolves the identity of the caller approving a baseline
// change. Approver ids are taken from verified bearer tokens, never from
// request bodies.
package auth

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/config"
)

const (
	DebugTokenHeader     = "X-Debug-Token"
	DebugPrincipalHeader = "X-Debug-Principal"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("forbidden")
)

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Scopes  []string
	Debug   bool
}

func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by the HTTP layer, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

type Verifier struct {
	secret        []byte
	keys          []any
	requiredScope string
	debugToken    string
}

func NewVerifier(cfg config.Config) (*Verifier, error) {
	v := &Verifier{requiredScope: cfg.ApproverScope}
	if cfg.JWTSecret != "" {
		v.secret = []byte(cfg.JWTSecret)
	}
	if cfg.JWTPublicKeysFile != "" {
		keys, err := loadPublicKeys(cfg.JWTPublicKeysFile)
		if err != nil {
			return nil, fmt.Errorf("load approver keys: %w", err)
		}
		v.keys = keys
	}
	if cfg.AllowDebugToken {
		if cfg.Production() {
			return nil, errors.New("debug token is forbidden in production")
		}
		if cfg.DebugToken == "" {
			return nil, errors.New("debug token enabled but BASELINE_REGISTRY_DEBUG_TOKEN is empty")
		}
		v.debugToken = cfg.DebugToken
	}
	return v, nil
}

// loadPublicKeys reads every PEM public key or certificate in path.
func loadPublicKeys(path string) ([]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys []any
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
			keys = append(keys, key)
			continue
		}
		if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
			keys = append(keys, cert.PublicKey)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no public keys found in %s", path)
	}
	return keys, nil
}

// Authenticate extracts the caller from r. A request without credentials
// yields ErrUnauthenticated.
func (v *Verifier) Authenticate(r *http.Request) (Principal, error) {
	if v.debugToken != "" {
		if tok := r.Header.Get(DebugTokenHeader); tok != "" {
			if tok != v.debugToken {
				return Principal{}, fmt.Errorf("%w: bad debug token", ErrUnauthenticated)
			}
			subject := strings.TrimSpace(r.Header.Get(DebugPrincipalHeader))
			if subject == "" {
				subject = "debug"
			}
			return Principal{Subject: subject, Scopes: []string{v.requiredScope}, Debug: true}, nil
		}
	}

	authz := r.Header.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return Principal{}, ErrUnauthenticated
	}
	return v.verifyToken(strings.TrimSpace(authz[7:]))
}

// Approver authenticates r and requires the approver scope.
func (v *Verifier) Approver(r *http.Request) (Principal, error) {
	p, err := v.Authenticate(r)
	if err != nil {
		return Principal{}, err
	}
	if !p.HasScope(v.requiredScope) {
		return Principal{}, fmt.Errorf("%w: missing scope %s", ErrForbidden, v.requiredScope)
	}
	return p, nil
}

func (v *Verifier) verifyToken(raw string) (Principal, error) {
	if len(v.secret) == 0 && len(v.keys) == 0 {
		return Principal{}, fmt.Errorf("%w: no token keys configured", ErrUnauthenticated)
	}

	var lastErr error
	for _, key := range v.candidateKeys() {
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, hmac := t.Method.(*jwt.SigningMethodHMAC); hmac != isSecret(key) {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return key, nil
		}, jwt.WithExpirationRequired())
		if err != nil {
			lastErr = err
			continue
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return Principal{}, fmt.Errorf("%w: invalid claims", ErrUnauthenticated)
		}
		return principalFromClaims(claims)
	}
	return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, lastErr)
}

func (v *Verifier) candidateKeys() []any {
	keys := make([]any, 0, len(v.keys)+1)
	if len(v.secret) > 0 {
		keys = append(keys, v.secret)
	}
	return append(keys, v.keys...)
}

func isSecret(key any) bool {
	_, ok := key.([]byte)
	return ok
}

func principalFromClaims(claims jwt.MapClaims) (Principal, error) {
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	p := Principal{Subject: sub}
	if scope, ok := claims["scope"].(string); ok {
		p.Scopes = append(p.Scopes, strings.Fields(scope)...)
	}
	if roles, ok := claims["roles"].([]any); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				p.Scopes = append(p.Scopes, s)
			}
		}
	}
	return p, nil
}
