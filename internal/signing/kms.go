package signing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var (
	errKMSUnavailable = errors.New("kms signer unavailable")
	errKMSRejected    = errors.New("kms signer rejected request")
)

// KMSSignerConfig configures the remote signer. Zero values fall back to a
// 10s client, a 5s per-attempt timeout and no retries.
type KMSSignerConfig struct {
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Retries    int
}

// KMSSigner delegates signing to a remote KMS proxy exposing POST /sign.
type KMSSigner struct {
	cfg     KMSSignerConfig
	signURL string
	keyID   atomic.Pointer[string]
}

type kmsSignRequest struct {
	PayloadB64 string `json:"payload_b64"`
}

type kmsSignResponse struct {
	SignatureB64 string `json:"signature_b64"`
	SignerID     string `json:"signer_id"`
}

func NewKMSSigner(cfg KMSSignerConfig) (*KMSSigner, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if base == "" {
		return nil, errors.New("kms endpoint required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.Retries = max(cfg.Retries, 0)
	return &KMSSigner{cfg: cfg, signURL: base + "/sign"}, nil
}

// Sign sends the payload to the proxy. Transport failures and 5xx answers
// are retried with a linear backoff; any other status fails at once.
func (k *KMSSigner) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	body, err := json.Marshal(kmsSignRequest{PayloadB64: base64.StdEncoding.EncodeToString(payload)})
	if err != nil {
		return nil, fmt.Errorf("kms marshal request: %w", err)
	}

	var lastErr error
	for attempt := range k.cfg.Retries + 1 {
		if attempt > 0 {
			backoff := time.NewTimer(time.Duration(attempt) * 100 * time.Millisecond)
			select {
			case <-ctx.Done():
				backoff.Stop()
				return nil, ctx.Err()
			case <-backoff.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var sig []byte
		sig, lastErr = k.roundTrip(ctx, body)
		if lastErr == nil {
			return sig, nil
		}
		if errors.Is(lastErr, errKMSRejected) {
			break
		}
	}
	return nil, fmt.Errorf("kms sign failed: %w", lastErr)
}

func (k *KMSSigner) roundTrip(ctx context.Context, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, k.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.signURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build: %v", errKMSRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errKMSUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: %s", errKMSUnavailable, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s", errKMSRejected, resp.Status)
	}

	var out kmsSignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", errKMSUnavailable, err)
	}
	sig, err := base64.StdEncoding.DecodeString(out.SignatureB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode signature: %v", errKMSRejected, err)
	}
	if out.SignerID != "" {
		k.keyID.Store(&out.SignerID)
	}
	return sig, nil
}

// SignerID reports the key id the proxy last signed with.
func (k *KMSSigner) SignerID() string {
	if id := k.keyID.Load(); id != nil {
		return *id
	}
	return ""
}
