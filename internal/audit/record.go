// Package audit builds signed, append-only audit records for baseline changes
// and archives change notes to object storage.
package audit

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/canonical"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/signing"
)

type Recorder struct {
	signer signing.Signer
	now    func() time.Time
}

func NewRecorder(signer signing.Signer) *Recorder {
	return &Recorder{signer: signer, now: time.Now}
}

// WithClock returns a copy of the recorder using now as its time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	return &Recorder{signer: r.signer, now: now}
}

type Entry struct {
	Action     string
	ArtifactID uuid.UUID
	BaselineID uuid.UUID
	Actor      string
	Detail     map[string]any
}

// Record stamps, hashes and signs an entry. The record is not persisted here.
func (r *Recorder) Record(ctx context.Context, e Entry) (models.AuditRecord, error) {
	if e.Action == "" {
		return models.AuditRecord{}, fmt.Errorf("audit action required")
	}
	rec := models.AuditRecord{
		ID:         uuid.New(),
		Action:     e.Action,
		ArtifactID: e.ArtifactID,
		BaselineID: e.BaselineID,
		Actor:      e.Actor,
		Detail:     e.Detail,
		// postgres keeps microseconds; the digest must survive a round trip
		CreatedAt: r.now().UTC().Truncate(time.Microsecond),
	}
	if rec.Detail == nil {
		rec.Detail = map[string]any{}
	}
	hash, digest, err := Digest(rec)
	if err != nil {
		return models.AuditRecord{}, err
	}
	sig, err := r.signer.Sign(ctx, digest)
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("sign audit record: %w", err)
	}
	rec.Hash = hash
	rec.Signature = base64.StdEncoding.EncodeToString(sig)
	rec.SignerID = r.signer.SignerID()
	return rec, nil
}

// Digest hashes the canonical form of the signed fields of rec.
func Digest(rec models.AuditRecord) (string, []byte, error) {
	envelope := map[string]any{
		"id":         rec.ID.String(),
		"action":     rec.Action,
		"artifactId": rec.ArtifactID.String(),
		"baselineId": rec.BaselineID.String(),
		"actor":      rec.Actor,
		"detail":     rec.Detail,
		"createdAt":  rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	hash, digest, err := canonical.Digest(envelope)
	if err != nil {
		return "", nil, fmt.Errorf("canonicalize audit record: %w", err)
	}
	return hash, digest, nil
}

// Verify checks that rec is unmodified and was signed by pub.
func Verify(rec models.AuditRecord, pub ed25519.PublicKey) error {
	hash, digest, err := Digest(rec)
	if err != nil {
		return err
	}
	if hash != rec.Hash {
		return fmt.Errorf("audit record %s: hash mismatch", rec.ID)
	}
	sig, err := base64.StdEncoding.DecodeString(rec.Signature)
	if err != nil {
		return fmt.Errorf("audit record %s: decode signature: %w", rec.ID, err)
	}
	if !ed25519.Verify(pub, digest, sig) {
		return fmt.Errorf("audit record %s: bad signature", rec.ID)
	}
	return nil
}
