package audit

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/signing"
)

func newSigner(t *testing.T) *signing.Ed25519Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s, err := signing.NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString(priv), "test-signer")
	require.NoError(t, err)
	return s
}

func TestRecordIsSignedAndVerifiable(t *testing.T) {
	signer := newSigner(t)
	rec, err := NewRecorder(signer).Record(context.Background(), Entry{
		Action:     models.AuditActionBaselineChange,
		ArtifactID: uuid.New(),
		BaselineID: uuid.New(),
		Actor:      "approver-1",
		Detail:     map[string]any{"notes": "ship it", "previousBaselineId": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, "test-signer", rec.SignerID)
	assert.Len(t, rec.Hash, 64)
	require.NoError(t, Verify(rec, signer.PublicKey()))

	tampered := rec
	tampered.Detail = map[string]any{"notes": "something else", "previousBaselineId": nil}
	assert.Error(t, Verify(tampered, signer.PublicKey()))
}

func TestRecordSurvivesJSONRoundTrip(t *testing.T) {
	signer := newSigner(t)
	rec, err := NewRecorder(signer).Record(context.Background(), Entry{
		Action:     models.AuditActionBaselineChange,
		ArtifactID: uuid.New(),
		BaselineID: uuid.New(),
		Actor:      "approver-1",
		Detail: map[string]any{
			"scope":    models.NewScope("E1", ""),
			"rollback": false,
			"newId":    uuid.New(),
		},
	})
	require.NoError(t, err)

	// the store persists detail as JSON and reads it back as generic maps
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	var back models.AuditRecord
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.NoError(t, Verify(back, signer.PublicKey()))
}

type failingSigner struct{}

func (failingSigner) Sign(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("kms down")
}
func (failingSigner) SignerID() string { return "kms" }

func TestRecordPropagatesSignerFailure(t *testing.T) {
	_, err := NewRecorder(failingSigner{}).Record(context.Background(), Entry{Action: models.AuditActionBaselineChange})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kms down")
}

type fakeUploader struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = input
	b, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &manager.UploadOutput{}, nil
}

func TestS3NoteArchiverUploadsCanonicalNote(t *testing.T) {
	up := &fakeUploader{}
	arch := newS3NoteArchiver("registry-bucket", "baseline-registry", up)
	note := models.ChangeNote{
		BaselineID: uuid.New(),
		Type:       models.ModelTypeForecast,
		Scope:      models.NewScope("E1", ""),
		ActiveFrom: time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC),
	}

	key, err := arch.ArchiveNote(context.Background(), note)
	require.NoError(t, err)
	assert.Equal(t, "baseline-registry/change-notes/forecast/2026/07/04/"+note.BaselineID.String()+".json", key)
	require.NotNil(t, up.input)
	assert.Equal(t, "registry-bucket", aws.ToString(up.input.Bucket))
	assert.Equal(t, key, aws.ToString(up.input.Key))
	assert.Equal(t, s3types.ServerSideEncryptionAes256, up.input.ServerSideEncryption)
	assert.Equal(t, note.BaselineID.String(), up.input.Metadata["baseline-id"])

	var decoded models.ChangeNote
	require.NoError(t, json.Unmarshal(up.body, &decoded))
	assert.Equal(t, note.BaselineID, decoded.BaselineID)
}

func TestS3NoteArchiverWrapsUploadError(t *testing.T) {
	arch := newS3NoteArchiver("b", "", &fakeUploader{err: errors.New("access denied")})
	_, err := arch.ArchiveNote(context.Background(), models.ChangeNote{BaselineID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestNewS3NoteArchiverRequiresBucket(t *testing.T) {
	_, err := NewS3NoteArchiver(context.Background(), "", "prefix")
	assert.Error(t, err)
}
