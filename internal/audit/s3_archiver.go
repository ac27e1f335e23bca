package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/canonical"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
)

// NoteArchiver stores an exported change note and returns its object key.
type NoteArchiver interface {
	ArchiveNote(ctx context.Context, note models.ChangeNote) (string, error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3NoteArchiver writes canonical change notes to
//
//	s3://<bucket>/<prefix>/change-notes/<type>/YYYY/MM/DD/<baselineID>.json
//
// keyed by the baseline's activation date, so re-archiving overwrites in place.
type S3NoteArchiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3NoteArchiver loads AWS configuration from the environment (AWS_REGION,
// AWS_PROFILE, static keys) the usual way.
func NewS3NoteArchiver(ctx context.Context, bucket, prefix string) (*S3NoteArchiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newS3NoteArchiver(bucket, prefix, manager.NewUploader(s3.NewFromConfig(cfg))), nil
}

func newS3NoteArchiver(bucket, prefix string, up uploader) *S3NoteArchiver {
	return &S3NoteArchiver{bucket: bucket, prefix: prefix, uploader: up}
}

func (s *S3NoteArchiver) ArchiveNote(ctx context.Context, note models.ChangeNote) (string, error) {
	body, err := canonical.Marshal(note)
	if err != nil {
		return "", fmt.Errorf("canonicalize change note: %w", err)
	}
	sum := sha256.Sum256(body)
	key := NoteKey(s.prefix, note)

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"baseline-id": note.BaselineID.String(),
			"sha256":      hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload change note %s: %w", note.BaselineID, err)
	}
	return key, nil
}

func NoteKey(prefix string, note models.ChangeNote) string {
	year, month, day := note.ActiveFrom.UTC().Date()
	return path.Join(prefix, "change-notes", string(note.Type),
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		note.BaselineID.String()+".json",
	)
}
