// Package artifacts is the append-only catalog of computed model artifacts.
package artifacts

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/errs"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/store"
)

// VersionLayout renders the creation-time version tag, vYYYYMMDD.HHmm in UTC.
const VersionLayout = "v20060102.1504"

// archiveBatch is how many candidates one sweep pass loads at a time.
const archiveBatch = 200

type Service struct {
	store   store.Store
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source used for creation stamps and archive cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(st store.Store, logger *zap.Logger, timeout time.Duration, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{store: st, logger: logger, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type RegisterRequest struct {
	Type             models.ModelType
	Scope            models.Scope
	Metrics          map[string]float64
	Params           map[string]any
	ArtifactLocation string
	CreatedBy        string
	// Version is derived from the creation time when empty.
	Version string
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (models.ModelArtifact, error) {
	if err := validateRegister(req); err != nil {
		return models.ModelArtifact{}, errs.Annotate(err, "register artifact", req.Scope.Key(), "")
	}
	created := s.now().UTC()
	version := strings.TrimSpace(req.Version)
	if version == "" {
		version = created.Format(VersionLayout)
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}

	ctx, cancel := store.Bounded(ctx, s.timeout)
	defer cancel()
	artifact, err := s.store.CreateArtifact(ctx, store.ArtifactInput{
		ID:               uuid.New(),
		Type:             req.Type,
		Scope:            req.Scope,
		Metrics:          req.Metrics,
		Params:           req.Params,
		ArtifactLocation: req.ArtifactLocation,
		Version:          version,
		CreatedBy:        req.CreatedBy,
		CreatedAt:        created,
	})
	if err != nil {
		return models.ModelArtifact{}, errs.Annotate(err, "register artifact", req.Scope.Key(), "")
	}
	s.logger.Info("artifact registered",
		zap.String("artifact_id", artifact.ID.String()),
		zap.String("type", string(artifact.Type)),
		zap.String("scope", artifact.Scope.Key()),
		zap.String("version", artifact.Version),
	)
	return artifact, nil
}

func validateRegister(req RegisterRequest) error {
	if req.Type == "" {
		return errs.Validation("type required")
	}
	if !req.Type.Valid() {
		return errs.Validation("unknown model type %q", req.Type)
	}
	if req.Metrics == nil {
		return errs.Validation("metrics must be a mapping of name to number")
	}
	for name, v := range req.Metrics {
		if strings.TrimSpace(name) == "" {
			return errs.Validation("metric names must be non-empty")
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errs.Validation("metric %q must be finite", name)
		}
	}
	for name, v := range req.Params {
		if strings.TrimSpace(name) == "" {
			return errs.Validation("param names must be non-empty")
		}
		if !flatValue(v) {
			return errs.Validation("param %q must be a string, number or boolean", name)
		}
	}
	if strings.TrimSpace(req.ArtifactLocation) == "" {
		return errs.Validation("artifactLocation required")
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		return errs.Validation("createdBy required")
	}
	return nil
}

func flatValue(v any) bool {
	switch vv := v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32:
		return true
	case float64:
		return !math.IsNaN(vv) && !math.IsInf(vv, 0)
	default:
		return false
	}
}

type Filter struct {
	Type          *models.ModelType
	Scope         *models.Scope
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	// Status defaults to ACTIVE.
	Status models.ArtifactStatus
	Limit  int
}

// List returns matching artifacts newest first, never more than store.MaxArtifactPage.
func (s *Service) List(ctx context.Context, f Filter) ([]models.ModelArtifact, error) {
	if f.Type != nil && !f.Type.Valid() {
		return nil, errs.Validation("unknown model type %q", *f.Type)
	}
	switch f.Status {
	case "", models.ArtifactStatusActive, models.ArtifactStatusArchived:
	default:
		return nil, errs.Validation("unknown artifact status %q", f.Status)
	}
	if f.CreatedAfter != nil && f.CreatedBefore != nil && !f.CreatedAfter.Before(*f.CreatedBefore) {
		return nil, errs.Validation("createdAfter must precede createdBefore")
	}
	ctx, cancel := store.Bounded(ctx, s.timeout)
	defer cancel()
	out, err := s.store.ListArtifacts(ctx, store.ListArtifactsFilter{
		Type:          f.Type,
		Scope:         f.Scope,
		CreatedAfter:  f.CreatedAfter,
		CreatedBefore: f.CreatedBefore,
		Status:        f.Status,
		Limit:         f.Limit,
	})
	if err != nil {
		return nil, errs.Annotate(err, "list artifacts", "", "")
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.ModelArtifact, error) {
	ctx, cancel := store.Bounded(ctx, s.timeout)
	defer cancel()
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return models.ModelArtifact{}, errs.Annotate(err, "get artifact", "", id.String())
	}
	return a, nil
}

// Archive flips ACTIVE artifacts created more than olderThanDays ago to ARCHIVED,
// skipping any still bound to an open baseline. Each artifact is archived in its
// own transaction; a failure is logged and the pass moves on. The returned error
// is non-nil only for invalid input, a failed candidate scan, or cancellation.
func (s *Service) Archive(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		return 0, errs.Validation("olderThanDays must be positive")
	}
	cutoff := s.now().UTC().AddDate(0, 0, -olderThanDays)
	skipped := map[uuid.UUID]bool{}
	archived := 0

	for {
		limit := archiveBatch + len(skipped)
		ids, err := s.candidates(ctx, cutoff, limit)
		if err != nil {
			return archived, errs.Annotate(err, "archive artifacts", "", "")
		}
		progressed := false
		for _, id := range ids {
			if skipped[id] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return archived, errs.FromContext(err)
			}
			progressed = true
			changed, err := s.archiveOne(ctx, id)
			if err != nil {
				s.logger.Warn("archive artifact failed", zap.String("artifact_id", id.String()), zap.Error(err))
				skipped[id] = true
				continue
			}
			if changed {
				archived++
			} else {
				// bound or archived by someone else since the scan
				skipped[id] = true
			}
		}
		if !progressed || len(ids) < limit {
			break
		}
	}
	if archived > 0 {
		s.logger.Info("artifacts archived", zap.Int("count", archived), zap.Time("cutoff", cutoff))
	}
	return archived, nil
}

func (s *Service) candidates(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	ctx, cancel := store.Bounded(ctx, s.timeout)
	defer cancel()
	return s.store.ListArchiveCandidates(ctx, cutoff, limit)
}

func (s *Service) archiveOne(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := store.Bounded(ctx, s.timeout)
	defer cancel()
	var changed bool
	err := s.store.InTx(ctx, func(q store.Queries) error {
		var err error
		changed, err = q.ArchiveArtifact(ctx, id)
		return err
	})
	return changed, errs.FromContext(err)
}
