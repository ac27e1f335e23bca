// Package ledger answers which artifact is the active baseline of a scope and
// keeps the full activation history. Activate is its only write path.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/errs"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/store"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 200
)

type Ledger struct {
	store   store.Store
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(st store.Store, logger *zap.Logger, timeout time.Duration, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{store: st, logger: logger, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GetActive returns the open baseline of the scope, or nil if none was ever set.
func (l *Ledger) GetActive(ctx context.Context, typ models.ModelType, scope models.Scope) (*models.ModelBaseline, error) {
	if !typ.Valid() {
		return nil, errs.Validation("unknown model type %q", typ)
	}
	ctx, cancel := store.Bounded(ctx, l.timeout)
	defer cancel()
	b, err := l.store.GetOpenBaseline(ctx, typ, scope)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Annotate(err, "get active baseline", scope.Key(), "")
	}
	return &b, nil
}

// History lists the scope's baselines, most recent activeFrom first, each joined
// with its artifact. limit defaults to DefaultHistoryLimit.
func (l *Ledger) History(ctx context.Context, typ models.ModelType, scope models.Scope, limit int) ([]models.BaselineWithArtifact, error) {
	if !typ.Valid() {
		return nil, errs.Validation("unknown model type %q", typ)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	ctx, cancel := store.Bounded(ctx, l.timeout)
	defer cancel()
	rows, err := l.store.ListBaselines(ctx, typ, scope, limit)
	if err != nil {
		return nil, errs.Annotate(err, "baseline history", scope.Key(), "")
	}
	return rows, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (models.ModelBaseline, error) {
	ctx, cancel := store.Bounded(ctx, l.timeout)
	defer cancel()
	b, err := l.store.GetBaseline(ctx, id)
	if err != nil {
		return models.ModelBaseline{}, errs.Annotate(err, "get baseline", "", "")
	}
	return b, nil
}

type ActivateInput struct {
	Type       models.ModelType
	ArtifactID uuid.UUID
	ApproverID *string
	Notes      string
	Snapshot   models.DeltaSnapshot
	// ExpectedCurrent, when set, is the open baseline id the caller based its
	// decision on; uuid.Nil means the caller saw no baseline. A mismatch at
	// activation time fails with a conflict.
	ExpectedCurrent *uuid.UUID
}

type Activation struct {
	Previous *models.ModelBaseline
	Current  models.ModelBaseline
	Artifact models.ModelArtifact
}

// TxHook runs inside the activation transaction after the new row is written.
// Returning an error rolls the whole activation back.
type TxHook func(ctx context.Context, q store.Queries, act Activation) error

// Activate closes the scope's open baseline, if any, and opens a new one bound
// to the artifact, in one serializable transaction together with hooks. The
// scope is always the artifact's own.
func (l *Ledger) Activate(ctx context.Context, in ActivateInput, hooks ...TxHook) (Activation, error) {
	if !in.Type.Valid() {
		return Activation{}, errs.Annotate(errs.Validation("unknown model type %q", in.Type), "activate", "", in.ArtifactID.String())
	}
	if in.ArtifactID == uuid.Nil {
		return Activation{}, errs.Annotate(errs.Validation("artifactId required"), "activate", "", "")
	}

	ctx, cancel := store.Bounded(ctx, l.timeout)
	defer cancel()

	var (
		act      Activation
		scopeKey string
	)
	err := l.store.InTx(ctx, func(q store.Queries) error {
		artifact, err := q.LockArtifact(ctx, in.ArtifactID)
		if err != nil {
			return err
		}
		scopeKey = artifact.Scope.Key()
		if artifact.Type != in.Type {
			return errs.Validation("artifact is of type %s, not %s", artifact.Type, in.Type)
		}
		if artifact.Status != models.ArtifactStatusActive {
			return errs.Validation("artifact is %s and cannot back a baseline", artifact.Status)
		}

		var previous *models.ModelBaseline
		open, err := q.LockOpenBaseline(ctx, in.Type, artifact.Scope)
		switch {
		case err == nil:
			previous = &open
		case errors.Is(err, errs.ErrNotFound):
		default:
			return err
		}
		if err := checkExpected(in.ExpectedCurrent, previous); err != nil {
			return err
		}

		now := l.now().UTC()
		if previous != nil {
			// history stays ordered even if this node's clock trails the last writer's
			if now.Before(previous.ActiveFrom) {
				now = previous.ActiveFrom
			}
			if err := q.CloseBaseline(ctx, previous.ID, now); err != nil {
				return err
			}
			closed := now
			previous.ActiveTo = &closed
		}

		snapshot := in.Snapshot
		if snapshot.ProposedArtifactID == uuid.Nil {
			snapshot.ProposedArtifactID = artifact.ID
		}
		var approvedAt *time.Time
		if in.ApproverID != nil {
			approvedAt = &now
		}
		current, err := q.InsertBaseline(ctx, store.BaselineInput{
			ID:         uuid.New(),
			Type:       in.Type,
			Scope:      artifact.Scope,
			ArtifactID: artifact.ID,
			ActiveFrom: now,
			ApproverID: in.ApproverID,
			ApprovedAt: approvedAt,
			Notes:      in.Notes,
			Snapshot:   snapshot,
		})
		if err != nil {
			return err
		}

		act = Activation{Previous: previous, Current: current, Artifact: artifact}
		for _, hook := range hooks {
			if err := hook(ctx, q, act); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Activation{}, errs.Annotate(err, "activate", scopeKey, in.ArtifactID.String())
	}

	fields := []zap.Field{
		zap.String("type", string(in.Type)),
		zap.String("scope", act.Current.Scope.Key()),
		zap.String("artifact_id", act.Artifact.ID.String()),
		zap.String("baseline_id", act.Current.ID.String()),
	}
	if act.Previous != nil {
		fields = append(fields, zap.String("previous_baseline_id", act.Previous.ID.String()))
	}
	l.logger.Info("baseline activated", fields...)
	return act, nil
}

func checkExpected(expected *uuid.UUID, previous *models.ModelBaseline) error {
	if expected == nil {
		return nil
	}
	switch {
	case *expected == uuid.Nil && previous == nil:
		return nil
	case *expected == uuid.Nil:
		return errs.Conflict("scope gained active baseline %s concurrently", previous.ID)
	case previous == nil:
		return errs.Conflict("expected active baseline %s is no longer open", *expected)
	case previous.ID != *expected:
		return errs.Conflict("active baseline moved from %s to %s", *expected, previous.ID)
	}
	return nil
}
