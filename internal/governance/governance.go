// Package governance turns candidate artifacts into governed baseline changes:
// it computes review deltas, gates activation on approval, applies changes
// together with their audit record and change event, and rolls back by
// activating an earlier artifact again.
package governance

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/artifacts"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/audit"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/errs"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/events"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/ledger"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/store"
)

// SystemActor is recorded as the actor of changes applied without an approver.
const SystemActor = "system"

// EventDispatcher publishes a committed change event.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev models.ChangeEvent) error
}

type Config struct {
	RequireApproval bool
	// Timeout bounds each store call made directly by governance.
	Timeout time.Duration
}

type Service struct {
	store      store.Store
	artifacts  *artifacts.Service
	ledger     *ledger.Ledger
	recorder   *audit.Recorder
	dispatcher EventDispatcher
	archiver   audit.NoteArchiver
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time
}

type Deps struct {
	Store      store.Store
	Artifacts  *artifacts.Service
	Ledger     *ledger.Ledger
	Recorder   *audit.Recorder
	Dispatcher EventDispatcher
	// Archiver is optional; without it ArchiveChangeNote is unavailable.
	Archiver audit.NoteArchiver
	Logger   *zap.Logger
	Now      func() time.Time
}

func New(d Deps, cfg Config) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		store:      d.Store,
		artifacts:  d.Artifacts,
		ledger:     d.Ledger,
		recorder:   d.Recorder,
		dispatcher: d.Dispatcher,
		archiver:   d.Archiver,
		logger:     d.Logger,
		cfg:        cfg,
		now:        d.Now,
	}
}

// RequiresApproval reports the configured approval gate.
func (s *Service) RequiresApproval() bool { return s.cfg.RequireApproval }

type ProposeRequest struct {
	Type        models.ModelType
	ArtifactID  uuid.UUID
	RequestedBy string
	// ApproverID pre-grants approval; it must be an authenticated identity.
	ApproverID *string
	Notes      string
}

// Propose computes the delta snapshot for moving the artifact's scope onto the
// artifact. With approval required and no approver supplied, the proposal is
// stored as PENDING_APPROVAL and the ledger is untouched; otherwise it is
// applied at once.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (models.ChangeProposal, error) {
	if err := validateTarget(req.Type, req.ArtifactID); err != nil {
		return models.ChangeProposal{}, errs.Annotate(err, "propose", "", req.ArtifactID.String())
	}
	artifact, current, snapshot, err := s.review(ctx, req.Type, req.ArtifactID)
	if err != nil {
		return models.ChangeProposal{}, errs.Annotate(err, "propose", scopeKeyOf(artifact), req.ArtifactID.String())
	}

	proposal := models.ChangeProposal{
		ID:               uuid.New(),
		Type:             req.Type,
		ArtifactID:       artifact.ID,
		Scope:            artifact.Scope,
		Snapshot:         snapshot,
		RequiresApproval: s.cfg.RequireApproval,
		Status:           models.ProposalStatusPending,
		RequestedBy:      req.RequestedBy,
		Notes:            req.Notes,
		CreatedAt:        s.now().UTC(),
	}

	approver := normalizeActor(req.ApproverID)
	if s.cfg.RequireApproval && approver == nil {
		ctx, cancel := store.Bounded(ctx, s.cfg.Timeout)
		defer cancel()
		stored, err := s.store.CreateProposal(ctx, proposal)
		if err != nil {
			return models.ChangeProposal{}, errs.Annotate(err, "propose", artifact.Scope.Key(), artifact.ID.String())
		}
		s.logger.Info("baseline change pending approval",
			zap.String("proposal_id", stored.ID.String()),
			zap.String("scope", artifact.Scope.Key()),
			zap.String("artifact_id", artifact.ID.String()),
		)
		return stored, nil
	}

	baseline, err := s.activate(ctx, activation{
		Type:       req.Type,
		ArtifactID: artifact.ID,
		ApproverID: approver,
		Notes:      req.Notes,
		Snapshot:   snapshot,
		Expected:   expectedID(current),
	})
	if err != nil {
		return models.ChangeProposal{}, errs.Annotate(err, "propose", artifact.Scope.Key(), artifact.ID.String())
	}
	applied := baseline.ActiveFrom
	proposal.Status = models.ProposalStatusApplied
	proposal.AppliedAt = &applied
	proposal.BaselineID = &baseline.ID
	return proposal, nil
}

type ApplyRequest struct {
	Type       models.ModelType
	ArtifactID uuid.UUID
	ApproverID *string
	Notes      string
	// Snapshot, when given, must describe the scope's current baseline or the
	// apply conflicts. Its metrics are never stored; deltas are recomputed.
	Snapshot *models.DeltaSnapshot
	// ProposalID applies a stored pending proposal instead.
	ProposalID *uuid.UUID
}

// Apply activates the artifact as its scope's baseline. The activation, its
// audit record, its outbox event and any proposal status change commit as one
// unit; the change event is published only after that commit.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (models.ModelBaseline, error) {
	approver := normalizeActor(req.ApproverID)
	if s.cfg.RequireApproval && approver == nil {
		return models.ModelBaseline{}, errs.Annotate(errs.Validation("approverId required"), "apply", "", req.ArtifactID.String())
	}
	if req.ProposalID != nil {
		p, err := s.GetProposal(ctx, *req.ProposalID)
		if err != nil {
			return models.ModelBaseline{}, errs.Annotate(err, "apply", "", req.ArtifactID.String())
		}
		if (req.ArtifactID != uuid.Nil && p.ArtifactID != req.ArtifactID) || (req.Type != "" && p.Type != req.Type) {
			return models.ModelBaseline{}, errs.Annotate(errs.Validation("proposal %s targets a different artifact", p.ID), "apply", p.Scope.Key(), req.ArtifactID.String())
		}
		return s.applyProposal(ctx, p, approver, req.Notes)
	}
	if err := validateTarget(req.Type, req.ArtifactID); err != nil {
		return models.ModelBaseline{}, errs.Annotate(err, "apply", "", req.ArtifactID.String())
	}

	if req.Snapshot != nil && req.Snapshot.ProposedArtifactID != uuid.Nil && req.Snapshot.ProposedArtifactID != req.ArtifactID {
		return models.ModelBaseline{}, errs.Annotate(errs.Validation("snapshot was computed for artifact %s", req.Snapshot.ProposedArtifactID), "apply", "", req.ArtifactID.String())
	}
	artifact, current, snapshot, err := s.review(ctx, req.Type, req.ArtifactID)
	if err != nil {
		return models.ModelBaseline{}, errs.Annotate(err, "apply", scopeKeyOf(artifact), req.ArtifactID.String())
	}
	expected := expectedID(current)
	if req.Snapshot != nil {
		// The stored deltas are always the recomputed ones; a supplied snapshot
		// only pins the baseline it was reviewed against.
		if seen := expectedFrom(*req.Snapshot); *seen != *expected {
			return models.ModelBaseline{}, errs.Annotate(errs.Conflict("baseline changed since the snapshot was taken"), "apply", artifact.Scope.Key(), req.ArtifactID.String())
		}
	}

	return s.activate(ctx, activation{
		Type:       req.Type,
		ArtifactID: req.ArtifactID,
		ApproverID: approver,
		Notes:      req.Notes,
		Snapshot:   snapshot,
		Expected:   expected,
	})
}

// Approve applies a stored pending proposal. It fails with a conflict when the
// scope's baseline moved after the proposal was made.
func (s *Service) Approve(ctx context.Context, proposalID uuid.UUID, approverID, notes string) (models.ModelBaseline, error) {
	approver := normalizeActor(&approverID)
	if approver == nil {
		return models.ModelBaseline{}, errs.Annotate(errs.Validation("approverId required"), "approve", "", "")
	}
	p, err := s.GetProposal(ctx, proposalID)
	if err != nil {
		return models.ModelBaseline{}, errs.Annotate(err, "approve", "", "")
	}
	return s.applyProposal(ctx, p, approver, notes)
}

func (s *Service) applyProposal(ctx context.Context, p models.ChangeProposal, approver *string, notes string) (models.ModelBaseline, error) {
	if p.Status != models.ProposalStatusPending {
		return models.ModelBaseline{}, errs.Annotate(errs.Conflict("proposal %s is already %s", p.ID, p.Status), "approve", p.Scope.Key(), p.ArtifactID.String())
	}
	if strings.TrimSpace(notes) == "" {
		notes = p.Notes
	}
	id := p.ID
	return s.activate(ctx, activation{
		Type:       p.Type,
		ArtifactID: p.ArtifactID,
		ApproverID: approver,
		Notes:      notes,
		Snapshot:   p.Snapshot,
		Expected:   expectedFrom(p.Snapshot),
		ProposalID: &id,
	})
}

func (s *Service) GetProposal(ctx context.Context, id uuid.UUID) (models.ChangeProposal, error) {
	ctx, cancel := store.Bounded(ctx, s.cfg.Timeout)
	defer cancel()
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return models.ChangeProposal{}, errs.Annotate(err, "get proposal", "", "")
	}
	return p, nil
}

// Rollback re-activates the artifact of a historical baseline as a new forward
// change. The target row is never reopened or modified.
func (s *Service) Rollback(ctx context.Context, targetBaselineID uuid.UUID, actorID, reason string) (models.ModelBaseline, error) {
	actor := normalizeActor(&actorID)
	if actor == nil {
		return models.ModelBaseline{}, errs.Annotate(errs.Validation("actorId required"), "rollback", "", "")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return models.ModelBaseline{}, errs.Annotate(errs.Validation("reason required"), "rollback", "", "")
	}
	target, err := s.ledger.Get(ctx, targetBaselineID)
	if err != nil {
		return models.ModelBaseline{}, errs.Annotate(err, "rollback", "", "")
	}
	_, current, snapshot, err := s.review(ctx, target.Type, target.ArtifactID)
	if err != nil {
		return models.ModelBaseline{}, errs.Annotate(err, "rollback", target.Scope.Key(), target.ArtifactID.String())
	}
	targetID := target.ID
	snapshot.Rollback = true
	snapshot.TargetBaselineID = &targetID
	snapshot.Reason = reason

	return s.activate(ctx, activation{
		Type:       target.Type,
		ArtifactID: target.ArtifactID,
		ApproverID: actor,
		Notes:      "Rollback: " + reason,
		Snapshot:   snapshot,
		Expected:   expectedID(current),
	})
}

type activation struct {
	Type       models.ModelType
	ArtifactID uuid.UUID
	ApproverID *string
	Notes      string
	Snapshot   models.DeltaSnapshot
	Expected   *uuid.UUID
	ProposalID *uuid.UUID
}

func (s *Service) activate(ctx context.Context, in activation) (models.ModelBaseline, error) {
	actor := SystemActor
	if in.ApproverID != nil {
		actor = *in.ApproverID
	}

	var event models.ChangeEvent
	act, err := s.ledger.Activate(ctx, ledger.ActivateInput{
		Type:            in.Type,
		ArtifactID:      in.ArtifactID,
		ApproverID:      in.ApproverID,
		Notes:           in.Notes,
		Snapshot:        in.Snapshot,
		ExpectedCurrent: in.Expected,
	}, func(ctx context.Context, q store.Queries, act ledger.Activation) error {
		var previousID, previousArtifactID *uuid.UUID
		if act.Previous != nil {
			id, artifactID := act.Previous.ID, act.Previous.ArtifactID
			previousID, previousArtifactID = &id, &artifactID
		}

		rec, err := s.recorder.Record(ctx, audit.Entry{
			Action:     models.AuditActionBaselineChange,
			ArtifactID: act.Artifact.ID,
			BaselineID: act.Current.ID,
			Actor:      actor,
			Detail: map[string]any{
				"type":               string(act.Current.Type),
				"scope":              act.Current.Scope,
				"previousBaselineId": uuidOrNil(previousID),
				"newBaselineId":      act.Current.ID.String(),
				"notes":              act.Current.Notes,
				"rollback":           act.Current.Snapshot.Rollback,
			},
		})
		if err != nil {
			return err
		}
		if err := q.AppendAudit(ctx, rec); err != nil {
			return err
		}

		event = models.ChangeEvent{
			ID:                 uuid.New(),
			Type:               act.Current.Type,
			Scope:              act.Current.Scope,
			PreviousArtifactID: previousArtifactID,
			NewArtifactID:      act.Artifact.ID,
			PreviousBaselineID: previousID,
			NewBaselineID:      act.Current.ID,
			OccurredAt:         act.Current.ActiveFrom,
		}
		if err := q.EnqueueEvent(ctx, event, time.Now().Add(events.DispatchLease)); err != nil {
			return err
		}

		if in.ProposalID != nil {
			return q.MarkProposalApplied(ctx, *in.ProposalID, act.Current.ID, act.Current.ActiveFrom)
		}
		return nil
	})
	if err != nil {
		return models.ModelBaseline{}, errs.Annotate(err, "apply", "", in.ArtifactID.String())
	}

	if s.dispatcher != nil {
		// failures stay in the outbox for the relay
		_ = s.dispatcher.Dispatch(ctx, event)
	}
	return act.Current, nil
}

// review loads the artifact and the current baseline of its scope and
// computes the delta snapshot between them.
func (s *Service) review(ctx context.Context, typ models.ModelType, artifactID uuid.UUID) (models.ModelArtifact, *models.ModelBaseline, models.DeltaSnapshot, error) {
	artifact, err := s.artifacts.Get(ctx, artifactID)
	if err != nil {
		return models.ModelArtifact{}, nil, models.DeltaSnapshot{}, err
	}
	if artifact.Type != typ {
		return artifact, nil, models.DeltaSnapshot{}, errs.Validation("artifact is of type %s, not %s", artifact.Type, typ)
	}
	if artifact.Status != models.ArtifactStatusActive {
		return artifact, nil, models.DeltaSnapshot{}, errs.Validation("artifact is %s and cannot back a baseline", artifact.Status)
	}
	current, err := s.ledger.GetActive(ctx, typ, artifact.Scope)
	if err != nil {
		return artifact, nil, models.DeltaSnapshot{}, err
	}
	var currentArtifact *models.ModelArtifact
	if current != nil {
		a, err := s.artifacts.Get(ctx, current.ArtifactID)
		if err != nil {
			return artifact, nil, models.DeltaSnapshot{}, err
		}
		currentArtifact = &a
	}
	return artifact, current, ComputeSnapshot(typ, current, currentArtifact, artifact), nil
}

// ExportChangeNote assembles the compliance record of one baseline change.
func (s *Service) ExportChangeNote(ctx context.Context, baselineID uuid.UUID) (models.ChangeNote, error) {
	b, err := s.ledger.Get(ctx, baselineID)
	if err != nil {
		return models.ChangeNote{}, errs.Annotate(err, "export change note", "", "")
	}
	a, err := s.artifacts.Get(ctx, b.ArtifactID)
	if err != nil {
		return models.ChangeNote{}, errs.Annotate(err, "export change note", b.Scope.Key(), b.ArtifactID.String())
	}
	auditCtx, cancel := store.Bounded(ctx, s.cfg.Timeout)
	defer cancel()
	records, err := s.store.ListAuditByBaseline(auditCtx, b.ID)
	if err != nil {
		return models.ChangeNote{}, errs.Annotate(err, "export change note", b.Scope.Key(), b.ArtifactID.String())
	}
	if records == nil {
		records = []models.AuditRecord{}
	}
	return models.ChangeNote{
		BaselineID: b.ID,
		Type:       b.Type,
		Scope:      b.Scope,
		ActiveFrom: b.ActiveFrom,
		ActiveTo:   b.ActiveTo,
		Artifact: models.ArtifactSummary{
			ID:               a.ID,
			Version:          a.Version,
			Status:           a.Status,
			ArtifactLocation: a.ArtifactLocation,
			Metrics:          a.Metrics,
			CreatedBy:        a.CreatedBy,
			CreatedAt:        a.CreatedAt,
		},
		Approval: models.Approval{
			ApproverID: b.ApproverID,
			ApprovedAt: b.ApprovedAt,
			Notes:      b.Notes,
		},
		Snapshot:    b.Snapshot,
		Audit:       records,
		GeneratedAt: s.now().UTC(),
	}, nil
}

// ArchiveChangeNote exports the change note and stores it through the
// configured archiver, returning the object key.
func (s *Service) ArchiveChangeNote(ctx context.Context, baselineID uuid.UUID) (string, error) {
	if s.archiver == nil {
		return "", errs.Validation("change-note archival is not configured")
	}
	note, err := s.ExportChangeNote(ctx, baselineID)
	if err != nil {
		return "", err
	}
	key, err := s.archiver.ArchiveNote(ctx, note)
	if err != nil {
		return "", errs.Annotate(errs.FromContext(err), "archive change note", note.Scope.Key(), note.Artifact.ID.String())
	}
	s.logger.Info("change note archived", zap.String("baseline_id", baselineID.String()), zap.String("key", key))
	return key, nil
}

// PerformanceTrend yields the metrics of the scope's ACTIVE artifacts created
// within the last windowDays, oldest first. Pages are read lazily as the
// caller iterates; stopping early stops the reads.
func (s *Service) PerformanceTrend(ctx context.Context, typ models.ModelType, scope models.Scope, windowDays int) iter.Seq2[models.TrendPoint, error] {
	return func(yield func(models.TrendPoint, error) bool) {
		if !typ.Valid() {
			yield(models.TrendPoint{}, errs.Validation("unknown model type %q", typ))
			return
		}
		if windowDays <= 0 {
			yield(models.TrendPoint{}, errs.Validation("windowDays must be positive"))
			return
		}
		since := s.now().UTC().AddDate(0, 0, -windowDays)
		var cursor *store.Cursor
		for {
			page, err := s.trendPage(ctx, typ, scope, since, cursor)
			if err != nil {
				yield(models.TrendPoint{}, errs.Annotate(err, "performance trend", scope.Key(), ""))
				return
			}
			for _, a := range page {
				point := models.TrendPoint{Date: a.CreatedAt, ArtifactID: a.ID, Version: a.Version, Metrics: a.Metrics}
				if !yield(point, nil) {
					return
				}
			}
			if len(page) < store.MaxArtifactPage {
				return
			}
			last := page[len(page)-1]
			cursor = &store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

func (s *Service) trendPage(ctx context.Context, typ models.ModelType, scope models.Scope, since time.Time, after *store.Cursor) ([]models.ModelArtifact, error) {
	ctx, cancel := store.Bounded(ctx, s.cfg.Timeout)
	defer cancel()
	return s.store.ListArtifacts(ctx, store.ListArtifactsFilter{
		Type:         &typ,
		Scope:        &scope,
		CreatedAfter: &since,
		Status:       models.ArtifactStatusActive,
		Ascending:    true,
		After:        after,
		Limit:        store.MaxArtifactPage,
	})
}

func validateTarget(typ models.ModelType, artifactID uuid.UUID) error {
	if typ == "" {
		return errs.Validation("type required")
	}
	if !typ.Valid() {
		return errs.Validation("unknown model type %q", typ)
	}
	if artifactID == uuid.Nil {
		return errs.Validation("artifactId required")
	}
	return nil
}

func normalizeActor(id *string) *string {
	if id == nil {
		return nil
	}
	v := strings.TrimSpace(*id)
	if v == "" {
		return nil
	}
	return &v
}

func expectedID(current *models.ModelBaseline) *uuid.UUID {
	id := uuid.Nil
	if current != nil {
		id = current.ID
	}
	return &id
}

func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func scopeKeyOf(a models.ModelArtifact) string {
	if a.ID == uuid.Nil {
		return ""
	}
	return a.Scope.Key()
}

// IsRetryable reports whether a governance failure may succeed after the
// caller re-reads the active baseline.
func IsRetryable(err error) bool {
	return errors.Is(err, errs.ErrConflict) || errors.Is(err, errs.ErrTimeout)
}
