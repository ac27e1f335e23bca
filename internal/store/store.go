package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
)

// MaxArtifactPage bounds every artifact listing.
const MaxArtifactPage = 50

// Queries is the data access surface shared by the store itself and by an open
// transaction handed to InTx callbacks. Lookups that miss return errs.ErrNotFound;
// lost races on the ledger return errs.ErrConflict.
type Queries interface {
	CreateArtifact(ctx context.Context, in ArtifactInput) (models.ModelArtifact, error)
	GetArtifact(ctx context.Context, id uuid.UUID) (models.ModelArtifact, error)
	// LockArtifact reads an artifact and holds it against concurrent archival
	// until the surrounding transaction ends.
	LockArtifact(ctx context.Context, id uuid.UUID) (models.ModelArtifact, error)
	ListArtifacts(ctx context.Context, filter ListArtifactsFilter) ([]models.ModelArtifact, error)
	ListArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	// ArchiveArtifact flips an ACTIVE artifact to ARCHIVED unless an open
	// baseline references it. It reports whether the row changed.
	ArchiveArtifact(ctx context.Context, id uuid.UUID) (bool, error)

	GetOpenBaseline(ctx context.Context, typ models.ModelType, scope models.Scope) (models.ModelBaseline, error)
	// LockOpenBaseline is GetOpenBaseline that also claims the row; a row held
	// by another activation yields errs.ErrConflict instead of waiting.
	LockOpenBaseline(ctx context.Context, typ models.ModelType, scope models.Scope) (models.ModelBaseline, error)
	CloseBaseline(ctx context.Context, id uuid.UUID, at time.Time) error
	InsertBaseline(ctx context.Context, in BaselineInput) (models.ModelBaseline, error)
	GetBaseline(ctx context.Context, id uuid.UUID) (models.ModelBaseline, error)
	ListBaselines(ctx context.Context, typ models.ModelType, scope models.Scope, limit int) ([]models.BaselineWithArtifact, error)

	CreateProposal(ctx context.Context, p models.ChangeProposal) (models.ChangeProposal, error)
	GetProposal(ctx context.Context, id uuid.UUID) (models.ChangeProposal, error)
	MarkProposalApplied(ctx context.Context, id, baselineID uuid.UUID, at time.Time) error

	AppendAudit(ctx context.Context, rec models.AuditRecord) error
	ListAuditByBaseline(ctx context.Context, baselineID uuid.UUID) ([]models.AuditRecord, error)

	// EnqueueEvent writes a change event to the outbox. The relay will not
	// claim it before leaseUntil, giving the committing caller first attempt.
	EnqueueEvent(ctx context.Context, ev models.ChangeEvent, leaseUntil time.Time) error
	ClaimPendingEvents(ctx context.Context, limit int, lease time.Duration) ([]models.ChangeEvent, error)
	MarkEventDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkEventFailed(ctx context.Context, id uuid.UUID, reason string) error
}

type Store interface {
	Queries
	// InTx runs fn inside one serializable unit of work. Nothing fn wrote is
	// visible unless fn returns nil and the commit succeeds.
	InTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
}

type ArtifactInput struct {
	ID               uuid.UUID
	Type             models.ModelType
	Scope            models.Scope
	Metrics          map[string]float64
	Params           map[string]any
	ArtifactLocation string
	Version          string
	CreatedBy        string
	CreatedAt        time.Time
}

type ListArtifactsFilter struct {
	Type          *models.ModelType
	Scope         *models.Scope
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Status        models.ArtifactStatus
	Limit         int
	// Ascending flips the default newest-first order.
	Ascending bool
	// After resumes an ascending scan strictly past the given position.
	After *Cursor
}

// Cursor is a keyset position in artifact creation order.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

type BaselineInput struct {
	ID         uuid.UUID
	Type       models.ModelType
	Scope      models.Scope
	ArtifactID uuid.UUID
	ActiveFrom time.Time
	ApproverID *string
	ApprovedAt *time.Time
	Notes      string
	Snapshot   models.DeltaSnapshot
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > MaxArtifactPage {
		return MaxArtifactPage
	}
	return limit
}

var (
	_ Store   = (*PGStore)(nil)
	_ Store   = (*MemoryStore)(nil)
	_ Queries = (*memState)(nil)
)

// Bounded derives the per-call deadline applied to every store round trip.
// A non-positive d leaves ctx as is.
func Bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
