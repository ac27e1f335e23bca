package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/errs"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PGStore struct {
	db *sql.DB
	q  querier
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, q: db}
}

// Migrate applies the embedded schema files in name order. Every statement is idempotent.
func (s *PGStore) Migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PGStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return translate(err, "begin tx")
	}
	defer tx.Rollback()

	if err := fn(&PGStore{db: s.db, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate(err, "commit tx")
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

// translate maps driver failures onto registry error kinds.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound("%s not found", what)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindTimeout, err, what)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03", "23505":
			// serialization_failure, deadlock_detected, lock_not_available, unique_violation
			return errs.Wrap(errs.KindConflict, err, what)
		case "57014":
			return errs.Wrap(errs.KindTimeout, err, what)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func fromNullable(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

const artifactColumns = `id, type, entity_id, region, metrics, params, artifact_location, status, version, created_by, created_at`

func scanArtifact(row rowScanner) (models.ModelArtifact, error) {
	var (
		a              models.ModelArtifact
		entity, region sql.NullString
		metrics        []byte
		params         []byte
	)
	if err := row.Scan(&a.ID, &a.Type, &entity, &region, &metrics, &params, &a.ArtifactLocation, &a.Status, &a.Version, &a.CreatedBy, &a.CreatedAt); err != nil {
		return models.ModelArtifact{}, err
	}
	a.Scope = models.Scope{EntityID: fromNullable(entity), Region: fromNullable(region)}
	a.CreatedAt = a.CreatedAt.UTC()
	if err := json.Unmarshal(metrics, &a.Metrics); err != nil {
		return models.ModelArtifact{}, fmt.Errorf("decode metrics: %w", err)
	}
	if err := json.Unmarshal(params, &a.Params); err != nil {
		return models.ModelArtifact{}, fmt.Errorf("decode params: %w", err)
	}
	return a, nil
}

func (s *PGStore) CreateArtifact(ctx context.Context, in ArtifactInput) (models.ModelArtifact, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	metrics, err := json.Marshal(in.Metrics)
	if err != nil {
		return models.ModelArtifact{}, errs.Validation("metrics: %v", err)
	}
	params, err := json.Marshal(in.Params)
	if err != nil {
		return models.ModelArtifact{}, errs.Validation("params: %v", err)
	}
	query := `
		INSERT INTO model_artifacts (id, type, entity_id, region, metrics, params, artifact_location, status, version, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'ACTIVE',$8,$9,$10)
		RETURNING ` + artifactColumns
	row := s.q.QueryRowContext(ctx, query, in.ID, in.Type, nullable(in.Scope.EntityID), nullable(in.Scope.Region),
		metrics, params, in.ArtifactLocation, in.Version, in.CreatedBy, in.CreatedAt)
	artifact, err := scanArtifact(row)
	if err != nil {
		return models.ModelArtifact{}, translate(err, "insert model artifact")
	}
	return artifact, nil
}

func (s *PGStore) GetArtifact(ctx context.Context, id uuid.UUID) (models.ModelArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM model_artifacts WHERE id = $1`
	artifact, err := scanArtifact(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.ModelArtifact{}, translate(err, "artifact "+id.String())
	}
	return artifact, nil
}

func (s *PGStore) LockArtifact(ctx context.Context, id uuid.UUID) (models.ModelArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM model_artifacts WHERE id = $1 FOR SHARE`
	artifact, err := scanArtifact(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.ModelArtifact{}, translate(err, "artifact "+id.String())
	}
	return artifact, nil
}

func (s *PGStore) ListArtifacts(ctx context.Context, filter ListArtifactsFilter) ([]models.ModelArtifact, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	status := filter.Status
	if status == "" {
		status = models.ArtifactStatusActive
	}
	where = append(where, "status = "+arg(status))
	if filter.Type != nil {
		where = append(where, "type = "+arg(*filter.Type))
	}
	if filter.Scope != nil {
		where = append(where, "entity_id IS NOT DISTINCT FROM "+arg(nullable(filter.Scope.EntityID)))
		where = append(where, "region IS NOT DISTINCT FROM "+arg(nullable(filter.Scope.Region)))
	}
	if filter.CreatedAfter != nil {
		where = append(where, "created_at > "+arg(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at < "+arg(*filter.CreatedBefore))
	}
	if filter.After != nil {
		where = append(where, "(created_at, id) > ("+arg(filter.After.CreatedAt)+", "+arg(filter.After.ID)+")")
	}
	order := "DESC"
	if filter.Ascending {
		order = "ASC"
	}
	query := `SELECT ` + artifactColumns + ` FROM model_artifacts WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY created_at %s, id %s", order, order) +
		" LIMIT " + arg(normalizeLimit(filter.Limit))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err, "list artifacts")
	}
	defer rows.Close()

	var artifacts []models.ModelArtifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "iterate artifacts")
	}
	return artifacts, nil
}

func (s *PGStore) ListArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	const query = `
		SELECT a.id FROM model_artifacts a
		WHERE a.status = 'ACTIVE' AND a.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM model_baselines b WHERE b.artifact_id = a.id AND b.active_to IS NULL)
		ORDER BY a.created_at
		LIMIT $2
	`
	rows, err := s.q.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, translate(err, "list archive candidates")
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan archive candidate: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "iterate archive candidates")
	}
	return ids, nil
}

func (s *PGStore) ArchiveArtifact(ctx context.Context, id uuid.UUID) (bool, error) {
	const query = `
		UPDATE model_artifacts SET status = 'ARCHIVED'
		WHERE id = $1 AND status = 'ACTIVE'
		  AND NOT EXISTS (SELECT 1 FROM model_baselines b WHERE b.artifact_id = $1 AND b.active_to IS NULL)
	`
	res, err := s.q.ExecContext(ctx, query, id)
	if err != nil {
		return false, translate(err, "archive artifact "+id.String())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("archive artifact rows affected: %w", err)
	}
	return n > 0, nil
}

const baselineColumns = `id, type, entity_id, region, active_from, active_to, artifact_id, approver_id, approved_at, notes, snapshot`

func scanBaseline(row rowScanner, extra ...any) (models.ModelBaseline, error) {
	var (
		b                  models.ModelBaseline
		entity, region     sql.NullString
		activeTo, approved sql.NullTime
		approver           sql.NullString
		snapshot           []byte
	)
	dest := []any{&b.ID, &b.Type, &entity, &region, &b.ActiveFrom, &activeTo, &b.ArtifactID, &approver, &approved, &b.Notes, &snapshot}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.ModelBaseline{}, err
	}
	b.Scope = models.Scope{EntityID: fromNullable(entity), Region: fromNullable(region)}
	b.ActiveFrom = b.ActiveFrom.UTC()
	b.ActiveTo = fromNullTime(activeTo)
	b.ApproverID = fromNullable(approver)
	b.ApprovedAt = fromNullTime(approved)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &b.Snapshot); err != nil {
			return models.ModelBaseline{}, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	return b, nil
}

func (s *PGStore) GetOpenBaseline(ctx context.Context, typ models.ModelType, scope models.Scope) (models.ModelBaseline, error) {
	query := `SELECT ` + baselineColumns + ` FROM model_baselines
		WHERE type = $1 AND entity_id IS NOT DISTINCT FROM $2 AND region IS NOT DISTINCT FROM $3 AND active_to IS NULL`
	b, err := scanBaseline(s.q.QueryRowContext(ctx, query, typ, nullable(scope.EntityID), nullable(scope.Region)))
	if err != nil {
		return models.ModelBaseline{}, translate(err, "open baseline")
	}
	return b, nil
}

func (s *PGStore) LockOpenBaseline(ctx context.Context, typ models.ModelType, scope models.Scope) (models.ModelBaseline, error) {
	query := `SELECT ` + baselineColumns + ` FROM model_baselines
		WHERE type = $1 AND entity_id IS NOT DISTINCT FROM $2 AND region IS NOT DISTINCT FROM $3 AND active_to IS NULL
		FOR UPDATE NOWAIT`
	b, err := scanBaseline(s.q.QueryRowContext(ctx, query, typ, nullable(scope.EntityID), nullable(scope.Region)))
	if err != nil {
		return models.ModelBaseline{}, translate(err, "open baseline")
	}
	return b, nil
}

func (s *PGStore) CloseBaseline(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `UPDATE model_baselines SET active_to = $2 WHERE id = $1 AND active_to IS NULL`, id, at)
	if err != nil {
		return translate(err, "close baseline "+id.String())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close baseline rows affected: %w", err)
	}
	if n == 0 {
		return errs.Conflict("baseline %s was closed concurrently", id)
	}
	return nil
}

func (s *PGStore) InsertBaseline(ctx context.Context, in BaselineInput) (models.ModelBaseline, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	snapshot, err := json.Marshal(in.Snapshot)
	if err != nil {
		return models.ModelBaseline{}, fmt.Errorf("encode snapshot: %w", err)
	}
	query := `
		INSERT INTO model_baselines (id, type, entity_id, region, active_from, artifact_id, approver_id, approved_at, notes, snapshot)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING ` + baselineColumns
	row := s.q.QueryRowContext(ctx, query, in.ID, in.Type, nullable(in.Scope.EntityID), nullable(in.Scope.Region),
		in.ActiveFrom, in.ArtifactID, nullable(in.ApproverID), in.ApprovedAt, in.Notes, snapshot)
	b, err := scanBaseline(row)
	if err != nil {
		return models.ModelBaseline{}, translate(err, "insert baseline")
	}
	return b, nil
}

func (s *PGStore) GetBaseline(ctx context.Context, id uuid.UUID) (models.ModelBaseline, error) {
	query := `SELECT ` + baselineColumns + ` FROM model_baselines WHERE id = $1`
	b, err := scanBaseline(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.ModelBaseline{}, translate(err, "baseline "+id.String())
	}
	return b, nil
}

func (s *PGStore) ListBaselines(ctx context.Context, typ models.ModelType, scope models.Scope, limit int) ([]models.BaselineWithArtifact, error) {
	const query = `
		SELECT b.id, b.type, b.entity_id, b.region, b.active_from, b.active_to, b.artifact_id, b.approver_id, b.approved_at, b.notes, b.snapshot,
		       a.id, a.type, a.entity_id, a.region, a.metrics, a.params, a.artifact_location, a.status, a.version, a.created_by, a.created_at
		FROM model_baselines b
		JOIN model_artifacts a ON a.id = b.artifact_id
		WHERE b.type = $1 AND b.entity_id IS NOT DISTINCT FROM $2 AND b.region IS NOT DISTINCT FROM $3
		ORDER BY b.active_from DESC, b.seq DESC
		LIMIT $4
	`
	rows, err := s.q.QueryContext(ctx, query, typ, nullable(scope.EntityID), nullable(scope.Region), limit)
	if err != nil {
		return nil, translate(err, "list baselines")
	}
	defer rows.Close()

	var out []models.BaselineWithArtifact
	for rows.Next() {
		var (
			a              models.ModelArtifact
			entity, region sql.NullString
			metrics        []byte
			params         []byte
		)
		b, err := scanBaseline(rows, &a.ID, &a.Type, &entity, &region, &metrics, &params, &a.ArtifactLocation, &a.Status, &a.Version, &a.CreatedBy, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan baseline: %w", err)
		}
		a.Scope = models.Scope{EntityID: fromNullable(entity), Region: fromNullable(region)}
		a.CreatedAt = a.CreatedAt.UTC()
		if err := json.Unmarshal(metrics, &a.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
		if err := json.Unmarshal(params, &a.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		out = append(out, models.BaselineWithArtifact{ModelBaseline: b, Artifact: a})
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "iterate baselines")
	}
	return out, nil
}

const proposalColumns = `id, type, artifact_id, entity_id, region, snapshot, requires_approval, status, requested_by, notes, created_at, applied_at, baseline_id`

func scanProposal(row rowScanner) (models.ChangeProposal, error) {
	var (
		p              models.ChangeProposal
		entity, region sql.NullString
		snapshot       []byte
		appliedAt      sql.NullTime
		baselineID     uuid.NullUUID
	)
	if err := row.Scan(&p.ID, &p.Type, &p.ArtifactID, &entity, &region, &snapshot, &p.RequiresApproval, &p.Status, &p.RequestedBy, &p.Notes, &p.CreatedAt, &appliedAt, &baselineID); err != nil {
		return models.ChangeProposal{}, err
	}
	p.Scope = models.Scope{EntityID: fromNullable(entity), Region: fromNullable(region)}
	p.CreatedAt = p.CreatedAt.UTC()
	p.AppliedAt = fromNullTime(appliedAt)
	if baselineID.Valid {
		id := baselineID.UUID
		p.BaselineID = &id
	}
	if err := json.Unmarshal(snapshot, &p.Snapshot); err != nil {
		return models.ChangeProposal{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return p, nil
}

func (s *PGStore) CreateProposal(ctx context.Context, p models.ChangeProposal) (models.ChangeProposal, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	snapshot, err := json.Marshal(p.Snapshot)
	if err != nil {
		return models.ChangeProposal{}, fmt.Errorf("encode snapshot: %w", err)
	}
	query := `
		INSERT INTO change_proposals (id, type, artifact_id, entity_id, region, snapshot, requires_approval, status, requested_by, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING ` + proposalColumns
	row := s.q.QueryRowContext(ctx, query, p.ID, p.Type, p.ArtifactID, nullable(p.Scope.EntityID), nullable(p.Scope.Region),
		snapshot, p.RequiresApproval, p.Status, p.RequestedBy, p.Notes, p.CreatedAt)
	out, err := scanProposal(row)
	if err != nil {
		return models.ChangeProposal{}, translate(err, "insert proposal")
	}
	return out, nil
}

func (s *PGStore) GetProposal(ctx context.Context, id uuid.UUID) (models.ChangeProposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM change_proposals WHERE id = $1`
	p, err := scanProposal(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.ChangeProposal{}, translate(err, "proposal "+id.String())
	}
	return p, nil
}

func (s *PGStore) MarkProposalApplied(ctx context.Context, id, baselineID uuid.UUID, at time.Time) error {
	const query = `
		UPDATE change_proposals SET status = 'APPLIED', applied_at = $3, baseline_id = $2
		WHERE id = $1 AND status = 'PENDING_APPROVAL'
	`
	res, err := s.q.ExecContext(ctx, query, id, baselineID, at)
	if err != nil {
		return translate(err, "mark proposal applied")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark proposal rows affected: %w", err)
	}
	if n == 0 {
		return errs.Conflict("proposal %s is not pending", id)
	}
	return nil
}

func (s *PGStore) AppendAudit(ctx context.Context, rec models.AuditRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	detail, err := json.Marshal(rec.Detail)
	if err != nil {
		return fmt.Errorf("encode audit detail: %w", err)
	}
	const query = `
		INSERT INTO audit_records (id, action, artifact_id, baseline_id, actor, detail, hash, signature, signer_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`
	if _, err := s.q.ExecContext(ctx, query, rec.ID, rec.Action, rec.ArtifactID, rec.BaselineID, rec.Actor, detail,
		rec.Hash, rec.Signature, rec.SignerID, rec.CreatedAt); err != nil {
		return translate(err, "insert audit record")
	}
	return nil
}

func (s *PGStore) ListAuditByBaseline(ctx context.Context, baselineID uuid.UUID) ([]models.AuditRecord, error) {
	const query = `
		SELECT id, action, artifact_id, baseline_id, actor, detail, hash, signature, signer_id, created_at
		FROM audit_records WHERE baseline_id = $1 ORDER BY created_at
	`
	rows, err := s.q.QueryContext(ctx, query, baselineID)
	if err != nil {
		return nil, translate(err, "list audit records")
	}
	defer rows.Close()
	var out []models.AuditRecord
	for rows.Next() {
		var (
			rec    models.AuditRecord
			detail []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.ArtifactID, &rec.BaselineID, &rec.Actor, &detail, &rec.Hash, &rec.Signature, &rec.SignerID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if err := json.Unmarshal(detail, &rec.Detail); err != nil {
			return nil, fmt.Errorf("decode audit detail: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "iterate audit records")
	}
	return out, nil
}

func (s *PGStore) EnqueueEvent(ctx context.Context, ev models.ChangeEvent, leaseUntil time.Time) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	const query = `INSERT INTO change_events (id, payload, lease_until, created_at) VALUES ($1,$2,$3,$4)`
	if _, err := s.q.ExecContext(ctx, query, ev.ID, payload, leaseUntil, ev.OccurredAt); err != nil {
		return translate(err, "enqueue change event")
	}
	return nil
}

func (s *PGStore) ClaimPendingEvents(ctx context.Context, limit int, lease time.Duration) ([]models.ChangeEvent, error) {
	const query = `
		UPDATE change_events SET attempts = attempts + 1, lease_until = now() + ($2::double precision * interval '1 millisecond')
		WHERE id IN (
			SELECT id FROM change_events
			WHERE status = 'pending' AND lease_until <= now()
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING payload
	`
	rows, err := s.q.QueryContext(ctx, query, limit, lease.Milliseconds())
	if err != nil {
		return nil, translate(err, "claim change events")
	}
	defer rows.Close()
	var events []models.ChangeEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		var ev models.ChangeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode change event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "iterate change events")
	}
	sort.Slice(events, func(i, j int) bool { return events[i].OccurredAt.Before(events[j].OccurredAt) })
	return events, nil
}

func (s *PGStore) MarkEventDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	const query = `UPDATE change_events SET status = 'delivered', delivered_at = $2, last_error = NULL WHERE id = $1`
	if _, err := s.q.ExecContext(ctx, query, id, at); err != nil {
		return translate(err, "mark change event delivered")
	}
	return nil
}

func (s *PGStore) MarkEventFailed(ctx context.Context, id uuid.UUID, reason string) error {
	const query = `UPDATE change_events SET last_error = $2, lease_until = now() WHERE id = $1 AND status = 'pending'`
	if _, err := s.q.ExecContext(ctx, query, id, reason); err != nil {
		return translate(err, "mark change event failed")
	}
	return nil
}
