package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/errs"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
)

// MemoryStore keeps registry state in process. Transactions run against a
// copy of the state that replaces the original only when the callback succeeds,
// so a failed unit of work leaves nothing behind. Intended for tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type memBaseline struct {
	seq int64
	row models.ModelBaseline
}

type memEvent struct {
	event      models.ChangeEvent
	delivered  bool
	attempts   int
	lastError  string
	leaseUntil time.Time
}

type memState struct {
	artifacts map[uuid.UUID]models.ModelArtifact
	baselines map[uuid.UUID]memBaseline
	proposals map[uuid.UUID]models.ChangeProposal
	audit     []models.AuditRecord
	events    map[uuid.UUID]memEvent
	seq       int64
}

func newMemState() *memState {
	return &memState{
		artifacts: map[uuid.UUID]models.ModelArtifact{},
		baselines: map[uuid.UUID]memBaseline{},
		proposals: map[uuid.UUID]models.ChangeProposal{},
		events:    map[uuid.UUID]memEvent{},
	}
}

func (s *memState) clone() *memState {
	out := &memState{
		artifacts: make(map[uuid.UUID]models.ModelArtifact, len(s.artifacts)),
		baselines: make(map[uuid.UUID]memBaseline, len(s.baselines)),
		proposals: make(map[uuid.UUID]models.ChangeProposal, len(s.proposals)),
		audit:     append([]models.AuditRecord(nil), s.audit...),
		events:    make(map[uuid.UUID]memEvent, len(s.events)),
		seq:       s.seq,
	}
	for k, v := range s.artifacts {
		out.artifacts[k] = v
	}
	for k, v := range s.baselines {
		out.baselines[k] = v
	}
	for k, v := range s.proposals {
		out.proposals[k] = v
	}
	for k, v := range s.events {
		out.events[k] = v
	}
	return out
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return errs.FromContext(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	working := m.state.clone()
	if err := fn(working); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.FromContext(err)
	}
	m.state = working
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// view runs a read or single-statement write against the live state.
func (m *MemoryStore) view(ctx context.Context, fn func(s *memState) error) error {
	if err := ctx.Err(); err != nil {
		return errs.FromContext(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

func (m *MemoryStore) CreateArtifact(ctx context.Context, in ArtifactInput) (out models.ModelArtifact, err error) {
	err = m.view(ctx, func(s *memState) error { out, err = s.CreateArtifact(ctx, in); return err })
	return out, err
}

func (m *MemoryStore) GetArtifact(ctx context.Context, id uuid.UUID) (out models.ModelArtifact, err error) {
	err = m.view(ctx, func(s *memState) error { out, err = s.GetArtifact(ctx, id); return err })
	return out, err
}

func (m *MemoryStore) LockArtifact(ctx context.Context, id uuid.UUID) (out models.ModelArtifact, err error) {
	return m.GetArtifact(ctx, id)
}

func (m *MemoryStore) ListArtifacts(ctx context.Context, filter ListArtifactsFilter) (out []models.ModelArtifact, err error) {
	err = m.view(ctx, func(s *memState) error { out, err = s.ListArtifacts(ctx, filter); return err })
	return out, err
}

func (m *MemoryStore) ListArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) (out []uuid.UUID, err error) {
	err = m.view(ctx, func(s *memState) error { out, err = s.ListArchiveCandidates(ctx, cutoff, limit); return err })
	return out, err
}

func (m *MemoryStore) ArchiveArtifact(ctx context.Context, id uuid.UUID) (out bool, err error) {
	err = m.view(ctx, func(s *memState) error { out, err = s.ArchiveArtifact(ctx, id); return err })
	return out, err
}

func (m *MemoryStore) GetOpenBaseline(ctx context.Context, typ models.ModelType, scope models.Scope) (out models.ModelBaseline, err error) {
	err = m.view(ctx, func(s *memState) error { out, err = s.GetOpenBaseline(ctx, typ, scope); return err })
	return out, err
}

func (m *MemoryStore) LockOpenBaseline(ctx context.Context, typ models.ModelType, scope models.Scope) (models.ModelBaseline, error) {
	return m.GetOpenBaseline(ctx, typ, scope)
}

func (m *MemoryStore) CloseBaseline(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.view(ctx, func(s *memState) error { return s.CloseBaseline(ctx, id, at) })
}

func (m *MemoryStore) InsertBaseline(ctx context.Context, in BaselineInput) (out models.ModelBaseline, err error) {
	err = m.view(ctx, func(s *memState) error { out, err = s.InsertBaseline(ctx, in); return err })
	return out, err
}

func (m *MemoryStore) GetBaseline(ctx context.Context, id uuid.UUID) (out models.ModelBaseline, err error) {
	err = m.view(ctx, func(s *memState) error { out, err = s.GetBaseline(ctx, id); return err })
	return out, err
}

func (m *MemoryStore) ListBaselines(ctx context.Context, typ models.ModelType, scope models.Scope, limit int) (out []models.BaselineWithArtifact, err error) {
	err = m.view(ctx, func(s *memState) error { out, err = s.ListBaselines(ctx, typ, scope, limit); return err })
	return out, err
}

func (m *MemoryStore) CreateProposal(ctx context.Context, p models.ChangeProposal) (out models.ChangeProposal, err error) {
	err = m.view(ctx, func(s *memState) error { out, err = s.CreateProposal(ctx, p); return err })
	return out, err
}

func (m *MemoryStore) GetProposal(ctx context.Context, id uuid.UUID) (out models.ChangeProposal, err error) {
	err = m.view(ctx, func(s *memState) error { out, err = s.GetProposal(ctx, id); return err })
	return out, err
}

func (m *MemoryStore) MarkProposalApplied(ctx context.Context, id, baselineID uuid.UUID, at time.Time) error {
	return m.view(ctx, func(s *memState) error { return s.MarkProposalApplied(ctx, id, baselineID, at) })
}

func (m *MemoryStore) AppendAudit(ctx context.Context, rec models.AuditRecord) error {
	return m.view(ctx, func(s *memState) error { return s.AppendAudit(ctx, rec) })
}

func (m *MemoryStore) ListAuditByBaseline(ctx context.Context, baselineID uuid.UUID) (out []models.AuditRecord, err error) {
	err = m.view(ctx, func(s *memState) error { out, err = s.ListAuditByBaseline(ctx, baselineID); return err })
	return out, err
}

func (m *MemoryStore) EnqueueEvent(ctx context.Context, ev models.ChangeEvent, leaseUntil time.Time) error {
	return m.view(ctx, func(s *memState) error { return s.EnqueueEvent(ctx, ev, leaseUntil) })
}

func (m *MemoryStore) ClaimPendingEvents(ctx context.Context, limit int, lease time.Duration) (out []models.ChangeEvent, err error) {
	err = m.view(ctx, func(s *memState) error { out, err = s.ClaimPendingEvents(ctx, limit, lease); return err })
	return out, err
}

func (m *MemoryStore) MarkEventDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.view(ctx, func(s *memState) error { return s.MarkEventDelivered(ctx, id, at) })
}

func (m *MemoryStore) MarkEventFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return m.view(ctx, func(s *memState) error { return s.MarkEventFailed(ctx, id, reason) })
}

// PendingEvents reports how many outbox events await delivery.
func (m *MemoryStore) PendingEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.state.events {
		if !ev.delivered {
			n++
		}
	}
	return n
}

// AuditRecords returns a copy of the audit log in append order.
func (m *MemoryStore) AuditRecords() []models.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditRecord(nil), m.state.audit...)
}

func (s *memState) CreateArtifact(ctx context.Context, in ArtifactInput) (models.ModelArtifact, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if _, exists := s.artifacts[in.ID]; exists {
		return models.ModelArtifact{}, errs.Conflict("artifact %s already exists", in.ID)
	}
	a := models.ModelArtifact{
		ID:               in.ID,
		Type:             in.Type,
		Scope:            in.Scope,
		Metrics:          copyMetrics(in.Metrics),
		Params:           copyParams(in.Params),
		ArtifactLocation: in.ArtifactLocation,
		Status:           models.ArtifactStatusActive,
		Version:          in.Version,
		CreatedBy:        in.CreatedBy,
		CreatedAt:        in.CreatedAt.UTC(),
	}
	s.artifacts[a.ID] = a
	return detachArtifact(a), nil
}

func (s *memState) GetArtifact(ctx context.Context, id uuid.UUID) (models.ModelArtifact, error) {
	a, ok := s.artifacts[id]
	if !ok {
		return models.ModelArtifact{}, errs.NotFound("artifact %s not found", id)
	}
	return detachArtifact(a), nil
}

func (s *memState) LockArtifact(ctx context.Context, id uuid.UUID) (models.ModelArtifact, error) {
	return s.GetArtifact(ctx, id)
}

func (s *memState) ListArtifacts(ctx context.Context, filter ListArtifactsFilter) ([]models.ModelArtifact, error) {
	status := filter.Status
	if status == "" {
		status = models.ArtifactStatusActive
	}
	var out []models.ModelArtifact
	for _, a := range s.artifacts {
		if a.Status != status {
			continue
		}
		if filter.Type != nil && a.Type != *filter.Type {
			continue
		}
		if filter.Scope != nil && !a.Scope.Equal(*filter.Scope) {
			continue
		}
		if filter.CreatedAfter != nil && !a.CreatedAt.After(*filter.CreatedAfter) {
			continue
		}
		if filter.CreatedBefore != nil && !a.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		if filter.After != nil && !afterCursor(a, *filter.After) {
			continue
		}
		out = append(out, detachArtifact(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			if filter.Ascending {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		if filter.Ascending {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func afterCursor(a models.ModelArtifact, c Cursor) bool {
	if !a.CreatedAt.Equal(c.CreatedAt) {
		return a.CreatedAt.After(c.CreatedAt)
	}
	return a.ID.String() > c.ID.String()
}

func (s *memState) openBaselineFor(artifactID uuid.UUID) bool {
	for _, b := range s.baselines {
		if b.row.ArtifactID == artifactID && b.row.Open() {
			return true
		}
	}
	return false
}

func (s *memState) ListArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	var candidates []models.ModelArtifact
	for _, a := range s.artifacts {
		if a.Status == models.ArtifactStatusActive && a.CreatedAt.Before(cutoff) && !s.openBaselineFor(a.ID) {
			candidates = append(candidates, a)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]uuid.UUID, len(candidates))
	for i, a := range candidates {
		ids[i] = a.ID
	}
	return ids, nil
}

func (s *memState) ArchiveArtifact(ctx context.Context, id uuid.UUID) (bool, error) {
	a, ok := s.artifacts[id]
	if !ok || a.Status != models.ArtifactStatusActive || s.openBaselineFor(id) {
		return false, nil
	}
	a.Status = models.ArtifactStatusArchived
	s.artifacts[id] = a
	return true, nil
}

func (s *memState) GetOpenBaseline(ctx context.Context, typ models.ModelType, scope models.Scope) (models.ModelBaseline, error) {
	for _, b := range s.baselines {
		if b.row.Type == typ && b.row.Scope.Equal(scope) && b.row.Open() {
			return detachBaseline(b.row), nil
		}
	}
	return models.ModelBaseline{}, errs.NotFound("open baseline not found")
}

func (s *memState) LockOpenBaseline(ctx context.Context, typ models.ModelType, scope models.Scope) (models.ModelBaseline, error) {
	return s.GetOpenBaseline(ctx, typ, scope)
}

func (s *memState) CloseBaseline(ctx context.Context, id uuid.UUID, at time.Time) error {
	b, ok := s.baselines[id]
	if !ok {
		return errs.NotFound("baseline %s not found", id)
	}
	if !b.row.Open() {
		return errs.Conflict("baseline %s was closed concurrently", id)
	}
	closedAt := at.UTC()
	b.row.ActiveTo = &closedAt
	s.baselines[id] = b
	return nil
}

func (s *memState) InsertBaseline(ctx context.Context, in BaselineInput) (models.ModelBaseline, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if _, err := s.GetOpenBaseline(ctx, in.Type, in.Scope); err == nil {
		return models.ModelBaseline{}, errs.Conflict("scope already has an open baseline")
	}
	if _, ok := s.artifacts[in.ArtifactID]; !ok {
		return models.ModelBaseline{}, errs.NotFound("artifact %s not found", in.ArtifactID)
	}
	s.seq++
	row := models.ModelBaseline{
		ID:         in.ID,
		Type:       in.Type,
		Scope:      in.Scope,
		ActiveFrom: in.ActiveFrom.UTC(),
		ArtifactID: in.ArtifactID,
		ApproverID: in.ApproverID,
		ApprovedAt: in.ApprovedAt,
		Notes:      in.Notes,
		Snapshot:   detachSnapshot(in.Snapshot),
	}
	s.baselines[row.ID] = memBaseline{seq: s.seq, row: row}
	return detachBaseline(row), nil
}

func (s *memState) GetBaseline(ctx context.Context, id uuid.UUID) (models.ModelBaseline, error) {
	b, ok := s.baselines[id]
	if !ok {
		return models.ModelBaseline{}, errs.NotFound("baseline %s not found", id)
	}
	return detachBaseline(b.row), nil
}

func (s *memState) ListBaselines(ctx context.Context, typ models.ModelType, scope models.Scope, limit int) ([]models.BaselineWithArtifact, error) {
	var rows []memBaseline
	for _, b := range s.baselines {
		if b.row.Type == typ && b.row.Scope.Equal(scope) {
			rows = append(rows, b)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].row.ActiveFrom.Equal(rows[j].row.ActiveFrom) {
			return rows[i].row.ActiveFrom.After(rows[j].row.ActiveFrom)
		}
		return rows[i].seq > rows[j].seq
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]models.BaselineWithArtifact, 0, len(rows))
	for _, b := range rows {
		out = append(out, models.BaselineWithArtifact{ModelBaseline: detachBaseline(b.row), Artifact: detachArtifact(s.artifacts[b.row.ArtifactID])})
	}
	return out, nil
}

func (s *memState) CreateProposal(ctx context.Context, p models.ChangeProposal) (models.ChangeProposal, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Snapshot = detachSnapshot(p.Snapshot)
	s.proposals[p.ID] = p
	out := p
	out.Snapshot = detachSnapshot(p.Snapshot)
	return out, nil
}

func (s *memState) GetProposal(ctx context.Context, id uuid.UUID) (models.ChangeProposal, error) {
	p, ok := s.proposals[id]
	if !ok {
		return models.ChangeProposal{}, errs.NotFound("proposal %s not found", id)
	}
	p.Snapshot = detachSnapshot(p.Snapshot)
	return p, nil
}

func (s *memState) MarkProposalApplied(ctx context.Context, id, baselineID uuid.UUID, at time.Time) error {
	p, ok := s.proposals[id]
	if !ok || p.Status != models.ProposalStatusPending {
		return errs.Conflict("proposal %s is not pending", id)
	}
	appliedAt := at.UTC()
	p.Status = models.ProposalStatusApplied
	p.AppliedAt = &appliedAt
	p.BaselineID = &baselineID
	s.proposals[id] = p
	return nil
}

func (s *memState) AppendAudit(ctx context.Context, rec models.AuditRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	s.audit = append(s.audit, rec)
	return nil
}

func (s *memState) ListAuditByBaseline(ctx context.Context, baselineID uuid.UUID) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	for _, rec := range s.audit {
		if rec.BaselineID == baselineID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memState) EnqueueEvent(ctx context.Context, ev models.ChangeEvent, leaseUntil time.Time) error {
	s.events[ev.ID] = memEvent{event: ev, leaseUntil: leaseUntil}
	return nil
}

func (s *memState) ClaimPendingEvents(ctx context.Context, limit int, lease time.Duration) ([]models.ChangeEvent, error) {
	now := time.Now()
	var ready []memEvent
	for _, ev := range s.events {
		if !ev.delivered && !ev.leaseUntil.After(now) {
			ready = append(ready, ev)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].event.OccurredAt.Before(ready[j].event.OccurredAt) })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]models.ChangeEvent, 0, len(ready))
	for _, ev := range ready {
		ev.attempts++
		ev.leaseUntil = now.Add(lease)
		s.events[ev.event.ID] = ev
		out = append(out, ev.event)
	}
	return out, nil
}

func (s *memState) MarkEventDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	ev, ok := s.events[id]
	if !ok {
		return errs.NotFound("change event %s not found", id)
	}
	ev.delivered = true
	ev.lastError = ""
	s.events[id] = ev
	return nil
}

func (s *memState) MarkEventFailed(ctx context.Context, id uuid.UUID, reason string) error {
	ev, ok := s.events[id]
	if !ok {
		return errs.NotFound("change event %s not found", id)
	}
	if ev.delivered {
		return nil
	}
	ev.lastError = reason
	ev.leaseUntil = time.Now()
	s.events[id] = ev
	return nil
}

func copyMetrics(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Values handed across the store boundary never share maps with the state,
// so callers cannot rewrite stored artifacts or snapshots in place.
func detachArtifact(a models.ModelArtifact) models.ModelArtifact {
	a.Metrics = copyMetrics(a.Metrics)
	a.Params = copyParams(a.Params)
	return a
}

func detachBaseline(b models.ModelBaseline) models.ModelBaseline {
	b.Snapshot = detachSnapshot(b.Snapshot)
	return b
}

func detachSnapshot(snap models.DeltaSnapshot) models.DeltaSnapshot {
	if snap.Metrics == nil {
		return snap
	}
	metrics := make(map[string]models.MetricDelta, len(snap.Metrics))
	for k, v := range snap.Metrics {
		if v.DeltaPercent != nil {
			pct := *v.DeltaPercent
			v.DeltaPercent = &pct
		}
		metrics[k] = v
	}
	snap.Metrics = metrics
	return snap
}
