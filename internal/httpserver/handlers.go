package httpserver

import (
	"net/http"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/artifacts"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/errs"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/governance"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
)

type registerArtifactRequest struct {
	Type             models.ModelType   `json:"type"`
	Scope            models.Scope       `json:"scope"`
	Metrics          map[string]float64 `json:"metrics"`
	Params           map[string]any     `json:"params"`
	ArtifactLocation string             `json:"artifactLocation"`
	CreatedBy        string             `json:"createdBy"`
	Version          string             `json:"version"`
}

func (s *Server) handleRegisterArtifact(w http.ResponseWriter, r *http.Request) {
	var req registerArtifactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	a, err := s.artifacts.Register(r.Context(), artifacts.RegisterRequest{
		Type:             req.Type,
		Scope:            req.Scope,
		Metrics:          req.Metrics,
		Params:           req.Params,
		ArtifactLocation: req.ArtifactLocation,
		CreatedBy:        req.CreatedBy,
		Version:          req.Version,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f artifacts.Filter
	if raw := q.Get("type"); raw != "" {
		typ := models.ModelType(raw)
		f.Type = &typ
	}
	// a scope filter applies only when asked for; global is entityId= with region=
	if q.Has("entityId") || q.Has("region") {
		scope := queryScope(q)
		f.Scope = &scope
	}
	f.Status = models.ArtifactStatus(q.Get("status"))
	var err error
	if f.CreatedAfter, err = queryTime(q, "createdAfter"); err != nil {
		s.respondError(w, r, err)
		return
	}
	if f.CreatedBefore, err = queryTime(q, "createdBefore"); err != nil {
		s.respondError(w, r, err)
		return
	}
	if f.Limit, err = queryInt(q, "limit", 0); err != nil {
		s.respondError(w, r, err)
		return
	}
	out, err := s.artifacts.List(r.Context(), f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if out == nil {
		out = []models.ModelArtifact{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	a, err := s.artifacts.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleActiveBaseline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ, err := queryType(q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	b, err := s.ledger.GetActive(r.Context(), typ, queryScope(q))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"baseline": b})
}

func (s *Server) handleBaselineHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ, err := queryType(q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limit, err := queryInt(q, "limit", 0)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	rows, err := s.ledger.History(r.Context(), typ, queryScope(q), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if rows == nil {
		rows = []models.BaselineWithArtifact{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"history": rows})
}

func (s *Server) handleChangeNote(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	note, err := s.governance.ExportChangeNote(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, note)
}

func (s *Server) handleArchiveChangeNote(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	key, err := s.governance.ArchiveChangeNote(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"key": key})
}

type proposeRequest struct {
	Type        models.ModelType `json:"type"`
	ArtifactID  string           `json:"artifactId"`
	RequestedBy string           `json:"requestedBy"`
	Notes       string           `json:"notes"`
}

// handlePropose applies at once when the caller also authenticates as an
// approver; otherwise the proposal waits for approval.
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	artifactID, err := parseOptionalUUID(&req.ArtifactID, "artifactId")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if artifactID == nil {
		s.respondError(w, r, errs.Validation("artifactId required"))
		return
	}
	approver, err := s.optionalApprover(r)
	if err != nil {
		s.respondAuthError(w, r, err)
		return
	}
	p, err := s.governance.Propose(r.Context(), governance.ProposeRequest{
		Type:        req.Type,
		ArtifactID:  *artifactID,
		RequestedBy: req.RequestedBy,
		ApproverID:  approver,
		Notes:       req.Notes,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if p.Status == models.ProposalStatusPending {
		status = http.StatusAccepted
	}
	respondJSON(w, status, p)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	p, err := s.governance.GetProposal(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type approveRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req approveRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	b, err := s.governance.Approve(r.Context(), id, approverFrom(r.Context()), req.Notes)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

type applyRequest struct {
	Type       models.ModelType      `json:"type"`
	ArtifactID string                `json:"artifactId"`
	Notes      string                `json:"notes"`
	Snapshot   *models.DeltaSnapshot `json:"snapshot"`
	ProposalID *string               `json:"proposalId"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	artifactID, err := parseOptionalUUID(&req.ArtifactID, "artifactId")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	proposalID, err := parseOptionalUUID(req.ProposalID, "proposalId")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	approver := approverFrom(r.Context())
	in := governance.ApplyRequest{
		Type:       req.Type,
		ApproverID: &approver,
		Notes:      req.Notes,
		Snapshot:   req.Snapshot,
		ProposalID: proposalID,
	}
	if artifactID != nil {
		in.ArtifactID = *artifactID
	}
	b, err := s.governance.Apply(r.Context(), in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req rollbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	b, err := s.governance.Rollback(r.Context(), id, approverFrom(r.Context()), req.Reason)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ, err := queryType(q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	window, err := queryInt(q, "windowDays", 90)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	points := []models.TrendPoint{}
	for p, err := range s.governance.PerformanceTrend(r.Context(), typ, queryScope(q), window) {
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		points = append(points, p)
	}
	respondJSON(w, http.StatusOK, map[string]any{"points": points})
}
