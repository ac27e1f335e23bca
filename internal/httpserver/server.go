package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/artifacts"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/auth"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/errs"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/governance"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/ledger"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/store"
)

const maxBodyBytes = 1 << 20

// Authenticator resolves approver identities from requests.
type Authenticator interface {
	Approver(r *http.Request) (auth.Principal, error)
}

type Server struct {
	artifacts  *artifacts.Service
	ledger     *ledger.Ledger
	governance *governance.Service
	store      store.Store
	auth       Authenticator
	logger     *zap.Logger
	timeout    time.Duration
}

type Deps struct {
	Artifacts  *artifacts.Service
	Ledger     *ledger.Ledger
	Governance *governance.Service
	Store      store.Store
	Auth       Authenticator
	Logger     *zap.Logger
	// RequestTimeout defaults to 30s.
	RequestTimeout time.Duration
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	return &Server{
		artifacts:  d.Artifacts,
		ledger:     d.Ledger,
		governance: d.Governance,
		store:      d.Store,
		auth:       d.Auth,
		logger:     d.Logger,
		timeout:    d.RequestTimeout,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/artifacts", s.handleRegisterArtifact)
		r.Get("/artifacts", s.handleListArtifacts)
		r.Get("/artifacts/{id}", s.handleGetArtifact)

		r.Get("/baselines/active", s.handleActiveBaseline)
		r.Get("/baselines/history", s.handleBaselineHistory)
		r.Get("/baselines/{id}/change-note", s.handleChangeNote)
		r.Post("/baselines/{id}/change-note/archive", s.handleArchiveChangeNote)

		r.Post("/proposals", s.handlePropose)
		r.Get("/proposals/{id}", s.handleGetProposal)

		r.Get("/trend", s.handleTrend)

		r.Group(func(r chi.Router) {
			r.Use(s.requireApprover)
			r.Post("/proposals/{id}/approve", s.handleApprove)
			r.Post("/baselines/apply", s.handleApply)
			r.Post("/baselines/{id}/rollback", s.handleRollback)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]any{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// requireApprover admits only callers holding the approver scope and stores
// the verified principal in the request context.
func (s *Server) requireApprover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.Approver(r)
		if err != nil {
			s.respondAuthError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// optionalApprover returns the approver when the request carries credentials.
// Credentials that are present but invalid are an error.
func (s *Server) optionalApprover(r *http.Request) (*string, error) {
	if r.Header.Get("Authorization") == "" && r.Header.Get(auth.DebugTokenHeader) == "" {
		return nil, nil
	}
	p, err := s.auth.Approver(r)
	if err != nil {
		return nil, err
	}
	return &p.Subject, nil
}

func (s *Server) respondAuthError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Info("approver rejected",
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	if errors.Is(err, auth.ErrForbidden) {
		respondJSON(w, http.StatusForbidden, errorBody{Error: "approver scope required", Kind: "forbidden"})
		return
	}
	respondJSON(w, http.StatusUnauthorized, errorBody{Error: "approver authentication required", Kind: "unauthenticated"})
}

func approverFrom(ctx context.Context) string {
	p, _ := auth.FromContext(ctx)
	return p.Subject
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Validation("invalid request body: %v", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError maps registry error kinds onto HTTP statuses. Unclassified
// failures are logged and reported without detail.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondJSON(w, status, errorBody{Error: "internal error", Kind: "internal"})
		return
	}
	respondJSON(w, status, errorBody{Error: err.Error(), Kind: string(kind)})
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errs.Validation("invalid %s", name)
	}
	return id, nil
}

func queryType(q url.Values) (models.ModelType, error) {
	typ := models.ModelType(q.Get("type"))
	if typ == "" {
		return "", errs.Validation("type required")
	}
	if !typ.Valid() {
		return "", errs.Validation("unknown model type %q", typ)
	}
	return typ, nil
}

func queryScope(q url.Values) models.Scope {
	return models.NewScope(q.Get("entityId"), q.Get("region"))
}

func queryInt(q url.Values, name string, fallback int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Validation("%s must be an integer", name)
	}
	return n, nil
}

func queryTime(q url.Values, name string) (*time.Time, error) {
	raw := q.Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errs.Validation("%s must be RFC 3339", name)
	}
	return &t, nil
}

func parseOptionalUUID(raw *string, name string) (*uuid.UUID, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*raw)
	if err != nil {
		return nil, errs.Validation("invalid %s", name)
	}
	return &id, nil
}
