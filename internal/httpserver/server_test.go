package httpserver

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/artifacts"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/audit"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/auth"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/events"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/governance"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/ledger"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/signing"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/store"
)

// bearerAuth treats the bearer token as the approver id; "intruder" lacks the scope.
type bearerAuth struct{}

func (bearerAuth) Approver(r *http.Request) (auth.Principal, error) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	switch tok {
	case "":
		return auth.Principal{}, auth.ErrUnauthenticated
	case "intruder":
		return auth.Principal{}, auth.ErrForbidden
	}
	return auth.Principal{Subject: tok}, nil
}

type testServer struct {
	handler http.Handler
	st      *store.MemoryStore
}

func newTestServer(t *testing.T, requireApproval bool) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer, err := signing.NewEd25519SignerFromB64(base64.StdEncoding.EncodeToString(priv), "test")
	require.NoError(t, err)

	logger := zap.NewNop()
	arts := artifacts.New(st, logger, time.Second)
	led := ledger.New(st, logger, time.Second)
	gov := governance.New(governance.Deps{
		Store:      st,
		Artifacts:  arts,
		Ledger:     led,
		Recorder:   audit.NewRecorder(signer),
		Dispatcher: events.NewDispatcher(st, events.NewLogPublisher(logger), logger, time.Second),
		Logger:     logger,
	}, governance.Config{RequireApproval: requireApproval, Timeout: time.Second})

	srv := New(Deps{Artifacts: arts, Ledger: led, Governance: gov, Store: st, Auth: bearerAuth{}, Logger: logger})
	return &testServer{handler: srv.Router(), st: st}
}

func (ts *testServer) do(t *testing.T, method, path, approver string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if approver != "" {
		req.Header.Set("Authorization", "Bearer "+approver)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) registerArtifact(t *testing.T, entity string, mape float64) models.ModelArtifact {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/artifacts", "", map[string]any{
		"type":             "forecast",
		"scope":            map[string]any{"entityId": entity},
		"metrics":          map[string]float64{"mape": mape},
		"params":           map[string]any{"method": "ets"},
		"artifactLocation": "s3://artifacts/" + uuid.NewString(),
		"createdBy":        "forecast-job",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[models.ModelArtifact](t, rec)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["ok"])
}

func TestArtifactEndpoints(t *testing.T) {
	ts := newTestServer(t, true)
	a := ts.registerArtifact(t, "E1", 0.12)
	assert.Equal(t, models.ArtifactStatusActive, a.Status)

	rec := ts.do(t, http.MethodGet, "/v1/artifacts/"+a.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, a.ID, decode[models.ModelArtifact](t, rec).ID)

	rec = ts.do(t, http.MethodGet, "/v1/artifacts/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorBody](t, rec).Kind)

	rec = ts.do(t, http.MethodGet, "/v1/artifacts/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.registerArtifact(t, "E2", 0.2)
	rec = ts.do(t, http.MethodGet, "/v1/artifacts?type=forecast&entityId=E1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]models.ModelArtifact](t, rec)["artifacts"]
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	rec = ts.do(t, http.MethodGet, "/v1/artifacts?createdAfter=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, true)
	rec := ts.do(t, http.MethodPost, "/v1/artifacts", "", map[string]any{
		"type":             "pricing",
		"metrics":          map[string]float64{"mape": 0.1},
		"artifactLocation": "s3://x",
		"createdBy":        "job",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[errorBody](t, rec).Kind)

	rec = ts.do(t, http.MethodPost, "/v1/artifacts", "", map[string]any{"unexpected": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGovernedChangeFlow(t *testing.T) {
	ts := newTestServer(t, true)
	a1 := ts.registerArtifact(t, "E1", 0.12)

	rec := ts.do(t, http.MethodPost, "/v1/proposals", "", map[string]any{
		"type": "forecast", "artifactId": a1.ID.String(), "requestedBy": "planner",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	pending := decode[models.ChangeProposal](t, rec)
	assert.Equal(t, models.ProposalStatusPending, pending.Status)

	approvePath := "/v1/proposals/" + pending.ID.String() + "/approve"
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodPost, approvePath, "", nil).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, approvePath, "intruder", nil).Code)

	rec = ts.do(t, http.MethodPost, approvePath, "alice", map[string]string{"notes": "reviewed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b1 := decode[models.ModelBaseline](t, rec)
	require.NotNil(t, b1.ApproverID)
	assert.Equal(t, "alice", *b1.ApproverID)

	rec = ts.do(t, http.MethodPost, approvePath, "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/baselines/active?type=forecast&entityId=E1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decode[map[string]*models.ModelBaseline](t, rec)["baseline"]
	require.NotNil(t, active)
	assert.Equal(t, a1.ID, active.ArtifactID)

	rec = ts.do(t, http.MethodGet, "/v1/baselines/active?type=forecast&entityId=E9", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[map[string]*models.ModelBaseline](t, rec)["baseline"])

	// an approver proposing applies immediately
	a2 := ts.registerArtifact(t, "E1", 0.09)
	rec = ts.do(t, http.MethodPost, "/v1/proposals", "bob", map[string]any{
		"type": "forecast", "artifactId": a2.ID.String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	applied := decode[models.ChangeProposal](t, rec)
	assert.Equal(t, models.ProposalStatusApplied, applied.Status)
	assert.Equal(t, -0.03, applied.Snapshot.Metrics["mape"].Delta)

	rec = ts.do(t, http.MethodGet, "/v1/baselines/history?type=forecast&entityId=E1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[map[string][]models.BaselineWithArtifact](t, rec)["history"]
	require.Len(t, history, 2)
	assert.Equal(t, a2.ID, history[0].Artifact.ID)

	rec = ts.do(t, http.MethodPost, "/v1/baselines/"+b1.ID.String()+"/rollback", "carol", map[string]string{"reason": "regression"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rb := decode[models.ModelBaseline](t, rec)
	assert.Equal(t, a1.ID, rb.ArtifactID)
	assert.Equal(t, "Rollback: regression", rb.Notes)

	rec = ts.do(t, http.MethodGet, "/v1/baselines/"+rb.ID.String()+"/change-note", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	note := decode[models.ChangeNote](t, rec)
	assert.True(t, note.Snapshot.Rollback)
	require.Len(t, note.Audit, 1)
	assert.Equal(t, "carol", note.Audit[0].Actor)

	rec = ts.do(t, http.MethodPost, "/v1/baselines/"+rb.ID.String()+"/change-note/archive", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no archiver configured")

	assert.Equal(t, 0, ts.st.PendingEvents(), "log publisher delivers every change")
}

func TestApplyEndpoint(t *testing.T) {
	ts := newTestServer(t, true)
	a1 := ts.registerArtifact(t, "E1", 0.12)
	a2 := ts.registerArtifact(t, "E1", 0.10)

	stale := models.DeltaSnapshot{ProposedArtifactID: a2.ID}

	rec := ts.do(t, http.MethodPost, "/v1/baselines/apply", "", map[string]any{"type": "forecast", "artifactId": a1.ID.String()})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/baselines/apply", "alice", map[string]any{"type": "forecast", "artifactId": a1.ID.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/v1/baselines/apply", "alice", map[string]any{
		"type": "forecast", "artifactId": a2.ID.String(), "snapshot": stale,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[errorBody](t, rec).Kind)

	rec = ts.do(t, http.MethodPost, "/v1/baselines/apply", "alice", map[string]any{"type": "forecast", "artifactId": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrendEndpoint(t *testing.T) {
	ts := newTestServer(t, false)
	ts.registerArtifact(t, "E1", 0.12)
	ts.registerArtifact(t, "E1", 0.10)

	rec := ts.do(t, http.MethodGet, "/v1/trend?type=forecast&entityId=E1&windowDays=7", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	points := decode[map[string][]models.TrendPoint](t, rec)["points"]
	require.Len(t, points, 2)
	assert.Equal(t, 0.12, points[0].Metrics["mape"])

	rec = ts.do(t, http.MethodGet, "/v1/trend?type=forecast&windowDays=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/trend?windowDays=7", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
