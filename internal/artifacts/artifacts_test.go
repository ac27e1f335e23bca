package artifacts

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/errs"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/store"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func newService(t *testing.T, clock *fixedClock) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, zap.NewNop(), time.Second, WithClock(clock.now)), st
}

func validRequest() RegisterRequest {
	return RegisterRequest{
		Type:             models.ModelTypeForecast,
		Scope:            models.NewScope("E1", ""),
		Metrics:          map[string]float64{"mape": 0.12},
		Params:           map[string]any{"horizon": 12, "method": "ets"},
		ArtifactLocation: "s3://artifacts/forecast/1",
		CreatedBy:        "forecast-job",
	}
}

func TestRegisterDerivesVersionFromCreationTime(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 2, 3, 4, 5, 59, 0, time.UTC)}
	svc, _ := newService(t, clock)

	a, err := svc.Register(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "v20260203.0405", a.Version)
	assert.Equal(t, models.ArtifactStatusActive, a.Status)
	assert.Equal(t, clock.t, a.CreatedAt)

	clock.t = clock.t.Add(time.Hour)
	b, err := svc.Register(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Less(t, a.Version, b.Version, "versions sort chronologically")
}

func TestRegisterKeepsExplicitVersion(t *testing.T) {
	svc, _ := newService(t, &fixedClock{t: time.Now()})
	req := validRequest()
	req.Version = "v-custom"
	a, err := svc.Register(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "v-custom", a.Version)
}

func TestRegisterValidation(t *testing.T) {
	cases := map[string]func(r *RegisterRequest){
		"missing type":     func(r *RegisterRequest) { r.Type = "" },
		"unknown type":     func(r *RegisterRequest) { r.Type = "pricing" },
		"nil metrics":      func(r *RegisterRequest) { r.Metrics = nil },
		"nan metric":       func(r *RegisterRequest) { r.Metrics = map[string]float64{"mape": math.NaN()} },
		"empty metric key": func(r *RegisterRequest) { r.Metrics = map[string]float64{"": 1} },
		"nested param":     func(r *RegisterRequest) { r.Params = map[string]any{"grid": map[string]any{"a": 1}} },
		"list param":       func(r *RegisterRequest) { r.Params = map[string]any{"lags": []any{1, 2}} },
		"missing location": func(r *RegisterRequest) { r.ArtifactLocation = " " },
		"missing creator":  func(r *RegisterRequest) { r.CreatedBy = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			svc, _ := newService(t, &fixedClock{t: time.Now()})
			req := validRequest()
			mutate(&req)
			_, err := svc.Register(context.Background(), req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrValidation), "got %v", err)
		})
	}
}

func TestGetUnknownIsNotFound(t *testing.T) {
	svc, _ := newService(t, &fixedClock{t: time.Now()})
	a, err := svc.Register(context.Background(), validRequest())
	require.NoError(t, err)

	got, err := svc.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	_, err = svc.Get(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestListNewestFirstAndCapped(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc, _ := newService(t, clock)
	for i := 0; i < 55; i++ {
		clock.t = clock.t.Add(time.Minute)
		_, err := svc.Register(context.Background(), validRequest())
		require.NoError(t, err)
	}
	other := validRequest()
	other.Type = models.ModelTypeOptimization
	other.Metrics = map[string]float64{"serviceLevel": 0.97}
	_, err := svc.Register(context.Background(), other)
	require.NoError(t, err)

	typ := models.ModelTypeForecast
	out, err := svc.List(context.Background(), Filter{Type: &typ, Limit: 1000})
	require.NoError(t, err)
	require.Len(t, out, store.MaxArtifactPage)
	for i := 1; i < len(out); i++ {
		assert.False(t, out[i].CreatedAt.After(out[i-1].CreatedAt))
	}

	bad := models.ModelType("pricing")
	_, err = svc.List(context.Background(), Filter{Type: &bad})
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestArchiveSkipsArtifactsBackingOpenBaselines(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc, st := newService(t, clock)
	ctx := context.Background()

	bound, err := svc.Register(ctx, validRequest())
	require.NoError(t, err)
	stale, err := svc.Register(ctx, validRequest())
	require.NoError(t, err)
	_, err = st.InsertBaseline(ctx, store.BaselineInput{Type: bound.Type, Scope: bound.Scope, ArtifactID: bound.ID, ActiveFrom: clock.t})
	require.NoError(t, err)

	clock.t = clock.t.AddDate(0, 0, 120)
	fresh, err := svc.Register(ctx, validRequest())
	require.NoError(t, err)

	n, err := svc.Archive(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := svc.Get(ctx, stale.ID)
	assert.Equal(t, models.ArtifactStatusArchived, got.Status)
	got, _ = svc.Get(ctx, bound.ID)
	assert.Equal(t, models.ArtifactStatusActive, got.Status)
	got, _ = svc.Get(ctx, fresh.ID)
	assert.Equal(t, models.ArtifactStatusActive, got.Status)

	n, err = svc.Archive(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "archiving twice is idempotent")
}

func TestArchiveRejectsNonPositiveAge(t *testing.T) {
	svc, _ := newService(t, &fixedClock{t: time.Now()})
	_, err := svc.Archive(context.Background(), 0)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestArchivePagesThroughLargeBacklog(t *testing.T) {
	clock := &fixedClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc, _ := newService(t, clock)
	total := archiveBatch + 15
	for i := 0; i < total; i++ {
		_, err := svc.Register(context.Background(), validRequest())
		require.NoError(t, err)
	}
	clock.t = clock.t.AddDate(1, 0, 0)

	n, err := svc.Archive(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, total, n)
}

type flakyArchiveStore struct {
	store.Store
	fail map[uuid.UUID]bool
}

func (s *flakyArchiveStore) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	return s.Store.InTx(ctx, func(q store.Queries) error {
		return fn(flakyArchiveQueries{Queries: q, fail: s.fail})
	})
}

type flakyArchiveQueries struct {
	store.Queries
	fail map[uuid.UUID]bool
}

func (q flakyArchiveQueries) ArchiveArtifact(ctx context.Context, id uuid.UUID) (bool, error) {
	if q.fail[id] {
		return false, errors.New("disk full")
	}
	return q.Queries.ArchiveArtifact(ctx, id)
}

func TestArchiveContinuesPastFailedArtifact(t *testing.T) {
	clock := &fixedClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore()
	flaky := &flakyArchiveStore{Store: mem, fail: map[uuid.UUID]bool{}}
	svc := New(flaky, zap.NewNop(), time.Second, WithClock(clock.now))
	ctx := context.Background()

	total := archiveBatch + 50
	var broken uuid.UUID
	for i := 0; i < total; i++ {
		clock.t = clock.t.Add(time.Second)
		a, err := svc.Register(ctx, validRequest())
		require.NoError(t, err)
		if i == 0 {
			broken = a.ID
		}
	}
	flaky.fail[broken] = true
	clock.t = clock.t.AddDate(1, 0, 0)

	n, err := svc.Archive(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, total-1, n)

	got, err := svc.Get(ctx, broken)
	require.NoError(t, err)
	assert.Equal(t, models.ArtifactStatusActive, got.Status)

	delete(flaky.fail, broken)
	n, err = svc.Archive(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the failed artifact is picked up by the next pass")
}
