package access

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

func (f *fakePoints) ListPoints(ctx context.Context, tenantID int64) ([]AccessPoint, error) {
	var out []AccessPoint
	for _, p := range f.points {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePoints) CreatePoint(ctx context.Context, p AccessPoint) (AccessPoint, error) {
	f.points[p.Code] = p
	return p, nil
}

type passGuard struct{}

func (passGuard) RequireAny(codes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

func (passGuard) RequireAll(codes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

func newHandlerFixture(t *testing.T) (*chi.Mux, *fakePoints, *StateStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	points := &fakePoints{points: map[string]AccessPoint{}}
	state := NewStateStore(client)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(logger, nil, points, state, passGuard{})

	router := chi.NewRouter()
	h.MountRoutes(router)
	return router, points, state
}

func TestPointClosedReleasesInterlock(t *testing.T) {
	router, points, state := newHandlerFixture(t)
	points.points["mantrap-outer"] = AccessPoint{
		Code: "mantrap-outer", TenantID: 10, InterlockGroup: "mantrap",
	}
	points.points["mantrap-inner"] = AccessPoint{
		Code: "mantrap-inner", TenantID: 10, InterlockGroup: "mantrap",
	}

	ctx := context.Background()
	ok, _, err := state.AcquireInterlock(ctx, 10, "mantrap", "mantrap-outer", time.Minute)
	if err != nil || !ok {
		t.Fatalf("seed acquire failed: ok=%v err=%v", ok, err)
	}
	if ok, _, _ := state.AcquireInterlock(ctx, 10, "mantrap", "mantrap-inner", time.Minute); ok {
		t.Fatal("inner door must be blocked while outer holds the group")
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/points/mantrap-outer/closed", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	ok, holder, err := state.AcquireInterlock(ctx, 10, "mantrap", "mantrap-inner", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected the closed report to free the group, still held by %q", holder)
	}
}

func TestPointClosedByNonHolderKeepsGroupHeld(t *testing.T) {
	router, points, state := newHandlerFixture(t)
	points.points["mantrap-outer"] = AccessPoint{
		Code: "mantrap-outer", TenantID: 10, InterlockGroup: "mantrap",
	}
	points.points["mantrap-inner"] = AccessPoint{
		Code: "mantrap-inner", TenantID: 10, InterlockGroup: "mantrap",
	}

	ctx := context.Background()
	if ok, _, err := state.AcquireInterlock(ctx, 10, "mantrap", "mantrap-outer", time.Minute); err != nil || !ok {
		t.Fatalf("seed acquire failed: ok=%v err=%v", ok, err)
	}

	// A stale closed report from a door that is not holding the group
	// must not release it.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/points/mantrap-inner/closed", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	if ok, holder, _ := state.AcquireInterlock(ctx, 10, "mantrap", "mantrap-inner", time.Minute); ok || holder != "mantrap-outer" {
		t.Fatalf("expected the group to stay held by mantrap-outer, got ok=%v holder=%q", ok, holder)
	}
}

func TestPointClosedUnknownPoint(t *testing.T) {
	router, _, _ := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/points/no-such-door/closed", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}
