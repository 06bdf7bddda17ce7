package adminapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	adminmw "github.com/flowpbx/pbxcore/internal/adminapi/middleware"
	"github.com/flowpbx/pbxcore/internal/recorder"
	"github.com/flowpbx/pbxcore/internal/registry"
	"github.com/flowpbx/pbxcore/internal/tu"
	"golang.org/x/time/rate"
)

type fakeRegistry struct {
	entries      []registry.Entry
	count        int
	shuttingDown bool
}

func (f *fakeRegistry) Snapshot() []registry.Entry { return f.entries }
func (f *fakeRegistry) Count() int                 { return f.count }
func (f *fakeRegistry) ShuttingDown() bool         { return f.shuttingDown }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(1000),
		Burst:           1000,
		CleanupInterval: time.Minute,
		MaxAge:          time.Minute,
	}
}

func openTestStore(t *testing.T) *recorder.Store {
	t.Helper()
	store, err := recorder.Open(filepath.Join(t.TempDir(), "cdr.db"))
	if err != nil {
		t.Fatalf("recorder.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestServer(t *testing.T, reg Registry, secret []byte, onShutdown func()) *Server {
	t.Helper()
	if onShutdown == nil {
		onShutdown = func() {}
	}
	return NewServer(Config{
		Registry:        reg,
		CDRs:            openTestStore(t),
		AdminSecret:     secret,
		Logger:          discardLogger(),
		RateLimit:       testRateLimitConfig(),
		TriggerShutdown: onShutdown,
	})
}

func decodeEnvelope(t *testing.T, body io.Reader) envelope {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	return env
}

func TestHandleHealthUnauthenticated(t *testing.T) {
	reg := &fakeRegistry{count: 2}
	srv := newTestServer(t, reg, []byte("secret"), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleRegistryRequiresAuth(t *testing.T) {
	srv := newTestServer(t, &fakeRegistry{}, []byte("secret"), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/registry", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleRegistryReturnsSnapshot(t *testing.T) {
	secret := []byte("test-secret-key-0123456789abcdef")
	reg := &fakeRegistry{entries: []registry.Entry{
		{Extension: 0, State: tu.OnHook},
		{Extension: 1, State: tu.Connected},
	}}
	srv := newTestServer(t, reg, secret, nil)

	token, _, err := adminmw.GenerateAdminToken(secret, "operator")
	if err != nil {
		t.Fatalf("GenerateAdminToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/registry", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body)
	entries, ok := env.Data.([]any)
	if !ok || len(entries) != 2 {
		t.Fatalf("data = %#v, want 2 entries", env.Data)
	}
}

func TestHandleCallsFiltersToPairedStates(t *testing.T) {
	secret := []byte("test-secret-key-0123456789abcdef")
	reg := &fakeRegistry{entries: []registry.Entry{
		{Extension: 0, State: tu.OnHook},
		{Extension: 1, State: tu.Ringing},
		{Extension: 2, State: tu.Connected},
	}}
	srv := newTestServer(t, reg, secret, nil)

	token, _, _ := adminmw.GenerateAdminToken(secret, "operator")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec.Body)
	entries, ok := env.Data.([]any)
	if !ok || len(entries) != 2 {
		t.Fatalf("data = %#v, want 2 paired entries", env.Data)
	}
}

func TestHandleCDRsReturnsInsertedRows(t *testing.T) {
	secret := []byte("test-secret-key-0123456789abcdef")
	srv := newTestServer(t, &fakeRegistry{}, secret, nil)

	ctx := context.Background()
	if err := srv.cdrs.Insert(ctx, recorder.CDR{
		CallerExt: 0, CalleeExt: 1,
		StartedAt: time.Now(), EndedAt: time.Now(), Disposition: "answered",
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	token, _, _ := adminmw.GenerateAdminToken(secret, "operator")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cdrs?limit=10&offset=0", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body)
	rows, ok := env.Data.([]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("data = %#v, want 1 row", env.Data)
	}
}

func TestHandleCDRsRejectsBadPagination(t *testing.T) {
	secret := []byte("test-secret-key-0123456789abcdef")
	srv := newTestServer(t, &fakeRegistry{}, secret, nil)

	token, _, _ := adminmw.GenerateAdminToken(secret, "operator")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cdrs?limit=-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleShutdownTriggersCallback(t *testing.T) {
	secret := []byte("test-secret-key-0123456789abcdef")
	called := make(chan struct{}, 1)
	srv := newTestServer(t, &fakeRegistry{}, secret, func() { called <- struct{}{} })

	token, _, _ := adminmw.GenerateAdminToken(secret, "operator")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/shutdown", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	select {
	case <-called:
	default:
		t.Fatal("expected shutdown trigger to be called")
	}
}

func TestMetricsEndpointNotAuthGuarded(t *testing.T) {
	srv := newTestServer(t, &fakeRegistry{}, []byte("secret"), nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
