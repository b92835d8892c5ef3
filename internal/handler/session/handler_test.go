package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-concierge/backend/internal/config"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/chat"
	sessionService "github.com/zhouzirui/voice-concierge/backend/internal/service/session"
	"github.com/zhouzirui/voice-concierge/backend/internal/storage/sqlite"
)

func setupRouter(t *testing.T) (*chi.Mux, *sessionService.Registry) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := sessionService.NewRegistry(store, nil, config.SessionConfig{
		IdleTimeout:   time.Minute,
		SweepInterval: time.Minute,
		QueueSize:     4,
	})
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })

	r := chi.NewRouter()
	New(registry).RegisterRoutes(r)
	return r, registry
}

func TestSetPageCreatesSession(t *testing.T) {
	r, registry := setupRouter(t)

	req := httptest.NewRequest(http.MethodPut, "/sessions/visitor-1/page", bytes.NewBufferString(`{"page":"pricing.html"}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	s, ok := registry.Get("visitor-1")
	if !ok {
		t.Fatalf("expected session to exist")
	}
	if s.Page() != "pricing.html" {
		t.Fatalf("expected page pricing.html, got %q", s.Page())
	}

	req = httptest.NewRequest(http.MethodGet, "/sessions", nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	var snapshots []chat.Session
	if err := json.Unmarshal(resp.Body.Bytes(), &snapshots); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].CurrentPage != "pricing.html" {
		t.Fatalf("unexpected snapshots: %+v", snapshots)
	}
}

func TestSetPageInvalidBody(t *testing.T) {
	r, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodPut, "/sessions/a/page", bytes.NewBufferString(`{`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	r, registry := setupRouter(t)
	if _, err := registry.GetOrCreate(context.Background(), "a"); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/sessions/a", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if resp.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", resp.Code)
		}
	}
	if registry.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", registry.Len())
	}
}

func TestGetSession(t *testing.T) {
	r, registry := setupRouter(t)
	s, err := registry.GetOrCreate(context.Background(), "visitor-2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.SetPage("about.html")

	req := httptest.NewRequest(http.MethodGet, "/sessions/visitor-2", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var snapshot chat.Session
	if err := json.Unmarshal(resp.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot.ID != "visitor-2" || snapshot.CurrentPage != "about.html" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	req = httptest.NewRequest(http.MethodGet, "/sessions/missing", nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
