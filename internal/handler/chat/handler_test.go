package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-concierge/backend/internal/config"
	"github.com/zhouzirui/voice-concierge/backend/internal/service/session"
	"github.com/zhouzirui/voice-concierge/backend/internal/storage/sqlite"
)

type stubAssistant struct {
	err error
}

func (a stubAssistant) Reply(_ context.Context, _ string, _ []*schema.Message, userMessage string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "You asked: " + userMessage, nil
}

func setupRouter(t *testing.T, assistant session.Assistant) (*chi.Mux, *session.Registry, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := session.NewRegistry(store, assistant, config.SessionConfig{
		IdleTimeout:   time.Minute,
		SweepInterval: time.Minute,
		QueueSize:     8,
	})
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })

	r := chi.NewRouter()
	New(registry).RegisterRoutes(r)
	return r, registry, store
}

func postChat(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestChatRepliesAndPersists(t *testing.T) {
	r, registry, store := setupRouter(t, stubAssistant{})

	resp := postChat(r, `{"message":"What's this?","page":"home.html"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["role"] != "assistant" || body["content"] != "You asked: What's this?" {
		t.Fatalf("unexpected body: %v", body)
	}

	if _, ok := registry.Get(session.DefaultSessionID); !ok {
		t.Fatalf("expected default session to be created")
	}
	if err := registry.Close(context.Background(), session.DefaultSessionID); err != nil {
		t.Fatalf("close session: %v", err)
	}

	rows, err := store.List(context.Background(), "home.html")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].AIOutput != "You asked: What's this?" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	r, _, _ := setupRouter(t, stubAssistant{})

	if resp := postChat(r, `not json`); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", resp.Code)
	}
	if resp := postChat(r, `{"session_id":"a","message":"  "}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", resp.Code)
	}
}

func TestChatWithoutAssistant(t *testing.T) {
	r, _, _ := setupRouter(t, nil)

	resp := postChat(r, `{"session_id":"a","message":"hello"}`)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestChatModelFailure(t *testing.T) {
	r, _, _ := setupRouter(t, stubAssistant{err: errors.New("upstream timeout")})

	resp := postChat(r, `{"session_id":"a","message":"hello"}`)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}
