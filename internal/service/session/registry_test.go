package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/voice-concierge/backend/internal/config"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/interaction"
	"github.com/zhouzirui/voice-concierge/backend/internal/storage/sqlite"
)

type fakeAssistant struct {
	mu        sync.Mutex
	histories [][]*schema.Message
	err       error
}

func (f *fakeAssistant) Reply(_ context.Context, _ string, history []*schema.Message, userMessage string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories = append(f.histories, history)
	if f.err != nil {
		return "", f.err
	}
	return "echo: " + userMessage, nil
}

type recordingDirectory struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
	refreshed    []string
	remote       map[string]chat.Session
}

func (d *recordingDirectory) Register(_ context.Context, snapshot chat.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered = append(d.registered, snapshot.ID)
	return nil
}

func (d *recordingDirectory) Refresh(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshed = append(d.refreshed, id)
	return nil
}

func (d *recordingDirectory) Unregister(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unregistered = append(d.unregistered, id)
	return nil
}

func (d *recordingDirectory) Lookup(_ context.Context, id string) (*chat.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	snapshot, ok := d.remote[id]
	if !ok {
		return nil, nil
	}
	return &snapshot, nil
}

type lookupCapability struct{}

func (lookupCapability) Name() string { return "lookup" }

func (lookupCapability) Invoke(context.Context, json.RawMessage) (any, error) {
	return "ok", nil
}

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		IdleTimeout:   time.Minute,
		SweepInterval: time.Second,
		QueueSize:     8,
	}
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGetOrCreateReturnsSameInstance(t *testing.T) {
	registry := NewRegistry(openStore(t), nil, testConfig())
	ctx := context.Background()

	first, err := registry.GetOrCreate(ctx, "room-1")
	require.NoError(t, err)
	second, err := registry.GetOrCreate(ctx, "room-1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, "", first.Page())
	assert.Equal(t, chat.SessionActive, first.State())

	_, err = registry.GetOrCreate(ctx, "  ")
	assert.ErrorIs(t, err, ErrSessionIDEmpty)
}

func TestGetOrCreateRaceYieldsOneSession(t *testing.T) {
	registry := NewRegistry(openStore(t), nil, testConfig())
	ctx := context.Background()

	const callers = 32
	results := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := registry.GetOrCreate(ctx, "shared")
			if err == nil {
				results[i] = s
			}
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
	assert.Equal(t, 1, registry.Len())
}

func TestSubmitPersistsPairedInteraction(t *testing.T) {
	store := openStore(t)
	assistant := &fakeAssistant{}
	registry := NewRegistry(store, assistant, testConfig())
	ctx := context.Background()

	s, err := registry.GetOrCreate(ctx, DefaultSessionID)
	require.NoError(t, err)
	s.SetPage("home.html")

	reply, err := s.Submit(ctx, "What's this?")
	require.NoError(t, err)
	assert.Equal(t, "echo: What's this?", reply)

	reply, err = s.Submit(ctx, "And this?")
	require.NoError(t, err)
	assert.Equal(t, "echo: And this?", reply)

	require.NoError(t, registry.Close(ctx, DefaultSessionID))

	rows, err := store.List(ctx, "home.html")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "What's this?", rows[0].UserInput)
	assert.Equal(t, "echo: What's this?", rows[0].AIOutput)
	assert.Equal(t, "And this?", rows[1].UserInput)

	require.Len(t, assistant.histories, 2)
	assert.Empty(t, assistant.histories[0])
	require.Len(t, assistant.histories[1], 2)
	assert.Equal(t, schema.User, assistant.histories[1][0].Role)
	assert.Equal(t, schema.Assistant, assistant.histories[1][1].Role)
}

func TestSubmitWithoutAssistant(t *testing.T) {
	registry := NewRegistry(openStore(t), nil, testConfig())
	s, err := registry.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrAssistantUnavailable)
	assert.False(t, s.HasAssistant())

	_, err = s.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSubmitAssistantFailureLeavesPendingRecord(t *testing.T) {
	store := openStore(t)
	registry := NewRegistry(store, &fakeAssistant{err: errors.New("model timeout")}, testConfig())
	ctx := context.Background()

	s, err := registry.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	_, err = s.Submit(ctx, "hello")
	require.Error(t, err)

	require.NoError(t, registry.Close(ctx, "a"))
	rows, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Pending())
}

type blankAssistant struct{}

func (blankAssistant) Reply(context.Context, string, []*schema.Message, string) (string, error) {
	return " ", nil
}

func TestSubmitEmptyReplyLeavesPendingRecord(t *testing.T) {
	store := openStore(t)
	registry := NewRegistry(store, blankAssistant{}, testConfig())
	ctx := context.Background()

	s, err := registry.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	var completed int
	s.Subscribe(func(interaction.Interaction) { completed++ })

	_, err = s.Submit(ctx, "hello")
	assert.ErrorIs(t, err, ErrEmptyReply)

	require.NoError(t, registry.Close(ctx, "a"))
	rows, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Pending())
	assert.Zero(t, completed)
}

func TestPageCapturedAtPublishTime(t *testing.T) {
	store := openStore(t)
	registry := NewRegistry(store, nil, testConfig())
	ctx := context.Background()

	s, err := registry.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	s.SetPage("home.html")
	require.NoError(t, s.Publish(ctx, chat.MessageEvent{Role: chat.RoleUser, Content: "q"}))
	s.SetPage("pricing.html")
	require.NoError(t, s.Publish(ctx, chat.MessageEvent{Role: chat.RoleAssistant, Content: "a"}))
	require.NoError(t, registry.Close(ctx, "a"))

	rows, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "home.html", rows[0].Page)
	assert.Equal(t, "a", rows[0].AIOutput)
}

func TestLookupFallsBackToDirectory(t *testing.T) {
	directory := &recordingDirectory{remote: map[string]chat.Session{
		"elsewhere": {ID: "elsewhere", CurrentPage: "faq.html", State: chat.SessionActive},
	}}
	registry := NewRegistry(openStore(t), nil, testConfig(), WithDirectory(directory))
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })
	ctx := context.Background()

	s, err := registry.GetOrCreate(ctx, "local")
	require.NoError(t, err)
	s.SetPage("home.html")

	local, ok, err := registry.Lookup(ctx, "local")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "home.html", local.CurrentPage)

	remote, ok, err := registry.Lookup(ctx, "elsewhere")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "faq.html", remote.CurrentPage)

	_, ok, err = registry.Lookup(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = registry.Lookup(ctx, " ")
	assert.ErrorIs(t, err, ErrSessionIDEmpty)
}

func TestCloseDrainsAndReleases(t *testing.T) {
	store := openStore(t)
	directory := &recordingDirectory{}
	registry := NewRegistry(store, nil, testConfig(), WithDirectory(directory))
	ctx := context.Background()

	require.NoError(t, registry.Close(ctx, "unknown"))

	s, err := registry.GetOrCreate(ctx, "a")
	require.NoError(t, err)

	var completed []interaction.Interaction
	var mu sync.Mutex
	s.Subscribe(func(item interaction.Interaction) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, item)
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Publish(ctx, chat.MessageEvent{Role: chat.RoleUser, Content: "q"}))
		require.NoError(t, s.Publish(ctx, chat.MessageEvent{Role: chat.RoleAssistant, Content: "a"}))
	}
	require.NoError(t, registry.Close(ctx, "a"))
	require.NoError(t, registry.Close(ctx, "a"))

	assert.Equal(t, chat.SessionClosed, s.State())
	assert.Equal(t, 0, registry.Len())
	assert.ErrorIs(t, s.Publish(ctx, chat.MessageEvent{Role: chat.RoleUser, Content: "late"}), ErrSessionClosed)

	rows, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	mu.Lock()
	assert.Len(t, completed, 5)
	mu.Unlock()

	_, ok := registry.Get("a")
	assert.False(t, ok)
	replacement, err := registry.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	assert.NotSame(t, s, replacement)

	assert.Equal(t, []string{"a", "a"}, directory.registered)
	assert.Equal(t, []string{"a"}, directory.unregistered)
}

func TestSweepClosesIdleSessions(t *testing.T) {
	current := time.Date(2026, time.May, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(d)
	}

	registry := NewRegistry(openStore(t), nil, testConfig(), WithClock(clock))
	ctx := context.Background()

	idle, err := registry.GetOrCreate(ctx, "idle")
	require.NoError(t, err)
	advance(45 * time.Second)
	busy, err := registry.GetOrCreate(ctx, "busy")
	require.NoError(t, err)
	advance(30 * time.Second)
	busy.SetPage("home.html")

	assert.Equal(t, 1, registry.Sweep(ctx))
	assert.Equal(t, chat.SessionClosed, idle.State())
	assert.Equal(t, chat.SessionActive, busy.State())

	snapshots := registry.List()
	require.Len(t, snapshots, 1)
	assert.Equal(t, "busy", snapshots[0].ID)
	assert.Equal(t, "home.html", snapshots[0].CurrentPage)
}

func TestCapacityExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	registry := NewRegistry(openStore(t), nil, cfg)
	ctx := context.Background()

	first, err := registry.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	_, err = registry.GetOrCreate(ctx, "b")
	assert.ErrorIs(t, err, ErrCapacity)

	again, err := registry.GetOrCreate(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, first, again)
	require.NoError(t, first.Publish(ctx, chat.MessageEvent{Role: chat.RoleUser, Content: "still works"}))
}

func TestCapabilitiesExposed(t *testing.T) {
	registry := NewRegistry(openStore(t), nil, testConfig(), WithCapabilities(lookupCapability{}))
	s, err := registry.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)

	assert.Equal(t, []string{"lookup"}, s.Capabilities())
	capability, ok := s.Capability("lookup")
	require.True(t, ok)
	out, err := capability.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, ok = s.Capability("missing")
	assert.False(t, ok)
}

func TestShutdownClosesEverySession(t *testing.T) {
	registry := NewRegistry(openStore(t), nil, testConfig())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := registry.GetOrCreate(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, registry.Shutdown(ctx))
	assert.Equal(t, 0, registry.Len())
}
