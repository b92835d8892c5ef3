// Package session owns the live conversations: one Session per participant,
// each with its own pairing engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/voice-concierge/backend/internal/config"
	"github.com/zhouzirui/voice-concierge/backend/internal/logger"
	"github.com/zhouzirui/voice-concierge/backend/internal/metrics"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/interaction"
	"github.com/zhouzirui/voice-concierge/backend/internal/service/pairing"
)

// DefaultSessionID is used when a caller does not name a session.
const DefaultSessionID = "default"

var (
	ErrCapacity       = errors.New("session capacity exhausted")
	ErrSessionIDEmpty = errors.New("session id is required")
)

// Option customises a Registry.
type Option func(*Registry)

// WithDirectory mirrors live sessions into d.
func WithDirectory(d Directory) Option {
	return func(r *Registry) {
		if d != nil {
			r.directory = d
		}
	}
}

// WithCapabilities installs capabilities on every new session.
func WithCapabilities(caps ...Capability) Option {
	return func(r *Registry) {
		r.capabilities = append(r.capabilities, caps...)
	}
}

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry creates, finds and tears down sessions. The id→session map is the
// only state shared between sessions.
type Registry struct {
	store        pairing.Recorder
	assistant    Assistant
	cfg          config.SessionConfig
	directory    Directory
	capabilities []Capability
	now          func() time.Time
	log          *logrus.Entry

	// engineCtx scopes store calls made by engines; it outlives every session.
	engineCtx context.Context

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds a registry. assistant may be nil, in which case sessions
// accept transport events but cannot Submit.
func NewRegistry(store pairing.Recorder, assistant Assistant, cfg config.SessionConfig, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		assistant: assistant,
		cfg:       cfg,
		directory: noopDirectory{},
		now:       time.Now,
		log:       logger.For("session"),
		engineCtx: context.Background(),
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the live session for id or creates it. Concurrent
// callers racing on one id always receive the same instance. A session that
// is still draining is waited out before its replacement is created.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrSessionIDEmpty
	}

	for {
		r.mu.Lock()
		existing, ok := r.sessions[id]
		if ok && existing.State() == chat.SessionActive {
			r.mu.Unlock()
			return existing, nil
		}
		if ok {
			r.mu.Unlock()
			select {
			case <-existing.closed:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
			r.mu.Unlock()
			r.log.WithField("session", id).Warn("refusing new session: capacity exhausted")
			return nil, ErrCapacity
		}

		s := r.newSession(id)
		r.sessions[id] = s
		r.mu.Unlock()

		metrics.SessionsCreated.Inc()
		metrics.SessionsActive.Inc()
		r.log.WithField("session", id).Info("session created")

		if err := r.directory.Register(ctx, s.Snapshot()); err != nil {
			r.log.WithError(err).WithField("session", id).Warn("failed to register session in directory")
		}
		return s, nil
	}
}

func (r *Registry) newSession(id string) *Session {
	now := r.now()
	s := &Session{
		id:           id,
		createdAt:    now,
		assistant:    r.assistant,
		capabilities: make(map[string]Capability, len(r.capabilities)),
		now:          r.now,
		log:          r.log.WithField("session", id),
		state:        chat.SessionActive,
		lastActive:   now,
		closed:       make(chan struct{}),
	}
	for _, capability := range r.capabilities {
		s.capabilities[capability.Name()] = capability
	}

	s.engine = pairing.New(id, r.store,
		pairing.WithQueueSize(r.cfg.QueueSize),
		pairing.WithObserver(func(item interaction.Interaction) {
			s.notify(item)
		}),
	)
	s.engine.Start(r.engineCtx)
	return s
}

// Get returns the live session for id without creating it.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.State() != chat.SessionActive {
		return nil, false
	}
	return s, true
}

// Lookup finds a session snapshot locally first, then in the directory so
// sessions held by other processes are visible too.
func (r *Registry) Lookup(ctx context.Context, id string) (chat.Session, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return chat.Session{}, false, ErrSessionIDEmpty
	}
	if s, ok := r.Get(id); ok {
		return s.Snapshot(), true, nil
	}
	remote, err := r.directory.Lookup(ctx, id)
	if err != nil {
		return chat.Session{}, false, fmt.Errorf("directory lookup: %w", err)
	}
	if remote == nil {
		return chat.Session{}, false, nil
	}
	return *remote, true, nil
}

// List returns snapshots of every registered session ordered by id.
func (r *Registry) List() []chat.Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	snapshots := make([]chat.Session, 0, len(sessions))
	for _, s := range sessions {
		snapshots = append(snapshots, s.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ID < snapshots[j].ID })
	return snapshots
}

// Len returns the number of registered sessions, including ones still draining.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close drains and removes the session. Unknown ids are a no-op; a second
// Close on a draining session waits for the first to finish.
func (r *Registry) Close(ctx context.Context, id string) error {
	return r.close(ctx, id, "explicit")
}

func (r *Registry) close(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if !s.beginClose() {
		select {
		case <-s.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.drain()

	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	close(s.closed)

	metrics.SessionsActive.Dec()
	metrics.SessionsClosed.WithLabelValues(reason).Inc()
	r.log.WithFields(logrus.Fields{"session": id, "reason": reason}).Info("session closed")

	if err := r.directory.Unregister(ctx, id); err != nil {
		r.log.WithError(err).WithField("session", id).Warn("failed to unregister session from directory")
	}
	return nil
}

// Sweep closes sessions idle for longer than the configured timeout and
// returns how many it closed. A zero timeout disables idle expiry.
func (r *Registry) Sweep(ctx context.Context) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	now := r.now()

	r.mu.Lock()
	var idle []string
	for id, s := range r.sessions {
		if s.State() == chat.SessionActive && s.idleSince(now) > r.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()

	for _, id := range idle {
		if err := r.close(ctx, id, "idle"); err != nil {
			r.log.WithError(err).WithField("session", id).Warn("idle close interrupted")
		}
	}
	return len(idle)
}

// Run sweeps idle sessions and refreshes directory entries until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if closed := r.Sweep(ctx); closed > 0 {
				r.log.WithField("closed", closed).Info("idle sessions swept")
			}
			r.refreshDirectory(ctx)
		}
	}
}

func (r *Registry) refreshDirectory(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.directory.Refresh(ctx, id); err != nil {
			r.log.WithError(err).WithField("session", id).Debug("directory refresh failed")
		}
	}
}

// Shutdown closes every session, draining their engines.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.close(ctx, id, "shutdown"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
