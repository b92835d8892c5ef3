// Package pairing turns one session's ordered stream of message events into
// interaction records: each user turn opens a pending record and the next
// assistant reply completes it.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/voice-concierge/backend/internal/logger"
	"github.com/zhouzirui/voice-concierge/backend/internal/metrics"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/interaction"
)

var (
	// ErrPairingAnomaly marks an assistant event that had no user turn to pair with.
	ErrPairingAnomaly = errors.New("assistant event without pending user turn")
	// ErrEmptyReply marks an assistant event with no content; the pending turn stays open.
	ErrEmptyReply = errors.New("assistant event has empty content")
	// ErrStopped is returned when events are enqueued after Stop.
	ErrStopped = errors.New("pairing engine stopped")
)

// State is the engine's position in the turn cycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingReply
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingReply:
		return "awaiting_reply"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Recorder is the slice of the interaction store the engine writes through.
type Recorder interface {
	Create(ctx context.Context, page, userInput string) (int64, error)
	UpdateOutput(ctx context.Context, id int64, aiOutput string) error
	Get(ctx context.Context, id int64) (interaction.Interaction, error)
}

// Observer is notified with every interaction the engine completes.
type Observer func(interaction.Interaction)

// Option customises an Engine.
type Option func(*Engine)

// WithQueueSize sets the buffered capacity of the event queue.
func WithQueueSize(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.queueSize = size
		}
	}
}

// WithObserver registers a callback for completed interactions.
func WithObserver(fn Observer) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

type pendingTurn struct {
	id        int64
	page      string
	userInput string
}

// Engine is the per-session pairing state machine. Events are applied
// strictly in enqueue order by a single goroutine.
type Engine struct {
	sessionID string
	store     Recorder
	observer  Observer
	queueSize int
	log       *logrus.Entry

	events chan chat.MessageEvent
	done   chan struct{}

	intakeMu sync.RWMutex
	stopped  bool
	started  bool

	mu      sync.Mutex
	state   State
	pending *pendingTurn
}

// New builds an engine for one session. Call Start before enqueueing.
func New(sessionID string, store Recorder, opts ...Option) *Engine {
	e := &Engine{
		sessionID: sessionID,
		store:     store,
		queueSize: 64,
		log:       logger.For("pairing").WithField("session", sessionID),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.events = make(chan chat.MessageEvent, e.queueSize)
	return e
}

// Start launches the sequential apply loop. ctx scopes store calls; the loop
// itself ends only when Stop closes the queue.
func (e *Engine) Start(ctx context.Context) {
	e.intakeMu.Lock()
	defer e.intakeMu.Unlock()
	if e.started {
		return
	}
	e.started = true
	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for ev := range e.events {
		// Failures are logged inside Apply and stay within this session.
		_ = e.Apply(ctx, ev)
	}
}

// Enqueue hands an event to the apply loop, blocking while the queue is full.
func (e *Engine) Enqueue(ctx context.Context, ev chat.MessageEvent) error {
	e.intakeMu.RLock()
	defer e.intakeMu.RUnlock()
	if e.stopped {
		return ErrStopped
	}

	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses further events and waits until queued events are applied.
func (e *Engine) Stop() {
	e.intakeMu.Lock()
	if e.stopped {
		started := e.started
		e.intakeMu.Unlock()
		if started {
			<-e.done
		}
		return
	}
	e.stopped = true
	close(e.events)
	started := e.started
	e.intakeMu.Unlock()

	if started {
		<-e.done
	}
}

// Done is closed once the apply loop has drained and exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// State reports the current turn state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pending returns the id of the record awaiting a reply, if any.
func (e *Engine) Pending() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return 0, false
	}
	return e.pending.id, true
}

// Apply processes one event synchronously. The run loop calls it for queued
// events; it is exported so a caller that owns ordering can drive it directly.
func (e *Engine) Apply(ctx context.Context, ev chat.MessageEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Role {
	case chat.RoleUser:
		return e.applyUser(ctx, ev)
	case chat.RoleAssistant:
		return e.applyAssistant(ctx, ev)
	default:
		e.log.WithField("role", ev.Role).Warn("dropping event with unknown role")
		return fmt.Errorf("unknown role %q", ev.Role)
	}
}

func (e *Engine) applyUser(ctx context.Context, ev chat.MessageEvent) error {
	id, err := e.store.Create(ctx, ev.Page, ev.Content)
	if err != nil {
		e.log.WithError(err).Error("failed to create pending interaction")
		return fmt.Errorf("create pending interaction: %w", err)
	}
	metrics.InteractionsCreated.Inc()

	// Last pending wins: an unanswered earlier turn stays persisted with an
	// empty output and is no longer an update target.
	if e.pending != nil {
		e.log.WithFields(logrus.Fields{
			"superseded": e.pending.id,
			"pending":    id,
		}).Warn("user turn superseded an unanswered turn")
	}

	e.pending = &pendingTurn{id: id, page: ev.Page, userInput: ev.Content}
	e.state = StateAwaitingReply
	return nil
}

func (e *Engine) applyAssistant(ctx context.Context, ev chat.MessageEvent) error {
	if e.pending == nil {
		metrics.PairingAnomalies.Inc()
		e.log.Warn("discarding assistant event: no pending user turn")
		return ErrPairingAnomaly
	}

	target := e.pending
	if strings.TrimSpace(ev.Content) == "" {
		metrics.PairingAnomalies.Inc()
		e.log.WithField("interaction", target.id).Warn("ignoring empty assistant event, turn still pending")
		return ErrEmptyReply
	}

	err := e.store.UpdateOutput(ctx, target.id, ev.Content)
	switch {
	case err == nil:
	case errors.Is(err, interaction.ErrNotFound), errors.Is(err, interaction.ErrImmutable):
		e.log.WithError(err).WithField("interaction", target.id).Warn("dropping assistant update")
		e.pending = nil
		e.state = StateIdle
		return fmt.Errorf("update interaction %d: %w", target.id, err)
	default:
		// Keep the pending handle so a later reply can still complete the turn.
		e.log.WithError(err).WithField("interaction", target.id).Error("failed to store assistant reply")
		return fmt.Errorf("update interaction %d: %w", target.id, err)
	}

	e.pending = nil
	e.state = StateIdle
	metrics.InteractionsCompleted.Inc()

	if e.observer != nil {
		e.notify(ctx, target, ev.Content)
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, target *pendingTurn, reply string) {
	record, err := e.store.Get(ctx, target.id)
	if err != nil {
		e.log.WithError(err).WithField("interaction", target.id).Debug("observer lookup failed, using local copy")
		record = interaction.Interaction{
			ID:        target.id,
			Page:      target.page,
			UserInput: target.userInput,
			AIOutput:  reply,
		}
	}
	e.observer(record)
}
