// Package interaction defines the persisted pairing of one user utterance with
// the assistant reply it received.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout is a fixed-width ISO-8601 layout; fixed width keeps lexical
// order equal to chronological order for UTC values.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("interaction not found")
	ErrImmutable      = errors.New("interaction already has an assistant output")
)

// Interaction is one row of the interaction log. AIOutput is empty while the
// record is pending its assistant reply.
type Interaction struct {
	ID        int64  `json:"id,omitempty"`
	Page      string `json:"page"`
	UserInput string `json:"user_input"`
	AIOutput  string `json:"ai_output"`
	Timestamp string `json:"timestamp"`
}

// Pending reports whether the record still awaits an assistant reply.
func (i Interaction) Pending() bool {
	return i.AIOutput == ""
}

// Store is the durable interaction log.
type Store interface {
	Create(ctx context.Context, page, userInput string) (int64, error)
	UpdateOutput(ctx context.Context, id int64, aiOutput string) error
	Get(ctx context.Context, id int64) (Interaction, error)
	List(ctx context.Context, page string) ([]Interaction, error)
	MostRecent(ctx context.Context, limit int) ([]Interaction, error)
}

// FormatTimestamp renders t in TimestampLayout, normalised to UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// StorageError wraps a failure of the persistence engine.
type StorageError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
