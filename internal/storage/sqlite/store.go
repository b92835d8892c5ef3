// Package sqlite provides the SQLite-backed interaction log.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/zhouzirui/voice-concierge/backend/internal/logger"
	"github.com/zhouzirui/voice-concierge/backend/internal/metrics"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/interaction"
	"github.com/zhouzirui/voice-concierge/backend/internal/storage/sqlite/migrations"
	"github.com/zhouzirui/voice-concierge/backend/internal/storage/sqlitemigrate"
)

const (
	retryInitialInterval = 50 * time.Millisecond
	retryMaxInterval     = 500 * time.Millisecond
	// One retry for transient lock contention, then surface the error.
	maxRetries = 1

	defaultBusyTimeout = 5 * time.Second
)

// Store persists interactions in SQLite. All writes go through a single
// connection, so concurrent sessions serialize at the transaction boundary.
type Store struct {
	sqlDB       *sql.DB
	now         func() time.Time
	busyTimeout time.Duration
	log         *logrus.Entry
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBusyTimeout sets how long SQLite waits on a held lock before
// reporting SQLITE_BUSY.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.busyTimeout = d
		}
	}
}

// Open opens the database at path and ensures the schema exists.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	store := &Store{
		now:         time.Now,
		busyTimeout: defaultBusyTimeout,
		log:         logger.For("store"),
	}
	for _, opt := range opts {
		opt(store)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(FULL)",
		filepath.Clean(path), store.busyTimeout.Milliseconds(),
	)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	store.sqlDB = sqlDB

	if err := store.Init(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// Init applies the embedded schema. It is safe to call on every start.
func (s *Store) Init(ctx context.Context) error {
	if err := sqlitemigrate.Apply(ctx, s.sqlDB, migrations.FS, ""); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Create inserts a pending interaction and returns its id.
func (s *Store) Create(ctx context.Context, page, userInput string) (int64, error) {
	return s.insert(ctx, "create", page, userInput, "")
}

// Log inserts a complete interaction in one step.
func (s *Store) Log(ctx context.Context, page, userInput, aiOutput string) (int64, error) {
	return s.insert(ctx, "log", page, userInput, aiOutput)
}

func (s *Store) insert(ctx context.Context, op, page, userInput, aiOutput string) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	timestamp := interaction.FormatTimestamp(s.now())

	var id int64
	err := s.retry(ctx, op, func() error {
		result, err := s.sqlDB.ExecContext(
			ctx,
			`INSERT INTO interactions (page, user_input, ai_output, timestamp) VALUES (?, ?, ?, ?)`,
			page,
			userInput,
			aiOutput,
			timestamp,
		)
		if err != nil {
			return err
		}
		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateOutput sets the assistant reply of a pending interaction. A record
// that already carries a reply is never rewritten.
func (s *Store) UpdateOutput(ctx context.Context, id int64, aiOutput string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if id <= 0 {
		return interaction.ErrNotFound
	}

	return s.retry(ctx, "update_output", func() error {
		tx, err := s.sqlDB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		result, err := tx.ExecContext(
			ctx,
			`UPDATE interactions SET ai_output = ? WHERE id = ? AND ai_output = ''`,
			aiOutput,
			id,
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var existing string
			err := tx.QueryRowContext(ctx, `SELECT ai_output FROM interactions WHERE id = ?`, id).Scan(&existing)
			if errors.Is(err, sql.ErrNoRows) {
				return backoff.Permanent(interaction.ErrNotFound)
			}
			if err != nil {
				return err
			}
			return backoff.Permanent(interaction.ErrImmutable)
		}
		return tx.Commit()
	})
}

// Get returns one interaction by id.
func (s *Store) Get(ctx context.Context, id int64) (interaction.Interaction, error) {
	if err := s.ready(ctx); err != nil {
		return interaction.Interaction{}, err
	}

	var item interaction.Interaction
	err := s.retry(ctx, "get", func() error {
		row := s.sqlDB.QueryRowContext(
			ctx,
			`SELECT id, page, user_input, ai_output, timestamp FROM interactions WHERE id = ?`,
			id,
		)
		err := row.Scan(&item.ID, &item.Page, &item.UserInput, &item.AIOutput, &item.Timestamp)
		if errors.Is(err, sql.ErrNoRows) {
			return backoff.Permanent(interaction.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return interaction.Interaction{}, err
	}
	return item, nil
}

// List returns interactions in ascending timestamp order, optionally
// restricted to one page.
func (s *Store) List(ctx context.Context, page string) ([]interaction.Interaction, error) {
	if page == "" {
		return s.query(ctx, "list",
			`SELECT id, page, user_input, ai_output, timestamp
			   FROM interactions
			  ORDER BY timestamp ASC, id ASC`)
	}
	return s.query(ctx, "list",
		`SELECT id, page, user_input, ai_output, timestamp
		   FROM interactions
		  WHERE page = ?
		  ORDER BY timestamp ASC, id ASC`,
		page)
}

// MostRecent returns up to limit interactions, newest first.
func (s *Store) MostRecent(ctx context.Context, limit int) ([]interaction.Interaction, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be greater than zero", interaction.ErrInvalidRequest)
	}
	return s.query(ctx, "most_recent",
		`SELECT id, page, user_input, ai_output, timestamp
		   FROM interactions
		  ORDER BY timestamp DESC, id DESC
		  LIMIT ?`,
		limit)
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) ([]interaction.Interaction, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var items []interaction.Interaction
	err := s.retry(ctx, op, func() error {
		items = items[:0]
		rows, err := s.sqlDB.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var item interaction.Interaction
			if err := rows.Scan(&item.ID, &item.Page, &item.UserInput, &item.AIOutput, &item.Timestamp); err != nil {
				return err
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []interaction.Interaction{}
	}
	return items, nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// retry runs fn, retrying once when SQLite reports lock contention. Domain
// errors pass through untouched; everything else becomes a StorageError.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(retryInitialInterval),
				backoff.WithMaxInterval(retryMaxInterval),
			),
			maxRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || isTransient(err) {
			return err
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		metrics.StorageRetries.WithLabelValues(op).Inc()
		s.log.WithError(err).WithField("op", op).Warnf("transient storage error, retrying in %s", wait)
	})
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, interaction.ErrNotFound),
		errors.Is(err, interaction.ErrImmutable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &interaction.StorageError{Op: op, Err: err, Transient: isTransient(err)}
}

func isTransient(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
		return true
	}
	return false
}

var _ interaction.Store = (*Store)(nil)
