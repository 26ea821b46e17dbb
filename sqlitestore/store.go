// Package sqlitestore persists quotes and accounts in a single SQLite file
// for development and single-node deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"quickcover/insurance"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements insurance.Store and auth.Repository on database/sql.
type Store struct {
	db           *sql.DB
	now          func() time.Time
	newID        func() string
	policyNumber func() string
}

// New wraps an open, migrated SQLite handle.
func New(db *sql.DB) *Store {
	return &Store{
		db:           db,
		now:          time.Now,
		newID:        uuid.NewString,
		policyNumber: insurance.NewPolicyNumber,
	}
}

// WithClock replaces the clock used for stored timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// WithIDGenerator replaces the generator used for new quote ids.
func (s *Store) WithIDGenerator(gen func() string) *Store {
	s.newID = gen
	return s
}

// WithPolicyNumbers replaces the policy number generator.
func (s *Store) WithPolicyNumbers(gen func() string) *Store {
	s.policyNumber = gen
	return s
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// OutboxMessage is a pending domain event.
type OutboxMessage struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// Outbox returns unpublished messages oldest first.
func (s *Store) Outbox(ctx context.Context) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, topic, payload, created_at FROM outbox WHERE published_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		var (
			msg     OutboxMessage
			payload string
			created string
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &payload, &created); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan outbox: %w", err)
		}
		msg.Payload = []byte(payload)
		if msg.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) stamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlitestore: parse time %q: %w", v, err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
