package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the database used by the concurrency suite: a container, a
// shared DSN in an isolated schema, or a local scratch database.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// ErrNoDatabase is returned when neither Docker, a DSN nor a local server is
// available.
var ErrNoDatabase = errors.New("infra: no postgres available")

// NewHarness picks a database in this order: overrideDSN, DSNEnv, a Docker
// container, then a local server.
func NewHarness(ctx context.Context, overrideDSN string, maxConns int32) (*Harness, error) {
	h := &Harness{}
	shared := overrideDSN != "" || os.Getenv(DSNEnv) != ""

	switch {
	case shared || dockerAvailable(ctx):
		c, dsn, err := StartPostgres16(ctx, overrideDSN)
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
		h.container, h.dsn = c, dsn
	default:
		dsn, err := InitLocalDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDatabase, err)
		}
		h.dsn = dsn
	}

	pool, teardown, err := ApplyMigrations(ctx, h.dsn, shared, maxConns)
	if err != nil {
		h.Close(ctx)
		return nil, err
	}
	h.pool, h.teardown = pool, teardown
	return h, nil
}

// Pool exposes the migrated pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string in use.
func (h *Harness) DSN() string {
	return h.dsn
}

// Reset truncates every table written by the application.
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, `TRUNCATE TABLE outbox, idempotency, quotes, revoked_tokens, users RESTART IDENTITY`)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Close releases the pool, drops an isolated schema and stops the container.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
