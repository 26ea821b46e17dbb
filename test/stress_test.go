package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"quickcover/test/actors"
	"quickcover/test/infra"
	"quickcover/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent shoppers")
	flSeed        = flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestQuoteWizardConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress suite skipped in -short mode")
	}
	seed := *flSeed

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	h, err := infra.NewHarness(ctx, *flDSN, int32(4*(*flConcurrency)))
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skipf("no database available: %v", err)
	}
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer h.Close(context.Background())
	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	pool := h.Pool()
	env := actors.NewEnv(pool, zaptest.NewLogger(t, zaptest.Level(zap.ErrorLevel)))
	rng := func(stream uint64) *rand.Rand { return rand.New(rand.NewPCG(seed, stream)) }

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Shopper(ctx2, env, i, rng(uint64(i)), stop) })
	}
	g.Go(func() error { return actors.PaymentReplayer(ctx2, env, rng(1000), stop) })
	g.Go(func() error { return actors.PaymentReplayer(ctx2, env, rng(1001), stop) })
	g.Go(func() error { return actors.DashboardReader(ctx2, env, rng(2000), stop) })

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("actors errored: %v (seed=%d)", err, seed)
	}

	name, row, err := oracles.Run(context.Background(), pool)
	if err != nil {
		t.Fatalf("final oracle error: %v", err)
	}
	if name != "" {
		t.Fatalf("Oracle %s failed after drain. First row: %s (seed=%d)", name, row, seed)
	}

	var quotes, paid int
	if err := pool.QueryRow(context.Background(),
		`SELECT COUNT(*), COUNT(policy_number) FROM quotes`).Scan(&quotes, &paid); err != nil {
		t.Fatalf("count quotes: %v", err)
	}
	if paid == 0 {
		t.Fatalf("no journeys completed in %s (seed=%d)", *flDuration, seed)
	}
	t.Logf("stress complete: %d quotes, %d paid (seed=%d)", quotes, paid, seed)
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"quotes", `SELECT id, user_id, cover_start, cover_end, policy_number, paid_at FROM quotes ORDER BY created_at DESC LIMIT 20`},
		{"idempotency", `SELECT key, policy_number, created_at FROM idempotency ORDER BY created_at DESC LIMIT 20`},
		{"outbox", `SELECT id, topic, created_at FROM outbox ORDER BY id DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
