package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is healthy.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "cover_window_ordered",
			SQL:  `SELECT id FROM quotes WHERE cover_end <= cover_start`,
		},
		{
			Name: "anonymous_quotes_hold_no_credentials",
			SQL: `SELECT id FROM quotes
                  WHERE user_id = 'anonymous'
                    AND (account_information->>'emailAddress' NOT LIKE 'temp\_%'
                         OR COALESCE(account_information->>'password', '') <> ''
                         OR COALESCE(account_information->>'confirmPassword', '') <> '')`,
		},
		{
			Name: "owned_quotes_store_scrubbed_passwords",
			SQL: `SELECT id FROM quotes
                  WHERE user_id <> 'anonymous'
                    AND (account_information->>'password' IS DISTINCT FROM '********'
                         OR account_information->>'confirmPassword' IS DISTINCT FROM '********')`,
		},
		{
			Name: "owned_quotes_reference_users",
			SQL: `SELECT q.id FROM quotes q
                  WHERE q.user_id <> 'anonymous'
                    AND NOT EXISTS (SELECT 1 FROM users u WHERE u.id::text = q.user_id)`,
		},
		{
			Name: "payment_fields_set_together",
			SQL:  `SELECT id FROM quotes WHERE (policy_number IS NULL) <> (paid_at IS NULL)`,
		},
		{
			Name: "paid_quote_matches_idempotency_record",
			SQL: `SELECT q.id FROM quotes q
                  LEFT JOIN idempotency i ON i.key = 'payment:' || q.id::text
                  WHERE q.policy_number IS NOT NULL
                    AND i.policy_number IS DISTINCT FROM q.policy_number`,
		},
		{
			Name: "policy_number_format",
			SQL:  `SELECT id FROM quotes WHERE policy_number !~ '^(TCI-[0-9]{6}|TEMP-[0-9A-F]{8})$'`,
		},
		{
			Name: "outbox_one_event_per_change",
			SQL: `SELECT 'quote.created' AS topic
                  WHERE (SELECT COUNT(*) FROM quotes) <> (SELECT COUNT(*) FROM outbox WHERE topic = 'quote.created')
                  UNION ALL
                  SELECT 'quote.paid'
                  WHERE (SELECT COUNT(*) FROM quotes WHERE policy_number IS NOT NULL) <> (SELECT COUNT(*) FROM outbox WHERE topic = 'quote.paid')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
