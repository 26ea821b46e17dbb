package insurance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines the data access required by the service.
type Repository interface {
	InsertQuote(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	GetQuote(ctx context.Context, quoteID string) (Record, error)
	ListQuotesByOwner(ctx context.Context, ownerID string) ([]Record, error)
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key, policyNumber string) error
	GetIdempotentPolicyNumber(ctx context.Context, key string) (string, error)
	MarkQuotePaid(ctx context.Context, tx pgx.Tx, quoteID, policyNumber string) (time.Time, error)
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed quote repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const quoteColumns = `id::text, user_id, vehicle_information, driver_details, account_information, quote_summary, policy_number, paid_at, created_at`

// InsertQuote writes a quote document inside the caller's transaction.
func (r *PGRepository) InsertQuote(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	parts, err := marshalParts(rec.Data)
	if err != nil {
		return Record{}, err
	}

	const insertSQL = `
INSERT INTO quotes (id, user_id, vehicle_information, driver_details, account_information, quote_summary, cover_start, cover_end, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
RETURNING ` + quoteColumns

	saved, err := scanQuote(tx.QueryRow(ctx, insertSQL,
		rec.ID,
		rec.UserID,
		parts.vehicle,
		parts.driver,
		parts.account,
		parts.summary,
		rec.Data.QuoteSummary.CoverStart,
		rec.Data.QuoteSummary.CoverEnd,
	))
	if err != nil {
		return Record{}, fmt.Errorf("insurance: insert quote: %w", err)
	}
	return saved, nil
}

// GetQuote fetches a quote by its primary key.
func (r *PGRepository) GetQuote(ctx context.Context, quoteID string) (Record, error) {
	const selectSQL = `SELECT ` + quoteColumns + ` FROM quotes WHERE id::text = $1`

	rec, err := scanQuote(r.pool.QueryRow(ctx, selectSQL, quoteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrQuoteNotFound
		}
		return Record{}, fmt.Errorf("insurance: get quote: %w", err)
	}
	return rec, nil
}

// ListQuotesByOwner returns the owner's quotes, newest first.
func (r *PGRepository) ListQuotesByOwner(ctx context.Context, ownerID string) ([]Record, error) {
	const selectSQL = `
SELECT ` + quoteColumns + `
FROM quotes
WHERE user_id = $1
ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, selectSQL, ownerID)
	if err != nil {
		return nil, fmt.Errorf("insurance: list quotes: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("insurance: scan quote: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("insurance: iterate quotes: %w", err)
	}
	return records, nil
}

// InsertIdempotencyKey reserves the payment key inside the active transaction.
func (r *PGRepository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key, policyNumber string) error {
	if key == "" {
		return fmt.Errorf("insurance: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key, policy_number) VALUES ($1, $2)`, key, policyNumber)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insurance: insert idempotency key: %w", err)
	}
	return nil
}

// GetIdempotentPolicyNumber returns the policy number recorded with key.
func (r *PGRepository) GetIdempotentPolicyNumber(ctx context.Context, key string) (string, error) {
	var policyNumber string
	if err := r.pool.QueryRow(ctx, `SELECT policy_number FROM idempotency WHERE key = $1`, key).Scan(&policyNumber); err != nil {
		return "", fmt.Errorf("insurance: get idempotency key: %w", err)
	}
	return policyNumber, nil
}

// MarkQuotePaid stamps the policy number on the quote and returns the paid time.
func (r *PGRepository) MarkQuotePaid(ctx context.Context, tx pgx.Tx, quoteID, policyNumber string) (time.Time, error) {
	const updateSQL = `
UPDATE quotes
SET policy_number = $2,
    paid_at = COALESCE(paid_at, now())
WHERE id::text = $1
RETURNING paid_at`

	var paidAt time.Time
	if err := tx.QueryRow(ctx, updateSQL, quoteID, policyNumber).Scan(&paidAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrQuoteNotFound
		}
		return time.Time{}, fmt.Errorf("insurance: mark quote paid: %w", err)
	}
	return paidAt, nil
}

// EnqueueOutbox appends an outbox message inside the active transaction.
func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("insurance: marshal outbox payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, payloadBytes); err != nil {
		return fmt.Errorf("insurance: insert outbox message: %w", err)
	}
	return nil
}

type documentParts struct {
	vehicle []byte
	driver  []byte
	account []byte
	summary []byte
}

func marshalParts(data InsuranceData) (documentParts, error) {
	var (
		parts documentParts
		err   error
	)
	if parts.vehicle, err = json.Marshal(data.VehicleInformation); err != nil {
		return documentParts{}, fmt.Errorf("insurance: marshal vehicle information: %w", err)
	}
	if parts.driver, err = json.Marshal(data.DriverDetails); err != nil {
		return documentParts{}, fmt.Errorf("insurance: marshal driver details: %w", err)
	}
	if parts.account, err = json.Marshal(data.AccountInformation); err != nil {
		return documentParts{}, fmt.Errorf("insurance: marshal account information: %w", err)
	}
	if parts.summary, err = json.Marshal(data.QuoteSummary); err != nil {
		return documentParts{}, fmt.Errorf("insurance: marshal quote summary: %w", err)
	}
	return parts, nil
}

// UnmarshalParts rebuilds the aggregate from its stored JSON columns.
func UnmarshalParts(vehicle, driver, account, summary []byte) (InsuranceData, error) {
	var data InsuranceData
	if err := json.Unmarshal(vehicle, &data.VehicleInformation); err != nil {
		return InsuranceData{}, fmt.Errorf("insurance: decode vehicle information: %w", err)
	}
	if err := json.Unmarshal(driver, &data.DriverDetails); err != nil {
		return InsuranceData{}, fmt.Errorf("insurance: decode driver details: %w", err)
	}
	if err := json.Unmarshal(account, &data.AccountInformation); err != nil {
		return InsuranceData{}, fmt.Errorf("insurance: decode account information: %w", err)
	}
	if err := json.Unmarshal(summary, &data.QuoteSummary); err != nil {
		return InsuranceData{}, fmt.Errorf("insurance: decode quote summary: %w", err)
	}
	return data, nil
}

// MarshalParts exposes the column encoding for other drivers.
func MarshalParts(data InsuranceData) (vehicle, driver, account, summary []byte, err error) {
	parts, err := marshalParts(data)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return parts.vehicle, parts.driver, parts.account, parts.summary, nil
}

func scanQuote(row pgx.Row) (Record, error) {
	var (
		rec                               Record
		vehicle, driver, account, summary []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&vehicle,
		&driver,
		&account,
		&summary,
		&rec.PolicyNumber,
		&rec.PaidAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return Record{}, err
	}

	data, err := UnmarshalParts(vehicle, driver, account, summary)
	if err != nil {
		return Record{}, err
	}
	rec.Data = data
	return rec, nil
}
