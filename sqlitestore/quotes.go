package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"quickcover/insurance"
)

var _ insurance.Store = (*Store)(nil)

const quoteColumns = `id, user_id, vehicle_information, driver_details, account_information, quote_summary, policy_number, paid_at, created_at`

// SaveQuote persists the aggregate under ownerID, or under the anonymous
// marker when ownerID is nil.
func (s *Store) SaveQuote(ctx context.Context, ownerID *string, data insurance.InsuranceData) (string, error) {
	if data.QuoteSummary.Price == "" {
		return "", fmt.Errorf("sqlitestore: quote summary missing price")
	}
	owner := insurance.OwnerOrAnonymous(ownerID)
	vehicle, driver, account, summary, err := insurance.MarshalParts(insurance.ScrubForStorage(data, owner))
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlitestore: begin tx: %w", err)
	}
	defer tx.Rollback()

	id := s.newID()
	now := s.stamp()
	_, err = tx.ExecContext(ctx, `
INSERT INTO quotes (id, user_id, vehicle_information, driver_details, account_information, quote_summary, cover_start, cover_end, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		id, owner, string(vehicle), string(driver), string(account), string(summary),
		formatTime(data.QuoteSummary.CoverStart), formatTime(data.QuoteSummary.CoverEnd), now,
	)
	if err != nil {
		return "", fmt.Errorf("sqlitestore: insert quote: %w", err)
	}

	if err := enqueue(ctx, tx, insurance.OutboxTopicQuoteCreated, now, map[string]any{
		"quote_id":     id,
		"user_id":      owner,
		"registration": data.VehicleInformation.RegistrationNumber,
		"price":        data.QuoteSummary.Price,
	}); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlitestore: commit quote: %w", err)
	}
	return id, nil
}

// GetQuote returns a single quote with its status derived from now.
func (s *Store) GetQuote(ctx context.Context, quoteID string) (insurance.Record, error) {
	if strings.TrimSpace(quoteID) == "" {
		return insurance.Record{}, insurance.ErrQuoteNotFound
	}
	rec, err := scanQuote(s.db.QueryRowContext(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = ?`, quoteID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return insurance.Record{}, insurance.ErrQuoteNotFound
		}
		return insurance.Record{}, fmt.Errorf("sqlitestore: get quote: %w", err)
	}
	return insurance.WithDerivedStatus(rec, s.now()), nil
}

// ListQuotes returns the owner's quotes, newest first.
func (s *Store) ListQuotes(ctx context.Context, ownerID string) ([]insurance.Record, error) {
	if ownerID == "" || ownerID == insurance.AnonymousOwner {
		return nil, insurance.ErrOwnerRequired
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE user_id = ? ORDER BY created_at DESC, rowid DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list quotes: %w", err)
	}
	defer rows.Close()

	now := s.now()
	records := make([]insurance.Record, 0, 8)
	for rows.Next() {
		rec, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan quote: %w", err)
		}
		records = append(records, insurance.WithDerivedStatus(rec, now))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: iterate quotes: %w", err)
	}
	return records, nil
}

// CompletePayment records a processed payment and issues the policy number.
// Replaying the same idempotency key returns the original policy number.
func (s *Store) CompletePayment(ctx context.Context, req insurance.CompletePaymentRequest) (insurance.PaymentResult, error) {
	if req.QuoteID == "" {
		return insurance.PaymentResult{}, fmt.Errorf("sqlitestore: missing quote id")
	}
	key := req.IdempotencyKey
	if key == "" {
		key = "payment:" + req.QuoteID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return insurance.PaymentResult{}, fmt.Errorf("sqlitestore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT policy_number FROM idempotency WHERE key = ?`, key).Scan(&existing)
	switch {
	case err == nil:
		return insurance.PaymentResult{Success: true, Message: "Payment already processed", PolicyNumber: existing}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return insurance.PaymentResult{}, fmt.Errorf("sqlitestore: get idempotency key: %w", err)
	}

	now := s.stamp()
	policyNumber := s.policyNumber()
	if _, err := tx.ExecContext(ctx, `INSERT INTO idempotency (key, policy_number, created_at) VALUES (?, ?, ?)`, key, policyNumber, now); err != nil {
		if isUniqueViolation(err) {
			return insurance.PaymentResult{}, insurance.ErrDuplicateIdempotencyKey
		}
		return insurance.PaymentResult{}, fmt.Errorf("sqlitestore: insert idempotency key: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE quotes SET policy_number = ?, paid_at = COALESCE(paid_at, ?) WHERE id = ?`, policyNumber, now, req.QuoteID)
	if err != nil {
		return insurance.PaymentResult{}, fmt.Errorf("sqlitestore: mark quote paid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return insurance.PaymentResult{}, insurance.ErrQuoteNotFound
	}

	if err := enqueue(ctx, tx, insurance.OutboxTopicQuotePaid, now, map[string]any{
		"quote_id":          req.QuoteID,
		"policy_number":     policyNumber,
		"payment_reference": req.PaymentReference,
		"amount":            req.Amount,
		"paid_at":           now,
	}); err != nil {
		return insurance.PaymentResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return insurance.PaymentResult{}, fmt.Errorf("sqlitestore: commit payment: %w", err)
	}
	return insurance.PaymentResult{
		Success:      true,
		Message:      "Payment processed successfully",
		PolicyNumber: policyNumber,
	}, nil
}

func enqueue(ctx context.Context, tx *sql.Tx, topic, createdAt string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal outbox payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (topic, payload, created_at) VALUES (?, ?, ?)`, topic, string(b), createdAt); err != nil {
		return fmt.Errorf("sqlitestore: insert outbox message: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (insurance.Record, error) {
	var (
		rec                               insurance.Record
		vehicle, driver, account, summary string
		policyNumber, paidAt              sql.NullString
		createdAt                         string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &vehicle, &driver, &account, &summary, &policyNumber, &paidAt, &createdAt); err != nil {
		return insurance.Record{}, err
	}

	data, err := insurance.UnmarshalParts([]byte(vehicle), []byte(driver), []byte(account), []byte(summary))
	if err != nil {
		return insurance.Record{}, err
	}
	rec.Data = data

	if policyNumber.Valid {
		v := policyNumber.String
		rec.PolicyNumber = &v
	}
	if paidAt.Valid {
		t, err := parseTime(paidAt.String)
		if err != nil {
			return insurance.Record{}, err
		}
		rec.PaidAt = &t
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return insurance.Record{}, err
	}
	return rec, nil
}

