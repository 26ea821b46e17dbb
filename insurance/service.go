package insurance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service is the PostgreSQL implementation of Store. Every write records an
// outbox message in the same transaction.
type Service struct {
	pool         TxBeginner
	repo         Repository
	idGenerator  func() string
	now          func() time.Time
	policyNumber func() string
}

// NewService wires the service to a pool and repository.
func NewService(pool TxBeginner, repo Repository) *Service {
	return &Service{
		pool:         pool,
		repo:         repo,
		idGenerator:  func() string { return uuid.NewString() },
		now:          time.Now,
		policyNumber: NewPolicyNumber,
	}
}

// WithIDGenerator replaces the generator used for new quote ids.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// WithClock replaces the clock used to derive quote status.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithPolicyNumbers replaces the policy number generator.
func (s *Service) WithPolicyNumbers(gen func() string) *Service {
	s.policyNumber = gen
	return s
}

// SaveQuote persists the aggregate under ownerID, or under the anonymous
// marker when ownerID is nil.
func (s *Service) SaveQuote(ctx context.Context, ownerID *string, data InsuranceData) (string, error) {
	if data.QuoteSummary.Price == "" {
		return "", fmt.Errorf("insurance: quote summary missing price")
	}

	owner := OwnerOrAnonymous(ownerID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("insurance: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	saved, err := s.repo.InsertQuote(ctx, tx, Record{
		ID:     s.idGenerator(),
		UserID: owner,
		Data:   ScrubForStorage(data, owner),
	})
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"quote_id":     saved.ID,
		"user_id":      owner,
		"registration": data.VehicleInformation.RegistrationNumber,
		"price":        data.QuoteSummary.Price,
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicQuoteCreated, payload); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("insurance: commit quote: %w", err)
	}
	return saved.ID, nil
}

// GetQuote returns a single quote with its status derived from now.
func (s *Service) GetQuote(ctx context.Context, quoteID string) (Record, error) {
	if strings.TrimSpace(quoteID) == "" {
		return Record{}, ErrQuoteNotFound
	}
	rec, err := s.repo.GetQuote(ctx, quoteID)
	if err != nil {
		return Record{}, err
	}
	return WithDerivedStatus(rec, s.now()), nil
}

// ListQuotes returns the owner's quotes, newest first.
func (s *Service) ListQuotes(ctx context.Context, ownerID string) ([]Record, error) {
	if ownerID == "" || ownerID == AnonymousOwner {
		return nil, ErrOwnerRequired
	}
	records, err := s.repo.ListQuotesByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range records {
		records[i] = WithDerivedStatus(records[i], now)
	}
	return records, nil
}

// CompletePayment records a processed payment and issues the policy number.
// Replaying the same idempotency key returns the original policy number.
func (s *Service) CompletePayment(ctx context.Context, req CompletePaymentRequest) (PaymentResult, error) {
	if req.QuoteID == "" {
		return PaymentResult{}, fmt.Errorf("insurance: missing quote id")
	}
	key := req.IdempotencyKey
	if key == "" {
		key = "payment:" + req.QuoteID
	}

	policyNumber := s.policyNumber()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("insurance: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertIdempotencyKey(ctx, tx, key, policyNumber); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// The aborted transaction is discarded; read the original outcome.
			_ = tx.Rollback(ctx)
			existing, err := s.repo.GetIdempotentPolicyNumber(ctx, key)
			if err != nil {
				return PaymentResult{}, err
			}
			return PaymentResult{Success: true, Message: "Payment already processed", PolicyNumber: existing}, nil
		}
		return PaymentResult{}, err
	}

	paidAt, err := s.repo.MarkQuotePaid(ctx, tx, req.QuoteID, policyNumber)
	if err != nil {
		return PaymentResult{}, err
	}

	payload := map[string]any{
		"quote_id":          req.QuoteID,
		"policy_number":     policyNumber,
		"payment_reference": req.PaymentReference,
		"amount":            req.Amount,
		"paid_at":           paidAt.UTC(),
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicQuotePaid, payload); err != nil {
		return PaymentResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PaymentResult{}, fmt.Errorf("insurance: commit payment: %w", err)
	}

	return PaymentResult{
		Success:      true,
		Message:      "Payment processed successfully",
		PolicyNumber: policyNumber,
	}, nil
}
