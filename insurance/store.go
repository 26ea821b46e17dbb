package insurance

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrQuoteNotFound is returned when no quote row exists for the identifier.
	ErrQuoteNotFound = errors.New("insurance: quote not found")
	// ErrDuplicateIdempotencyKey signals the payment was already recorded.
	ErrDuplicateIdempotencyKey = errors.New("insurance: duplicate idempotency key")
	// ErrOwnerRequired is returned when listing quotes without a real owner.
	ErrOwnerRequired = errors.New("insurance: owner id required")
)

// Store is the persistence contract used by the wizard and the dashboard.
type Store interface {
	SaveQuote(ctx context.Context, ownerID *string, data InsuranceData) (string, error)
	GetQuote(ctx context.Context, quoteID string) (Record, error)
	ListQuotes(ctx context.Context, ownerID string) ([]Record, error)
	CompletePayment(ctx context.Context, req CompletePaymentRequest) (PaymentResult, error)
}

// NewPolicyNumber issues a display policy number of the form TCI-NNNNNN.
func NewPolicyNumber() string {
	return fmt.Sprintf("TCI-%06d", 100000+rand.IntN(900000))
}

// FallbackPolicyNumber is used when a payment completes without a policy
// number being issued.
func FallbackPolicyNumber() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TEMP-" + strings.ToUpper(id[:8])
}

// OwnerOrAnonymous resolves the stored owner marker.
func OwnerOrAnonymous(ownerID *string) string {
	if ownerID == nil || strings.TrimSpace(*ownerID) == "" {
		return AnonymousOwner
	}
	return *ownerID
}

// ScrubForStorage blanks passwords from the aggregate. Quotes saved by an
// account holder keep a placeholder; anonymous quotes keep nothing.
func ScrubForStorage(data InsuranceData, owner string) InsuranceData {
	if owner == AnonymousOwner {
		data.AccountInformation.Password = ""
		data.AccountInformation.ConfirmPassword = ""
		return data
	}
	data.AccountInformation.Password = ScrubbedPassword
	data.AccountInformation.ConfirmPassword = ScrubbedPassword
	return data
}
