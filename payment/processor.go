package payment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrDeclined signals the processor refused the charge.
	ErrDeclined = errors.New("payment: declined")
	// ErrInvalidAmount signals a malformed or non-positive amount.
	ErrInvalidAmount = errors.New("payment: invalid amount")
)

// DeclineCardNumber is always refused by the simulated processor.
const DeclineCardNumber = "4000000000000002"

var (
	cardNumberPattern = regexp.MustCompile(`^[\d\s]{16,19}$`)
	expiryPattern     = regexp.MustCompile(`^(0[1-9]|1[0-2])/([0-9]{2})$`)
	cvvPattern        = regexp.MustCompile(`^[0-9]{3,4}$`)
	amountPattern     = regexp.MustCompile(`^\d+\.\d{2}$`)
)

// Card holds the details entered on the payment screen.
type Card struct {
	NameOnCard string
	Number     string
	Expiry     string
	CVV        string
}

// Charge is a request to take payment for a quote.
type Charge struct {
	QuoteID string
	Amount  string
	Card    Card
	// IdempotencyKey, when set, makes a repeated charge return the first
	// approved receipt instead of taking the money again.
	IdempotencyKey string
}

// Receipt is the processor's answer to an approved charge.
type Receipt struct {
	Reference   string
	Amount      string
	ProcessedAt time.Time
}

// FieldErrors maps card field names to messages; empty means valid.
type FieldErrors map[string]string

// ValidateCard checks card fields the way the payment form does. now is used
// to reject cards that have already expired.
func ValidateCard(c Card, now time.Time) FieldErrors {
	errs := FieldErrors{}
	if strings.TrimSpace(c.NameOnCard) == "" {
		errs["nameOnCard"] = "Name on card is required"
	}

	switch {
	case strings.TrimSpace(c.Number) == "":
		errs["cardNumber"] = "Card number is required"
	case !cardNumberPattern.MatchString(c.Number) || len(digitsOnly(c.Number)) != 16:
		errs["cardNumber"] = "Please enter a valid card number"
	}

	switch {
	case strings.TrimSpace(c.Expiry) == "":
		errs["expiryDate"] = "Expiry date is required"
	case !expiryPattern.MatchString(c.Expiry):
		errs["expiryDate"] = "Please enter a valid expiry date (MM/YY)"
	case expired(c.Expiry, now):
		errs["expiryDate"] = "This card has expired"
	}

	switch {
	case strings.TrimSpace(c.CVV) == "":
		errs["cvv"] = "CVV is required"
	case !cvvPattern.MatchString(c.CVV):
		errs["cvv"] = "Please enter a valid CVV"
	}

	return errs
}

// SimulatedProcessor approves every well-formed charge after a delay,
// except for DeclineCardNumber.
type SimulatedProcessor struct {
	delay time.Duration
	now   func() time.Time

	mu       sync.Mutex
	receipts map[string]Receipt
}

// NewSimulatedProcessor returns a processor that waits delay per charge.
func NewSimulatedProcessor(delay time.Duration) *SimulatedProcessor {
	return &SimulatedProcessor{delay: delay, now: time.Now, receipts: make(map[string]Receipt)}
}

func (p *SimulatedProcessor) replay(key string) (Receipt, bool) {
	if key == "" {
		return Receipt{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.receipts[key]
	return r, ok
}

// remember stores r under key unless an earlier approval got there first,
// and returns the receipt that now stands for key.
func (p *SimulatedProcessor) remember(key string, r Receipt) Receipt {
	if key == "" {
		return r
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.receipts[key]; ok {
		return prev
	}
	p.receipts[key] = r
	return r
}

// Charge takes payment for a quote. Declined charges are not remembered, so
// the same key may be retried with another card.
func (p *SimulatedProcessor) Charge(ctx context.Context, charge Charge) (Receipt, error) {
	if r, ok := p.replay(charge.IdempotencyKey); ok {
		return r, nil
	}
	if !amountPattern.MatchString(charge.Amount) {
		return Receipt{}, ErrInvalidAmount
	}
	if v, err := decimal.NewFromString(charge.Amount); err != nil || !v.IsPositive() {
		return Receipt{}, ErrInvalidAmount
	}

	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-timer.C:
		}
	}

	if digitsOnly(charge.Card.Number) == DeclineCardNumber {
		return Receipt{}, fmt.Errorf("%w: card refused", ErrDeclined)
	}

	return p.remember(charge.IdempotencyKey, Receipt{
		Reference:   "PAY-" + strings.ToUpper(uuid.NewString()[:13]),
		Amount:      charge.Amount,
		ProcessedAt: p.now().UTC(),
	}), nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func expired(expiry string, now time.Time) bool {
	m := expiryPattern.FindStringSubmatch(expiry)
	if m == nil {
		return true
	}
	month, _ := strconv.Atoi(m[1])
	year, _ := strconv.Atoi(m[2])
	// Cards are valid through the last day of the expiry month.
	firstAfter := time.Date(2000+year, time.Month(month)+1, 1, 0, 0, 0, 0, now.Location())
	return !now.Before(firstAfter)
}
