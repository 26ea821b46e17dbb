package vehicle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrInvalidCoverWindow signals a cover end that is not after its start.
	ErrInvalidCoverWindow = errors.New("vehicle: cover end must be after cover start")
	// ErrInvalidRegistration signals a malformed registration number.
	ErrInvalidRegistration = errors.New("vehicle: invalid registration number")
)

var registrationPattern = regexp.MustCompile(`^[A-Z0-9]{5,8}$`)

// NormalizeRegistration upper-cases a registration and strips whitespace.
func NormalizeRegistration(reg string) string {
	return strings.ToUpper(strings.Join(strings.Fields(reg), ""))
}

// ValidRegistration reports whether a normalized registration is well formed.
func ValidRegistration(reg string) bool {
	return registrationPattern.MatchString(reg)
}

// Registry looks vehicles up by registration number.
type Registry interface {
	Lookup(ctx context.Context, registrationNumber string) (Details, error)
}

// Service prices cover windows for registered vehicles.
type Service struct {
	registry Registry
}

// NewService builds a Service over the given registry.
func NewService(registry Registry) *Service {
	return &Service{registry: registry}
}

// Quote looks the vehicle up and prices the cover window.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (QuoteResult, error) {
	if !req.CoverEnd.After(req.CoverStart) {
		return QuoteResult{}, ErrInvalidCoverWindow
	}
	reg := NormalizeRegistration(req.RegistrationNumber)
	if !ValidRegistration(reg) {
		return QuoteResult{}, ErrInvalidRegistration
	}

	details, err := s.registry.Lookup(ctx, reg)
	if err != nil {
		return QuoteResult{}, fmt.Errorf("vehicle: lookup %s: %w", reg, err)
	}

	return QuoteResult{
		Vehicle: details,
		Price:   CalculatePrice(details, req.CoverStart, req.CoverEnd),
	}, nil
}

// MockRegistry answers every lookup with the same vehicle after a delay.
type MockRegistry struct {
	delay time.Duration
}

// NewMockRegistry returns a registry that waits delay before answering.
func NewMockRegistry(delay time.Duration) *MockRegistry {
	return &MockRegistry{delay: delay}
}

// Lookup returns the fixed demo vehicle for any registration.
func (m *MockRegistry) Lookup(ctx context.Context, registrationNumber string) (Details, error) {
	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Details{}, ctx.Err()
		case <-timer.C:
		}
	}

	return Details{
		RegistrationNumber: registrationNumber,
		Make:               "Toyota",
		Model:              "Corolla",
		Year:               2020,
		EngineSize:         1.8,
		FuelType:           "Petrol",
		Color:              "Silver",
	}, nil
}
