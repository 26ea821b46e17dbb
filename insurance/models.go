package insurance

import "time"

// AnonymousOwner is stored as the owner of quotes saved without an account.
const AnonymousOwner = "anonymous"

// ScrubbedPassword replaces account passwords before a quote is persisted.
const ScrubbedPassword = "********"

// VehicleInformation is the vehicle half of the aggregate. The optional
// attributes are filled in after a registry lookup.
type VehicleInformation struct {
	RegistrationNumber string    `json:"registrationNumber"`
	CoverStart         time.Time `json:"coverStart"`
	CoverEnd           time.Time `json:"coverEnd"`
	Make               string    `json:"make,omitempty"`
	Model              string    `json:"model,omitempty"`
	Year               int       `json:"year,omitempty"`
	EngineSize         float64   `json:"engineSize,omitempty"`
	FuelType           string    `json:"fuelType,omitempty"`
	Color              string    `json:"color,omitempty"`
}

// Address is a UK postal address.
type Address struct {
	Line1    string `json:"line1"`
	Line2    string `json:"line2"`
	Town     string `json:"town"`
	PostCode string `json:"postCode"`
}

// DriverDetails describes the insured driver.
type DriverDetails struct {
	FullName    string    `json:"fullName"`
	DateOfBirth time.Time `json:"dateOfBirth"`
	Address     Address   `json:"address"`
	PhoneNumber string    `json:"phoneNumber"`
}

// AccountInformation holds the contact email and, transiently, the password
// the customer chose. Passwords never reach storage in clear text.
type AccountInformation struct {
	EmailAddress    string `json:"emailAddress"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// VehicleSummary is the denormalized vehicle description shown with a quote.
type VehicleSummary struct {
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
	Year  int    `json:"year,omitempty"`
}

// QuoteSummary is derived from a successful lookup; it is never authored
// directly by the customer.
type QuoteSummary struct {
	CoverStart     time.Time       `json:"coverStart"`
	CoverEnd       time.Time       `json:"coverEnd"`
	Price          string          `json:"price"`
	VehicleDetails *VehicleSummary `json:"vehicleDetails,omitempty"`
}

// InsuranceData is the aggregate accumulated across the wizard steps.
type InsuranceData struct {
	VehicleInformation VehicleInformation `json:"vehicleInformation"`
	DriverDetails      DriverDetails      `json:"driverDetails"`
	AccountInformation AccountInformation `json:"accountInformation"`
	QuoteSummary       QuoteSummary       `json:"quoteSummary"`
}

// Status is the lifecycle of a quote relative to its cover window.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Record mirrors the quotes table.
type Record struct {
	ID     string
	UserID string
	Data   InsuranceData
	// Status is derived from the cover window whenever a record is read.
	Status       Status
	PolicyNumber *string
	PaidAt       *time.Time
	CreatedAt    time.Time
}

// DeriveStatus classifies a cover window against now. The boundaries belong
// to the active window.
func DeriveStatus(coverStart, coverEnd, now time.Time) Status {
	switch {
	case now.Before(coverStart):
		return StatusPending
	case now.After(coverEnd):
		return StatusExpired
	default:
		return StatusActive
	}
}

// WithDerivedStatus returns rec with Status computed from its quote summary.
func WithDerivedStatus(rec Record, now time.Time) Record {
	rec.Status = DeriveStatus(rec.Data.QuoteSummary.CoverStart, rec.Data.QuoteSummary.CoverEnd, now)
	return rec
}

// CompletePaymentRequest captures a processed payment for a stored quote.
type CompletePaymentRequest struct {
	QuoteID          string
	IdempotencyKey   string
	PaymentReference string
	Amount           string
}

// PaymentResult is returned once a payment has been recorded against a quote.
type PaymentResult struct {
	Success      bool
	Message      string
	PolicyNumber string
}

const (
	// OutboxTopicQuoteCreated is published whenever a quote is persisted.
	OutboxTopicQuoteCreated = "quote.created"
	// OutboxTopicQuotePaid is published once payment is recorded for a quote.
	OutboxTopicQuotePaid = "quote.paid"
)
