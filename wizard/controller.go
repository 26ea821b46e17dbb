package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quickcover/auth"
	"quickcover/insurance"
	"quickcover/payment"
	"quickcover/vehicle"
)

var (
	// ErrBusy is returned when a transition is attempted while another one is
	// still waiting on a collaborator.
	ErrBusy = errors.New("wizard: operation in progress")
	// ErrWrongStep is returned when a transition is not valid from the
	// current step.
	ErrWrongStep = errors.New("wizard: transition not allowed from current step")
	// ErrPaymentNotRecorded is returned when the store refuses to complete a
	// payment that the processor approved.
	ErrPaymentNotRecorded = errors.New("wizard: payment not recorded")
)

// Banner messages shown above the current step after a collaborator failure.
const (
	BannerVehicleLookup   = "Failed to retrieve vehicle information. Please try again."
	BannerAccount         = "Failed to create account. Please try again."
	BannerSkipAccount     = "Failed to process your request. Please try again."
	BannerPaymentError    = "Failed to process payment. Please try again."
	BannerPaymentDeclined = "Payment failed. Please try again."
	BannerRestarted       = "Your quote session was incomplete. Please start again."
)

const anonymousEmailDomain = "quickcover.temp"

// Pricer looks up a vehicle and prices a cover window.
type Pricer interface {
	Quote(ctx context.Context, req vehicle.QuoteRequest) (vehicle.QuoteResult, error)
}

// AccountCreator registers a new customer and signs them in.
type AccountCreator interface {
	CreateAccount(ctx context.Context, email, password, displayName string) (auth.Session, error)
}

// QuoteStore persists quotes and records completed payments.
type QuoteStore interface {
	SaveQuote(ctx context.Context, ownerID *string, data insurance.InsuranceData) (string, error)
	CompletePayment(ctx context.Context, req insurance.CompletePaymentRequest) (insurance.PaymentResult, error)
}

// PaymentProcessor takes card payments.
type PaymentProcessor interface {
	Charge(ctx context.Context, charge payment.Charge) (payment.Receipt, error)
}

// Dependencies are the capabilities a Controller calls out to. Clock,
// RandomToken and Logger are optional.
type Dependencies struct {
	Pricer      Pricer
	Accounts    AccountCreator
	Quotes      QuoteStore
	Payments    PaymentProcessor
	Clock       func() time.Time
	RandomToken func() string
	Logger      *zap.Logger
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.RandomToken == nil {
		d.RandomToken = func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// Snapshot is a read-only view of a wizard after a transition.
type Snapshot struct {
	Step          Step                    `json:"step"`
	Steps         []StepInfo              `json:"steps"`
	Data          insurance.InsuranceData `json:"data"`
	QuoteID       string                  `json:"quoteId,omitempty"`
	PolicyNumber  string                  `json:"policyNumber,omitempty"`
	CustomerEmail string                  `json:"customerEmail,omitempty"`
	Error         string                  `json:"error,omitempty"`
	Busy          bool                    `json:"busy"`
	SignedIn      bool                    `json:"signedIn"`
}

// Controller drives one customer through the quote wizard. It is safe for
// concurrent use; at most one transition runs at a time.
type Controller struct {
	deps Dependencies

	mu           sync.Mutex
	step         Step
	data         insurance.InsuranceData
	session      *auth.Session
	quoteID      string
	policyNumber string
	banner       string
	inFlight     bool
}

// NewController starts a wizard at the vehicle step. session may be nil for a
// visitor who has not signed in.
func NewController(deps Dependencies, session *auth.Session) *Controller {
	return &Controller{
		deps:    deps.withDefaults(),
		step:    StepVehicleLookup,
		session: session,
	}
}

// View returns the current snapshot.
func (c *Controller) View() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repairLocked()
	return c.snapshotLocked()
}

// Busy reports whether a transition is waiting on a collaborator.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Session returns the session the wizard is running under, if any.
func (c *Controller) Session() *auth.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SubmitVehicleLookup prices the requested cover and moves to the quote step.
func (c *Controller) SubmitVehicleLookup(ctx context.Context, in VehicleLookupInput) (Snapshot, error) {
	err := c.begin(StepVehicleLookup, func() error {
		return ValidateVehicleLookup(in, c.deps.Clock())
	})
	if err != nil {
		return c.View(), err
	}

	res, err := c.deps.Pricer.Quote(ctx, vehicle.QuoteRequest{
		RegistrationNumber: in.RegistrationNumber,
		CoverStart:         in.CoverStart,
		CoverEnd:           in.CoverEnd,
	})
	if err != nil {
		return c.fail(BannerVehicleLookup, fmt.Errorf("wizard: vehicle lookup: %w", err))
	}

	return c.finish(func() {
		c.data = mergeVehicleLookup(c.data, in, res)
		c.step = StepQuote
	}), nil
}

// ContinueFromQuote accepts the displayed quote.
func (c *Controller) ContinueFromQuote() (Snapshot, error) {
	if err := c.begin(StepQuote, nil); err != nil {
		return c.View(), err
	}
	return c.finish(func() { c.step = StepDriverDetails }), nil
}

// SubmitDriverDetails records the main driver.
func (c *Controller) SubmitDriverDetails(in DriverDetailsInput) (Snapshot, error) {
	err := c.begin(StepDriverDetails, func() error {
		return ValidateDriverDetails(in, c.deps.Clock())
	})
	if err != nil {
		return c.View(), err
	}
	return c.finish(func() {
		c.data = mergeDriverDetails(c.data, in)
		c.step = StepAccount
	}), nil
}

// SubmitAccount creates an account when the visitor is not signed in, then
// saves the quote under the account holder.
func (c *Controller) SubmitAccount(ctx context.Context, in AccountInput) (Snapshot, error) {
	snap, _, err := c.Register(ctx, in)
	return snap, err
}

// Register is SubmitAccount that also returns the session created by this
// call. It is nil when the visitor was already signed in or no account was
// created. The session is set even if saving the quote then fails.
func (c *Controller) Register(ctx context.Context, in AccountInput) (Snapshot, *auth.Session, error) {
	var (
		session *auth.Session
		issued  *auth.Session
		data    insurance.InsuranceData
		email   string
	)
	err := c.begin(StepAccount, func() error {
		session = c.session
		if err := ValidateAccount(in, session != nil); err != nil {
			return err
		}
		email = strings.ToLower(strings.TrimSpace(in.EmailAddress))
		if email == "" && session != nil {
			email = session.User.Email
		}
		c.data = mergeAccount(c.data, insurance.AccountInformation{
			EmailAddress:    email,
			Password:        insurance.ScrubbedPassword,
			ConfirmPassword: insurance.ScrubbedPassword,
		})
		data = c.data
		return nil
	})
	if err != nil {
		return c.View(), nil, err
	}

	if session == nil {
		created, err := c.deps.Accounts.CreateAccount(ctx, email, in.Password, data.DriverDetails.FullName)
		if err != nil {
			snap, err := c.fail(BannerAccount, fmt.Errorf("wizard: create account: %w", err))
			return snap, nil, err
		}
		session = &created
		issued = session
		c.mu.Lock()
		c.session = session
		c.mu.Unlock()
	}

	ownerID := session.User.ID
	quoteID, err := c.deps.Quotes.SaveQuote(ctx, &ownerID, data)
	if err != nil {
		snap, err := c.fail(BannerAccount, fmt.Errorf("wizard: save quote: %w", err))
		return snap, issued, err
	}

	return c.finish(func() {
		c.quoteID = quoteID
		c.step = StepPayment
	}), issued, nil
}

// SkipAccount saves the quote anonymously under a placeholder email.
func (c *Controller) SkipAccount(ctx context.Context) (Snapshot, error) {
	var data insurance.InsuranceData
	err := c.begin(StepAccount, func() error {
		c.data = mergeAccount(c.data, insurance.AccountInformation{
			EmailAddress: fmt.Sprintf("temp_%s@%s", c.deps.RandomToken(), anonymousEmailDomain),
		})
		data = c.data
		return nil
	})
	if err != nil {
		return c.View(), err
	}

	quoteID, err := c.deps.Quotes.SaveQuote(ctx, nil, data)
	if err != nil {
		return c.fail(BannerSkipAccount, fmt.Errorf("wizard: save anonymous quote: %w", err))
	}

	return c.finish(func() {
		c.quoteID = quoteID
		c.step = StepPayment
	}), nil
}

// SubmitPayment charges the card and, once the store records the payment,
// moves to confirmation.
func (c *Controller) SubmitPayment(ctx context.Context, in PaymentInput) (Snapshot, error) {
	card := payment.Card{
		NameOnCard: in.NameOnCard,
		Number:     in.CardNumber,
		Expiry:     in.ExpiryDate,
		CVV:        in.CVV,
	}
	var quoteID, amount string
	err := c.begin(StepPayment, func() error {
		if errs := payment.ValidateCard(card, c.deps.Clock()); len(errs) > 0 {
			return &ValidationError{Fields: errs}
		}
		quoteID = c.quoteID
		amount = c.data.QuoteSummary.Price
		return nil
	})
	if err != nil {
		return c.View(), err
	}

	// One key per quote covers both the charge and the recorded payment, so
	// resubmitting after a failed write does not take the money twice.
	key := "payment:" + quoteID
	receipt, err := c.deps.Payments.Charge(ctx, payment.Charge{
		QuoteID:        quoteID,
		Amount:         amount,
		Card:           card,
		IdempotencyKey: key,
	})
	switch {
	case errors.Is(err, payment.ErrDeclined):
		return c.fail(BannerPaymentDeclined, fmt.Errorf("wizard: charge: %w", err))
	case err != nil:
		return c.fail(BannerPaymentError, fmt.Errorf("wizard: charge: %w", err))
	}

	res, err := c.deps.Quotes.CompletePayment(ctx, insurance.CompletePaymentRequest{
		QuoteID:          quoteID,
		IdempotencyKey:   key,
		PaymentReference: receipt.Reference,
		Amount:           receipt.Amount,
	})
	if err != nil {
		return c.fail(BannerPaymentError, fmt.Errorf("wizard: complete payment: %w", err))
	}
	if !res.Success {
		return c.fail(BannerPaymentDeclined, fmt.Errorf("%w: %s", ErrPaymentNotRecorded, res.Message))
	}

	policy := res.PolicyNumber
	if policy == "" {
		policy = insurance.FallbackPolicyNumber()
	}
	return c.finish(func() {
		c.policyNumber = policy
		c.step = StepConfirmation
	}), nil
}

// begin claims the controller for a transition from expected. check runs
// under the lock after the step test; a non-nil result aborts the transition
// without touching a collaborator.
func (c *Controller) begin(expected Step, check func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.repairLocked()
	if c.inFlight {
		return ErrBusy
	}
	if c.step != expected {
		return fmt.Errorf("%w: at %s, want %s", ErrWrongStep, c.step, expected)
	}
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	c.inFlight = true
	c.banner = ""
	return nil
}

func (c *Controller) finish(apply func()) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	apply()
	c.inFlight = false
	return c.snapshotLocked()
}

func (c *Controller) fail(banner string, err error) (Snapshot, error) {
	c.deps.Logger.Warn("wizard transition failed",
		zap.String("step", string(c.currentStep())),
		zap.Error(err),
	)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.banner = banner
	c.inFlight = false
	return c.snapshotLocked(), err
}

func (c *Controller) currentStep() Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// repairLocked sends a wizard whose step lacks its prerequisite data back to
// the start.
func (c *Controller) repairLocked() {
	ok := true
	switch c.step {
	case StepVehicleLookup:
	case StepQuote, StepDriverDetails:
		ok = c.data.QuoteSummary.Price != ""
	case StepAccount:
		ok = c.data.QuoteSummary.Price != "" && c.data.DriverDetails.FullName != ""
	case StepPayment:
		ok = c.data.QuoteSummary.Price != "" && c.quoteID != ""
	case StepConfirmation:
		ok = c.quoteID != "" && c.policyNumber != ""
	default:
		ok = false
	}
	if ok {
		return
	}
	c.deps.Logger.Warn("wizard reset from invalid state", zap.String("step", string(c.step)))
	c.step = StepVehicleLookup
	c.banner = BannerRestarted
	c.inFlight = false
}

func (c *Controller) snapshotLocked() Snapshot {
	data := c.data
	if data.QuoteSummary.VehicleDetails != nil {
		v := *c.data.QuoteSummary.VehicleDetails
		data.QuoteSummary.VehicleDetails = &v
	}
	if data.AccountInformation.Password != "" {
		data.AccountInformation.Password = insurance.ScrubbedPassword
	}
	if data.AccountInformation.ConfirmPassword != "" {
		data.AccountInformation.ConfirmPassword = insurance.ScrubbedPassword
	}

	snap := Snapshot{
		Step:         c.step,
		Steps:        Steps(),
		Data:         data,
		QuoteID:      c.quoteID,
		PolicyNumber: c.policyNumber,
		Error:        c.banner,
		Busy:         c.inFlight,
		SignedIn:     c.session != nil,
	}
	if c.step == StepConfirmation {
		snap.CustomerEmail = c.customerEmailLocked()
	}
	return snap
}

func (c *Controller) customerEmailLocked() string {
	if c.session != nil && c.session.User.Email != "" {
		return c.session.User.Email
	}
	if c.data.AccountInformation.EmailAddress != "" {
		return c.data.AccountInformation.EmailAddress
	}
	return "your email"
}

func mergeVehicleLookup(data insurance.InsuranceData, in VehicleLookupInput, res vehicle.QuoteResult) insurance.InsuranceData {
	data.VehicleInformation = insurance.VehicleInformation{
		RegistrationNumber: res.Vehicle.RegistrationNumber,
		CoverStart:         in.CoverStart,
		CoverEnd:           in.CoverEnd,
		Make:               res.Vehicle.Make,
		Model:              res.Vehicle.Model,
		Year:               res.Vehicle.Year,
		EngineSize:         res.Vehicle.EngineSize,
		FuelType:           res.Vehicle.FuelType,
		Color:              res.Vehicle.Color,
	}
	data.QuoteSummary = insurance.QuoteSummary{
		CoverStart: in.CoverStart,
		CoverEnd:   in.CoverEnd,
		Price:      res.Price,
		VehicleDetails: &insurance.VehicleSummary{
			Make:  res.Vehicle.Make,
			Model: res.Vehicle.Model,
			Year:  res.Vehicle.Year,
		},
	}
	return data
}

func mergeDriverDetails(data insurance.InsuranceData, in DriverDetailsInput) insurance.InsuranceData {
	data.DriverDetails = insurance.DriverDetails{
		FullName:    strings.TrimSpace(in.FullName),
		DateOfBirth: in.DateOfBirth,
		Address: insurance.Address{
			Line1:    strings.TrimSpace(in.Address.Line1),
			Line2:    strings.TrimSpace(in.Address.Line2),
			Town:     strings.TrimSpace(in.Address.Town),
			PostCode: strings.ToUpper(strings.TrimSpace(in.Address.PostCode)),
		},
		PhoneNumber: compactPhone(in.PhoneNumber),
	}
	return data
}

func mergeAccount(data insurance.InsuranceData, info insurance.AccountInformation) insurance.InsuranceData {
	data.AccountInformation = info
	return data
}
