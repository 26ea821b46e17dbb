package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"quickcover/auth"
	"quickcover/insurance"
	"quickcover/payment"
	"quickcover/vehicle"
	"quickcover/wizard"
)

// Env is the set of services the actors share.
type Env struct {
	Pool   *pgxpool.Pool
	Quotes *insurance.Service
	Auth   *auth.Service
	Logger *zap.Logger

	mu     sync.Mutex
	owners []string
}

// NewEnv wires the Postgres-backed services over pool.
func NewEnv(pool *pgxpool.Pool, logger *zap.Logger) *Env {
	return &Env{
		Pool:   pool,
		Quotes: insurance.NewService(pool, insurance.NewRepository(pool)),
		Auth:   auth.NewService(auth.NewRepository(pool), "stress-secret"),
		Logger: logger,
	}
}

func (e *Env) deps() wizard.Dependencies {
	return wizard.Dependencies{
		Pricer:   vehicle.NewService(vehicle.NewMockRegistry(0)),
		Accounts: e.Auth,
		Quotes:   e.Quotes,
		Payments: payment.NewSimulatedProcessor(0),
		Logger:   e.Logger,
	}
}

func (e *Env) addOwner(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.owners = append(e.owners, id)
}

func (e *Env) randomOwner(rng *rand.Rand) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.owners) == 0 {
		return "", false
	}
	return e.owners[rng.IntN(len(e.owners))], true
}

var goodCard = wizard.PaymentInput{
	NameOnCard: "S HOPPER",
	CardNumber: "4242 4242 4242 4242",
	ExpiryDate: "12/39",
	CVV:        "123",
}

// Shopper runs complete wizard journeys until stopped. Journeys randomly
// register or skip the account, hit a declined card first, or double-submit
// the payment.
func Shopper(ctx context.Context, env *Env, id int, rng *rand.Rand, stop <-chan struct{}) error {
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := journey(ctx, env, fmt.Sprintf("shopper-%d-%d", id, n), rng); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		time.Sleep(time.Duration(5+rng.IntN(20)) * time.Millisecond)
	}
}

func journey(ctx context.Context, env *Env, name string, rng *rand.Rand) error {
	ctrl := wizard.NewController(env.deps(), nil)

	// Some windows start a few minutes ago so active quotes show up too.
	start := time.Now().Add(time.Duration(rng.IntN(72))*time.Hour - 10*time.Minute).Truncate(time.Minute)
	lookup := wizard.VehicleLookupInput{
		RegistrationNumber: "AB12CDE",
		CoverStart:         start,
		CoverEnd:           start.Add(time.Duration(1+rng.IntN(96)) * time.Hour),
	}
	if _, err := ctrl.SubmitVehicleLookup(ctx, lookup); err != nil {
		return fmt.Errorf("%s: vehicle lookup: %w", name, err)
	}
	if _, err := ctrl.ContinueFromQuote(); err != nil {
		return fmt.Errorf("%s: continue: %w", name, err)
	}
	driver := wizard.DriverDetailsInput{
		FullName:    "Stress " + name,
		DateOfBirth: time.Date(1985, 6, 1, 0, 0, 0, 0, time.UTC),
		Address:     insurance.Address{Line1: "1 High Street", Town: "Leeds", PostCode: "LS1 4AP"},
		PhoneNumber: "07700 900123",
	}
	if _, err := ctrl.SubmitDriverDetails(driver); err != nil {
		return fmt.Errorf("%s: driver details: %w", name, err)
	}

	if rng.IntN(2) == 0 {
		if _, err := ctrl.SkipAccount(ctx); err != nil {
			return fmt.Errorf("%s: skip account: %w", name, err)
		}
	} else {
		account := wizard.AccountInput{
			EmailAddress:    name + "@example.com",
			Password:        "Password1",
			ConfirmPassword: "Password1",
		}
		if _, err := ctrl.SubmitAccount(ctx, account); err != nil {
			return fmt.Errorf("%s: account: %w", name, err)
		}
		env.addOwner(ctrl.Session().User.ID)
	}

	if rng.IntN(4) == 0 {
		declined := goodCard
		declined.CardNumber = payment.DeclineCardNumber
		snap, err := ctrl.SubmitPayment(ctx, declined)
		if !errors.Is(err, payment.ErrDeclined) || snap.Step != wizard.StepPayment {
			return fmt.Errorf("%s: declined card: step %s, err %v", name, snap.Step, err)
		}
	}

	if rng.IntN(3) == 0 {
		return doubleSubmit(ctx, ctrl, name)
	}
	snap, err := ctrl.SubmitPayment(ctx, goodCard)
	if err != nil {
		return fmt.Errorf("%s: payment: %w", name, err)
	}
	return confirmed(name, snap)
}

// doubleSubmit fires two payments at once; exactly one may proceed.
func doubleSubmit(ctx context.Context, ctrl *wizard.Controller, name string) error {
	var (
		wg   sync.WaitGroup
		errs [2]error
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ctrl.SubmitPayment(ctx, goodCard)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, wizard.ErrBusy), errors.Is(err, wizard.ErrWrongStep):
		default:
			return fmt.Errorf("%s: double submit: %w", name, err)
		}
	}
	if succeeded != 1 {
		return fmt.Errorf("%s: double submit: %d payments succeeded", name, succeeded)
	}
	return confirmed(name, ctrl.View())
}

func confirmed(name string, snap wizard.Snapshot) error {
	if snap.Step != wizard.StepConfirmation || snap.PolicyNumber == "" {
		return fmt.Errorf("%s: expected confirmation with policy number, got step %s policy %q", name, snap.Step, snap.PolicyNumber)
	}
	return nil
}

// PaymentReplayer replays payment completion for random paid quotes and
// checks the original policy number comes back.
func PaymentReplayer(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var quoteID, policy string
		err := env.Pool.QueryRow(ctx,
			`SELECT id::text, policy_number FROM quotes WHERE policy_number IS NOT NULL ORDER BY random() LIMIT 1`,
		).Scan(&quoteID, &policy)
		if err == nil {
			res, err := env.Quotes.CompletePayment(ctx, insurance.CompletePaymentRequest{
				QuoteID:        quoteID,
				IdempotencyKey: "payment:" + quoteID,
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("replay %s: %w", quoteID, err)
			}
			if res.PolicyNumber != policy {
				return fmt.Errorf("replay %s: policy %s, stored %s", quoteID, res.PolicyNumber, policy)
			}
		}
		time.Sleep(time.Duration(20+rng.IntN(40)) * time.Millisecond)
	}
}

// DashboardReader lists quotes for random account holders and checks the
// newest-first ordering.
func DashboardReader(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if owner, ok := env.randomOwner(rng); ok {
			records, err := env.Quotes.ListQuotes(ctx, owner)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("list quotes for %s: %w", owner, err)
			}
			newestFirst := sort.SliceIsSorted(records, func(i, j int) bool {
				return records[i].CreatedAt.After(records[j].CreatedAt)
			})
			if !newestFirst {
				return fmt.Errorf("quotes for %s not newest first", owner)
			}
			for _, rec := range records {
				if rec.UserID != owner {
					return fmt.Errorf("quote %s listed for %s belongs to %s", rec.ID, owner, rec.UserID)
				}
			}
		}
		time.Sleep(time.Duration(30+rng.IntN(50)) * time.Millisecond)
	}
}
