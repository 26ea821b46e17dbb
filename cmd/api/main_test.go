package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"quickcover/auth"
	"quickcover/config"
	"quickcover/insurance"
	"quickcover/wizard"
)

type stubAuthService struct {
	session    auth.Session
	current    *auth.Session
	createErr  error
	signInErr  error
	currentErr error
	signedOut  string
}

func (s *stubAuthService) CreateAccount(_ context.Context, email, _, displayName string) (auth.Session, error) {
	if s.createErr != nil {
		return auth.Session{}, s.createErr
	}
	session := s.session
	session.User.Email = email
	session.User.DisplayName = displayName
	return session, nil
}

func (s *stubAuthService) SignIn(_ context.Context, _ auth.LoginRequest) (auth.Session, error) {
	return s.session, s.signInErr
}

func (s *stubAuthService) SignOut(_ context.Context, token string) error {
	s.signedOut = token
	return nil
}

func (s *stubAuthService) CurrentSession(_ context.Context, token string) (*auth.Session, error) {
	if token == "" {
		return nil, nil
	}
	return s.current, s.currentErr
}

type stubQuotes struct {
	record  insurance.Record
	records []insurance.Record
	err     error
	owner   string
}

func (s *stubQuotes) GetQuote(_ context.Context, _ string) (insurance.Record, error) {
	return s.record, s.err
}

func (s *stubQuotes) ListQuotes(_ context.Context, ownerID string) ([]insurance.Record, error) {
	s.owner = ownerID
	return s.records, s.err
}

func newStubServer(a *stubAuthService, q *stubQuotes) *Server {
	return &Server{
		authService: a,
		quotes:      q,
		wizards:     wizard.NewRegistry(wizard.Dependencies{}, time.Hour),
		logger:      zap.NewNop(),
	}
}

func TestHandleRegister_Success(t *testing.T) {
	expires := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	server := newStubServer(&stubAuthService{
		session: auth.Session{Token: "tok", ExpiresAt: expires, User: auth.User{ID: "u1"}},
	}, &stubQuotes{})

	body := strings.NewReader(`{"email":"jane@example.com","password":"Password1","displayName":"Jane"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", body)
	rec := httptest.NewRecorder()

	server.handleRegister(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token != "tok" || resp.User.ID != "u1" || resp.User.Email != "jane@example.com" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.ExpiresAt != expires.Format(time.RFC3339) {
		t.Fatalf("expected expiresAt %s, got %s", expires.Format(time.RFC3339), resp.ExpiresAt)
	}
}

func TestHandleRegister_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
	}{
		{"duplicate", auth.ErrDuplicateEmail, `{"email":"a@b.co","password":"Password1"}`, http.StatusConflict},
		{"weak password", auth.ErrWeakPassword, `{"email":"a@b.co","password":"x"}`, http.StatusUnprocessableEntity},
		{"unexpected", errors.New("boom"), `{"email":"a@b.co","password":"Password1"}`, http.StatusInternalServerError},
		{"bad json", nil, `{"email":`, http.StatusBadRequest},
		{"unknown field", nil, `{"email":"a@b.co","role":"admin"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newStubServer(&stubAuthService{createErr: tt.err}, &stubQuotes{})
			req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			server.handleRegister(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	server := newStubServer(&stubAuthService{signInErr: auth.ErrInvalidCredentials}, &stubQuotes{})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"a@b.co","password":"nope"}`))
	rec := httptest.NewRecorder()

	server.handleLogin(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSessionMiddleware(t *testing.T) {
	session := &auth.Session{Token: "tok", User: auth.User{ID: "u1", Email: "jane@example.com"}}

	t.Run("no token", func(t *testing.T) {
		server := newStubServer(&stubAuthService{}, &stubQuotes{})
		rec := httptest.NewRecorder()
		server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != "null" {
			t.Fatalf("expected null session, got %s", got)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		server := newStubServer(&stubAuthService{current: session}, &stubQuotes{})
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()
		server.Routes().ServeHTTP(rec, req)

		var resp sessionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.User.ID != "u1" {
			t.Fatalf("unexpected session: %+v", resp)
		}
	})

	t.Run("revoked token", func(t *testing.T) {
		server := newStubServer(&stubAuthService{currentErr: auth.ErrInvalidToken}, &stubQuotes{})
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.Header.Set("Authorization", "Bearer stale")
		rec := httptest.NewRecorder()
		server.Routes().ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})
}

func TestHandleLogout_RequiresUser(t *testing.T) {
	stub := &stubAuthService{}
	server := newStubServer(stub, &stubQuotes{})

	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer tok")
	req = req.WithContext(context.WithValue(req.Context(), ctxKeyUserID, "u1"))
	rec = httptest.NewRecorder()
	server.handleLogout(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if stub.signedOut != "tok" {
		t.Fatalf("expected token to be signed out, got %q", stub.signedOut)
	}
}

func TestHandleListQuotes_Success(t *testing.T) {
	now := time.Now().UTC()
	policy := "TCI-123456"
	quotes := &stubQuotes{
		records: []insurance.Record{
			{ID: "q1", UserID: "owner-1", Status: insurance.StatusActive, PolicyNumber: &policy, CreatedAt: now},
		},
	}
	server := newStubServer(&stubAuthService{}, quotes)

	req := httptest.NewRequest(http.MethodGet, "/api/quotes", nil)
	req = req.WithContext(context.WithValue(req.Context(), ctxKeyUserID, "owner-1"))
	rec := httptest.NewRecorder()

	server.handleListQuotes(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []quoteResponse `json:"items"`
		Total int             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Total != 1 || payload.Items[0].ID != "q1" || payload.Items[0].PolicyNumber != policy {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Items[0].Status != insurance.StatusActive {
		t.Fatalf("expected active status, got %s", payload.Items[0].Status)
	}
	if quotes.owner != "owner-1" {
		t.Fatalf("expected owner-1 lookup, got %q", quotes.owner)
	}
}

func TestHandleGetQuote(t *testing.T) {
	tests := []struct {
		name   string
		quotes *stubQuotes
		caller string
		status int
	}{
		{"anonymous quote", &stubQuotes{record: insurance.Record{ID: "q1", UserID: insurance.AnonymousOwner}}, "", http.StatusOK},
		{"own quote", &stubQuotes{record: insurance.Record{ID: "q1", UserID: "u1"}}, "u1", http.StatusOK},
		{"someone else's quote", &stubQuotes{record: insurance.Record{ID: "q1", UserID: "u1"}}, "u2", http.StatusNotFound},
		{"missing", &stubQuotes{err: insurance.ErrQuoteNotFound}, "", http.StatusNotFound},
		{"store failure", &stubQuotes{err: errors.New("boom")}, "", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newStubServer(&stubAuthService{}, tt.quotes)
			req := httptest.NewRequest(http.MethodGet, "/api/quotes/q1", nil)
			req = mux.SetURLVars(req, map[string]string{"id": "q1"})
			if tt.caller != "" {
				req = req.WithContext(context.WithValue(req.Context(), ctxKeyUserID, tt.caller))
			}
			rec := httptest.NewRecorder()

			server.handleGetQuote(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestWizardStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{&wizard.ValidationError{Fields: map[string]string{"a": "b"}}, http.StatusUnprocessableEntity},
		{wizard.ErrBusy, http.StatusConflict},
		{wizard.ErrWrongStep, http.StatusConflict},
		{errors.Join(errors.New("wizard: create account"), auth.ErrDuplicateEmail), http.StatusConflict},
		{errors.New("registry offline"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := wizardStatus(tt.err); got != tt.want {
			t.Fatalf("wizardStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

// End-to-end tests over the real router backed by SQLite.

type apiClient struct {
	t       *testing.T
	handler http.Handler
	token   string
}

func newSQLiteClient(t *testing.T) *apiClient {
	t.Helper()
	cfg := config.Default()
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "api.db")
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Wizard.LookupDelay = 0
	cfg.Wizard.PaymentDelay = 0

	a, err := newApp(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.Close)
	return &apiClient{t: t, handler: a.server.Routes()}
}

func (c *apiClient) do(method, path string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			c.t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func (c *apiClient) expect(want int, method, path string, body any) wizardResponse {
	c.t.Helper()
	var resp wizardResponse
	if got := c.do(method, path, body, &resp); got != want {
		c.t.Fatalf("%s %s: expected %d, got %d (%+v)", method, path, want, got, resp)
	}
	return resp
}

func coverWindow() map[string]string {
	start := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	return map[string]string{
		"registrationNumber": "AB12CDE",
		"coverStart":         start.Format(time.RFC3339),
		"coverEnd":           start.Add(24 * time.Hour).Format(time.RFC3339),
	}
}

var driverBody = map[string]any{
	"fullName":    "Jane Driver",
	"dateOfBirth": "1990-04-01",
	"address":     map[string]string{"line1": "1 High Street", "town": "London", "postCode": "SW1A 1AA"},
	"phoneNumber": "07700900123",
}

var cardBody = map[string]string{
	"nameOnCard": "J DRIVER",
	"cardNumber": "4242 4242 4242 4242",
	"expiryDate": "12/39",
	"cvv":        "123",
}

var policyPattern = regexp.MustCompile(`^TCI-\d{6}$`)

func TestAPI_AnonymousQuoteJourney(t *testing.T) {
	c := newSQLiteClient(t)

	var health map[string]any
	if code := c.do(http.MethodGet, "/healthz", nil, &health); code != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("health: %d %+v", code, health)
	}

	started := c.expect(http.StatusCreated, http.MethodPost, "/api/wizard", nil)
	if started.Snapshot.Step != wizard.StepVehicleLookup {
		t.Fatalf("expected vehicle step, got %s", started.Snapshot.Step)
	}
	base := "/api/wizard/" + started.ID

	bad := coverWindow()
	bad["coverEnd"] = bad["coverStart"]
	invalid := c.expect(http.StatusUnprocessableEntity, http.MethodPost, base+"/vehicle", bad)
	if _, ok := invalid.Fields["coverEnd"]; !ok {
		t.Fatalf("expected coverEnd field error, got %+v", invalid.Fields)
	}

	c.expect(http.StatusConflict, http.MethodPost, base+"/payment", cardBody)

	quoted := c.expect(http.StatusOK, http.MethodPost, base+"/vehicle", coverWindow())
	summary := quoted.Snapshot.Data.QuoteSummary
	if summary.Price != "15.00" || summary.VehicleDetails == nil || summary.VehicleDetails.Make != "Toyota" {
		t.Fatalf("unexpected quote summary: %+v", summary)
	}

	c.expect(http.StatusOK, http.MethodPost, base+"/quote/continue", nil)
	c.expect(http.StatusOK, http.MethodPost, base+"/driver", driverBody)
	skipped := c.expect(http.StatusOK, http.MethodPost, base+"/account/skip", nil)
	if skipped.Snapshot.Step != wizard.StepPayment || skipped.Snapshot.QuoteID == "" {
		t.Fatalf("expected payment step with quote id, got %+v", skipped.Snapshot)
	}

	paid := c.expect(http.StatusOK, http.MethodPost, base+"/payment", cardBody)
	if paid.Snapshot.Step != wizard.StepConfirmation || !policyPattern.MatchString(paid.Snapshot.PolicyNumber) {
		t.Fatalf("unexpected confirmation: %+v", paid.Snapshot)
	}

	var quote quoteResponse
	if code := c.do(http.MethodGet, "/api/quotes/"+skipped.Snapshot.QuoteID, nil, &quote); code != http.StatusOK {
		t.Fatalf("get quote: expected 200, got %d", code)
	}
	if quote.PolicyNumber != paid.Snapshot.PolicyNumber || quote.Status != insurance.StatusPending {
		t.Fatalf("unexpected stored quote: %+v", quote)
	}
	if !strings.HasPrefix(quote.Data.AccountInformation.EmailAddress, "temp_") || quote.Data.AccountInformation.Password != "" {
		t.Fatalf("expected anonymous account information, got %+v", quote.Data.AccountInformation)
	}

	if code := c.do(http.MethodGet, "/api/quotes", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("list without session: expected 401, got %d", code)
	}
	if code := c.do(http.MethodGet, "/api/wizard/unknown", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown wizard: expected 404, got %d", code)
	}
}

func TestAPI_AccountJourneyAndDashboard(t *testing.T) {
	c := newSQLiteClient(t)

	started := c.expect(http.StatusCreated, http.MethodPost, "/api/wizard", nil)
	base := "/api/wizard/" + started.ID
	c.expect(http.StatusOK, http.MethodPost, base+"/vehicle", coverWindow())
	c.expect(http.StatusOK, http.MethodPost, base+"/quote/continue", nil)
	c.expect(http.StatusOK, http.MethodPost, base+"/driver", driverBody)

	account := map[string]string{"emailAddress": "jane@example.com", "password": "Password1", "confirmPassword": "Password1"}
	created := c.expect(http.StatusOK, http.MethodPost, base+"/account", account)
	if created.Session == nil || created.Session.Token == "" {
		t.Fatalf("expected a session for the new account, got %+v", created)
	}
	if created.Session.User.DisplayName != "Jane Driver" {
		t.Fatalf("expected display name from driver details, got %q", created.Session.User.DisplayName)
	}
	c.token = created.Session.Token
	c.expect(http.StatusOK, http.MethodPost, base+"/payment", cardBody)

	var list struct {
		Items []quoteResponse `json:"items"`
		Total int             `json:"total"`
	}
	if code := c.do(http.MethodGet, "/api/quotes", nil, &list); code != http.StatusOK {
		t.Fatalf("list quotes: expected 200, got %d", code)
	}
	if list.Total != 1 || list.Items[0].PolicyNumber == "" {
		t.Fatalf("unexpected dashboard: %+v", list)
	}
	if list.Items[0].Data.AccountInformation.Password != insurance.ScrubbedPassword {
		t.Fatalf("expected scrubbed password, got %q", list.Items[0].Data.AccountInformation.Password)
	}

	// A second wizard by the same visitor reuses the session and cannot
	// register the same email again.
	c.token = ""
	again := c.expect(http.StatusCreated, http.MethodPost, "/api/wizard", nil)
	base = "/api/wizard/" + again.ID
	c.expect(http.StatusOK, http.MethodPost, base+"/vehicle", coverWindow())
	c.expect(http.StatusOK, http.MethodPost, base+"/quote/continue", nil)
	c.expect(http.StatusOK, http.MethodPost, base+"/driver", driverBody)
	dup := c.expect(http.StatusConflict, http.MethodPost, base+"/account", account)
	if dup.Snapshot.Error != wizard.BannerAccount || dup.Snapshot.Step != wizard.StepAccount {
		t.Fatalf("expected account banner, got %+v", dup.Snapshot)
	}

	var login sessionResponse
	if code := c.do(http.MethodPost, "/api/auth/login", map[string]string{"email": "jane@example.com", "password": "Password1"}, &login); code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", code)
	}
	c.token = login.Token
	if code := c.do(http.MethodPost, "/api/auth/logout", nil, nil); code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", code)
	}
	if code := c.do(http.MethodGet, "/api/auth/session", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("session after logout: expected 401, got %d", code)
	}
}

func TestAPI_SignedUpWizardIsPrivate(t *testing.T) {
	c := newSQLiteClient(t)
	stranger := &apiClient{t: t, handler: c.handler}

	started := c.expect(http.StatusCreated, http.MethodPost, "/api/wizard", nil)
	base := "/api/wizard/" + started.ID
	c.expect(http.StatusOK, http.MethodPost, base+"/vehicle", coverWindow())
	c.expect(http.StatusOK, http.MethodPost, base+"/quote/continue", nil)
	c.expect(http.StatusOK, http.MethodPost, base+"/driver", driverBody)

	account := map[string]string{"emailAddress": "jo@example.com", "password": "Password1", "confirmPassword": "Password1"}
	created := c.expect(http.StatusOK, http.MethodPost, base+"/account", account)
	if created.Session == nil || created.Session.Token == "" {
		t.Fatalf("expected a session on the sign-up response, got %+v", created)
	}
	token := created.Session.Token

	req := httptest.NewRequest(http.MethodGet, base, nil)
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("anonymous read of owned wizard: expected 404, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), token) {
		t.Fatalf("anonymous read leaked the session token: %s", rec.Body.String())
	}
	stranger.expect(http.StatusNotFound, http.MethodPost, base+"/payment", cardBody)

	c.token = token
	view := c.expect(http.StatusOK, http.MethodGet, base, nil)
	if view.Session != nil {
		t.Fatalf("expected no session on a later read, got %+v", view.Session)
	}
	paid := c.expect(http.StatusOK, http.MethodPost, base+"/payment", cardBody)
	if paid.Session != nil || paid.Snapshot.Step != wizard.StepConfirmation {
		t.Fatalf("unexpected payment response: %+v", paid)
	}
}

func TestApp_PurgesExpiredRevocations(t *testing.T) {
	cfg := config.Default()
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "purge.db")
	cfg.Auth.JWTSecret = "test-secret"

	a, err := newApp(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.backend.users.RevokeToken(ctx, "expired", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.purgeTokens(runCtx, time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		revoked, err := a.backend.users.IsTokenRevoked(ctx, "expired")
		if err != nil {
			t.Fatalf("is revoked: %v", err)
		}
		if !revoked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expired revocation was not purged")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("purge loop returned %v", err)
	}
}
