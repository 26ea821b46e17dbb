package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"quickcover/auth"
	"quickcover/insurance"
	"quickcover/wizard"
)

type contextKey string

const (
	ctxKeyUserID  contextKey = "userID"
	ctxKeySession contextKey = "session"
)

type authService interface {
	CreateAccount(ctx context.Context, email, password, displayName string) (auth.Session, error)
	SignIn(ctx context.Context, req auth.LoginRequest) (auth.Session, error)
	SignOut(ctx context.Context, token string) error
	CurrentSession(ctx context.Context, token string) (*auth.Session, error)
}

type quoteReader interface {
	GetQuote(ctx context.Context, quoteID string) (insurance.Record, error)
	ListQuotes(ctx context.Context, ownerID string) ([]insurance.Record, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers and the services they call.
type Server struct {
	authService authService
	quotes      quoteReader
	wizards     *wizard.Registry
	health      pinger
	logger      *zap.Logger
}

// Routes wires the HTTP routes exposed by the API.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.sessionMiddleware)

	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.requireUser(s.handleLogout)).Methods(http.MethodPost)
	api.HandleFunc("/auth/session", s.handleSession).Methods(http.MethodGet)

	api.HandleFunc("/wizard", s.handleStartWizard).Methods(http.MethodPost)
	api.HandleFunc("/wizard/{id}", s.handleWizard).Methods(http.MethodGet)
	api.HandleFunc("/wizard/{id}/vehicle", s.handleVehicleLookup).Methods(http.MethodPost)
	api.HandleFunc("/wizard/{id}/quote/continue", s.handleContinueFromQuote).Methods(http.MethodPost)
	api.HandleFunc("/wizard/{id}/driver", s.handleDriverDetails).Methods(http.MethodPost)
	api.HandleFunc("/wizard/{id}/account", s.handleAccount).Methods(http.MethodPost)
	api.HandleFunc("/wizard/{id}/account/skip", s.handleSkipAccount).Methods(http.MethodPost)
	api.HandleFunc("/wizard/{id}/payment", s.handlePayment).Methods(http.MethodPost)

	api.HandleFunc("/quotes", s.requireUser(s.handleListQuotes)).Methods(http.MethodGet)
	api.HandleFunc("/quotes/{id}", s.handleGetQuote).Methods(http.MethodGet)

	return s.loggingMiddleware(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	payload := map[string]any{"status": "ok"}
	if s.health != nil {
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Error("health check failed", zap.Error(err))
			status = http.StatusServiceUnavailable
			payload["status"] = "degraded"
			payload["error"] = err.Error()
		}
	}
	writeJSON(w, status, payload)
}

// sessionMiddleware resolves an optional bearer token. Requests without a
// token continue anonymously; a bad token is rejected.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		session, err := s.authService.CurrentSession(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			s.logger.Error("resolve session", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if session == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeySession, session)
		ctx = context.WithValue(ctx, ctxKeyUserID, session.User.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if userIDFromContext(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func sessionFromContext(ctx context.Context) *auth.Session {
	session, _ := ctx.Value(ctxKeySession).(*auth.Session)
	return session
}

func userIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(ctxKeyUserID).(string)
	return userID
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
