package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 letters or digits with an uppercase letter, a lowercase letter and a number")
	// ErrInvalidEmail signals a malformed email address.
	ErrInvalidEmail = errors.New("auth: invalid email address")
	// ErrInvalidToken signals a token that is malformed, expired or signed out.
	ErrInvalidToken = errors.New("auth: invalid token")
)

const defaultTokenTTL = 24 * time.Hour

var emailPattern = regexp.MustCompile(`(?i)^[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}$`)

// ValidEmail reports whether the address is syntactically acceptable.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(strings.TrimSpace(email))
}

// ValidatePassword enforces the account password policy.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrWeakPassword
	}
	var lower, upper, digit bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			return ErrWeakPassword
		}
	}
	if !lower || !upper || !digit {
		return ErrWeakPassword
	}
	return nil
}

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  defaultTokenTTL,
		now:       time.Now,
	}
}

// WithTokenTTL overrides how long issued session tokens stay valid.
func (s *Service) WithTokenTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.tokenTTL = ttl
	}
	return s
}

// CreateAccount registers a user and signs them in.
func (s *Service) CreateAccount(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.Register(ctx, RegisterRequest{Email: email, Password: password, DisplayName: displayName})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(*user)
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if err := ValidatePassword(req.Password); err != nil {
		return nil, err
	}

	email := normalizeEmail(req.Email)
	if email == "" {
		return nil, fmt.Errorf("auth: email is required")
	}
	if !ValidEmail(email) {
		return nil, ErrInvalidEmail
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = email
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(passwordHash),
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// SignIn authenticates a user and opens a session.
func (s *Service) SignIn(ctx context.Context, req LoginRequest) (Session, error) {
	user, err := s.repo.GetUserByEmail(ctx, normalizeEmail(req.Email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}

	return s.issueSession(user)
}

// SignOut revokes the session token. Signing out an already invalid token
// is reported as ErrInvalidToken.
func (s *Service) SignOut(ctx context.Context, token string) error {
	claims, err := s.parseToken(token)
	if err != nil {
		return err
	}
	return s.repo.RevokeToken(ctx, claims.tokenID, claims.expiresAt)
}

// CurrentSession resolves a bearer token to its session. An empty token
// means no session and yields nil without error.
func (s *Service) CurrentSession(ctx context.Context, token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	claims, err := s.parseToken(token)
	if err != nil {
		return nil, err
	}

	revoked, err := s.repo.IsTokenRevoked(ctx, claims.tokenID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrInvalidToken
	}

	user, err := s.repo.GetUserByID(ctx, claims.userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	return &Session{
		Token:     token,
		TokenID:   claims.tokenID,
		ExpiresAt: claims.expiresAt,
		User:      user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

type tokenClaims struct {
	userID    string
	tokenID   string
	expiresAt time.Time
}

func (s *Service) parseToken(tokenString string) (tokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return tokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return tokenClaims{}, ErrInvalidToken
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return tokenClaims{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	tokenID, ok := claims["jti"].(string)
	if !ok || tokenID == "" {
		return tokenClaims{}, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return tokenClaims{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}

	return tokenClaims{userID: userID, tokenID: tokenID, expiresAt: exp.Time}, nil
}

func (s *Service) issueSession(user User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	tokenID := uuid.NewString()

	claims := jwt.MapClaims{
		"user_id": user.ID,
		"email":   user.Email,
		"jti":     tokenID,
		"exp":     expiresAt.Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return Session{}, fmt.Errorf("auth: sign token: %w", err)
	}

	return Session{
		Token:     tokenString,
		TokenID:   tokenID,
		ExpiresAt: time.Unix(expiresAt.Unix(), 0),
		User:      user,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
