package auth

import "time"

// User is the domain representation of an account holder.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is an authenticated user together with the bearer token that
// identifies the session.
type Session struct {
	Token     string
	TokenID   string
	ExpiresAt time.Time
	User      User
}

// RegisterRequest contains account creation data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

// LoginRequest contains sign-in credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
