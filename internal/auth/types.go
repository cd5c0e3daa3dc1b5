package auth

import (
	"time"
)

// Operator roles
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// OperatorClaims represents the JWT claims for an operator
type OperatorClaims struct {
	Operator string `json:"operator"`
	Role     string `json:"role"`
}

// CanMutate reports whether the claims allow control actions
func (c OperatorClaims) CanMutate() bool {
	return c.Role == RoleOperator
}

// TokenResponse is returned when a token is issued
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
	TokenType   string `json:"token_type"` // Always "Bearer"
}

// Config holds authentication configuration
type Config struct {
	Enabled       bool          `json:"enabled"`
	JWTSecret     string        `json:"jwt_secret"`
	TokenDuration time.Duration `json:"token_duration"`
	Issuer        string        `json:"issuer"`
}

// DefaultConfig returns default authentication configuration
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		JWTSecret:     "", // Must be set when enabled
		TokenDuration: 12 * time.Hour,
		Issuer:        "spot-execution-bot",
	}
}

// Error types for authentication
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden    = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
	ErrNoSecret     = AuthError{Code: "NO_SECRET", Message: "jwt secret not configured"}
)
