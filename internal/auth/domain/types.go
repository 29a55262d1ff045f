package domain

import (
	"errors"
	"time"
)

// Token is an issued bearer credential.
type Token struct {
	Value     string    `json:"access_token"`
	Subject   string    `json:"subject"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authentication failures. All of them map to HTTP 401 and none of them are
// retried by stream reconnect logic.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")

	// ErrTokenSuperseded reports a structurally valid token that is no longer
	// the active one for its subject because a newer token was issued.
	ErrTokenSuperseded = errors.New("token superseded")
)
