package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"taskstream/internal/auth/domain"
	"taskstream/internal/logging"
)

// Config controls token signing and expiry.
type Config struct {
	// Secret signs tokens with HMAC-SHA256. Required.
	Secret string
	// TokenTTL defaults to one hour.
	TokenTTL time.Duration
	// Users maps username to password for credential login.
	Users map[string]string
}

// Service issues and validates bearer tokens. At most one token per subject is
// recognized as valid: issuing a new token supersedes the previous one, which
// then fails validation even though its signature and expiry still check out.
type Service struct {
	secret []byte
	ttl    time.Duration
	users  map[string]string

	mu     sync.Mutex
	active map[string]string // subject -> active token id

	now    func() time.Time
	logger logging.Logger
}

// NewService constructs the auth service.
func NewService(cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Service{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TokenTTL,
		users:  cfg.Users,
		active: make(map[string]string),
		now:    time.Now,
		logger: logging.NewComponentLogger("AuthService"),
	}
}

// WithNow allows tests to control the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Login verifies credentials and issues a fresh token for the subject.
func (s *Service) Login(username, password string) (domain.Token, error) {
	expected, ok := s.users[username]
	if !ok || expected != password {
		return domain.Token{}, domain.ErrInvalidCredentials
	}
	return s.IssueToken(username)
}

// IssueToken mints a signed token for subject and records it as the single
// active token, invalidating whatever was active before.
func (s *Service) IssueToken(subject string) (domain.Token, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	tokenID := uuid.New().String()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        tokenID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return domain.Token{}, fmt.Errorf("sign token: %w", err)
	}

	s.mu.Lock()
	s.active[subject] = tokenID
	s.mu.Unlock()

	s.logger.Info("issued token for subject %s, expires %s", subject, expires.Format(time.RFC3339))
	return domain.Token{
		Value:     signed,
		Subject:   subject,
		IssuedAt:  now,
		ExpiresAt: expires,
	}, nil
}

// Validate parses the token and returns its subject. Tokens that are expired,
// tampered with, or superseded by a newer issue all fail.
func (s *Service) Validate(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", domain.ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", domain.ErrInvalidToken
	}

	s.mu.Lock()
	activeID, hasActive := s.active[claims.Subject]
	s.mu.Unlock()

	if !hasActive || activeID != claims.ID {
		return "", domain.ErrTokenSuperseded
	}
	return claims.Subject, nil
}

// Invalidate clears the active token for subject, e.g. on logout.
func (s *Service) Invalidate(subject string) {
	s.mu.Lock()
	delete(s.active, subject)
	s.mu.Unlock()
	s.logger.Info("invalidated tokens for subject %s", subject)
}
