// Package auth provides JWT token management for the scheduler endpoints.
// Only the external payout scheduler authenticates against this service;
// end users never hold tokens for this API.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeScheduler is the typ claim value for scheduler-issued tokens.
const TokenTypeScheduler = "scheduler"

// SchedulerTokenExpiry bounds the lifetime of a scheduler token. The
// scheduler mints a fresh token per run, so the window is short.
const SchedulerTokenExpiry = 15 * time.Minute

// DefaultLeeway for token validation.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrEmptyJobID is returned when jobID is empty.
var ErrEmptyJobID = errors.New("jobID cannot be empty")

// Claims represents scheduler JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"typ"` // Always "scheduler"
}

// SchedulerTokenService signs and validates scheduler tokens.
// Supports dual-key rotation: tokens are signed with currentSecret,
// but can be validated with either currentSecret or previousSecret.
type SchedulerTokenService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
}

// NewSchedulerTokenService creates a new SchedulerTokenService with the given secret.
func NewSchedulerTokenService(secret string) *SchedulerTokenService {
	return &SchedulerTokenService{
		currentSecret: []byte(secret),
		leeway:        DefaultLeeway,
	}
}

// NewSchedulerTokenServiceWithRotation creates a service with dual-key support
// for zero-downtime secret rotation. Set previousSecret to empty string if no
// rotation is in progress.
func NewSchedulerTokenServiceWithRotation(currentSecret, previousSecret string) *SchedulerTokenService {
	svc := &SchedulerTokenService{
		currentSecret: []byte(currentSecret),
		leeway:        DefaultLeeway,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// GenerateToken creates a scheduler token identifying a scheduler run.
func (s *SchedulerTokenService) GenerateToken(jobID string) (string, error) {
	if jobID == "" {
		return "", ErrEmptyJobID
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   jobID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SchedulerTokenExpiry)),
		},
		Type: TokenTypeScheduler,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret)
}

// ValidateToken parses and validates a scheduler token, returning the claims if valid.
// Supports dual-key rotation: tries currentSecret first, then previousSecret if available.
func (s *SchedulerTokenService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parseWithSecret(tokenString, s.currentSecret)
	if err == nil {
		return claims, nil
	}

	if s.previousSecret != nil {
		if claims, prevErr := s.parseWithSecret(tokenString, s.previousSecret); prevErr == nil {
			return claims, nil
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

func (s *SchedulerTokenService) parseWithSecret(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithLeeway(s.leeway))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeScheduler {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
