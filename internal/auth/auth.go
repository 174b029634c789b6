// Package auth adapts the external auth service contract: bearer-token
// verification and user profile lookup.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned when a bearer token fails verification.
var ErrInvalidToken = errors.New("invalid token")

// ErrUserNotFound is returned when a user ID resolves to no profile.
var ErrUserNotFound = errors.New("user not found")

// UserProfile is the immutable identity captured at session start.
type UserProfile struct {
	UserID    string
	Username  string
	AvatarRef string
	ColorTag  string
	Active    bool
}

// Service is the auth service contract consumed by the sync engine.
type Service interface {
	// VerifyToken validates a bearer token and returns the subject user ID.
	VerifyToken(ctx context.Context, token string) (string, error)
	// LookupUser fetches the profile for a user ID.
	LookupUser(ctx context.Context, userID string) (*UserProfile, error)
}

// UserDirectory resolves user IDs to profiles.
type UserDirectory interface {
	LookupUser(ctx context.Context, userID string) (*UserProfile, error)
}

// tokenService composes a token signer with a user directory.
type tokenService struct {
	signer *TokenSigner
	dir    UserDirectory
}

// NewService creates a Service from a signer and a directory.
func NewService(signer *TokenSigner, dir UserDirectory) Service {
	return &tokenService{signer: signer, dir: dir}
}

func (s *tokenService) VerifyToken(_ context.Context, token string) (string, error) {
	return s.signer.Verify(token)
}

func (s *tokenService) LookupUser(ctx context.Context, userID string) (*UserProfile, error) {
	return s.dir.LookupUser(ctx, userID)
}
