package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Identity is the result of a successful credential check.
// An empty UserID marks a guest identity whose turns are never persisted.
type Identity struct {
	UserID    string
	Anonymous bool
}

// Verifier validates a bearer credential before a connection is accepted.
// Token issuance lives outside this service.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier maps pre-shared tokens to user identities.
// Suitable for single-tenant deployments and tests.
type StaticVerifier struct {
	tokens map[string]string
}

// NewStaticVerifier builds a verifier from a token -> userID map.
// A token mapped to the empty string yields a guest identity.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	copied := make(map[string]string, len(tokens))
	for token, userID := range tokens {
		if token = strings.TrimSpace(token); token != "" {
			copied[token] = strings.TrimSpace(userID)
		}
	}
	return &StaticVerifier{tokens: copied}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	userID, ok := v.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	return Identity{UserID: userID, Anonymous: userID == ""}, nil
}
