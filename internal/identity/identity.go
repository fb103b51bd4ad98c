package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nimbuschat/feedsync/internal/feed"
)

var (
	// ErrMissingToken indicates an empty session token.
	ErrMissingToken = errors.New("identity: session token required")
	// ErrMalformedToken indicates a token the parser could not decode.
	ErrMalformedToken = errors.New("identity: malformed session token")
	// ErrMissingSubject indicates a token without a subject claim.
	ErrMissingSubject = errors.New("identity: token has no subject")
)

// FromSessionToken extracts the user identifier from a session token without
// verifying its signature. The client never holds the signing secret; the
// backend rejects a tampered token on the first request anyway.
func FromSessionToken(token string) (feed.UserID, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(trimmed, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrMissingSubject
	}
	return feed.NewUserID(claims.Subject)
}
