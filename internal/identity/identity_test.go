package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "feedsync-auth",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestFromSessionTokenExtractsSubject(t *testing.T) {
	userID, err := FromSessionToken(signToken(t, "user-123"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID.String() != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestFromSessionTokenRejectsEmptyToken(t *testing.T) {
	if _, err := FromSessionToken("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestFromSessionTokenRejectsGarbage(t *testing.T) {
	if _, err := FromSessionToken("not.a.jwt"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestFromSessionTokenRejectsMissingSubject(t *testing.T) {
	if _, err := FromSessionToken(signToken(t, "")); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}
