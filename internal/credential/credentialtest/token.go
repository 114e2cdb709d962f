// Package credentialtest builds signed tokens for tests.
package credentialtest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"khubot/internal/credential"
)

// Token returns an HS256 token for userID expiring at exp
func Token(t testing.TB, userID string, exp time.Time) string {
	t.Helper()
	claims := credential.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "khubot",
			Audience:  jwt.ClaimStrings{"khubot-web"},
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
