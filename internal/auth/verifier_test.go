package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestVerifierHS256(t *testing.T) {
	v := NewVerifier("top-secret")

	token := signToken(t, "top-secret", jwt.MapClaims{
		"sub":   "user-1",
		"email": "user@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"app_metadata": map[string]interface{}{
			"organization_id": "org-9",
		},
	})

	user, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.Identity)
	assert.Equal(t, "user@example.com", user.Email)
	assert.Equal(t, "org-9", user.OrgID)
}

func TestVerifierRejectsWrongSecret(t *testing.T) {
	v := NewVerifier("right-secret")
	token := signToken(t, "wrong-secret", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifierRejectsExpired(t *testing.T) {
	v := NewVerifier("s")
	token := signToken(t, "s", jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifierRequiresSubject(t *testing.T) {
	v := NewVerifier("s")
	token := signToken(t, "s", jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifierUnverifiedMode(t *testing.T) {
	// No secret configured: the token is decoded without signature checks.
	v := NewVerifier("")
	token := signToken(t, "anything", jwt.MapClaims{
		"sub":    "user-2",
		"org_id": "org-3",
	})

	user, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-2", user.Identity)
	assert.Equal(t, "org-3", user.OrgID)
}

func TestTopLevelOrgClaimWins(t *testing.T) {
	v := NewVerifier("")
	token := signToken(t, "x", jwt.MapClaims{
		"sub":    "u",
		"org_id": "org-top",
		"app_metadata": map[string]interface{}{
			"organization_id": "org-app",
		},
	})

	user, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "org-top", user.OrgID)
}
