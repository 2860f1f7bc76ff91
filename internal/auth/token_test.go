// ABOUTME: Tests for JWT verification and generation.
// ABOUTME: Covers round trips, role claims, expiry, wrong secrets, malformed tokens.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier([]byte("test-secret"))

	token, err := v.Generate("operator-1", []string{"admin"}, time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.Subject)
	assert.Equal(t, []string{"admin"}, claims.Roles)
}

func TestVerifier_NoRoles(t *testing.T) {
	v := NewVerifier([]byte("test-secret"))

	token, err := v.Generate("viewer-1", nil, time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "viewer-1", claims.Subject)
	assert.Empty(t, claims.Roles)
}

func TestVerifier_Expired(t *testing.T) {
	v := NewVerifier([]byte("test-secret"))

	token, err := v.Generate("operator-1", nil, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifier_WrongSecret(t *testing.T) {
	v := NewVerifier([]byte("test-secret"))
	other := NewVerifier([]byte("other-secret"))

	token, err := v.Generate("operator-1", nil, time.Hour)
	require.NoError(t, err)

	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_Malformed(t *testing.T) {
	v := NewVerifier([]byte("test-secret"))

	_, err := v.Verify("not.a.token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_MissingSubject(t *testing.T) {
	secret := []byte("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	_, err = NewVerifier(secret).Verify(signed)
	require.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerifier_RejectsUnsignedAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "operator-1",
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewVerifier([]byte("test-secret")).Verify(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}
