package authtoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
	s := NewSigner("s3cret")
	token, exp, err := s.SignAccessToken("42", "ana", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 2*time.Second)

	claims, err := s.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "42", claims.UserID())
	assert.Equal(t, "ana", claims.Username)
	assert.Equal(t, TypeAccess, claims.Type)
}

func TestParseRejects(t *testing.T) {
	s := NewSigner("s3cret")

	expired, _, err := s.SignAccessToken("1", "a", -time.Minute)
	require.NoError(t, err)
	other, _, err := NewSigner("different").SignAccessToken("1", "a", time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired":      expired,
		"wrong secret": other,
		"alg none":     none,
		"garbage":      "not.a.jwt",
		"empty":        "",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Parse(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestSignRequiresUser(t *testing.T) {
	_, _, err := NewSigner("x").SignAccessToken("", "a", time.Hour)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewSignerFallsBackToEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	token, _, err := NewSigner("").SignRefreshToken("7", "", time.Hour)
	require.NoError(t, err)

	claims, err := NewSigner("from-env").Parse(token)
	require.NoError(t, err)
	assert.Equal(t, TypeRefresh, claims.Type)
}
