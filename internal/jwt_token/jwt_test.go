package jwttoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "syncbridge/pkg/domain-errors"
)

var jwtService = NewJWTService("test-signing-key", "test-registry")
var expiresIn = time.Hour

func Test_GenerateWebhookToken(t *testing.T) {
	token, err := jwtService.GenerateWebhookToken("blabsy", expiresIn)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := jwtService.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "blabsy", claims.Platform)
	assert.Equal(t, "test-registry", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(expiresIn), claims.ExpiresAt.Time, time.Minute)
}

func Test_ValidateToken_InvalidToken(t *testing.T) {
	_, err := jwtService.ValidateToken("invalid-token-string")
	require.ErrorIs(t, err, dErrors.New(dErrors.CodeUnauthorized, "invalid token"))
}

func Test_ValidateToken_ExpiredToken(t *testing.T) {
	token, err := jwtService.GenerateWebhookToken("blabsy", -time.Hour)
	require.NoError(t, err)

	_, err = jwtService.ValidateToken(token)
	require.ErrorIs(t, err, dErrors.New(dErrors.CodeUnauthorized, "token has expired"))
	assert.Equal(t, "token has expired", dErrors.MessageOf(err))
}

func Test_ValidateToken_WrongSecret(t *testing.T) {
	other := NewJWTService("another-key", "test-registry")
	token, err := other.GenerateWebhookToken("blabsy", expiresIn)
	require.NoError(t, err)

	_, err = jwtService.ValidateToken(token)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
}

func Test_ValidateToken_WrongIssuer(t *testing.T) {
	other := NewJWTService("test-signing-key", "someone-else")
	token, err := other.GenerateWebhookToken("blabsy", expiresIn)
	require.NoError(t, err)

	_, err = jwtService.ValidateToken(token)
	require.Error(t, err)
}

func Test_GenerateWebhookToken_RequiresPlatform(t *testing.T) {
	_, err := jwtService.GenerateWebhookToken("", expiresIn)
	assert.Equal(t, dErrors.CodeBadRequest, dErrors.CodeOf(err))
}

func Test_ValidateToken_Leeway(t *testing.T) {
	now := time.Now()
	minted := NewJWTService("k", "", WithClock(func() time.Time { return now.Add(-time.Minute - 10*time.Second) }))
	token, err := minted.GenerateWebhookToken("blabsy", time.Minute)
	require.NoError(t, err)

	strict := NewJWTService("k", "", WithClock(func() time.Time { return now }))
	_, err = strict.ValidateToken(token)
	assert.Equal(t, "token has expired", dErrors.MessageOf(err))

	lenient := NewJWTService("k", "", WithClock(func() time.Time { return now }), WithLeeway(30*time.Second))
	claims, err := lenient.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "blabsy", claims.Platform)
}

func Test_ValidateToken_AllowedPlatforms(t *testing.T) {
	svc := NewJWTService("test-signing-key", "test-registry", WithAllowedPlatforms("blabsy", "pictique"))

	token, err := svc.GenerateWebhookToken("pictique", expiresIn)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	require.NoError(t, err)

	token, err = svc.GenerateWebhookToken("metagram", expiresIn)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.Equal(t, dErrors.CodeForbidden, dErrors.CodeOf(err))
}

func Test_ValidateToken_RejectsOtherAlgorithms(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Platform: "blabsy",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test-registry",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = jwtService.ValidateToken(signed)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
}

func Test_ValidateToken_MissingPlatform(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test-registry",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)

	_, err = jwtService.ValidateToken(signed)
	assert.Equal(t, "token has no platform", dErrors.MessageOf(err))
}

func Test_Adapter(t *testing.T) {
	token, err := jwtService.GenerateWebhookToken("pictique", expiresIn)
	require.NoError(t, err)

	claims, err := NewJWTServiceAdapter(jwtService).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "pictique", claims.Platform)
	assert.NotEmpty(t, claims.JTI)
}
