package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	svc := NewJWTService("secret", 1)

	token, err := svc.GenerateToken("ws-1", "cli")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ws-1", claims.WorkspaceID)
	assert.Equal(t, "cli", claims.Subject)
	assert.Equal(t, Issuer, claims.Issuer)
}

func TestJWTRejects(t *testing.T) {
	svc := NewJWTService("secret", 1)

	_, err := svc.GenerateToken("", "cli")
	assert.Error(t, err)

	other, err := NewJWTService("other", 1).GenerateToken("ws-1", "cli")
	require.NoError(t, err)
	_, err = svc.ValidateToken(other)
	assert.Error(t, err, "wrong secret")

	expired := NewJWTService("secret", 1)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.GenerateToken("ws-1", "cli")
	require.NoError(t, err)
	_, err = svc.ValidateToken(old)
	assert.Error(t, err, "expired")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{WorkspaceID: "ws-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.ValidateToken(unsigned)
	assert.Error(t, err, "alg none")

	_, err = svc.ValidateToken("not-a-token")
	assert.Error(t, err)
}
