package authn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabtext/internal/errs"
)

func TestVerify_ValidToken(t *testing.T) {
	key := []byte("secret")
	tok, err := Issue(key, "open-123", time.Minute)
	require.NoError(t, err)

	openID, err := NewVerifier(key).Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "open-123", openID)
}

func TestVerify_ExpiredToken(t *testing.T) {
	key := []byte("secret")
	tok, err := Issue(key, "open-123", -time.Minute)
	require.NoError(t, err)

	_, err = NewVerifier(key).Verify(tok)
	require.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestVerify_WrongKey(t *testing.T) {
	tok, err := Issue([]byte("secret"), "open-123", time.Minute)
	require.NoError(t, err)

	_, err = NewVerifier([]byte("different")).Verify(tok)
	require.ErrorIs(t, err, errs.ErrAuthFailed)
}

func TestVerify_Malformed(t *testing.T) {
	_, err := NewVerifier([]byte("secret")).Verify("not-a-jwt")
	require.ErrorIs(t, err, errs.ErrAuthFailed)
}
