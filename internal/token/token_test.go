package token

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceRejectsBlankSecret(t *testing.T) {
	for _, secret := range []string{"", "   ", "\t"} {
		_, err := NewService(secret)
		require.Error(t, err, "secret %q", secret)
	}
}

func TestMintValidateRoundTrip(t *testing.T) {
	svc, err := NewService("test-secret")
	require.NoError(t, err)

	tok, err := svc.Mint("session-1", time.Minute)
	require.NoError(t, err)
	assert.NotContains(t, tok, "=", "token must use unpadded base64url")

	claims, err := svc.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "session-1", claims.SessionID)
	assert.Greater(t, claims.ExpiresAt, claims.IssuedAt)
}

func TestValidateFailureKinds(t *testing.T) {
	svc, err := NewService("test-secret")
	require.NoError(t, err)

	t.Run("blank", func(t *testing.T) {
		_, err := svc.Validate("")
		assert.ErrorIs(t, err, ErrBlank)
		_, err = svc.Validate("   ")
		assert.ErrorIs(t, err, ErrBlank)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := svc.Validate("only-one-part")
		assert.ErrorIs(t, err, ErrMalformed)
		_, err = svc.Validate("a.b.c")
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("bad base64", func(t *testing.T) {
		_, err := svc.Validate("!!!.###")
		assert.ErrorIs(t, err, ErrBadBase64)
	})

	t.Run("bad signature from other secret", func(t *testing.T) {
		other, err := NewService("other-secret")
		require.NoError(t, err)
		tok, err := other.Mint("session-1", time.Minute)
		require.NoError(t, err)

		_, err = svc.Validate(tok)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("bad payload", func(t *testing.T) {
		payload := base64.RawURLEncoding.EncodeToString([]byte("not json"))
		sig := base64.RawURLEncoding.EncodeToString(svc.sign([]byte("not json")))
		_, err := svc.Validate(payload + "." + sig)
		assert.ErrorIs(t, err, ErrBadPayload)
	})
}

func TestValidateRejectsSingleBitFlips(t *testing.T) {
	svc, err := NewService("test-secret")
	require.NoError(t, err)

	tok, err := svc.Mint("session-1", time.Minute)
	require.NoError(t, err)

	dot := strings.Index(tok, ".")
	require.Positive(t, dot)

	sigPart := tok[dot+1:]
	raw, err := base64.RawURLEncoding.DecodeString(sigPart)
	require.NoError(t, err)

	for i := 0; i < len(raw); i++ {
		for bit := 0; bit < 8; bit++ {
			flipped := make([]byte, len(raw))
			copy(flipped, raw)
			flipped[i] ^= 1 << bit

			tampered := tok[:dot+1] + base64.RawURLEncoding.EncodeToString(flipped)
			_, err := svc.Validate(tampered)
			require.ErrorIs(t, err, ErrBadSignature, "byte %d bit %d", i, bit)
		}
	}
}

func TestValidateExpiry(t *testing.T) {
	svc, err := NewService("test-secret")
	require.NoError(t, err)

	base := time.Now()
	svc.now = func() time.Time { return base }

	tok, err := svc.Mint("session-1", time.Minute)
	require.NoError(t, err)

	// Just inside the validity window.
	svc.now = func() time.Time { return base.Add(59 * time.Second) }
	_, err = svc.Validate(tok)
	require.NoError(t, err)

	// Past expiry.
	svc.now = func() time.Time { return base.Add(61 * time.Second) }
	_, err = svc.Validate(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestMintDefaultValidity(t *testing.T) {
	svc, err := NewService("test-secret")
	require.NoError(t, err)

	tok, err := svc.Mint("session-1", 0)
	require.NoError(t, err)

	claims, err := svc.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultValidity/time.Millisecond), claims.ExpiresAt-claims.IssuedAt)
}
