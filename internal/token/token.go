// Package token mints and validates HMAC-signed session-scoped bearer tokens.
//
// A token is base64url(payload) + "." + base64url(signature), without padding,
// where payload is a canonical JSON claims object and the signature is
// HMAC-SHA256 over the payload bytes. Validation is stateless: any manager
// holding the same master secret can validate a token, which survives
// restarts without a session-state store.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultValidity is the session-token lifetime used when the caller passes
// a non-positive validity.
const DefaultValidity = time.Hour

// Validation failure kinds. Callers match with errors.Is.
var (
	ErrBlank        = errors.New("token is blank")
	ErrMalformed    = errors.New("token is malformed")
	ErrBadBase64    = errors.New("token has invalid base64")
	ErrBadSignature = errors.New("token signature mismatch")
	ErrExpired      = errors.New("token is expired")
	ErrBadPayload   = errors.New("token payload is invalid")
)

// Claims are the session-token claims. Times are millisecond epochs.
type Claims struct {
	SessionID string `json:"sessionId"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Service mints and validates session tokens with a single master secret.
type Service struct {
	secret []byte
	now    func() time.Time
}

// NewService creates a token service. The master secret must be non-blank.
func NewService(masterSecret string) (*Service, error) {
	if strings.TrimSpace(masterSecret) == "" {
		return nil, errors.New("master secret must not be blank")
	}
	return &Service{secret: []byte(masterSecret), now: time.Now}, nil
}

// Mint issues a token scoped to sessionID, valid for the given duration.
func (s *Service) Mint(sessionID string, validity time.Duration) (string, error) {
	if sessionID == "" {
		return "", errors.New("sessionID must not be empty")
	}
	if validity <= 0 {
		validity = DefaultValidity
	}

	now := s.now()
	claims := Claims{
		SessionID: sessionID,
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: now.Add(validity).UnixMilli(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}

	sig := s.sign(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// Validate checks the token's shape, signature, and expiry and returns its
// claims. The signature comparison is constant-time.
func (s *Service) Validate(tok string) (*Claims, error) {
	if strings.TrimSpace(tok) == "" {
		return nil, ErrBlank
	}

	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		return nil, ErrMalformed
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrBadBase64, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrBadBase64, err)
	}

	if !hmac.Equal(sig, s.sign(payload)) {
		return nil, ErrBadSignature
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if claims.SessionID == "" || claims.ExpiresAt <= 0 {
		return nil, ErrBadPayload
	}

	if s.now().UnixMilli() > claims.ExpiresAt {
		return nil, ErrExpired
	}
	return &claims, nil
}

func (s *Service) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}
