// Package auth verifies bearer credentials presented by clients.
//
// Tokens are HMAC-signed, timestamped values produced by Issue; the REST
// layer of the product mints them at login and clients present them on
// the websocket handshake or in the join frame.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/zeebo/blake3"

	"github.com/dkeye/heartline/internal/core"
	"github.com/dkeye/heartline/internal/domain"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

const tokenName = "heartline-credential"

var _ core.Verifier = (*TokenVerifier)(nil)

type claims struct {
	UserID domain.UserID `json:"uid"`
}

type TokenVerifier struct {
	codec *securecookie.SecureCookie
}

// NewTokenVerifier builds a verifier from a shared secret. Tokens older
// than ttl are rejected.
func NewTokenVerifier(secret string, ttl time.Duration) (*TokenVerifier, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("auth: secret must be at least 16 bytes")
	}
	codec := securecookie.New([]byte(secret), nil)
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(int(ttl.Seconds()))
	codec.MaxLength(0)
	return &TokenVerifier{codec: codec}, nil
}

// Issue mints a token for uid.
func (v *TokenVerifier) Issue(uid domain.UserID) (string, error) {
	if _, err := domain.ParseUserID(string(uid)); err != nil {
		return "", err
	}
	return v.codec.Encode(tokenName, claims{UserID: uid})
}

func (v *TokenVerifier) Verify(credential string) (domain.UserID, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return "", ErrUnauthorized
	}
	var c claims
	if err := v.codec.Decode(tokenName, credential, &c); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	uid, err := domain.ParseUserID(string(c.UserID))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return uid, nil
}

// Fingerprint identifies a credential in logs and session metadata
// without revealing it.
func Fingerprint(credential string) string {
	sum := blake3.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}
