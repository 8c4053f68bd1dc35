// Package auth issues and resolves the signed bearer credentials that carry a caller's identity.
package auth

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

// Claims is the signed payload of an access token.
type Claims struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	Role     string `json:"role"`
	JTI      string `json:"jti"`
	Exp      int64  `json:"exp"`
}

// Identity is what the rest of the service knows about a caller.
type Identity struct {
	UserID    int64
	UserName  string
	Role      string
	TokenID   string
	ExpiresAt time.Time
}

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpired           = errors.New("credential expired")
)

func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

// ParseToken verifies the signature and expiry of token at time now.
func ParseToken(secret []byte, token string, now time.Time) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidCredential
	}
	if !hmac.Equal([]byte(signature), []byte(sign(secret, payload))) {
		return Claims{}, ErrInvalidCredential
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidCredential
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidCredential
	}
	if claims.UserID <= 0 || claims.UserName == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidCredential
	}
	if now.Unix() >= claims.Exp {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

// Resolve turns a bearer credential into an Identity. The role in the
// returned identity is the claimed role; callers making server-side
// decisions must replace it with the stored one.
func Resolve(secret []byte, token string, now time.Time) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, ErrInvalidCredential
	}
	claims, err := ParseToken(secret, token, now)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID:    claims.UserID,
		UserName:  claims.UserName,
		Role:      claims.Role,
		TokenID:   claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}

// HashToken is used to key refresh tokens so the raw value is never stored.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
