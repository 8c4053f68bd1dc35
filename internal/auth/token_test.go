package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func issue(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := IssueToken([]byte(secret), claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func TestIssueAndResolve(t *testing.T) {
	token := issue(t, "secret", Claims{
		UserID:   7,
		UserName: "avery",
		Role:     "editor",
		JTI:      "jti-1",
		Exp:      testNow.Add(time.Hour).Unix(),
	})
	identity, err := Resolve([]byte("secret"), token, testNow)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if identity.UserID != 7 || identity.UserName != "avery" || identity.Role != "editor" || identity.TokenID != "jti-1" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if !identity.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("ExpiresAt = %v", identity.ExpiresAt)
	}
}

func TestResolveRejectsExpired(t *testing.T) {
	token := issue(t, "secret", Claims{UserID: 7, UserName: "avery", Role: "editor", JTI: "j", Exp: testNow.Unix()})
	_, err := Resolve([]byte("secret"), token, testNow)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestResolveRejectsTampering(t *testing.T) {
	token := issue(t, "secret", Claims{UserID: 7, UserName: "avery", Role: "editor", JTI: "j", Exp: testNow.Add(time.Hour).Unix()})
	forged := issue(t, "other", Claims{UserID: 7, UserName: "avery", Role: "admin", JTI: "j", Exp: testNow.Add(time.Hour).Unix()})
	payload, _, _ := strings.Cut(forged, ".")
	_, signature, _ := strings.Cut(token, ".")

	cases := map[string]string{
		"empty":           "",
		"no signature":    payload,
		"wrong secret":    forged,
		"swapped payload": payload + "." + signature,
		"extra segment":   token + ".x",
		"garbage":         "not-a-token",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Resolve([]byte("secret"), value, testNow); !errors.Is(err, ErrInvalidCredential) {
				t.Fatalf("expected ErrInvalidCredential, got %v", err)
			}
		})
	}
}

func TestParseTokenRequiresIdentityFields(t *testing.T) {
	token := issue(t, "secret", Claims{UserName: "avery", Role: "editor", JTI: "j", Exp: testNow.Add(time.Hour).Unix()})
	if _, err := ParseToken([]byte("secret"), token, testNow); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for missing user id, got %v", err)
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") || HashToken("abc") == HashToken("abd") {
		t.Fatal("HashToken must be deterministic and distinguish inputs")
	}
}
