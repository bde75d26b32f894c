package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/erazemk/custody/internal/model"
)

var vaultManager = &model.User{ID: 3, Username: "vaultmgr", Role: model.RoleManager}

func TestIssueAndValidate(t *testing.T) {
	tokens := NewTokens("test-secret-key")

	token, err := tokens.Issue(vaultManager)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := tokens.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != 3 || claims.Username != "vaultmgr" || claims.Role != model.RoleManager {
		t.Errorf("unexpected claims %+v", claims)
	}
	if claims.Issuer != Issuer {
		t.Errorf("expected issuer %q, got %q", Issuer, claims.Issuer)
	}
	if claims.ID == "" {
		t.Error("expected a token id")
	}
}

func TestTokenIDsAreUnique(t *testing.T) {
	tokens := NewTokens("k")
	a, _ := tokens.Issue(vaultManager)
	b, _ := tokens.Issue(vaultManager)

	ca, _ := tokens.Validate(a)
	cb, _ := tokens.Validate(b)
	if ca.ID == cb.ID {
		t.Errorf("expected distinct token ids, both %q", ca.ID)
	}
}

func TestValidateWrongSecret(t *testing.T) {
	token, _ := NewTokens("secret1").Issue(vaultManager)

	if _, err := NewTokens("secret2").Validate(token); err == nil {
		t.Error("expected error for wrong secret")
	}
}

func TestValidateGarbage(t *testing.T) {
	if _, err := NewTokens("secret").Validate("not-a-token"); err == nil {
		t.Error("expected error for invalid token")
	}
}

func TestValidateRejectsForeignIssuer(t *testing.T) {
	claims := Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "x",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	if _, err := NewTokens("secret").Validate(token); err == nil {
		t.Error("expected error for foreign issuer")
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tokens := NewTokens("test")
	tokens.now = func() time.Time { return now }

	token, _ := tokens.Issue(vaultManager)
	claims, err := tokens.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !claims.ExpiresAt.Time.Equal(now.Add(TokenExpiry)) {
		t.Errorf("expected expiry %v, got %v", now.Add(TokenExpiry), claims.ExpiresAt.Time)
	}

	now = now.Add(TokenExpiry + time.Minute)
	if _, err := tokens.Validate(token); err == nil {
		t.Error("expected expired token to be rejected")
	}
}
