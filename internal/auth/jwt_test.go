package auth

import (
	"testing"
	"time"
)

func TestMintAndVerifyAccessToken(t *testing.T) {
	issuer := NewJWTIssuer("test-secret", time.Hour)

	token, err := issuer.MintAccessToken("user-1", "alice", "enduser")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	claims, err := issuer.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.Username != "alice" || claims.Role != "enduser" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestVerifyAccessTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTIssuer("secret-a", time.Hour)
	other := NewJWTIssuer("secret-b", time.Hour)

	token, err := issuer.MintAccessToken("user-1", "alice", "enduser")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := other.VerifyAccessToken(token); err == nil {
		t.Fatal("expected verification to fail with the wrong secret")
	}
}

func TestVerifyAccessTokenRejectsExpired(t *testing.T) {
	issuer := NewJWTIssuer("test-secret", -time.Hour)

	token, err := issuer.MintAccessToken("user-1", "alice", "enduser")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := issuer.VerifyAccessToken(token); err != ErrExpiredToken {
		t.Errorf("got %v, want ErrExpiredToken", err)
	}
}
