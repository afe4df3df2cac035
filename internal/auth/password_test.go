package auth

import "testing"

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPasswordHash("correct horse battery staple", hash) {
		t.Error("expected correct password to verify")
	}
	if CheckPasswordHash("wrong password", hash) {
		t.Error("expected wrong password to fail verification")
	}
}

func TestGenerateRefreshTokenUnique(t *testing.T) {
	a, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a == b {
		t.Error("expected two independently generated refresh tokens to differ")
	}
	if len(a) < 32 {
		t.Errorf("expected at least 32 chars of encoded entropy, got %d", len(a))
	}
}

func TestHashTokenDeterministic(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Error("expected HashToken to be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Error("expected different inputs to hash differently")
	}
}
