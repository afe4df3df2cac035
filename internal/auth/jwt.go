package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const (
	tokenIssuer   = "flowise-proxy-service"
	tokenAudience = "flowise-api"
)

var (
	// ErrInvalidToken is returned for malformed tokens or signature mismatch.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when exp has passed.
	ErrExpiredToken = errors.New("token expired")
)

// AccessClaims is the JWT payload minted for access tokens.
type AccessClaims struct {
	Sub      string `json:"sub"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// JWTIssuer mints and verifies HS256 access tokens.
type JWTIssuer struct {
	secret   []byte
	lifetime time.Duration
}

// NewJWTIssuer builds an issuer bound to a signing secret and access-token lifetime.
func NewJWTIssuer(secret string, lifetime time.Duration) *JWTIssuer {
	return &JWTIssuer{secret: []byte(secret), lifetime: lifetime}
}

// MintAccessToken signs a new access token for the given principal.
func (j *JWTIssuer) MintAccessToken(userID, username, role string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		Sub:      userID,
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.lifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// VerifyAccessToken parses and validates a signed access token, pinning the
// algorithm to HS256 and rejecting mismatched issuer/audience.
func (j *JWTIssuer) VerifyAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Issuer != tokenIssuer {
		return nil, ErrInvalidToken
	}

	audOK := false
	for _, aud := range claims.Audience {
		if aud == tokenAudience {
			audOK = true
			break
		}
	}
	if !audOK {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
