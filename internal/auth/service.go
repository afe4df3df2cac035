// Package auth implements identity, JWT access tokens, refresh-token
// rotation with theft detection, and the gin authorization middleware.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flowise-gateway/chatproxy/internal/model"
	storemongo "github.com/flowise-gateway/chatproxy/internal/store/mongo"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

var (
	// ErrInvalidCredentials covers any failed-login reason; the service
	// never distinguishes "no such user" from "wrong password" to a caller.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrTokenTheft is returned when a presented refresh token matches a
	// record that is already revoked (reuse of a rotated token); the caller
	// has already revoked all of the user's tokens by the time this is
	// returned.
	ErrTokenTheft = errors.New("refresh token reuse detected")
	ErrTokenInvalid = errors.New("refresh token invalid or expired")
)

// Service implements C3: password verification (local + external IdP
// fallback), access-token mint/verify, and refresh-token rotation/revoke.
type Service struct {
	store           *storemongo.Store
	issuer          *JWTIssuer
	refreshLifetime time.Duration
	externalAuthURL string
	httpClient      *http.Client
}

// NewService builds the identity service bound to a store and signing key.
func NewService(store *storemongo.Store, jwtSecret string, accessLifetime time.Duration, refreshLifetimeDays int, externalAuthURL string) *Service {
	return &Service{
		store:           store,
		issuer:          NewJWTIssuer(jwtSecret, accessLifetime),
		refreshLifetime: time.Duration(refreshLifetimeDays) * 24 * time.Hour,
		externalAuthURL: externalAuthURL,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
	}
}

// TokenPair is the access+refresh pair returned by authenticate and refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Principal    *model.Principal
}

// Authenticate verifies username/password, consulting the external IdP only
// when no local Principal exists. A local record, once created, is
// authoritative for role: the external IdP never downgrades it.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*TokenPair, error) {
	var p model.Principal
	err := s.store.Principals.FindOne(ctx, bson.M{"username": username}).Decode(&p)

	switch {
	case err == nil:
		if !p.IsActive {
			return nil, ErrInvalidCredentials
		}
		if !CheckPasswordHash(password, p.PasswordHash) {
			return nil, ErrInvalidCredentials
		}
	case errors.Is(err, mongo.ErrNoDocuments):
		provisioned, ferr := s.fallbackExternalAuth(ctx, username, password)
		if ferr != nil {
			return nil, ErrInvalidCredentials
		}
		p = *provisioned
	default:
		return nil, fmt.Errorf("lookup principal: %w", err)
	}

	now := time.Now()
	if _, err := s.store.Principals.UpdateOne(ctx, bson.M{"user_id": p.UserID}, bson.M{"$set": bson.M{"last_login_at": now}}); err != nil {
		return nil, fmt.Errorf("update last_login_at: %w", err)
	}

	return s.mintPair(ctx, &p)
}

// fallbackExternalAuth consults the configured external IdP and, on
// success, lazily provisions a local EndUser Principal.
func (s *Service) fallbackExternalAuth(ctx context.Context, username, password string) (*model.Principal, error) {
	if s.externalAuthURL == "" {
		return nil, ErrInvalidCredentials
	}

	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.externalAuthURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrInvalidCredentials
	}

	var payload struct {
		ExternalID string `json:"user_id"`
		Email      string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	p := &model.Principal{
		UserID:     uuid.New().String(),
		Username:   username,
		Email:      payload.Email,
		Role:       model.RoleEndUser,
		IsActive:   true,
		ExternalID: payload.ExternalID,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if _, err := s.store.Principals.InsertOne(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Refresh performs rotation: verifies the presented refresh token, revokes
// its record, and mints a fresh pair. The record is looked up by the
// token's hash; presenting a token whose record is already revoked is
// treated as theft and revokes every refresh token belonging to the user.
// The raw token carries no token_id, so there is no separate check of a
// hash against a token_id record.
func (s *Service) Refresh(ctx context.Context, rawToken string) (*TokenPair, error) {
	hash := HashToken(rawToken)

	var rt model.RefreshToken
	err := s.store.RefreshTokens.FindOne(ctx, bson.M{"token_hash": hash}).Decode(&rt)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// No record matches this hash at all: either expired-and-reaped,
		// unknown, or a forged value. Not distinguishable from theft of
		// an already-rotated token, so we cannot revoke-all (no user_id
		// to key on); simply reject.
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}

	if rt.IsRevoked || !rt.ExpiresAt.After(time.Now()) {
		if rt.IsRevoked {
			// Reuse of an already-rotated (and therefore revoked) token:
			// suspected theft. Revoke every token for this user.
			if _, err := s.store.RefreshTokens.UpdateMany(ctx, bson.M{"user_id": rt.UserID}, bson.M{"$set": bson.M{"is_revoked": true}}); err != nil {
				return nil, fmt.Errorf("revoke all on theft: %w", err)
			}
			return nil, ErrTokenTheft
		}
		return nil, ErrTokenInvalid
	}

	if _, err := s.store.RefreshTokens.UpdateOne(ctx, bson.M{"token_id": rt.TokenID}, bson.M{"$set": bson.M{"is_revoked": true}}); err != nil {
		return nil, fmt.Errorf("revoke presented token: %w", err)
	}

	var p model.Principal
	if err := s.store.Principals.FindOne(ctx, bson.M{"user_id": rt.UserID}).Decode(&p); err != nil {
		return nil, fmt.Errorf("lookup principal for refresh: %w", err)
	}
	if !p.IsActive {
		return nil, ErrTokenInvalid
	}

	return s.mintPair(ctx, &p)
}

// mintPair mints a fresh access+refresh pair for a principal and persists
// the refresh token's record (hash only).
func (s *Service) mintPair(ctx context.Context, p *model.Principal) (*TokenPair, error) {
	access, err := s.issuer.MintAccessToken(p.UserID, p.Username, string(p.Role))
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	raw, err := GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	rt := model.RefreshToken{
		TokenID:   uuid.New().String(),
		UserID:    p.UserID,
		TokenHash: HashToken(raw),
		ExpiresAt: time.Now().Add(s.refreshLifetime),
		IsRevoked: false,
		CreatedAt: time.Now(),
	}
	if _, err := s.store.RefreshTokens.InsertOne(ctx, rt); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &TokenPair{AccessToken: access, RefreshToken: raw, Principal: p}, nil
}

// Revoke invalidates one refresh token by id, or all of a user's tokens.
func (s *Service) Revoke(ctx context.Context, userID string, tokenID string, allTokens bool) error {
	filter := bson.M{"user_id": userID}
	if !allTokens {
		if tokenID == "" {
			return errors.New("token_id required unless all_tokens is set")
		}
		filter["token_id"] = tokenID
	}
	_, err := s.store.RefreshTokens.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"is_revoked": true}})
	return err
}

// VerifyAccess validates an access token and returns its claims.
func (s *Service) VerifyAccess(token string) (*AccessClaims, error) {
	return s.issuer.VerifyAccessToken(token)
}
