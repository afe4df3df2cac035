// Package chat implements C8: deterministic session-id derivation,
// idempotent message append, and history retrieval.
package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/flowise-gateway/chatproxy/internal/model"
	storemongo "github.com/flowise-gateway/chatproxy/internal/store/mongo"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// sessionNamespace is the fixed uuid5 namespace for session-id derivation.
// Generated once and frozen; changing it would change every derived
// session_id for existing conversations.
var sessionNamespace = uuid.MustParse("7b3e1a2c-4f5d-4a6e-9c8b-1d2e3f4a5b6c")

// Store implements session and message persistence.
type Store struct {
	store *storemongo.Store
}

// NewStore builds the chat session/message store.
func NewStore(store *storemongo.Store) *Store {
	return &Store{store: store}
}

// normalizeQuestion collapses whitespace and case for stable hashing, so
// trivially different renderings of the same question still collapse to
// one session.
func normalizeQuestion(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}

// DeriveSessionID computes the deterministic uuid5 session id for a
// (user, chatflow, first question) triple. Identical inputs always produce
// the same id, across processes and runs.
func DeriveSessionID(userID, chatflowID, firstQuestion string) string {
	name := userID + "|" + chatflowID + "|" + normalizeQuestion(firstQuestion)
	return uuid.NewSHA1(sessionNamespace, []byte(name)).String()
}

// EnsureSession returns the existing session if one exists, or creates a new
// one, deriving its id deterministically when sessionID is not supplied by
// the caller.
func (s *Store) EnsureSession(ctx context.Context, userID, chatflowID, sessionID, firstQuestion string) (*model.ChatSession, bool, error) {
	if sessionID == "" {
		sessionID = DeriveSessionID(userID, chatflowID, firstQuestion)
	}

	var existing model.ChatSession
	err := s.store.ChatSessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&existing)
	if err == nil {
		return &existing, false, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, false, fmt.Errorf("lookup session: %w", err)
	}

	topic := firstQuestion
	const maxTopicLen = 200
	if len(topic) > maxTopicLen {
		topic = topic[:maxTopicLen]
	}

	session := model.ChatSession{
		SessionID:  sessionID,
		UserID:     userID,
		ChatflowID: chatflowID,
		Topic:      topic,
		CreatedAt:  time.Now(),
	}

	if _, err := s.store.ChatSessions.InsertOne(ctx, session); err != nil {
		if storemongo.IsDuplicateKey(err) {
			// Lost a race with a concurrent request deriving the same id.
			if ferr := s.store.ChatSessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&existing); ferr == nil {
				return &existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("insert session: %w", err)
	}

	return &session, true, nil
}

// ListSessions returns every session owned by a user, most recent first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]model.ChatSession, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.store.ChatSessions.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var sessions []model.ChatSession
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession returns one session by id, for ownership checks.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	var session model.ChatSession
	if err := s.store.ChatSessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

// contentHash is the third field of the idempotence key (session, role,
// content, arrival) — hashed because content can be arbitrarily large.
func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
