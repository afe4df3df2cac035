// Package files implements C7: content-addressed storage of binary uploads
// over the GridFS bucket, plus bounded image thumbnail derivation.
package files

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flowise-gateway/chatproxy/internal/model"
	storemongo "github.com/flowise-gateway/chatproxy/internal/store/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrTooLarge is returned when a decoded payload exceeds the configured cap.
var ErrTooLarge = errors.New("upload exceeds maximum size")

// Store is the file upload gateway.
type Store struct {
	store    *storemongo.Store
	maxBytes int64

	thumbMu    sync.Mutex
	thumbCache map[string]thumbCacheEntry
}

// NewStore builds the file upload store bound to a maximum decoded size.
func NewStore(store *storemongo.Store, maxBytes int64) *Store {
	return &Store{
		store:      store,
		maxBytes:   maxBytes,
		thumbCache: make(map[string]thumbCacheEntry),
	}
}

// Put decodes, hashes, dedups, and stores one upload, returning its
// FileUpload record and the canonical base64 encoding of the stored bytes (the prefix-stripped,
// re-encoded payload — never the caller's raw "data:<mime>;base64," string)
// for reuse by callers that forward the upload onward, such as the
// prediction relay.
func (s *Store) Put(ctx context.Context, userID, sessionID, chatflowID, messageID, rawData, name, mime string) (*model.FileUpload, string, error) {
	decoded, err := decodeBase64Payload(rawData)
	if err != nil {
		return nil, "", fmt.Errorf("decode upload: %w", err)
	}

	if int64(len(decoded)) > s.maxBytes {
		return nil, "", ErrTooLarge
	}

	encoded := base64.StdEncoding.EncodeToString(decoded)

	sum := sha256.Sum256(decoded)
	fileHash := hex.EncodeToString(sum[:])

	var existing model.FileUpload
	err = s.store.FileUploads.FindOne(ctx, bson.M{"user_id": userID, "file_hash": fileHash}).Decode(&existing)
	if err == nil {
		return &existing, encoded, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, "", fmt.Errorf("dedup lookup: %w", err)
	}

	uploadStream, err := s.store.Uploads.OpenUploadStream(name)
	if err != nil {
		return nil, "", fmt.Errorf("open upload stream: %w", err)
	}
	if _, err := uploadStream.Write(decoded); err != nil {
		uploadStream.Close()
		return nil, "", fmt.Errorf("write upload bytes: %w", err)
	}
	if err := uploadStream.Close(); err != nil {
		return nil, "", fmt.Errorf("close upload stream: %w", err)
	}

	objID, ok := uploadStream.FileID.(primitive.ObjectID)
	if !ok {
		return nil, "", fmt.Errorf("unexpected gridfs file id type %T", uploadStream.FileID)
	}
	fileID := objID.Hex()

	fu := model.FileUpload{
		FileID:       fileID,
		OriginalName: name,
		MimeType:     mime,
		FileSize:     int64(len(decoded)),
		FileHash:     fileHash,
		UserID:       userID,
		SessionID:    sessionID,
		ChatflowID:   chatflowID,
		MessageID:    messageID,
		UploadedAt:   time.Now(),
	}
	if _, err := s.store.FileUploads.InsertOne(ctx, fu); err != nil {
		return nil, "", fmt.Errorf("index upload: %w", err)
	}

	return &fu, encoded, nil
}

// Get returns the FileUpload index document by id, for authorization checks.
func (s *Store) Get(ctx context.Context, fileID string) (*model.FileUpload, error) {
	var fu model.FileUpload
	if err := s.store.FileUploads.FindOne(ctx, bson.M{"file_id": fileID}).Decode(&fu); err != nil {
		return nil, err
	}
	return &fu, nil
}

// ReadBytes streams the original bytes for a file_id from the blob bucket.
func (s *Store) ReadBytes(ctx context.Context, fileID string) ([]byte, error) {
	objID, err := primitive.ObjectIDFromHex(fileID)
	if err != nil {
		return nil, fmt.Errorf("invalid file_id: %w", err)
	}

	var buf bytes.Buffer
	if _, err := s.store.Uploads.DownloadToStream(objID, &buf); err != nil {
		return nil, fmt.Errorf("download upload: %w", err)
	}
	return buf.Bytes(), nil
}

// ListForSession returns every FileUpload belonging to a session.
func (s *Store) ListForSession(ctx context.Context, sessionID string) ([]model.FileUpload, error) {
	cursor, err := s.store.FileUploads.Find(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var results []model.FileUpload
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// decodeBase64Payload strips an optional data URL prefix and base64-decodes the rest.
func decodeBase64Payload(raw string) ([]byte, error) {
	payload := raw
	if strings.HasPrefix(payload, "data:") {
		if idx := strings.Index(payload, ";base64,"); idx != -1 {
			payload = payload[idx+len(";base64,"):]
		}
	}
	return base64.StdEncoding.DecodeString(payload)
}
