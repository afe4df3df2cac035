package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/flowise-gateway/chatproxy/internal/model"
	storemongo "github.com/flowise-gateway/chatproxy/internal/store/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AppendMessage inserts one message. Idempotent on (session_id, role,
// content, created_at) via the unique compound index: a duplicate-key
// error from a retried stream is treated as a successful no-op, not an error.
func (s *Store) AppendMessage(ctx context.Context, msg model.ChatMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ContentHash = contentHash(msg.Content)

	_, err := s.store.ChatMessages.InsertOne(ctx, msg)
	if err != nil {
		if storemongo.IsDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// HydratedFile is the file-reference shape returned in history responses.
type HydratedFile struct {
	FileID       string `json:"file_id"`
	Name         string `json:"name"`
	Mime         string `json:"mime"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	IsImage      bool   `json:"is_image"`
}

// HistoryEntry is one turn as returned to the client.
type HistoryEntry struct {
	Role      model.MessageRole `json:"role"`
	Content   string            `json:"content"`
	Metadata  string            `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Uploads   []HydratedFile    `json:"uploads,omitempty"`
}

// History returns a session's messages ordered by created_at ascending,
// with each message's file_ids hydrated to client-facing file references.
func (s *Store) History(ctx context.Context, sessionID string, fileBaseURL string, fileLookup func(ctx context.Context, fileID string) (*model.FileUpload, error)) ([]HistoryEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.store.ChatMessages.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []model.ChatMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	entries := make([]HistoryEntry, 0, len(messages))
	for _, m := range messages {
		entry := HistoryEntry{
			Role:      m.Role,
			Content:   m.Content,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
		}

		for _, fileID := range m.FileIDs {
			fu, err := fileLookup(ctx, fileID)
			if err != nil {
				continue
			}
			isImage := len(fu.MimeType) >= 6 && fu.MimeType[:6] == "image/"
			hf := HydratedFile{
				FileID:  fu.FileID,
				Name:    fu.OriginalName,
				Mime:    fu.MimeType,
				URL:     fileBaseURL + "/" + fu.FileID,
				IsImage: isImage,
			}
			if isImage {
				hf.ThumbnailURL = fileBaseURL + "/" + fu.FileID + "/thumbnail"
			}
			entry.Uploads = append(entry.Uploads, hf)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}
