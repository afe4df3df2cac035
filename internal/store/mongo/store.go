// Package mongo is the document store gateway: typed collection handles,
// index bootstrap, and the binary blob bucket, over go.mongodb.org/mongo-driver.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store holds collection handles and the upload blob bucket.
type Store struct {
	Client *mongo.Client
	DB     *mongo.Database

	Principals    *mongo.Collection
	Chatflows     *mongo.Collection
	UserChatflows *mongo.Collection
	RefreshTokens *mongo.Collection
	ChatSessions  *mongo.Collection
	ChatMessages  *mongo.Collection
	FileUploads   *mongo.Collection

	Uploads *gridfs.Bucket
}

// New connects to MongoDB, pings it, and bootstraps indexes and the blob bucket.
// Bootstrap is idempotent: re-running it against an already-configured
// database is a no-op on the driver side.
func New(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)

	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName("uploads"))
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket: %w", err)
	}

	s := &Store{
		Client:        client,
		DB:            db,
		Principals:    db.Collection("principals"),
		Chatflows:     db.Collection("chatflows"),
		UserChatflows: db.Collection("user_chatflows"),
		RefreshTokens: db.Collection("refresh_tokens"),
		ChatSessions:  db.Collection("chat_sessions"),
		ChatMessages:  db.Collection("chat_messages"),
		FileUploads:   db.Collection("file_uploads"),
		Uploads:       bucket,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}

	return s, nil
}

// ensureIndexes creates the eight indexes the document model requires.
// Creating an index that already exists with the same keys/options is a
// no-op, so this is safe to call on every startup.
func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.Chatflows.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "flowise_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("chatflows.flowise_id index: %w", err)
	}

	if _, err := s.UserChatflows.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "chatflow_id", Value: 1}},
	}); err != nil {
		return fmt.Errorf("user_chatflows compound index: %w", err)
	}

	if _, err := s.ChatSessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("chat_sessions.session_id index: %w", err)
	}

	if _, err := s.ChatMessages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}},
		},
		{
			// idempotent append: same (session, role, content, arrival) never duplicates.
			Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "role", Value: 1}, {Key: "content_hash", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}); err != nil {
		return fmt.Errorf("chat_messages indexes: %w", err)
	}

	if _, err := s.RefreshTokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}); err != nil {
		return fmt.Errorf("refresh_tokens TTL index: %w", err)
	}

	if _, err := s.FileUploads.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "file_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("file_uploads.file_id index: %w", err)
	}

	if _, err := s.FileUploads.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "file_hash", Value: 1}},
	}); err != nil {
		return fmt.Errorf("file_uploads dedup index: %w", err)
	}

	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.Client.Disconnect(ctx)
}

// IsDuplicateKey reports whether err is a MongoDB duplicate-key error,
// the signal used to treat a retried message append as a no-op.
func IsDuplicateKey(err error) bool {
	var we mongo.WriteException
	if ok := asWriteException(err, &we); ok {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	var ce mongo.CommandError
	if asCommandError(err, &ce) {
		return ce.Code == 11000
	}
	return false
}

func asWriteException(err error, target *mongo.WriteException) bool {
	we, ok := err.(mongo.WriteException)
	if ok {
		*target = we
	}
	return ok
}

func asCommandError(err error, target *mongo.CommandError) bool {
	ce, ok := err.(mongo.CommandError)
	if ok {
		*target = ce
	}
	return ok
}
