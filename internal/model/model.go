// Package model defines the document shapes persisted to the store.
package model

import "time"

// Role is a principal's authorization level.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleEndUser    Role = "enduser"
)

// Principal is an authenticated user of the proxy.
type Principal struct {
	UserID       string    `bson:"user_id" json:"user_id"`
	Username     string    `bson:"username" json:"username"`
	Email        string    `bson:"email" json:"email"`
	PasswordHash string    `bson:"password_hash" json:"-"`
	Role         Role      `bson:"role" json:"role"`
	IsActive     bool      `bson:"is_active" json:"is_active"`
	Credits      int64     `bson:"credits" json:"credits"`
	ExternalID   string    `bson:"external_id,omitempty" json:"-"`
	LastLoginAt  time.Time `bson:"last_login_at,omitempty" json:"-"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
}

// SyncStatus tracks whether a Chatflow is still present upstream.
type SyncStatus string

const (
	SyncStatusActive  SyncStatus = "active"
	SyncStatusDeleted SyncStatus = "deleted"
	SyncStatusError   SyncStatus = "error"
)

// Chatflow mirrors one upstream chatflow entry.
type Chatflow struct {
	FlowiseID      string     `bson:"flowise_id" json:"flowise_id"`
	Name           string     `bson:"name" json:"name"`
	Description    string     `bson:"description" json:"description"`
	Deployed       bool       `bson:"deployed" json:"deployed"`
	IsPublic       bool       `bson:"is_public" json:"is_public"`
	Category       string     `bson:"category" json:"category"`
	Type           string     `bson:"type" json:"type"`
	FlowData       string     `bson:"flow_data,omitempty" json:"flow_data,omitempty"`
	ChatbotConfig  string     `bson:"chatbot_config,omitempty" json:"chatbot_config,omitempty"`
	SyncStatus     SyncStatus `bson:"sync_status" json:"sync_status"`
	SyncedAt       time.Time  `bson:"synced_at" json:"synced_at"`
	CreatedAt      time.Time  `bson:"created_at" json:"created_at"`
}

// UserChatflow is an access grant: user u may call chatflow c while IsActive.
type UserChatflow struct {
	UserID     string    `bson:"user_id" json:"user_id"`
	ChatflowID string    `bson:"chatflow_id" json:"chatflow_id"`
	IsActive   bool      `bson:"is_active" json:"is_active"`
	AssignedAt time.Time `bson:"assigned_at" json:"assigned_at"`
}

// RefreshToken is a rotating credential; only its hash is ever stored.
type RefreshToken struct {
	TokenID   string    `bson:"token_id" json:"token_id"`
	UserID    string    `bson:"user_id" json:"user_id"`
	TokenHash string    `bson:"token_hash" json:"-"`
	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"`
	IsRevoked bool      `bson:"is_revoked" json:"is_revoked"`
	UserAgent string    `bson:"user_agent,omitempty" json:"-"`
	IPAddress string    `bson:"ip_address,omitempty" json:"-"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// ChatSession is a deterministically-keyed conversation between one user and one chatflow.
type ChatSession struct {
	SessionID  string    `bson:"session_id" json:"session_id"`
	UserID     string    `bson:"user_id" json:"user_id"`
	ChatflowID string    `bson:"chatflow_id" json:"chatflow_id"`
	Topic      string    `bson:"topic" json:"topic"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}

// MessageRole distinguishes the two sides of a conversation turn.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// ChatMessage is one turn in a ChatSession.
type ChatMessage struct {
	SessionID   string      `bson:"session_id" json:"session_id"`
	UserID      string      `bson:"user_id" json:"user_id"`
	ChatflowID  string      `bson:"chatflow_id" json:"chatflow_id"`
	Role        MessageRole `bson:"role" json:"role"`
	Content     string      `bson:"content" json:"content"`
	ContentHash string      `bson:"content_hash" json:"-"`
	Metadata    string      `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Partial     bool        `bson:"partial,omitempty" json:"partial,omitempty"`
	HasFiles    bool        `bson:"has_files" json:"has_files"`
	FileIDs     []string    `bson:"file_ids,omitempty" json:"file_ids,omitempty"`
	CreatedAt   time.Time   `bson:"created_at" json:"created_at"`
}

// FileUpload indexes one content-addressed binary blob.
type FileUpload struct {
	FileID       string    `bson:"file_id" json:"file_id"`
	OriginalName string    `bson:"original_name" json:"original_name"`
	MimeType     string    `bson:"mime_type" json:"mime_type"`
	FileSize     int64     `bson:"file_size" json:"file_size"`
	FileHash     string    `bson:"file_hash" json:"file_hash"`
	UserID       string    `bson:"user_id" json:"user_id"`
	SessionID    string    `bson:"session_id,omitempty" json:"session_id,omitempty"`
	ChatflowID   string    `bson:"chatflow_id,omitempty" json:"chatflow_id,omitempty"`
	MessageID    string    `bson:"message_id,omitempty" json:"message_id,omitempty"`
	UploadedAt   time.Time `bson:"uploaded_at" json:"uploaded_at"`
}
