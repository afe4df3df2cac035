package chatflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flowise-gateway/chatproxy/internal/model"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Assign grants a user access to a chatflow by email, looked up against
// the principals collection.
func (r *Registry) Assign(ctx context.Context, email, chatflowID string) error {
	var p model.Principal
	if err := r.store.Principals.FindOne(ctx, bson.M{"email": email}).Decode(&p); err != nil {
		return fmt.Errorf("lookup principal by email: %w", err)
	}
	return r.assignUser(ctx, p.UserID, chatflowID)
}

// BulkAssign grants the same chatflow to many users by email.
func (r *Registry) BulkAssign(ctx context.Context, emails []string, chatflowID string) (assigned int, failed []string) {
	for _, email := range emails {
		if err := r.Assign(ctx, email, chatflowID); err != nil {
			failed = append(failed, email)
			continue
		}
		assigned++
	}
	return assigned, failed
}

func (r *Registry) assignUser(ctx context.Context, userID, chatflowID string) error {
	filter := bson.M{"user_id": userID, "chatflow_id": chatflowID}
	update := bson.M{
		"$set": bson.M{"is_active": true},
		"$setOnInsert": bson.M{"assigned_at": time.Now()},
	}
	_, err := r.store.UserChatflows.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Revoke deactivates one user's access grant for a chatflow.
func (r *Registry) Revoke(ctx context.Context, userID, chatflowID string) error {
	_, err := r.store.UserChatflows.UpdateOne(ctx,
		bson.M{"user_id": userID, "chatflow_id": chatflowID},
		bson.M{"$set": bson.M{"is_active": false}})
	return err
}

// ListUsers returns every user_id with an active grant for a chatflow.
func (r *Registry) ListUsers(ctx context.Context, chatflowID string) ([]string, error) {
	cursor, err := r.store.UserChatflows.Find(ctx, bson.M{"chatflow_id": chatflowID, "is_active": true})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var uc model.UserChatflow
		if err := cursor.Decode(&uc); err != nil {
			continue
		}
		ids = append(ids, uc.UserID)
	}
	return ids, cursor.Err()
}

// AuditResult names assignment rows referencing a user_id absent from the
// principal store entirely.
type AuditResult struct {
	OrphanedUserIDs []string `json:"orphaned_user_ids"`
}

// AuditUsers finds UserChatflow rows whose user_id has no Principal.
func (r *Registry) AuditUsers(ctx context.Context) (*AuditResult, error) {
	cursor, err := r.store.UserChatflows.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	seen := make(map[string]bool)
	var orphans []string
	for cursor.Next(ctx) {
		var uc model.UserChatflow
		if err := cursor.Decode(&uc); err != nil {
			continue
		}
		if seen[uc.UserID] {
			continue
		}
		seen[uc.UserID] = true

		count, err := r.store.Principals.CountDocuments(ctx, bson.M{"user_id": uc.UserID})
		if err != nil {
			continue
		}
		if count == 0 {
			orphans = append(orphans, uc.UserID)
		}
	}
	return &AuditResult{OrphanedUserIDs: orphans}, cursor.Err()
}

// CleanupResult is the outcome of a cleanup pass over orphaned assignments.
type CleanupResult struct {
	Candidates int  `json:"candidates"`
	Applied    int  `json:"applied"`
	DryRun     bool `json:"dry_run"`
}

// CleanupOrphanedUsers deactivates (action="deactivate") or deletes
// (action="delete") UserChatflow rows for orphaned user ids found by
// AuditUsers. With dryRun=true nothing is written; force must be true to
// actually mutate when dryRun is false, matching the admin cleanup
// endpoint's dry_run/force pair.
func (r *Registry) CleanupOrphanedUsers(ctx context.Context, action string, dryRun, force bool) (*CleanupResult, error) {
	audit, err := r.AuditUsers(ctx)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{Candidates: len(audit.OrphanedUserIDs), DryRun: dryRun}
	if dryRun || !force || len(audit.OrphanedUserIDs) == 0 {
		return result, nil
	}

	filter := bson.M{"user_id": bson.M{"$in": audit.OrphanedUserIDs}}

	switch action {
	case "delete":
		res, err := r.store.UserChatflows.DeleteMany(ctx, filter)
		if err != nil {
			return result, err
		}
		result.Applied = int(res.DeletedCount)
	default: // "deactivate"
		res, err := r.store.UserChatflows.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"is_active": false}})
		if err != nil {
			return result, err
		}
		result.Applied = int(res.ModifiedCount)
	}

	return result, nil
}

// externalUser is one entry in the external auth service's user listing.
type externalUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type externalUsersResponse struct {
	Users []externalUser `json:"users"`
}

// UserSyncStats mirrors the admin sync-all-users report: how many external
// users were seen, how many local principals existed beforehand, and what
// the reconciliation did.
type UserSyncStats struct {
	TotalExternalUsers int      `json:"total_external_users"`
	TotalLocalUsers    int      `json:"total_local_users"`
	CreatedUsers       int      `json:"created_users"`
	UpdatedUsers       int      `json:"updated_users"`
	DeactivatedUsers   int      `json:"deactivated_users"`
	Errors             []string `json:"errors"`
}

// SyncAllUsers fetches the full user list from the external auth service and
// reconciles it against the local principal store: creates principals for
// new external users, updates username for existing ones, and deactivates
// (never deletes) local principals no longer present externally.
func (r *Registry) SyncAllUsers(ctx context.Context) (*UserSyncStats, error) {
	if r.externalAuthURL == "" {
		return nil, fmt.Errorf("no external auth source configured")
	}

	localCount, err := r.store.Principals.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("count local principals: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.externalAuthURL+"/api/admin/users", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch external users: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("external auth service returned status %d", resp.StatusCode)
	}

	var payload externalUsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode external users: %w", err)
	}

	stats := &UserSyncStats{
		TotalExternalUsers: len(payload.Users),
		TotalLocalUsers:    int(localCount),
	}

	seenEmails := make([]string, 0, len(payload.Users))
	for _, eu := range payload.Users {
		seenEmails = append(seenEmails, eu.Email)

		var existing model.Principal
		err := r.store.Principals.FindOne(ctx, bson.M{"email": eu.Email}).Decode(&existing)
		switch {
		case err == nil:
			if existing.Username != eu.Username || existing.ExternalID != eu.ID {
				_, uerr := r.store.Principals.UpdateOne(ctx,
					bson.M{"user_id": existing.UserID},
					bson.M{"$set": bson.M{"username": eu.Username, "external_id": eu.ID, "updated_at": time.Now()}})
				if uerr != nil {
					stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", eu.Email, uerr))
					continue
				}
				stats.UpdatedUsers++
			}
		case err == mongo.ErrNoDocuments:
			p := model.Principal{
				UserID:     uuid.New().String(),
				Username:   eu.Username,
				Email:      eu.Email,
				Role:       model.RoleEndUser,
				IsActive:   true,
				ExternalID: eu.ID,
				CreatedAt:  time.Now(),
				UpdatedAt:  time.Now(),
			}
			if _, cerr := r.store.Principals.InsertOne(ctx, p); cerr != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", eu.Email, cerr))
				continue
			}
			stats.CreatedUsers++
		default:
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", eu.Email, err))
		}
	}

	res, err := r.store.Principals.UpdateMany(ctx,
		bson.M{"email": bson.M{"$nin": seenEmails}, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": time.Now()}})
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("deactivate pass: %v", err))
	} else {
		stats.DeactivatedUsers = int(res.ModifiedCount)
	}

	return stats, nil
}

// SyncUserByEmail is the admin "sync single user by email" operation: it
// ensures a Principal document exists for the email, without changing role
// if one already does.
func (r *Registry) SyncUserByEmail(ctx context.Context, email, username string) (*model.Principal, error) {
	var p model.Principal
	err := r.store.Principals.FindOne(ctx, bson.M{"email": email}).Decode(&p)
	if err == nil {
		return &p, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, err
	}

	p = model.Principal{
		UserID:    uuid.New().String(),
		Username:  username,
		Email:     email,
		Role:      model.RoleEndUser,
		IsActive:  true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if _, err := r.store.Principals.InsertOne(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}
