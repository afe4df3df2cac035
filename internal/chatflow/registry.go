// Package chatflow implements C5: the mirrored catalog of upstream
// chatflows, periodic sync, and per-user access grants.
package chatflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/flowise-gateway/chatproxy/internal/logger"
	"github.com/flowise-gateway/chatproxy/internal/model"
	storemongo "github.com/flowise-gateway/chatproxy/internal/store/mongo"
	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// upstreamChatflow is the wire shape of one entry in the upstream catalog.
type upstreamChatflow struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Deployed      bool   `json:"deployed"`
	IsPublic      bool   `json:"isPublic"`
	Category      string `json:"category"`
	Type          string `json:"type"`
	FlowData      string `json:"flowData"`
	ChatbotConfig string `json:"chatbotConfig"`
}

// SyncResult is the aggregate outcome of one sync pass.
type SyncResult struct {
	TotalFetched int      `json:"total_fetched"`
	Created      int      `json:"created"`
	Updated      int      `json:"updated"`
	Deleted      int      `json:"deleted"`
	Errors       int      `json:"errors"`
	ErrorDetails []string `json:"error_details"`
}

// Registry mirrors the upstream chatflow catalog and the per-user grant table.
//
// Sync scheduling follows the ticker-loop + mutex + waitgroup + shutdown-
// channel shape used elsewhere in this codebase for long-lived background
// services, driven here by a cron schedule rather than a fixed interval.
type Registry struct {
	store           *storemongo.Store
	upstreamURL     string
	upstreamKey     string
	externalAuthURL string
	httpClient      *http.Client
	log             *logger.Logger
	cronSchedule    string

	mu       sync.Mutex
	cron     *cron.Cron
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry builds the chatflow registry.
func NewRegistry(store *storemongo.Store, upstreamURL, upstreamKey, externalAuthURL, cronSchedule string, log *logger.Logger) *Registry {
	return &Registry{
		store:           store,
		upstreamURL:     upstreamURL,
		upstreamKey:     upstreamKey,
		externalAuthURL: externalAuthURL,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		log:             log.WithComponent("chatflow_registry"),
		cronSchedule:    cronSchedule,
		shutdown:        make(chan struct{}),
	}
}

// Start begins the periodic sync schedule. Safe to call once per Registry.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(r.cronSchedule, func() {
		result, err := r.Sync(ctx)
		if err != nil {
			r.log.LogError(ctx, err, "scheduled chatflow sync failed")
			return
		}
		r.log.Info("scheduled chatflow sync completed",
			"total_fetched", result.TotalFetched,
			"created", result.Created,
			"updated", result.Updated,
			"deleted", result.Deleted,
			"errors", result.Errors,
		)
	})
	if err != nil {
		return fmt.Errorf("schedule chatflow sync: %w", err)
	}

	r.cron = c
	c.Start()
	return nil
}

// Stop halts the sync schedule and waits for any in-flight sync to finish.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		stopCtx := r.cron.Stop()
		<-stopCtx.Done()
	}
	close(r.shutdown)
	r.wg.Wait()
}

// Sync fetches the full upstream catalog and reconciles the local mirror:
// upsert present entries, soft-delete entries no longer present upstream,
// and keep the previous blob on a per-entry parse error.
func (r *Registry) Sync(ctx context.Context) (*SyncResult, error) {
	r.wg.Add(1)
	defer r.wg.Done()

	entries, err := r.fetchUpstream(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch upstream catalog: %w", err)
	}

	result := &SyncResult{TotalFetched: len(entries)}
	seen := make(map[string]bool, len(entries))
	now := time.Now()

	for _, e := range entries {
		seen[e.ID] = true

		existing := model.Chatflow{}
		err := r.store.Chatflows.FindOne(ctx, bson.M{"flowise_id": e.ID}).Decode(&existing)
		wasFound := err == nil
		if err != nil && err != mongo.ErrNoDocuments {
			result.Errors++
			result.ErrorDetails = append(result.ErrorDetails, fmt.Sprintf("%s: %v", e.ID, err))
			continue
		}

		cf := model.Chatflow{
			FlowiseID:   e.ID,
			Name:        e.Name,
			Description: e.Description,
			Deployed:    e.Deployed,
			IsPublic:    e.IsPublic,
			Category:    e.Category,
			Type:        e.Type,
			SyncStatus:  model.SyncStatusActive,
			SyncedAt:    now,
			CreatedAt:   now,
		}

		if !validJSONBlob(e.FlowData) && wasFound {
			// Defensive parse failure: keep the previous good blob.
			cf.FlowData = existing.FlowData
			cf.SyncStatus = model.SyncStatusError
			result.Errors++
			result.ErrorDetails = append(result.ErrorDetails, fmt.Sprintf("%s: malformed flow_data, kept previous", e.ID))
		} else {
			cf.FlowData = e.FlowData
		}

		if !validJSONBlob(e.ChatbotConfig) && wasFound {
			cf.ChatbotConfig = existing.ChatbotConfig
		} else {
			cf.ChatbotConfig = e.ChatbotConfig
		}

		if wasFound {
			cf.CreatedAt = existing.CreatedAt
		}

		opts := options.Replace().SetUpsert(true)
		if _, err := r.store.Chatflows.ReplaceOne(ctx, bson.M{"flowise_id": e.ID}, cf, opts); err != nil {
			result.Errors++
			result.ErrorDetails = append(result.ErrorDetails, fmt.Sprintf("%s: %v", e.ID, err))
			continue
		}

		if wasFound {
			result.Updated++
		} else {
			result.Created++
		}
	}

	deletedCount, err := r.markMissingAsDeleted(ctx, seen)
	if err != nil {
		result.Errors++
		result.ErrorDetails = append(result.ErrorDetails, fmt.Sprintf("soft-delete pass: %v", err))
	}
	result.Deleted = deletedCount

	return result, nil
}

func (r *Registry) markMissingAsDeleted(ctx context.Context, seen map[string]bool) (int, error) {
	cursor, err := r.store.Chatflows.Find(ctx, bson.M{"sync_status": bson.M{"$ne": model.SyncStatusDeleted}})
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	count := 0
	for cursor.Next(ctx) {
		var cf model.Chatflow
		if err := cursor.Decode(&cf); err != nil {
			continue
		}
		if seen[cf.FlowiseID] {
			continue
		}
		if _, err := r.store.Chatflows.UpdateOne(ctx, bson.M{"flowise_id": cf.FlowiseID}, bson.M{"$set": bson.M{"sync_status": model.SyncStatusDeleted}}); err != nil {
			return count, err
		}
		count++
	}
	return count, cursor.Err()
}

func (r *Registry) fetchUpstream(ctx context.Context) ([]upstreamChatflow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.upstreamURL+"/api/v1/chatflows", nil)
	if err != nil {
		return nil, err
	}
	if r.upstreamKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.upstreamKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	var entries []upstreamChatflow
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func validJSONBlob(s string) bool {
	if s == "" {
		return true
	}
	return json.Valid([]byte(s))
}

// HasAccess implements the access-check predicate: true iff an active
// UserChatflow grant exists for the pair. is_public is never a substitute.
func (r *Registry) HasAccess(ctx context.Context, userID, chatflowID string) (bool, error) {
	count, err := r.store.UserChatflows.CountDocuments(ctx, bson.M{
		"user_id":     userID,
		"chatflow_id": chatflowID,
		"is_active":   true,
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsUserActive reports whether the given user's principal record is still
// active. A deactivated account must lose prediction access immediately,
// independent of any UserChatflow grants that have not yet been revoked.
func (r *Registry) IsUserActive(ctx context.Context, userID string) (bool, error) {
	var p model.Principal
	if err := r.store.Principals.FindOne(ctx, bson.M{"user_id": userID}).Decode(&p); err != nil {
		if err == mongo.ErrNoDocuments {
			return false, nil
		}
		return false, err
	}
	return p.IsActive, nil
}

// Get returns one chatflow by its upstream id.
func (r *Registry) Get(ctx context.Context, chatflowID string) (*model.Chatflow, error) {
	var cf model.Chatflow
	if err := r.store.Chatflows.FindOne(ctx, bson.M{"flowise_id": chatflowID}).Decode(&cf); err != nil {
		return nil, err
	}
	return &cf, nil
}

// ListAll returns every mirrored chatflow regardless of caller access,
// excluding soft-deleted entries — the admin listing, as distinct from
// ListAccessible's per-user filtered view.
func (r *Registry) ListAll(ctx context.Context) ([]model.Chatflow, error) {
	cursor, err := r.store.Chatflows.Find(ctx, bson.M{"sync_status": bson.M{"$ne": model.SyncStatusDeleted}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var flows []model.Chatflow
	if err := cursor.All(ctx, &flows); err != nil {
		return nil, err
	}
	return flows, nil
}

// ListAccessible returns every chatflow the given user has active access to.
func (r *Registry) ListAccessible(ctx context.Context, userID string) ([]model.Chatflow, error) {
	cursor, err := r.store.UserChatflows.Find(ctx, bson.M{"user_id": userID, "is_active": true})
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
		ids = append(ids, uc.ChatflowID)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	flowsCursor, err := r.store.Chatflows.Find(ctx, bson.M{"flowise_id": bson.M{"$in": ids}, "sync_status": bson.M{"$ne": model.SyncStatusDeleted}})
	if err != nil {
		return nil, err
	}
	defer flowsCursor.Close(ctx)

	var flows []model.Chatflow
	if err := flowsCursor.All(ctx, &flows); err != nil {
		return nil, err
	}
	return flows, nil
}
