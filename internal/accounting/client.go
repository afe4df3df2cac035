// Package accounting implements C6: credit balance queries, atomic debit,
// and asynchronous transaction audit logging (local store, or a remote
// accounting service when configured).
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowise-gateway/chatproxy/internal/logger"
	storemongo "github.com/flowise-gateway/chatproxy/internal/store/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// ErrInsufficientCredits is returned by Debit when the conditional
// decrement's filter does not match (balance < amount).
var ErrInsufficientCredits = errors.New("insufficient credits")

const defaultCost = 1

type logEntry struct {
	userID     string
	chatflowID string
	cost       int64
	success    bool
	at         time.Time
}

// Client is the accounting gateway. log_transaction calls are handed to a
// worker pool draining a buffered channel, the same shape used elsewhere in
// this codebase for best-effort, non-blocking audit logging: callers never
// wait on the write, and on shutdown the channel is closed and workers
// drain whatever remains before returning.
type Client struct {
	store      *storemongo.Store
	remoteURL  string
	httpClient *http.Client
	log        *logger.Logger

	logChan  chan logEntry
	wg       sync.WaitGroup
	shutdown chan struct{}
	dropped  atomic.Int64
}

// NewClient builds the accounting client. When remoteURL is empty, balance
// and debit operate against the local Principal.credits field.
func NewClient(store *storemongo.Store, remoteURL string, bufferSize, workers int, log *logger.Logger) *Client {
	c := &Client{
		store:      store,
		remoteURL:  remoteURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.WithComponent("accounting"),
		logChan:    make(chan logEntry, bufferSize),
		shutdown:   make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.logWorker()
	}

	return c
}

func (c *Client) logWorker() {
	defer c.wg.Done()
	for {
		select {
		case entry, ok := <-c.logChan:
			if !ok {
				return
			}
			c.writeAudit(entry)
		case <-c.shutdown:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case entry, ok := <-c.logChan:
					if !ok {
						return
					}
					c.writeAudit(entry)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) writeAudit(e logEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	doc := bson.M{
		"user_id":     e.userID,
		"chatflow_id": e.chatflowID,
		"cost":        e.cost,
		"success":     e.success,
		"created_at":  e.at,
	}
	if _, err := c.store.DB.Collection("transactions").InsertOne(ctx, doc); err != nil {
		c.log.LogError(ctx, err, "failed to write transaction audit log")
	}
}

// LogTransaction enqueues an audit log entry without blocking the caller.
// If the buffer is full the entry is dropped and counted, never blocking
// the request path.
func (c *Client) LogTransaction(userID, chatflowID string, cost int64, success bool) {
	entry := logEntry{userID: userID, chatflowID: chatflowID, cost: cost, success: success, at: time.Now()}
	select {
	case c.logChan <- entry:
	default:
		c.dropped.Add(1)
		c.log.Warn("accounting log buffer full, dropping entry",
			"user_id", userID, "chatflow_id", chatflowID)
	}
}

// Shutdown closes the log channel so no new entries are accepted, then
// waits for workers to drain whatever was already queued.
func (c *Client) Shutdown(ctx context.Context) {
	close(c.shutdown)
	close(c.logChan)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// GetBalance returns the user's current credit balance.
func (c *Client) GetBalance(ctx context.Context, userID, accessToken string) (int64, error) {
	if c.remoteURL != "" {
		return c.remoteBalance(ctx, userID, accessToken)
	}

	var result struct {
		Credits int64 `bson:"credits"`
	}
	if err := c.store.Principals.FindOne(ctx, bson.M{"user_id": userID}).Decode(&result); err != nil {
		return 0, fmt.Errorf("lookup balance: %w", err)
	}
	return result.Credits, nil
}

func (c *Client) remoteBalance(ctx context.Context, userID, accessToken string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.remoteURL+"/balance/"+userID, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("accounting service returned status %d", resp.StatusCode)
	}

	var payload struct {
		Credits int64 `json:"credits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, err
	}
	return payload.Credits, nil
}

// Debit atomically decrements the user's balance by amount. Local mode
// expresses the compare-and-swap as a single FindOneAndUpdate with a $gte
// filter, avoiding a read-then-write race without a transaction.
func (c *Client) Debit(ctx context.Context, userID string, amount int64, reason, accessToken string) error {
	if c.remoteURL != "" {
		return c.remoteDebit(ctx, userID, amount, reason, accessToken)
	}

	filter := bson.M{"user_id": userID, "credits": bson.M{"$gte": amount}}
	update := bson.M{"$inc": bson.M{"credits": -amount}}

	result := c.store.Principals.FindOneAndUpdate(ctx, filter, update)
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrInsufficientCredits
		}
		return fmt.Errorf("debit: %w", err)
	}
	return nil
}

func (c *Client) remoteDebit(ctx context.Context, userID string, amount int64, reason, accessToken string) error {
	body, _ := json.Marshal(map[string]interface{}{"user_id": userID, "amount": amount, "reason": reason})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.remoteURL+"/debit", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return ErrInsufficientCredits
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("accounting service returned status %d", resp.StatusCode)
	}
	return nil
}

// Cost returns the per-call cost of a chatflow, defaulting to 1 when the
// accounting service does not publish one.
func (c *Client) Cost(ctx context.Context, chatflowID, accessToken string) (int64, error) {
	if c.remoteURL == "" {
		return defaultCost, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.remoteURL+"/cost/"+chatflowID, nil)
	if err != nil {
		return defaultCost, nil
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return defaultCost, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return defaultCost, nil
	}

	var payload struct {
		Cost int64 `json:"cost"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Cost < 1 {
		return defaultCost, nil
	}
	return payload.Cost, nil
}
