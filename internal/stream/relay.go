package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flowise-gateway/chatproxy/internal/accounting"
	"github.com/flowise-gateway/chatproxy/internal/chat"
	"github.com/flowise-gateway/chatproxy/internal/chatflow"
	"github.com/flowise-gateway/chatproxy/internal/files"
	"github.com/flowise-gateway/chatproxy/internal/logger"
	"github.com/flowise-gateway/chatproxy/internal/model"
)

// Sentinel errors the api package maps to HTTP status codes. Relay itself
// never writes an HTTP response.
var (
	ErrAccessDenied        = errors.New("chatflow not assigned")
	ErrAccountInactive     = errors.New("account inactive")
	ErrSessionBusy         = errors.New("session has a prediction already in flight")
	ErrUpstreamUnavailable = errors.New("upstream connection could not be established")
	ErrUpstreamIdle        = errors.New("upstream stopped sending data")
	ErrUpstreamStreamCap   = errors.New("upstream stream exceeded its time budget")
)

// FileRef is one upload attached to a predict request, already validated
// and stored by the caller before the relay is invoked.
type FileRef struct {
	FileID string
	Name   string
	Mime   string
	Data   string // base64, forwarded to the upstream as-is
}

// PredictRequest carries everything needed to run one prediction turn.
type PredictRequest struct {
	UserID      string
	ChatflowID  string
	SessionID   string // empty: derive deterministically from the first question
	Question    string
	AccessToken string
	Uploads     []FileRef
}

// Store orchestrates one prediction call end to end: access and balance
// checks, session bookkeeping, the upstream call, and fan-out of parsed
// events to the caller — mirroring the admission-then-invoke shape used
// throughout this codebase for gated, metered operations.
type Store struct {
	chatflows  *chatflow.Registry
	accounting *accounting.Client
	files      *files.Store
	sessions   *chat.Store
	upstream   *UpstreamClient
	log        *logger.Logger

	idleTimeout  time.Duration
	streamCap    time.Duration
	queueCap     int
	waitTimeout  time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore builds the prediction relay.
func NewStore(
	chatflows *chatflow.Registry,
	acct *accounting.Client,
	fileStore *files.Store,
	sessions *chat.Store,
	upstream *UpstreamClient,
	idleTimeout, streamCap, waitTimeout time.Duration,
	queueCap int,
	log *logger.Logger,
) *Store {
	return &Store{
		chatflows:   chatflows,
		accounting:  acct,
		files:       fileStore,
		sessions:    sessions,
		upstream:    upstream,
		log:         log.WithComponent("stream_relay"),
		idleTimeout: idleTimeout,
		streamCap:   streamCap,
		queueCap:    queueCap,
		waitTimeout: waitTimeout,
		locks:       make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the keyed mutex for one (user, chatflow) pair,
// creating it on first use. A single global lock would serialize every
// user's predictions behind one another; this keeps contention scoped to
// concurrent calls against the same conversation.
func (s *Store) sessionLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// tryLockWithTimeout attempts to acquire m within d, returning false on
// timeout rather than blocking forever — a second prediction against the
// same conversation gets a Conflict instead of queuing indefinitely.
func tryLockWithTimeout(m *sync.Mutex, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.Lock()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		// The locking goroutine may still win the mutex later; hand it back
		// so the key is not held forever by a caller that already gave up.
		go func() {
			<-done
			m.Unlock()
		}()
		return false
	}
}

// Predict runs one full turn and streams parsed events to emit. emit is
// called from one goroutine at a time, in order: the synthetic session_id
// event from this goroutine, then every upstream event from pump's consumer
// goroutine. It must not block longer than the caller can tolerate, since a
// slow sink backpressures the upstream read.
//
// Preconditions — access, account status, and balance — are all checked
// before any side effect (no debit, no session row, no upstream call) so a
// denied request never leaves a partial trace, per the no-side-effects-on-
// denial guarantee this relay upholds.
func (s *Store) Predict(ctx context.Context, req PredictRequest, emit func(Event)) error {
	hasAccess, err := s.chatflows.HasAccess(ctx, req.UserID, req.ChatflowID)
	if err != nil {
		return fmt.Errorf("check access: %w", err)
	}
	if !hasAccess {
		return ErrAccessDenied
	}

	active, err := s.chatflows.IsUserActive(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("check account status: %w", err)
	}
	if !active {
		return ErrAccountInactive
	}

	cost, err := s.accounting.Cost(ctx, req.ChatflowID, req.AccessToken)
	if err != nil {
		return fmt.Errorf("look up cost: %w", err)
	}

	lockKey := req.UserID + "|" + req.ChatflowID
	mu := s.sessionLock(lockKey)
	if !tryLockWithTimeout(mu, s.waitTimeout) {
		return ErrSessionBusy
	}
	defer mu.Unlock()

	if err := s.accounting.Debit(ctx, req.UserID, cost, "chat_predict", req.AccessToken); err != nil {
		return err
	}
	succeeded := false
	defer func() {
		s.accounting.LogTransaction(req.UserID, req.ChatflowID, cost, succeeded)
	}()

	session, _, err := s.sessions.EnsureSession(ctx, req.UserID, req.ChatflowID, req.SessionID, req.Question)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	ctx = logger.WithSessionID(ctx, session.SessionID)

	// Emit the session id up front so the client can correlate this turn
	// before the first upstream byte arrives, even on a brand-new session.
	emit(newStringEvent(EventSessionID, session.SessionID))

	fileIDs := make([]string, 0, len(req.Uploads))
	uploadRefs := make([]uploadRef, 0, len(req.Uploads))
	for _, f := range req.Uploads {
		fileIDs = append(fileIDs, f.FileID)
		uploadRefs = append(uploadRefs, uploadRef{Data: f.Data, Type: "file", Name: f.Name, Mime: f.Mime})
	}

	userMsg := model.ChatMessage{
		SessionID:  session.SessionID,
		UserID:     req.UserID,
		ChatflowID: req.ChatflowID,
		Role:       model.MessageRoleUser,
		Content:    req.Question,
		HasFiles:   len(fileIDs) > 0,
		FileIDs:    fileIDs,
	}
	if err := s.sessions.AppendMessage(ctx, userMsg); err != nil {
		s.log.LogError(ctx, err, "failed to append user turn")
	}

	body, err := s.upstream.Predict(ctx, req.ChatflowID, session.SessionID, req.Question, uploadRefs)
	if err != nil {
		var unavailable *UnavailableError
		if errors.As(err, &unavailable) {
			return ErrUpstreamUnavailable
		}
		return err
	}
	defer body.Close()

	events, partial, runErr := s.pump(ctx, body, emit)

	content, metadata := encodeAssistantTurn(events)
	assistantMsg := model.ChatMessage{
		SessionID:  session.SessionID,
		UserID:     req.UserID,
		ChatflowID: req.ChatflowID,
		Role:       model.MessageRoleAssistant,
		Content:    content,
		Metadata:   metadata,
		Partial:    partial,
	}
	// Persist under a context detached from the request's cancellation, so a
	// client disconnect still leaves the partial turn in history.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelPersist()
	if err := s.sessions.AppendMessage(persistCtx, assistantMsg); err != nil {
		s.log.LogError(ctx, err, "failed to append assistant turn")
	}

	if runErr != nil {
		return runErr
	}
	succeeded = true
	return nil
}

// pump is the producer: it reads the upstream body through a Splitter and
// pushes parsed events through a bounded channel to a consumer goroutine
// that calls emit, so a slow client sink never stalls the upstream read
// past the channel's capacity. It returns every event received, in order
// (for history), and whether the stream ended early (client gone, idle
// timeout, or stream cap), in which case the assistant turn is persisted
// with partial=true and the already-spent debit is not refunded.
func (s *Store) pump(ctx context.Context, body io.ReadCloser, emit func(Event)) ([]Event, bool, error) {
	events := make(chan Event, s.queueCap)
	done := make(chan struct{})

	var consumeErr error
	go func() {
		defer close(done)
		for ev := range events {
			emit(ev)
		}
	}()

	streamCtx, cancel := context.WithTimeout(ctx, s.streamCap)
	defer cancel()

	splitter := NewSplitter()
	reader := bufio.NewReaderSize(body, 64*1024)
	buf := make([]byte, 32*1024)

	var received []Event
	partial := false
	ended := false

	idleTimer := time.NewTimer(s.idleTimeout)
	defer idleTimer.Stop()

	readResult := make(chan readOutcome, 1)

readLoop:
	for {
		go func() {
			n, err := reader.Read(buf)
			readResult <- readOutcome{n: n, err: err}
		}()

		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(s.idleTimeout)

		select {
		case <-streamCtx.Done():
			if ctx.Err() != nil {
				partial = true
				consumeErr = ctx.Err()
			} else {
				partial = true
				consumeErr = ErrUpstreamStreamCap
			}
			break readLoop

		case <-idleTimer.C:
			partial = true
			consumeErr = ErrUpstreamIdle
			break readLoop

		case res := <-readResult:
			if res.n > 0 {
				for _, ev := range splitter.Feed(buf[:res.n]) {
					received = append(received, ev)
					if ev.EventKind == EventEnd {
						ended = true
					}
					select {
					case events <- ev:
					case <-streamCtx.Done():
						partial = true
						consumeErr = ErrUpstreamStreamCap
						break readLoop
					}
				}
			}
			if res.err != nil {
				if res.err != io.EOF {
					partial = !ended
					consumeErr = res.err
				} else if !ended {
					partial = true
				}
				break readLoop
			}
			if ended {
				break readLoop
			}
		}
	}

	close(events)
	<-done

	return received, partial, consumeErr
}

// encodeAssistantTurn JSON-encodes the full ordered event list into Content
// and the non-token subset into Metadata, per the documented persisted
// format: content is every received event, metadata is everything but the
// incremental token chunks.
func encodeAssistantTurn(events []Event) (content string, metadata string) {
	contentBytes, err := json.Marshal(events)
	if err != nil {
		contentBytes = []byte("[]")
	}

	nonToken := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.EventKind != EventToken {
			nonToken = append(nonToken, ev)
		}
	}
	metadataBytes, err := json.Marshal(nonToken)
	if err != nil {
		metadataBytes = []byte("[]")
	}

	return string(contentBytes), string(metadataBytes)
}

type readOutcome struct {
	n   int
	err error
}
