// internal/chat/engine.go
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/appconfig"
	"github.com/loomworks/loom/internal/backend"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/remote"
	"github.com/loomworks/loom/internal/stream"
)

// SlotChat is the single-occupancy slot for chat sends.
const SlotChat remote.Slot = "chat"

// ErrBusy rejects session mutations attempted while a send is in flight.
var ErrBusy = errors.New("a message is still streaming")

// Streamer opens one streaming chat exchange.
type Streamer interface {
	ChatStream(ctx context.Context, operationID string, req backend.ChatRequest) (io.ReadCloser, error)
}

// Persister mirrors session snapshots to the backend's session store. The
// mirror is best effort: the in-memory store stays authoritative and a failed
// mirror never surfaces to the user.
type Persister interface {
	CreateSession(ctx context.Context, record backend.SessionRecord) (backend.SessionRecord, error)
	UpdateSession(ctx context.Context, record backend.SessionRecord) error
}

// Callbacks forward stream progress to the caller, typically a terminal UI
// relaying them into its message loop. All callbacks are optional and run on
// the sending goroutine.
type Callbacks struct {
	OnMeta  func(meta map[string]any)
	OnDelta func(accumulated string)
	OnDone  func(resp backend.ChatResponse)
}

// Engine drives chat exchanges against the streaming backend, mutating the
// active session as events arrive. One send is in flight at most.
type Engine struct {
	mu       sync.Mutex
	cfg      *appconfig.Config
	streamer Streamer
	slots    *remote.SlotTable
	store    *Store

	projectID   string
	documentIDs []string

	sessionMode   bool
	active        Session
	stateless     Session
	lastSessionID string

	persist  Persister
	mirrored map[string]bool

	requesting bool
	status     string
	errText    string
}

// NewEngine constructs an Engine over the given streamer and snapshot store.
func NewEngine(streamer Streamer, slots *remote.SlotTable, store *Store, cfg *appconfig.Config) *Engine {
	e := &Engine{
		cfg:      cfg,
		streamer: streamer,
		slots:    slots,
		store:    store,
	}
	if cfg != nil {
		e.projectID = cfg.ProjectID
		if cfg.SessionMode {
			e.sessionMode = true
			e.lastSessionID = NewSessionID()
			e.active = Session{ID: e.lastSessionID}
		}
		if cfg.PersistRemote {
			if p, ok := streamer.(Persister); ok {
				e.persist = p
				e.mirrored = make(map[string]bool)
			}
		}
	}
	return e
}

// Snapshot returns a copy of the active session.
func (e *Engine) Snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.clone()
}

// Busy reports whether a send is in flight.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requesting
}

// SessionMode reports whether sends carry a session identifier.
func (e *Engine) SessionMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionMode
}

// Status returns the latest status text.
func (e *Engine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the latest error text, empty when the last operation was clean.
func (e *Engine) Err() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errText
}

// SetProject selects the project retrieved against.
func (e *Engine) SetProject(projectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.projectID = projectID
}

// SetDocumentFilter restricts retrieval to the given document ids. Nil
// removes the filter.
func (e *Engine) SetDocumentFilter(ids []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.documentIDs = append([]string(nil), ids...)
}

// SelectSource records which of the latest response's sources the user is
// inspecting.
func (e *Engine) SelectSource(sourceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active.SelectedSourceID = sourceID
}

// Sessions lists the stored session directory, most recently updated first.
func (e *Engine) Sessions() []DirectoryEntry {
	return e.store.Entries()
}

// Send runs one chat exchange: it appends the user message and a streaming
// assistant placeholder, opens the stream, applies deltas in arrival order,
// and finalizes the placeholder from the done record. Sending while a prior
// send is still in flight is a no-op. Cancellation keeps whatever partial
// content accumulated and is not an error.
func (e *Engine) Send(ctx context.Context, draft string, cb Callbacks) error {
	text := strings.TrimSpace(draft)

	e.mu.Lock()
	if e.requesting {
		e.mu.Unlock()
		return nil
	}
	if text == "" {
		err := errors.New("message is empty")
		e.errText = err.Error()
		e.mu.Unlock()
		return err
	}
	if e.projectID == "" {
		err := errors.New("select a project before chatting")
		e.errText = err.Error()
		e.mu.Unlock()
		return err
	}

	now := time.Now()
	placeholderID := uuid.NewString()
	e.active.Messages = append(e.active.Messages,
		Message{ID: uuid.NewString(), Role: RoleUser, Content: text, CreatedAt: now},
		Message{ID: placeholderID, Role: RoleAssistant, CreatedAt: now, IsStreaming: true},
	)
	e.requesting = true
	e.status = "sending"
	e.errText = ""

	sessionID := ""
	if e.sessionMode {
		if e.active.ID == "" {
			e.active.ID = NewSessionID()
			e.lastSessionID = e.active.ID
		}
		sessionID = e.active.ID
	}
	req := e.buildRequestLocked(text, sessionID)
	e.mu.Unlock()

	op := e.slots.Acquire(ctx, SlotChat)
	body, err := e.streamer.ChatStream(op.Context(), op.ID(), req)
	if err != nil {
		if !e.slots.Settle(op) {
			return e.finishCancelled(placeholderID)
		}
		return e.finishFailure(placeholderID, err)
	}
	defer body.Close()

	decoder := stream.NewDecoder(body)
	var acc strings.Builder
	var doneResp *backend.ChatResponse
	var streamErr error

decode:
	for {
		event, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		switch event.Type {
		case stream.EventMeta:
			if cb.OnMeta != nil {
				cb.OnMeta(event.Meta)
			}
		case stream.EventDelta:
			e.mu.Lock()
			if op.Cancelled() {
				e.mu.Unlock()
				break decode
			}
			acc.WriteString(event.Delta)
			e.setContentLocked(placeholderID, acc.String(), true)
			e.status = "streaming"
			e.mu.Unlock()
			if cb.OnDelta != nil {
				cb.OnDelta(acc.String())
			}
		case stream.EventDone:
			var resp backend.ChatResponse
			if err := json.Unmarshal(event.Done, &resp); err != nil {
				streamErr = fmt.Errorf("%w: done record: %v", stream.ErrMalformedPayload, err)
			} else {
				doneResp = &resp
			}
		}
	}

	if !e.slots.Settle(op) {
		return e.finishCancelled(placeholderID)
	}
	if streamErr != nil {
		return e.finishFailure(placeholderID, streamErr)
	}
	if doneResp == nil {
		return e.finishFailure(placeholderID, stream.ErrStreamTruncated)
	}
	e.finishDone(placeholderID, *doneResp, cb)
	return nil
}

// Cancel interrupts the in-flight send, if any.
func (e *Engine) Cancel() bool {
	return e.slots.Cancel(SlotChat)
}

// SetSessionMode toggles between the memory-less mode and named sessions.
// The current view is snapshotted before switching; re-entering session mode
// restores the last active session.
func (e *Engine) SetSessionMode(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.requesting {
		return ErrBusy
	}
	if enabled == e.sessionMode {
		return nil
	}

	if e.sessionMode {
		e.persistActiveLocked()
		e.sessionMode = false
		e.active = e.stateless.clone()
		e.status = "session mode off"
		return nil
	}

	e.stateless = e.active.clone()
	e.sessionMode = true
	if e.lastSessionID != "" {
		e.active = e.store.Get(e.lastSessionID)
	} else {
		e.lastSessionID = NewSessionID()
		e.active = Session{ID: e.lastSessionID}
	}
	e.status = "session mode on"
	return nil
}

// SwitchSession persists the active session and restores the destination's
// snapshot, or an empty one if the id has never been seen.
func (e *Engine) SwitchSession(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.requesting {
		return ErrBusy
	}
	if !e.sessionMode {
		return errors.New("enable session mode before switching sessions")
	}
	e.persistActiveLocked()
	e.active = e.store.Get(id)
	e.lastSessionID = id
	e.status = "switched session"
	return nil
}

// NewSession persists the active session and starts a fresh one under a new
// identifier.
func (e *Engine) NewSession() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.requesting {
		return "", ErrBusy
	}
	if !e.sessionMode {
		return "", errors.New("enable session mode before creating sessions")
	}
	e.persistActiveLocked()
	id := NewSessionID()
	e.active = Session{ID: id}
	e.lastSessionID = id
	e.status = "new session"
	return id, nil
}

// Clear persists the active session, then empties the view. In session mode
// a fresh session takes over.
func (e *Engine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.requesting {
		return ErrBusy
	}
	e.persistActiveLocked()
	if e.sessionMode {
		id := NewSessionID()
		e.active = Session{ID: id}
		e.lastSessionID = id
	} else {
		e.active = Session{}
	}
	e.status = "cleared"
	return nil
}

func (e *Engine) persistActiveLocked() {
	if !e.sessionMode || e.active.ID == "" {
		return
	}
	e.store.Save(e.active)
	e.mirrorLocked(e.active.clone())
}

// mirrorLocked ships a session snapshot to the persistence backend off the
// caller's path. The first mirror of an id creates the record, later mirrors
// overwrite it.
func (e *Engine) mirrorLocked(snapshot Session) {
	if e.persist == nil {
		return
	}
	create := !e.mirrored[snapshot.ID]
	e.mirrored[snapshot.ID] = true
	go func() {
		record := sessionRecord(snapshot)
		var err error
		if create {
			_, err = e.persist.CreateSession(context.Background(), record)
		} else {
			err = e.persist.UpdateSession(context.Background(), record)
		}
		if err != nil {
			logging.LogEvent("session mirror for %s failed: %v", snapshot.ID, err)
		}
	}()
}

// sessionRecord converts an in-memory session into its wire record.
func sessionRecord(s Session) backend.SessionRecord {
	messages := make([]backend.SessionMessage, len(s.Messages))
	for i, m := range s.Messages {
		messages[i] = backend.SessionMessage{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		}
	}
	return backend.SessionRecord{
		ID:             s.ID,
		Title:          DeriveTitle(s.Messages),
		LatestResponse: s.LatestResponse,
		Messages:       messages,
		MessageCount:   len(messages),
		UpdatedAt:      time.Now(),
	}
}

func (e *Engine) buildRequestLocked(text, sessionID string) backend.ChatRequest {
	tuning := e.cfg.RetrievalTuning()
	return backend.ChatRequest{
		ProjectID:   e.projectID,
		DocumentIDs: append([]string(nil), e.documentIDs...),
		Message:     text,
		Retrieval: backend.RetrievalTuning{
			TopK:             tuning.TopK,
			DenseTopK:        tuning.DenseTopK,
			SparseTopK:       tuning.SparseTopK,
			DenseWeight:      tuning.DenseWeight,
			RerankCandidates: tuning.RerankCandidates,
			RerankModel:      tuning.RerankModel,
		},
		ChatModel:     e.cfg.Models.Chat,
		HistoryWindow: tuning.HistoryWindow,
		SessionID:     sessionID,
	}
}

// finishCancelled settles an interrupted send: the placeholder keeps its
// partial content and stops streaming.
func (e *Engine) finishCancelled(placeholderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if msg := e.findLocked(placeholderID); msg != nil {
		msg.IsStreaming = false
	}
	e.requesting = false
	e.status = "interrupted"
	return nil
}

// finishFailure surfaces the error. A placeholder that never received any
// content is removed; partial content is kept.
func (e *Engine) finishFailure(placeholderID string, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if msg := e.findLocked(placeholderID); msg != nil {
		if msg.Content == "" {
			e.removeLocked(placeholderID)
		} else {
			msg.IsStreaming = false
		}
	}
	e.requesting = false
	e.errText = err.Error()
	e.status = "failed"
	return err
}

func (e *Engine) finishDone(placeholderID string, resp backend.ChatResponse, cb Callbacks) {
	e.mu.Lock()
	e.setContentLocked(placeholderID, resp.Answer, false)
	e.active.LatestResponse = &resp
	if len(resp.Sources) > 0 {
		e.active.SelectedSourceID = resp.Sources[0].ID
	} else {
		e.active.SelectedSourceID = ""
	}
	if e.sessionMode {
		if resp.SessionID != "" && resp.SessionID != e.active.ID {
			e.active.ID = resp.SessionID
			e.lastSessionID = resp.SessionID
		}
		e.persistActiveLocked()
	}
	e.requesting = false
	e.status = "done"
	e.mu.Unlock()

	if cb.OnDone != nil {
		cb.OnDone(resp)
	}
}

func (e *Engine) findLocked(id string) *Message {
	for i := range e.active.Messages {
		if e.active.Messages[i].ID == id {
			return &e.active.Messages[i]
		}
	}
	return nil
}

func (e *Engine) removeLocked(id string) {
	for i := range e.active.Messages {
		if e.active.Messages[i].ID == id {
			e.active.Messages = append(e.active.Messages[:i], e.active.Messages[i+1:]...)
			return
		}
	}
}

func (e *Engine) setContentLocked(id, content string, streaming bool) {
	if msg := e.findLocked(id); msg != nil {
		msg.Content = content
		msg.IsStreaming = streaming
	}
}
