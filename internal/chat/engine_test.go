// internal/chat/engine_test.go
package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/appconfig"
	"github.com/loomworks/loom/internal/backend"
	"github.com/loomworks/loom/internal/remote"
)

// scriptedBody replays SSE segments, optionally blocking afterwards until
// the request context is cancelled.
type scriptedBody struct {
	ctx      context.Context
	segments []string
	idx      int
	blockEnd bool
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	if b.idx < len(b.segments) {
		n := copy(p, b.segments[b.idx])
		b.idx++
		return n, nil
	}
	if b.blockEnd {
		<-b.ctx.Done()
		return 0, b.ctx.Err()
	}
	return 0, io.EOF
}

func (b *scriptedBody) Close() error { return nil }

type fakeStreamer struct {
	mu       sync.Mutex
	requests []backend.ChatRequest
	fn       func(ctx context.Context, operationID string, req backend.ChatRequest) (io.ReadCloser, error)
}

func (f *fakeStreamer) ChatStream(ctx context.Context, operationID string, req backend.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.fn(ctx, operationID, req)
}

func (f *fakeStreamer) lastRequest(t *testing.T) backend.ChatRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no chat request issued")
	}
	return f.requests[len(f.requests)-1]
}

func delta(content string) string {
	return "event: delta\ndata: {\"content\":\"" + content + "\"}\n\n"
}

func done(payload string) string {
	return "event: done\ndata: " + payload + "\n\n"
}

func newTestEngine(streamer Streamer) *Engine {
	cfg := &appconfig.Config{ProjectID: "proj-1"}
	return NewEngine(streamer, remote.NewSlotTable(nil), NewStore(), cfg)
}

func TestSendAppliesDeltasAndDone(t *testing.T) {
	streamer := &fakeStreamer{fn: func(ctx context.Context, _ string, _ backend.ChatRequest) (io.ReadCloser, error) {
		return &scriptedBody{ctx: ctx, segments: []string{
			delta("A"), delta("B"),
			done(`{"answer":"AB","sources":[{"id":"src-1","rank":1},{"id":"src-2","rank":2}]}`),
		}}, nil
	}}
	e := newTestEngine(streamer)

	var accumulated []string
	err := e.Send(context.Background(), "hello", Callbacks{
		OnDelta: func(acc string) { accumulated = append(accumulated, acc) },
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	session := e.Snapshot()
	if len(session.Messages) != 2 {
		t.Fatalf("expected user + assistant messages, got %d", len(session.Messages))
	}
	assistant := session.Messages[1]
	if assistant.Content != "AB" || assistant.IsStreaming {
		t.Fatalf("unexpected assistant message: %+v", assistant)
	}
	if session.LatestResponse == nil || session.LatestResponse.Answer != "AB" {
		t.Fatalf("latest response not stored: %+v", session.LatestResponse)
	}
	if session.SelectedSourceID != "src-1" {
		t.Fatalf("expected top-ranked source selected, got %q", session.SelectedSourceID)
	}
	if len(accumulated) != 2 || accumulated[0] != "A" || accumulated[1] != "AB" {
		t.Fatalf("unexpected delta accumulation: %v", accumulated)
	}
	if req := streamer.lastRequest(t); req.SessionID != "" {
		t.Fatalf("stateless send must not carry a session id, got %q", req.SessionID)
	}
}

func TestSendValidation(t *testing.T) {
	streamer := &fakeStreamer{fn: func(ctx context.Context, _ string, _ backend.ChatRequest) (io.ReadCloser, error) {
		t.Fatal("validation errors must not reach the backend")
		return nil, nil
	}}

	e := newTestEngine(streamer)
	if err := e.Send(context.Background(), "   ", Callbacks{}); err == nil {
		t.Fatal("expected error for empty draft")
	}
	if got := len(e.Snapshot().Messages); got != 0 {
		t.Fatalf("no messages may be appended on validation failure, got %d", got)
	}

	e = NewEngine(streamer, remote.NewSlotTable(nil), NewStore(), &appconfig.Config{})
	if err := e.Send(context.Background(), "hello", Callbacks{}); err == nil {
		t.Fatal("expected error for missing project")
	}
	if got := len(e.Snapshot().Messages); got != 0 {
		t.Fatalf("no messages may be appended on validation failure, got %d", got)
	}
}

func TestSendWhileStreamingIsNoOp(t *testing.T) {
	firstDelta := make(chan struct{})
	streamer := &fakeStreamer{fn: func(ctx context.Context, _ string, _ backend.ChatRequest) (io.ReadCloser, error) {
		return &scriptedBody{ctx: ctx, segments: []string{delta("A")}, blockEnd: true}, nil
	}}
	e := newTestEngine(streamer)

	doneCh := make(chan error, 1)
	var once sync.Once
	go func() {
		doneCh <- e.Send(context.Background(), "first", Callbacks{
			OnDelta: func(string) { once.Do(func() { close(firstDelta) }) },
		})
	}()

	select {
	case <-firstDelta:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first delta")
	}

	if err := e.Send(context.Background(), "second", Callbacks{}); err != nil {
		t.Fatalf("send while busy must be a silent no-op, got %v", err)
	}
	if got := len(e.Snapshot().Messages); got != 2 {
		t.Fatalf("no duplicate messages may be appended, got %d", got)
	}

	e.Cancel()
	if err := <-doneCh; err != nil {
		t.Fatalf("cancelled send must not error: %v", err)
	}
}

func TestCancellationKeepsPartialContent(t *testing.T) {
	secondDelta := make(chan struct{})
	streamer := &fakeStreamer{fn: func(ctx context.Context, _ string, _ backend.ChatRequest) (io.ReadCloser, error) {
		return &scriptedBody{ctx: ctx, segments: []string{delta("A"), delta("B")}, blockEnd: true}, nil
	}}
	e := newTestEngine(streamer)

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- e.Send(context.Background(), "question", Callbacks{
			OnDelta: func(acc string) {
				if acc == "AB" {
					close(secondDelta)
				}
			},
		})
	}()

	select {
	case <-secondDelta:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deltas")
	}
	if !e.Cancel() {
		t.Fatal("expected a live send to cancel")
	}
	if err := <-doneCh; err != nil {
		t.Fatalf("cancellation must not surface an error, got %v", err)
	}

	session := e.Snapshot()
	assistant := session.Messages[1]
	if assistant.Content != "AB" {
		t.Fatalf("partial content must be exactly the accumulated prefix, got %q", assistant.Content)
	}
	if assistant.IsStreaming {
		t.Fatal("cancelled placeholder must stop streaming")
	}
	if e.Err() != "" {
		t.Fatalf("cancellation is not an error, got %q", e.Err())
	}
	if e.Status() != "interrupted" {
		t.Fatalf("unexpected status: %q", e.Status())
	}
}

func TestFailureRemovesNeverStreamedPlaceholder(t *testing.T) {
	streamer := &fakeStreamer{fn: func(ctx context.Context, _ string, _ backend.ChatRequest) (io.ReadCloser, error) {
		return nil, errors.New("connection refused")
	}}
	e := newTestEngine(streamer)

	err := e.Send(context.Background(), "question", Callbacks{})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected transport error, got %v", err)
	}

	session := e.Snapshot()
	if len(session.Messages) != 1 || session.Messages[0].Role != RoleUser {
		t.Fatalf("empty placeholder must be removed, user message kept: %+v", session.Messages)
	}
	if e.Err() == "" {
		t.Fatal("expected failure message recorded")
	}
}

func TestFailureKeepsPartialContent(t *testing.T) {
	streamer := &fakeStreamer{fn: func(ctx context.Context, _ string, _ backend.ChatRequest) (io.ReadCloser, error) {
		return &scriptedBody{ctx: ctx, segments: []string{
			delta("partial"),
			"event: error\ndata: {\"detail\":\"index unavailable\"}\n\n",
		}}, nil
	}}
	e := newTestEngine(streamer)

	err := e.Send(context.Background(), "question", Callbacks{})
	if err == nil || !strings.Contains(err.Error(), "index unavailable") {
		t.Fatalf("expected backend error, got %v", err)
	}

	session := e.Snapshot()
	assistant := session.Messages[1]
	if assistant.Content != "partial" || assistant.IsStreaming {
		t.Fatalf("partial content must survive the failure: %+v", assistant)
	}
}

func TestSessionModePersistsSnapshotUnderRevisedID(t *testing.T) {
	streamer := &fakeStreamer{fn: func(ctx context.Context, _ string, req backend.ChatRequest) (io.ReadCloser, error) {
		return &scriptedBody{ctx: ctx, segments: []string{
			delta("answer"),
			done(`{"answer":"answer","sessionId":"server-1"}`),
		}}, nil
	}}
	e := newTestEngine(streamer)
	if err := e.SetSessionMode(true); err != nil {
		t.Fatalf("SetSessionMode: %v", err)
	}

	if err := e.Send(context.Background(), "first question", Callbacks{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	req := streamer.lastRequest(t)
	if req.SessionID == "" {
		t.Fatal("session mode must send a session id")
	}
	session := e.Snapshot()
	if session.ID != "server-1" {
		t.Fatalf("expected server-revised session id adopted, got %q", session.ID)
	}

	stored := e.store.Get("server-1")
	if len(stored.Messages) != 2 {
		t.Fatalf("snapshot not persisted under revised id: %+v", stored)
	}
	if stored.Title != "first question" {
		t.Fatalf("unexpected derived title: %q", stored.Title)
	}
}

func TestPersistThenSwitchRestoresVerbatim(t *testing.T) {
	answer := "one"
	streamer := &fakeStreamer{fn: func(ctx context.Context, _ string, _ backend.ChatRequest) (io.ReadCloser, error) {
		return &scriptedBody{ctx: ctx, segments: []string{
			delta(answer),
			done(`{"answer":"` + answer + `"}`),
		}}, nil
	}}
	e := newTestEngine(streamer)
	if err := e.SetSessionMode(true); err != nil {
		t.Fatalf("SetSessionMode: %v", err)
	}

	if err := e.Send(context.Background(), "question one", Callbacks{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	firstID := e.Snapshot().ID

	answer = "two"
	if _, err := e.NewSession(); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if got := len(e.Snapshot().Messages); got != 0 {
		t.Fatalf("new session must start empty, got %d messages", got)
	}
	if err := e.Send(context.Background(), "question two", Callbacks{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := e.SwitchSession(firstID); err != nil {
		t.Fatalf("SwitchSession: %v", err)
	}
	restored := e.Snapshot()
	if len(restored.Messages) != 2 || restored.Messages[0].Content != "question one" {
		t.Fatalf("first session not restored verbatim: %+v", restored.Messages)
	}
	if restored.LatestResponse == nil || restored.LatestResponse.Answer != "one" {
		t.Fatalf("latest response not restored: %+v", restored.LatestResponse)
	}

	if err := e.SwitchSession("never-seen"); err != nil {
		t.Fatalf("SwitchSession: %v", err)
	}
	if fresh := e.Snapshot(); len(fresh.Messages) != 0 || fresh.LatestResponse != nil {
		t.Fatalf("unknown session must restore empty, got %+v", fresh)
	}
}

// persistingStreamer also implements Persister, recording mirrored records.
type persistingStreamer struct {
	fakeStreamer
	created chan backend.SessionRecord
	updated chan backend.SessionRecord
}

func (p *persistingStreamer) CreateSession(_ context.Context, record backend.SessionRecord) (backend.SessionRecord, error) {
	p.created <- record
	return record, nil
}

func (p *persistingStreamer) UpdateSession(_ context.Context, record backend.SessionRecord) error {
	p.updated <- record
	return nil
}

func TestPersistRemoteMirrorsSnapshots(t *testing.T) {
	streamer := &persistingStreamer{
		fakeStreamer: fakeStreamer{fn: func(ctx context.Context, _ string, _ backend.ChatRequest) (io.ReadCloser, error) {
			return &scriptedBody{ctx: ctx, segments: []string{
				delta("answer"),
				done(`{"answer":"answer"}`),
			}}, nil
		}},
		created: make(chan backend.SessionRecord, 1),
		updated: make(chan backend.SessionRecord, 1),
	}
	cfg := &appconfig.Config{ProjectID: "proj-1", SessionMode: true, PersistRemote: true}
	e := NewEngine(streamer, remote.NewSlotTable(nil), NewStore(), cfg)

	if err := e.Send(context.Background(), "remember this", Callbacks{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var record backend.SessionRecord
	select {
	case record = <-streamer.created:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the session to be created remotely")
	}
	if record.ID != e.Snapshot().ID {
		t.Fatalf("mirrored id %q does not match active session %q", record.ID, e.Snapshot().ID)
	}
	if record.MessageCount != 2 || len(record.Messages) != 2 {
		t.Fatalf("expected both messages mirrored, got %+v", record)
	}
	if record.Title != "remember this" {
		t.Fatalf("unexpected mirrored title: %q", record.Title)
	}

	if err := e.Send(context.Background(), "and this", Callbacks{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case record = <-streamer.updated:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the session to be updated remotely")
	}
	if record.MessageCount != 4 {
		t.Fatalf("expected the grown transcript mirrored, got %d messages", record.MessageCount)
	}
}

func TestPersistRemoteOffNeverMirrors(t *testing.T) {
	streamer := &persistingStreamer{
		fakeStreamer: fakeStreamer{fn: func(ctx context.Context, _ string, _ backend.ChatRequest) (io.ReadCloser, error) {
			return &scriptedBody{ctx: ctx, segments: []string{
				delta("answer"),
				done(`{"answer":"answer"}`),
			}}, nil
		}},
		created: make(chan backend.SessionRecord, 1),
		updated: make(chan backend.SessionRecord, 1),
	}
	cfg := &appconfig.Config{ProjectID: "proj-1", SessionMode: true}
	e := NewEngine(streamer, remote.NewSlotTable(nil), NewStore(), cfg)

	if err := e.Send(context.Background(), "local only", Callbacks{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case record := <-streamer.created:
		t.Fatalf("persistSessions off must not mirror, got %+v", record)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionOpsRejectedWhileStreaming(t *testing.T) {
	firstDelta := make(chan struct{})
	streamer := &fakeStreamer{fn: func(ctx context.Context, _ string, _ backend.ChatRequest) (io.ReadCloser, error) {
		return &scriptedBody{ctx: ctx, segments: []string{delta("A")}, blockEnd: true}, nil
	}}
	e := newTestEngine(streamer)
	if err := e.SetSessionMode(true); err != nil {
		t.Fatalf("SetSessionMode: %v", err)
	}

	doneCh := make(chan error, 1)
	var once sync.Once
	go func() {
		doneCh <- e.Send(context.Background(), "question", Callbacks{
			OnDelta: func(string) { once.Do(func() { close(firstDelta) }) },
		})
	}()

	select {
	case <-firstDelta:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first delta")
	}

	if err := e.SetSessionMode(false); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from mode switch, got %v", err)
	}
	if err := e.SwitchSession("other"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from session switch, got %v", err)
	}
	if _, err := e.NewSession(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from new session, got %v", err)
	}
	if err := e.Clear(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from clear, got %v", err)
	}

	e.Cancel()
	if err := <-doneCh; err != nil {
		t.Fatalf("cancelled send must not error: %v", err)
	}
}
