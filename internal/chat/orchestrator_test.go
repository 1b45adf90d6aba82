package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ruhal-doshi/chatsync/internal/history"
	"github.com/ruhal-doshi/chatsync/internal/protocol"
)

func newTestLocal(t *testing.T) *history.LocalStore {
	t.Helper()
	store, err := history.OpenLocalStore(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("OpenLocalStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// streamScript replays a fixed sequence of SSE events for every request and
// records the request bodies it saw.
type streamScript struct {
	mu       sync.Mutex
	events   []protocol.StreamEvent
	requests []protocol.StreamRequest
}

func (s *streamScript) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req protocol.StreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		events := s.events
		s.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			raw, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", raw)
		}
	}
}

func (s *streamScript) seen() []protocol.StreamRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.StreamRequest(nil), s.requests...)
}

func scriptedEvents(sessionID string, deltas ...string) []protocol.StreamEvent {
	events := []protocol.StreamEvent{{
		Type: protocol.TypeMetadata,
		Metadata: &protocol.Metadata{
			SessionID:          sessionID,
			UserMessageID:      "srv-user",
			AssistantMessageID: "srv-assistant",
		},
	}}
	for _, d := range deltas {
		events = append(events, protocol.StreamEvent{Type: protocol.TypeTextDelta, Delta: d})
	}
	return append(events, protocol.StreamEvent{Type: protocol.TypeFinish})
}

func TestOrchestratorAnonymousFirstTurn(t *testing.T) {
	local := newTestLocal(t)
	script := &streamScript{events: scriptedEvents("sess-1", "Hel", "lo ", "there")}
	srv := httptest.NewServer(script.handler(t))
	defer srv.Close()

	var navigated []string
	o := NewOrchestrator(Config{
		Endpoint:    srv.URL,
		AnonymousID: "anon_test",
		Local:       local,
		OnNavigate:  func(id string) { navigated = append(navigated, id) },
	}, ModeAnonymous, "")

	if err := o.Send(context.Background(), "Hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if o.State() != StateIdle {
		t.Fatalf("state = %q, want idle", o.State())
	}
	if o.SessionID() != "sess-1" {
		t.Fatalf("SessionID() = %q, want sess-1", o.SessionID())
	}
	if len(navigated) != 1 || navigated[0] != "sess-1" {
		t.Fatalf("navigations = %v, want exactly one to sess-1", navigated)
	}

	ctx := context.Background()
	sessions, err := local.ListSessions(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions.Items) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions.Items))
	}
	if sessions.Items[0].Title != "Hello" {
		t.Fatalf("session title = %q, want %q", sessions.Items[0].Title, "Hello")
	}

	msgs, err := local.ListMessages(ctx, "sess-1", "", 10)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs.Items) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(msgs.Items))
	}
	user, assistant := msgs.Items[0], msgs.Items[1]
	if user.Role != history.RoleUser || user.Content != "Hello" {
		t.Fatalf("first message = %+v, want the user turn", user)
	}
	if assistant.Role != history.RoleAssistant || assistant.Content != "Hello there" {
		t.Fatalf("second message = %+v, want the assembled reply", assistant)
	}
	if !assistant.CreatedAt.After(user.CreatedAt) {
		t.Fatalf("assistant CreatedAt %v not after user %v", assistant.CreatedAt, user.CreatedAt)
	}

	// The live turn is gone once finalized.
	if lt := o.LiveTurn(); lt != nil {
		t.Fatalf("LiveTurn() after finalize = %+v, want nil", lt)
	}
}

func TestOrchestratorSecondTurnShipsHistory(t *testing.T) {
	local := newTestLocal(t)
	script := &streamScript{events: scriptedEvents("sess-1", "Hi again")}
	srv := httptest.NewServer(script.handler(t))
	defer srv.Close()

	o := NewOrchestrator(Config{
		Endpoint:    srv.URL,
		AnonymousID: "anon_test",
		Local:       local,
	}, ModeAnonymous, "")

	ctx := context.Background()
	if err := o.Send(ctx, "First question"); err != nil {
		t.Fatalf("Send() #1 error = %v", err)
	}

	// Resume into the existing session; the replayed metadata names the same
	// session id, which must not double-adopt.
	script.mu.Lock()
	script.events = scriptedEvents("", "Sure")
	script.mu.Unlock()

	if err := o.Send(ctx, "Second question"); err != nil {
		t.Fatalf("Send() #2 error = %v", err)
	}

	reqs := script.seen()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if len(reqs[0].MessageHistory) != 0 {
		t.Fatalf("first turn shipped history: %+v", reqs[0].MessageHistory)
	}
	if len(reqs[1].MessageHistory) != 2 {
		t.Fatalf("second turn history = %d turns, want 2", len(reqs[1].MessageHistory))
	}
	if reqs[1].MessageHistory[0].Content != "First question" {
		t.Fatalf("history[0] = %+v, want the first user turn", reqs[1].MessageHistory[0])
	}
	if reqs[1].SessionID != "sess-1" {
		t.Fatalf("second turn SessionID = %q, want sess-1", reqs[1].SessionID)
	}
	if !reqs[1].IsAnonymous || reqs[1].AnonymousID != "anon_test" {
		t.Fatalf("anonymous markers missing: %+v", reqs[1])
	}
}

func TestOrchestratorMetadataReplayAdoptsOnce(t *testing.T) {
	local := newTestLocal(t)
	meta := protocol.StreamEvent{Type: protocol.TypeMetadata, Metadata: &protocol.Metadata{
		SessionID: "sess-1", UserMessageID: "u", AssistantMessageID: "a",
	}}
	script := &streamScript{events: []protocol.StreamEvent{
		meta,
		{Type: protocol.TypeTextDelta, Delta: "ok"},
		meta, // replayed
		{Type: protocol.TypeFinish},
	}}
	srv := httptest.NewServer(script.handler(t))
	defer srv.Close()

	var navigations int
	o := NewOrchestrator(Config{
		Endpoint:   srv.URL,
		Local:      local,
		OnNavigate: func(string) { navigations++ },
	}, ModeAnonymous, "")

	if err := o.Send(context.Background(), "Hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if navigations != 1 {
		t.Fatalf("navigations = %d, want 1", navigations)
	}
	sessions, _ := local.ListSessions(context.Background(), "", 10)
	if len(sessions.Items) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions.Items))
	}
}

func TestOrchestratorAuthenticatedRefreshes(t *testing.T) {
	script := &streamScript{events: scriptedEvents("", "Answer")}
	srv := httptest.NewServer(script.handler(t))
	defer srv.Close()

	var refreshed int
	o := NewOrchestrator(Config{
		Endpoint:  srv.URL,
		AuthToken: "token",
		OnRefresh: func() { refreshed++ },
	}, ModeAuthenticated, "existing-session")

	if err := o.Send(context.Background(), "Hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if refreshed != 1 {
		t.Fatalf("refreshes = %d, want 1", refreshed)
	}

	reqs := script.seen()
	if reqs[0].IsAnonymous {
		t.Fatal("authenticated request marked anonymous")
	}
	if len(reqs[0].MessageHistory) != 0 {
		t.Fatal("authenticated request shipped client history")
	}
}

func TestOrchestratorFinalizingRejectsReentrantSend(t *testing.T) {
	script := &streamScript{events: scriptedEvents("", "Answer")}
	srv := httptest.NewServer(script.handler(t))
	defer srv.Close()

	var stateDuring State
	var reentrant error
	var o *Orchestrator
	o = NewOrchestrator(Config{
		Endpoint:  srv.URL,
		AuthToken: "token",
		OnRefresh: func() {
			stateDuring = o.State()
			reentrant = o.Send(context.Background(), "again")
		},
	}, ModeAuthenticated, "sess-1")

	if err := o.Send(context.Background(), "Hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if stateDuring != StateFinalizing {
		t.Fatalf("state during refresh = %q, want finalizing", stateDuring)
	}
	if !errors.Is(reentrant, ErrTurnInFlight) {
		t.Fatalf("reentrant Send() error = %v, want ErrTurnInFlight", reentrant)
	}
	if o.State() != StateIdle {
		t.Fatalf("final state = %q, want idle", o.State())
	}
}

func TestOrchestratorQuotaRefusal(t *testing.T) {
	resetAt := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(protocol.QuotaError{
			Error: "daily message limit reached", Limit: 10, Remaining: 0, ResetAt: resetAt,
		})
	}))
	defer srv.Close()

	local := newTestLocal(t)
	o := NewOrchestrator(Config{Endpoint: srv.URL, Local: local}, ModeAnonymous, "")

	err := o.Send(context.Background(), "Hello")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Send() error = %v, want ErrQuotaExceeded", err)
	}
	if o.State() != StateErrored {
		t.Fatalf("state = %q, want errored", o.State())
	}

	q := o.Quota()
	if q == nil {
		t.Fatal("Quota() = nil after quota refusal")
	}
	if q.Limit != 10 || q.Remaining != 0 || !q.ResetAt.Equal(resetAt) {
		t.Fatalf("Quota() = %+v", q)
	}

	// Nothing was persisted locally.
	sessions, _ := local.ListSessions(context.Background(), "", 10)
	if len(sessions.Items) != 0 {
		t.Fatalf("quota refusal persisted %d sessions", len(sessions.Items))
	}
}

func TestOrchestratorStreamErrorDiscardsTurn(t *testing.T) {
	local := newTestLocal(t)
	script := &streamScript{events: []protocol.StreamEvent{
		{Type: protocol.TypeMetadata, Metadata: &protocol.Metadata{
			SessionID: "sess-1", UserMessageID: "u", AssistantMessageID: "a",
		}},
		{Type: protocol.TypeTextDelta, Delta: "partial "},
		{Type: protocol.TypeError, Error: "provider unavailable"},
	}}
	srv := httptest.NewServer(script.handler(t))
	defer srv.Close()

	o := NewOrchestrator(Config{Endpoint: srv.URL, Local: local}, ModeAnonymous, "")

	err := o.Send(context.Background(), "Hello")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("Send() error = %v, want ErrUpstream", err)
	}
	if o.State() != StateErrored {
		t.Fatalf("state = %q, want errored", o.State())
	}

	// The session record was adopted before the failure, but no messages
	// from the broken turn were written.
	msgs, _ := local.ListMessages(context.Background(), "sess-1", "", 10)
	if len(msgs.Items) != 0 {
		t.Fatalf("errored turn persisted %d messages", len(msgs.Items))
	}
	if lt := o.LiveTurn(); lt != nil {
		t.Fatalf("LiveTurn() after error = %+v, want nil", lt)
	}
}

func TestOrchestratorContentBeforeMetadata(t *testing.T) {
	script := &streamScript{events: []protocol.StreamEvent{
		{Type: protocol.TypeTextDelta, Delta: "rogue"},
	}}
	srv := httptest.NewServer(script.handler(t))
	defer srv.Close()

	o := NewOrchestrator(Config{Endpoint: srv.URL}, ModeAnonymous, "")
	if err := o.Send(context.Background(), "Hello"); !errors.Is(err, ErrUpstream) {
		t.Fatalf("Send() error = %v, want ErrUpstream", err)
	}
}

func TestOrchestratorRejectsConcurrentSend(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		raw, _ := json.Marshal(protocol.StreamEvent{Type: protocol.TypeMetadata, Metadata: &protocol.Metadata{
			UserMessageID: "u", AssistantMessageID: "a",
		}})
		fmt.Fprintf(w, "data: %s\n\n", raw)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
		raw, _ = json.Marshal(protocol.StreamEvent{Type: protocol.TypeFinish})
		fmt.Fprintf(w, "data: %s\n\n", raw)
	}))
	defer srv.Close()

	o := NewOrchestrator(Config{Endpoint: srv.URL}, ModeAuthenticated, "sess-1")

	done := make(chan error, 1)
	go func() { done <- o.Send(context.Background(), "first") }()

	// Wait for the first turn to hold the stream open.
	deadline := time.Now().Add(2 * time.Second)
	for o.State() != StateStreaming {
		if time.Now().After(deadline) {
			t.Fatal("first turn never reached streaming")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := o.Send(context.Background(), "second"); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("concurrent Send() error = %v, want ErrTurnInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
}

func TestOrchestratorViewShowsLiveTurnWhileStreaming(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		enc := func(ev protocol.StreamEvent) {
			raw, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", raw)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
		enc(protocol.StreamEvent{Type: protocol.TypeMetadata, Metadata: &protocol.Metadata{
			SessionID: "sess-1", UserMessageID: "u", AssistantMessageID: "a",
		}})
		enc(protocol.StreamEvent{Type: protocol.TypeTextDelta, Delta: "Thinking"})
		<-release
		enc(protocol.StreamEvent{Type: protocol.TypeFinish})
	}))
	defer srv.Close()

	local := newTestLocal(t)
	o := NewOrchestrator(Config{Endpoint: srv.URL, Local: local}, ModeAnonymous, "")

	done := make(chan error, 1)
	go func() { done <- o.Send(context.Background(), "Hello") }()

	deadline := time.Now().Add(2 * time.Second)
	var view []ViewMessage
	for {
		view = o.View(nil)
		if len(view) == 2 && view[1].Content == "Thinking" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("view never showed the streaming turn, last: %+v", view)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if view[0].Role != history.RoleUser || view[0].Content != "Hello" {
		t.Fatalf("view[0] = %+v, want the live user turn", view[0])
	}
	if !view[1].Streaming {
		t.Fatal("streaming assistant not flagged")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}
