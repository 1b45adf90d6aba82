// Package chat holds the client-side core: the turn orchestrator state
// machine and the merge view that projects persisted history plus the
// in-flight stream into one sequence.
package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruhal-doshi/chatsync/internal/history"
	"github.com/ruhal-doshi/chatsync/internal/protocol"
)

// State names the orchestrator's position in the turn lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateSending    State = "sending"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateErrored    State = "errored"
)

// Mode selects which store backs the conversation.
type Mode string

const (
	ModeAnonymous     Mode = "anonymous"
	ModeAuthenticated Mode = "authenticated"
)

var (
	// ErrTurnInFlight rejects a submission while a stream is open; at most
	// one active stream per session keeps turn ordering race-free.
	ErrTurnInFlight = errors.New("a turn is already in flight")
	// ErrQuotaExceeded carries the limiter's refusal; Quota() has the
	// figures.
	ErrQuotaExceeded = errors.New("daily message limit reached")
	// ErrUpstream covers provider and transport failures mid-turn.
	ErrUpstream = errors.New("upstream failure")
)

// QuotaInfo surfaces the server's quota refusal to the caller.
type QuotaInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Config wires one Orchestrator instance.
type Config struct {
	// Endpoint is the absolute URL of the streaming chat endpoint.
	Endpoint string
	// AuthToken, when set, selects authenticated mode headers.
	AuthToken string
	// AnonymousID identifies the anonymous client; usually the local
	// store's durable identity token.
	AnonymousID string
	// Local receives the finalized turn in anonymous mode.
	Local *history.LocalStore
	// OnNavigate fires exactly once when a brand-new conversation's id is
	// adopted from stream metadata.
	OnNavigate func(sessionID string)
	// OnRefresh fires after an authenticated turn finalizes; persistence
	// already happened server-side, the view just needs fresh data.
	OnRefresh func()
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Orchestrator drives one conversation's turns. All transient per-turn
// tracking (pending text, allocated ids, the streaming buffer) lives here and
// is cleared on every transition back to Idle, so the merge view can never
// re-display a just-finalized turn.
type Orchestrator struct {
	cfg  Config
	mode Mode

	mu                 sync.Mutex
	state              State
	sessionID          string
	pendingText        string
	userMessageID      string
	assistantMessageID string
	assistantBuf       strings.Builder
	lastErr            error
	quota              *QuotaInfo
}

// NewOrchestrator creates the orchestrator for one conversation. sessionID is
// empty for a conversation that does not exist yet.
func NewOrchestrator(cfg Config, mode Mode, sessionID string) *Orchestrator {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Orchestrator{
		cfg:       cfg,
		mode:      mode,
		state:     StateIdle,
		sessionID: sessionID,
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Err returns the failure that moved the orchestrator to Errored, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Quota returns the refusal details after ErrQuotaExceeded.
func (o *Orchestrator) Quota() *QuotaInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.quota == nil {
		return nil
	}
	q := *o.quota
	return &q
}

// LiveTurn snapshots the in-flight exchange for the merge view, or nil when
// no turn is active.
func (o *Orchestrator) LiveTurn() *LiveTurn {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateSending && o.state != StateStreaming {
		return nil
	}
	return &LiveTurn{
		UserMessageID:      o.userMessageID,
		UserText:           o.pendingText,
		SessionID:          o.sessionID,
		AssistantMessageID: o.assistantMessageID,
		AssistantText:      o.assistantBuf.String(),
	}
}

// View merges the given persisted messages with the current live turn.
func (o *Orchestrator) View(persisted []history.Message) []ViewMessage {
	return MergeMessages(persisted, o.LiveTurn())
}

// Send runs one full turn: it allocates the user message id, opens the
// stream, consumes metadata and deltas, and finalizes persistence. It blocks
// until the turn reaches Idle or Errored. A second Send while a stream is
// open returns ErrTurnInFlight without touching anything.
func (o *Orchestrator) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("empty message")
	}

	o.mu.Lock()
	if o.state == StateSending || o.state == StateStreaming || o.state == StateFinalizing {
		o.mu.Unlock()
		return ErrTurnInFlight
	}
	o.state = StateSending
	o.pendingText = text
	o.userMessageID = uuid.NewString()
	o.assistantMessageID = ""
	o.assistantBuf.Reset()
	o.lastErr = nil
	o.quota = nil
	sessionID := o.sessionID
	userMessageID := o.userMessageID
	o.mu.Unlock()

	req := protocol.StreamRequest{
		Messages:      []protocol.Turn{{Role: string(history.RoleUser), Content: text}},
		SessionID:     sessionID,
		UserMessageID: userMessageID,
		IsAnonymous:   o.mode == ModeAnonymous,
	}
	if o.mode == ModeAnonymous {
		req.AnonymousID = o.cfg.AnonymousID
		if sessionID != "" {
			// Only the anonymous leg ships history; the server re-derives
			// the authenticated conversation from its own store.
			for _, m := range o.allLocalMessages(ctx, sessionID) {
				req.MessageHistory = append(req.MessageHistory, protocol.Turn{Role: string(m.Role), Content: m.Content})
			}
		}
	}

	if err := o.runStream(ctx, req); err != nil {
		return err
	}
	return o.finalize(ctx)
}

func (o *Orchestrator) runStream(ctx context.Context, req protocol.StreamRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return o.fail(fmt.Errorf("marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return o.fail(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if o.mode == ModeAuthenticated && o.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.cfg.AuthToken)
	}

	res, err := o.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return o.fail(fmt.Errorf("%w: %v", ErrUpstream, err))
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return o.failStatus(res)
	}

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	sawMetadata := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		ev, err := protocol.ParseStreamEvent([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))))
		if err != nil {
			return o.fail(fmt.Errorf("%w: %v", ErrUpstream, err))
		}

		switch ev.Type {
		case protocol.TypeMetadata:
			sawMetadata = true
			o.adoptMetadata(ctx, *ev.Metadata)
		case protocol.TypeTextDelta:
			if !sawMetadata {
				// The contract puts metadata first; content before it means
				// the stream is not speaking our protocol.
				return o.fail(fmt.Errorf("%w: content before metadata", ErrUpstream))
			}
			o.mu.Lock()
			o.assistantBuf.WriteString(ev.Delta)
			o.mu.Unlock()
		case protocol.TypeError:
			return o.fail(fmt.Errorf("%w: %s", ErrUpstream, ev.Error))
		case protocol.TypeFinish:
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return o.fail(fmt.Errorf("%w: %v", ErrUpstream, err))
	}
	if !sawMetadata {
		return o.fail(fmt.Errorf("%w: stream ended before metadata", ErrUpstream))
	}
	return nil
}

// adoptMetadata applies the stream's first chunk. Replaying a metadata chunk
// whose session id was already adopted is a no-op: no second navigation, no
// second local session record.
func (o *Orchestrator) adoptMetadata(ctx context.Context, meta protocol.Metadata) {
	o.mu.Lock()
	o.state = StateStreaming
	o.assistantMessageID = meta.AssistantMessageID
	isNew := meta.SessionID != "" && o.sessionID == ""
	if isNew {
		o.sessionID = meta.SessionID
	}
	sessionID := o.sessionID
	title := sessionTitle(o.pendingText)
	o.mu.Unlock()

	if !isNew {
		return
	}
	if o.mode == ModeAnonymous && o.cfg.Local != nil {
		_, _ = o.cfg.Local.CreateSession(ctx, sessionID, title)
	}
	if o.cfg.OnNavigate != nil {
		o.cfg.OnNavigate(sessionID)
	}
}

// finalize commits the completed exchange and returns the orchestrator to
// Idle with all per-turn tracking cleared.
func (o *Orchestrator) finalize(ctx context.Context) error {
	o.mu.Lock()
	o.state = StateFinalizing
	sessionID := o.sessionID
	userMsg := history.Message{
		MessageID: o.userMessageID,
		SessionID: sessionID,
		Role:      history.RoleUser,
		Content:   o.pendingText,
	}
	assistantMsg := history.Message{
		MessageID: o.assistantMessageID,
		SessionID: sessionID,
		Role:      history.RoleAssistant,
		Content:   o.assistantBuf.String(),
	}
	o.mu.Unlock()

	if o.mode == ModeAnonymous && o.cfg.Local != nil {
		// Exactly two appends, assistant strictly after the user turn even
		// when both land on the same clock reading.
		now := time.Now().UTC()
		userMsg.CreatedAt = now
		assistantMsg.CreatedAt = now.Add(time.Millisecond)
		_ = o.cfg.Local.AppendMessage(ctx, userMsg)
		_ = o.cfg.Local.AppendMessage(ctx, assistantMsg)
	}
	if o.mode == ModeAuthenticated && o.cfg.OnRefresh != nil {
		// Server-side persistence already happened during the stream.
		o.cfg.OnRefresh()
	}

	o.reset(StateIdle, nil, nil)
	return nil
}

// fail moves to Errored, discarding the allocated ids and the buffer. No
// partial turn is ever persisted on error.
func (o *Orchestrator) fail(err error) error {
	o.reset(StateErrored, err, nil)
	return err
}

func (o *Orchestrator) failStatus(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	if res.StatusCode == http.StatusTooManyRequests || protocol.IsQuotaText(string(body)) {
		var quotaBody protocol.QuotaError
		quota := &QuotaInfo{}
		if err := json.Unmarshal(body, &quotaBody); err == nil && quotaBody.Limit > 0 {
			quota.Limit = quotaBody.Limit
			quota.Remaining = quotaBody.Remaining
			quota.ResetAt = quotaBody.ResetAt
		}
		o.reset(StateErrored, ErrQuotaExceeded, quota)
		return ErrQuotaExceeded
	}

	err := fmt.Errorf("%w: status %d: %s", ErrUpstream, res.StatusCode, strings.TrimSpace(string(body)))
	o.reset(StateErrored, err, nil)
	return err
}

func (o *Orchestrator) reset(state State, err error, quota *QuotaInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = state
	o.pendingText = ""
	o.userMessageID = ""
	o.assistantMessageID = ""
	o.assistantBuf.Reset()
	o.lastErr = err
	o.quota = quota
}

// allLocalMessages walks the reverse-paginated local history back to the
// beginning and returns it oldest-first.
func (o *Orchestrator) allLocalMessages(ctx context.Context, sessionID string) []history.Message {
	if o.cfg.Local == nil {
		return nil
	}
	var all []history.Message
	cursor := ""
	for {
		page, err := o.cfg.Local.ListMessages(ctx, sessionID, cursor, 100)
		if err != nil {
			return all
		}
		all = append(append([]history.Message(nil), page.Items...), all...)
		if !page.HasMore {
			return all
		}
		cursor = page.NextCursor
	}
}

// sessionTitle derives a new conversation's title from the submitted text.
func sessionTitle(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= 50 {
		return text
	}
	return strings.TrimSpace(string(runes[:50]))
}
