package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ruhal-doshi/chatsync/internal/history"
	"github.com/ruhal-doshi/chatsync/internal/identity"
	"github.com/ruhal-doshi/chatsync/internal/protocol"
	"github.com/ruhal-doshi/chatsync/internal/provider"
	"github.com/ruhal-doshi/chatsync/internal/ratelimit"
)

// sessionTitleLimit caps the auto-generated title for a brand-new
// conversation at roughly the first fifty characters of the user's text.
const sessionTitleLimit = 50

// handleChat runs one turn: identity resolution, quota check, history
// assembly, provider streaming, and (authenticated) persistence. The response
// is a server-sent event stream whose first event is always metadata.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req protocol.StreamRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	userText := lastUserText(req.Messages)
	if userText == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "no user message in request")
		return
	}

	// Identity: a verified principal wins; otherwise the client-generated
	// anonymous id establishes anonymous mode with the IP as quota key.
	principal, authenticated := identity.PrincipalFromContext(r.Context())
	var limitID string
	var limitType ratelimit.IdentifierType
	switch {
	case authenticated:
		limitID = principal.Subject
		limitType = ratelimit.TypeUser
	case strings.TrimSpace(req.AnonymousID) != "":
		limitID = identity.ClientIP(r)
		limitType = ratelimit.TypeIP
	default:
		respondError(w, http.StatusBadRequest, "no_identity", "no resolvable identity")
		return
	}

	// Fail-open: a limiter outage must not block chat, only log.
	decision, err := s.limiter.Check(r.Context(), limitID, limitType)
	if err != nil {
		log.Printf("rate limit check failed (admitting): %v", err)
		decision = ratelimit.Decision{Allowed: true, Limit: ratelimit.LimitFor(limitType)}
	}
	if !decision.Allowed {
		s.metrics.QuotaRejections.WithLabelValues(string(limitType)).Inc()
		writeQuotaExceeded(w, decision)
		return
	}

	userMessageID := strings.TrimSpace(req.UserMessageID)
	if userMessageID == "" {
		userMessageID = uuid.NewString()
	}
	assistantMessageID := uuid.NewString()

	sessionID := strings.TrimSpace(req.SessionID)
	newSession := sessionID == ""
	if newSession {
		sessionID = uuid.NewString()
	}

	trusted := s.store.Trusted()
	var priorTurns []provider.ChatMessage

	if authenticated {
		if !newSession {
			sess, err := trusted.GetSession(r.Context(), sessionID)
			if err != nil && !errors.Is(err, history.ErrNotFound) {
				respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
				return
			}
			if err == nil && sess.OwnerID != principal.Subject {
				respondError(w, http.StatusUnauthorized, "unauthorized", "not authorized")
				return
			}
		}

		// The authenticated path never trusts client-shipped history: the
		// full persisted conversation is re-derived here.
		persisted, err := trusted.AllMessages(r.Context(), sessionID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		for _, m := range persisted {
			priorTurns = append(priorTurns, provider.ChatMessage{Role: string(m.Role), Content: m.Content})
		}

		if newSession {
			if _, err := trusted.CreateSession(r.Context(), principal.Subject, sessionID, sessionTitle(userText)); err != nil {
				respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
				return
			}
		}

		// The user turn commits before streaming begins, so a client that
		// disconnects mid-stream never loses its own message.
		if err := trusted.AppendMessages(r.Context(), history.Message{
			MessageID: userMessageID,
			SessionID: sessionID,
			Role:      history.RoleUser,
			Content:   userText,
		}); err != nil {
			respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
	} else {
		// Anonymous mode has no server-trusted history source; the client
		// ships its prior turns in the request.
		for _, t := range req.MessageHistory {
			priorTurns = append(priorTurns, provider.ChatMessage{Role: t.Role, Content: t.Content})
		}
	}

	prompt := append(priorTurns, provider.ChatMessage{Role: string(history.RoleUser), Content: userText})

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s.metrics.ActiveStreams.Inc()
	s.metrics.TurnEvents.WithLabelValues("started").Inc()
	defer s.metrics.ActiveStreams.Dec()

	meta := protocol.Metadata{
		UserMessageID:      userMessageID,
		AssistantMessageID: assistantMessageID,
	}
	if newSession {
		meta.SessionID = sessionID
	}
	writeEvent(w, flusher, protocol.StreamEvent{Type: protocol.TypeMetadata, Metadata: &meta})

	started := time.Now()
	firstDelta := true
	resp, err := s.adapter.StreamResponse(r.Context(), provider.CompletionRequest{
		SessionID: sessionID,
		Messages:  prompt,
	}, func(delta string) error {
		if firstDelta {
			firstDelta = false
			s.metrics.ObserveFirstTokenLatency(time.Since(started))
		}
		writeEvent(w, flusher, protocol.StreamEvent{Type: protocol.TypeTextDelta, Delta: delta})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.metrics.TurnEvents.WithLabelValues("cancelled").Inc()
			return
		}
		log.Printf("provider stream failed: %v", err)
		s.metrics.ProviderErrors.WithLabelValues("stream").Inc()
		s.metrics.TurnEvents.WithLabelValues("failed").Inc()
		// Headers are long gone; the failure travels in-band. No assistant
		// turn is persisted, so the exchange never half-exists.
		writeEvent(w, flusher, protocol.StreamEvent{Type: protocol.TypeError, Error: "upstream failure"})
		return
	}

	if authenticated {
		// Detached from the request context: the client abandoning the
		// stream must not roll back a fully-generated assistant turn.
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := trusted.AppendMessages(persistCtx, history.Message{
			MessageID: assistantMessageID,
			SessionID: sessionID,
			Role:      history.RoleAssistant,
			Content:   resp.Text,
		}); err != nil {
			log.Printf("assistant message persist failed: %v", err)
		}
	}

	// Quota counts the delivered turn; a failed increment never claws back
	// an already-streamed response. Detached like the persist above so a
	// client disconnecting right after the last delta still gets counted.
	incrementCtx, cancelIncrement := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelIncrement()
	if err := s.limiter.Increment(incrementCtx, limitID, limitType); err != nil {
		log.Printf("rate limit increment failed: %v", err)
	}

	s.metrics.TurnEvents.WithLabelValues("completed").Inc()
	writeEvent(w, flusher, protocol.StreamEvent{Type: protocol.TypeFinish})
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev protocol.StreamEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
	flusher.Flush()
}

func writeQuotaExceeded(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	respondJSON(w, http.StatusTooManyRequests, protocol.QuotaError{
		Error:     "daily message limit reached",
		Limit:     d.Limit,
		Remaining: d.Remaining,
		ResetAt:   d.ResetAt,
	})
}

func lastUserText(turns []protocol.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == string(history.RoleUser) {
			return strings.TrimSpace(turns[i].Content)
		}
	}
	return ""
}

// sessionTitle derives a title from the first user message, cut on a rune
// boundary.
func sessionTitle(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= sessionTitleLimit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:sessionTitleLimit]))
}
