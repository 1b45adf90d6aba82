// Package protocol defines the wire types for the chat stream endpoint: the
// request body, the server-sent event envelope, and the quota error body.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType identifies stream event variants.
type EventType string

const (
	TypeMetadata  EventType = "metadata"
	TypeTextDelta EventType = "text-delta"
	TypeFinish    EventType = "finish"
	TypeError     EventType = "error"
)

var ErrUnsupportedType = errors.New("unsupported event type")

// Turn is one line of conversation as shipped over the wire.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamRequest is the POST /chat body. SessionID is absent for a brand-new
// conversation. MessageHistory is only populated in anonymous mode: that path
// has no server-trusted history source, so the client ships its own; the
// authenticated path re-derives history server-side instead.
type StreamRequest struct {
	Messages       []Turn `json:"messages,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	AnonymousID    string `json:"anonymousId,omitempty"`
	UserMessageID  string `json:"userMessageId,omitempty"`
	IsAnonymous    bool   `json:"isAnonymous"`
	MessageHistory []Turn `json:"messageHistory,omitempty"`
}

// Metadata is the in-band, out-of-content first chunk of every stream.
// SessionID is only set when the server just created the conversation.
type Metadata struct {
	SessionID          string `json:"sessionId,omitempty"`
	UserMessageID      string `json:"userMessageId"`
	AssistantMessageID string `json:"assistantMessageId"`
}

// StreamEvent is the SSE data payload envelope.
type StreamEvent struct {
	Type     EventType `json:"type"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Delta    string    `json:"delta,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// QuotaError is the 429 response body; the same figures are mirrored in the
// X-RateLimit-* headers.
type QuotaError struct {
	Error     string    `json:"error"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// ParseStreamEvent decodes and validates one SSE data payload.
func ParseStreamEvent(raw []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return StreamEvent{}, fmt.Errorf("invalid stream event: %w", err)
	}
	switch ev.Type {
	case TypeMetadata:
		if ev.Metadata == nil || ev.Metadata.UserMessageID == "" || ev.Metadata.AssistantMessageID == "" {
			return StreamEvent{}, errors.New("invalid metadata event")
		}
		return ev, nil
	case TypeTextDelta, TypeFinish, TypeError:
		return ev, nil
	default:
		return StreamEvent{}, ErrUnsupportedType
	}
}

// IsQuotaText reports whether an error body that isn't structured JSON still
// reads like a quota rejection. Fallback detection only; the structured
// QuotaError body is authoritative when present.
func IsQuotaText(s string) bool {
	s = strings.ToLower(s)
	for _, marker := range []string{"rate limit", "rate_limit", "quota", "too many requests", "daily limit"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
