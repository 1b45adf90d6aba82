package chat

import (
	"sort"
	"time"

	"github.com/ruhal-doshi/chatsync/internal/history"
)

// ViewMessage is one presentable line: a persisted message or the still-
// streaming assistant turn.
type ViewMessage struct {
	history.Message
	Streaming bool `json:"streaming,omitempty"`
}

// LiveTurn is the orchestrator's in-flight exchange: the submitted user text
// under its pre-allocated id and the accumulating assistant buffer under the
// server-issued id.
type LiveTurn struct {
	UserMessageID      string
	UserText           string
	SessionID          string
	AssistantMessageID string
	AssistantText      string
}

// MergeMessages projects persisted history plus the in-flight turn into one
// ordered, deduplicated sequence. It is pure and idempotent: rerun on every
// chunk arrival with the same inputs it yields the same output, and a message
// id that already landed in persisted data is never shown twice. All mutable
// state stays in the orchestrator.
func MergeMessages(persisted []history.Message, live *LiveTurn) []ViewMessage {
	ordered := append([]history.Message(nil), persisted...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	out := make([]ViewMessage, 0, len(ordered)+2)
	for _, m := range ordered {
		out = append(out, ViewMessage{Message: m})
	}
	if live == nil {
		return out
	}

	var anchor time.Time
	if len(ordered) > 0 {
		anchor = ordered[len(ordered)-1].CreatedAt
	}

	if !containsID(ordered, live.UserMessageID) {
		anchor = anchor.Add(time.Millisecond)
		out = append(out, ViewMessage{Message: history.Message{
			MessageID: live.UserMessageID,
			SessionID: live.SessionID,
			Role:      history.RoleUser,
			Content:   live.UserText,
			CreatedAt: anchor,
		}})
	}

	if live.AssistantMessageID != "" && !containsID(ordered, live.AssistantMessageID) {
		out = append(out, ViewMessage{
			Message: history.Message{
				MessageID: live.AssistantMessageID,
				SessionID: live.SessionID,
				Role:      history.RoleAssistant,
				Content:   live.AssistantText,
				CreatedAt: anchor.Add(time.Millisecond),
			},
			Streaming: true,
		})
	}
	return out
}

func containsID(msgs []history.Message, id string) bool {
	if id == "" {
		return false
	}
	for _, m := range msgs {
		if m.MessageID == id {
			return true
		}
	}
	return false
}
