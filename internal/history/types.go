package history

import (
	"context"
	"errors"
	"time"
)

// Role labels which side of a turn a message belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	// ErrNotFound is returned by mutations that expect the session to exist.
	ErrNotFound = errors.New("session not found")
	// ErrUnauthorized is returned when no verified principal is present or
	// the caller does not own the record it is touching.
	ErrUnauthorized = errors.New("not authorized")
)

// DefaultPageSize applies when a caller passes a non-positive limit.
const DefaultPageSize = 20

// Session is one conversation thread. OwnerID is either a verified principal
// or a durable anonymous identifier, depending on which store holds it.
type Session struct {
	SessionID string    `json:"sessionId"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is immutable once created. MessageID is allocated before
// persistence and doubles as the deduplication/idempotency key.
type Message struct {
	MessageID string    `json:"messageId"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionPage is one page of a cursored session listing.
type SessionPage struct {
	Items      []Session `json:"items"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// MessagePage is one page of a cursored message listing.
type MessagePage struct {
	Items      []Message `json:"items"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// Store is the capability contract shared by the local (anonymous) and remote
// (authenticated) backends. Implementations are independent and selected at
// the call site by identity mode; they present the same pagination envelope
// over very different internal strategies.
type Store interface {
	ListSessions(ctx context.Context, cursor string, limit int) (SessionPage, error)
	ListMessages(ctx context.Context, sessionID, cursor string, limit int) (MessagePage, error)
	AppendMessage(ctx context.Context, msg Message) error
	CreateSession(ctx context.Context, sessionID, title string) (Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Trusted is the server-side leg of the remote store. The request has already
// been authenticated once for the whole stream, so these entry points skip the
// per-call ownership check. Must only be reachable from trusted server code,
// never from a client-facing surface.
type Trusted interface {
	GetSession(ctx context.Context, sessionID string) (Session, error)
	CreateSession(ctx context.Context, ownerID, sessionID, title string) (Session, error)
	AppendMessages(ctx context.Context, msgs ...Message) error
	// AllMessages is the non-paginated full-history read used to assemble
	// model context server-side.
	AllMessages(ctx context.Context, sessionID string) ([]Message, error)
}

// Remote is the full server-side store: the principal-checked client surface
// plus access to the trusted leg.
type Remote interface {
	Store
	Trusted() Trusted
	Close() error
}
