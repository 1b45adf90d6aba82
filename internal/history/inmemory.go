package history

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ruhal-doshi/chatsync/internal/identity"
)

// InMemoryRemote is an in-process stand-in for the remote store, used for
// local/dev runs without a database and throughout the tests. It enforces the
// same principal and ownership checks as the Postgres backend.
type InMemoryRemote struct {
	mu       sync.RWMutex
	sessions map[string]Session
	messages map[string][]Message
}

func NewInMemoryRemote() *InMemoryRemote {
	return &InMemoryRemote{
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
	}
}

func (s *InMemoryRemote) Close() error { return nil }

func (s *InMemoryRemote) ListSessions(ctx context.Context, cursor string, limit int) (SessionPage, error) {
	principal, ok := identity.PrincipalFromContext(ctx)
	if !ok {
		return SessionPage{Items: []Session{}}, nil
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	s.mu.RLock()
	var owned []Session
	for _, sess := range s.sessions {
		if sess.OwnerID == principal.Subject {
			owned = append(owned, sess)
		}
	}
	s.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		if owned[i].UpdatedAt.Equal(owned[j].UpdatedAt) {
			return owned[i].SessionID > owned[j].SessionID
		}
		return owned[i].UpdatedAt.After(owned[j].UpdatedAt)
	})

	start := 0
	if cursor != "" {
		n, err := decodeOffsetCursor(cursor)
		if err != nil {
			return SessionPage{}, err
		}
		start = n
	}
	if start >= len(owned) {
		return SessionPage{Items: []Session{}}, nil
	}
	end := start + limit
	if end > len(owned) {
		end = len(owned)
	}
	page := SessionPage{Items: owned[start:end]}
	if end < len(owned) {
		page.HasMore = true
		page.NextCursor = encodeOffsetCursor(end)
	}
	return page, nil
}

func (s *InMemoryRemote) ListMessages(ctx context.Context, sessionID, cursor string, limit int) (MessagePage, error) {
	principal, ok := identity.PrincipalFromContext(ctx)
	if !ok {
		return MessagePage{Items: []Message{}}, nil
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	s.mu.RLock()
	sess, found := s.sessions[sessionID]
	msgs := append([]Message(nil), s.messages[sessionID]...)
	s.mu.RUnlock()

	if !found || sess.OwnerID != principal.Subject {
		return MessagePage{Items: []Message{}}, nil
	}
	sortMessages(msgs)

	start := 0
	if cursor != "" {
		n, err := decodeOffsetCursor(cursor)
		if err != nil {
			return MessagePage{}, err
		}
		start = n
	}
	if start >= len(msgs) {
		return MessagePage{Items: []Message{}}, nil
	}
	end := start + limit
	if end > len(msgs) {
		end = len(msgs)
	}
	page := MessagePage{Items: msgs[start:end]}
	if end < len(msgs) {
		page.HasMore = true
		page.NextCursor = encodeOffsetCursor(end)
	}
	return page, nil
}

func (s *InMemoryRemote) CreateSession(ctx context.Context, sessionID, title string) (Session, error) {
	principal, ok := identity.PrincipalFromContext(ctx)
	if !ok {
		return Session{}, ErrUnauthorized
	}
	return s.createSession(principal.Subject, sessionID, title)
}

func (s *InMemoryRemote) createSession(ownerID, sessionID, title string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sessionID]; ok {
		return existing, nil
	}
	now := time.Now().UTC()
	sess := Session{SessionID: sessionID, OwnerID: ownerID, Title: title, CreatedAt: now, UpdatedAt: now}
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *InMemoryRemote) AppendMessage(ctx context.Context, msg Message) error {
	principal, ok := identity.PrincipalFromContext(ctx)
	if !ok {
		return ErrUnauthorized
	}
	s.mu.RLock()
	sess, found := s.sessions[msg.SessionID]
	s.mu.RUnlock()
	if found && sess.OwnerID != principal.Subject {
		return ErrUnauthorized
	}
	return s.appendMessages(msg)
}

func (s *InMemoryRemote) appendMessages(msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	base := time.Now().UTC()
	var latest time.Time
	for i, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		}
		if msg.CreatedAt.After(latest) {
			latest = msg.CreatedAt
		}
		dup := false
		for _, existing := range s.messages[msg.SessionID] {
			if existing.MessageID == msg.MessageID {
				dup = true
				break
			}
		}
		if !dup {
			s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
		}
	}

	if sess, ok := s.sessions[msgs[0].SessionID]; ok && sess.UpdatedAt.Before(latest) {
		sess.UpdatedAt = latest
		s.sessions[msgs[0].SessionID] = sess
	}
	return nil
}

func (s *InMemoryRemote) DeleteSession(ctx context.Context, sessionID string) error {
	principal, ok := identity.PrincipalFromContext(ctx)
	if !ok {
		return ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, found := s.sessions[sessionID]
	if !found {
		return ErrNotFound
	}
	if sess.OwnerID != principal.Subject {
		return ErrUnauthorized
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *InMemoryRemote) Trusted() Trusted {
	return trustedInMemory{s: s}
}

type trustedInMemory struct {
	s *InMemoryRemote
}

func (t trustedInMemory) GetSession(_ context.Context, sessionID string) (Session, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	sess, ok := t.s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (t trustedInMemory) CreateSession(_ context.Context, ownerID, sessionID, title string) (Session, error) {
	return t.s.createSession(ownerID, sessionID, title)
}

func (t trustedInMemory) AppendMessages(_ context.Context, msgs ...Message) error {
	return t.s.appendMessages(msgs...)
}

func (t trustedInMemory) AllMessages(_ context.Context, sessionID string) ([]Message, error) {
	t.s.mu.RLock()
	msgs := append([]Message(nil), t.s.messages[sessionID]...)
	t.s.mu.RUnlock()
	sortMessages(msgs)
	return msgs, nil
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].MessageID < msgs[j].MessageID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func encodeOffsetCursor(n int) string {
	raw, _ := json.Marshal(n)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeOffsetCursor(s string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil || n < 0 {
		return 0, fmt.Errorf("invalid cursor %q", s)
	}
	return n, nil
}
