package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ruhal-doshi/chatsync/internal/identity"
)

// LocalStore keeps an anonymous identity's sessions and messages in a small
// sqlite file laid out as three key/value slots: the session list
// (newest-updated-first), a flat message list filtered by session at read
// time, and the identity token. Every write replaces a whole slot in one
// statement, so a failed write can never leave a partially-updated
// collection behind.
//
// The store is best-effort: read failures degrade to empty results and write
// failures are dropped. Whoever holds the storage file owns the records; there
// is no further authority concept here.
type LocalStore struct {
	db *sql.DB
}

const (
	slotSessions = "sessions"
	slotMessages = "messages"
	slotIdentity = "identity"
)

// OpenLocalStore opens (creating if needed) the sqlite file at path.
func OpenLocalStore(path string) (*LocalStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS chat_kv (
			slot TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("init local store schema: %w", err)
	}
	return &LocalStore{db: db}, nil
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}

func (s *LocalStore) readSlot(ctx context.Context, slot string, out any) bool {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM chat_kv WHERE slot=?`, slot).Scan(&raw)
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(raw), out) == nil
}

func (s *LocalStore) writeSlot(ctx context.Context, slot string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_kv (slot, value) VALUES (?, ?)
		 ON CONFLICT (slot) DO UPDATE SET value=excluded.value`,
		slot, string(raw),
	)
	return err
}

func (s *LocalStore) loadSessions(ctx context.Context) []Session {
	var sessions []Session
	if !s.readSlot(ctx, slotSessions, &sessions) {
		return nil
	}
	return sessions
}

func (s *LocalStore) loadMessages(ctx context.Context) []Message {
	var msgs []Message
	if !s.readSlot(ctx, slotMessages, &msgs) {
		return nil
	}
	return msgs
}

// GetOrCreateIdentity returns the durable anonymous identifier for this
// storage, generating it on first use. If the write fails the generated token
// is still returned; it just won't survive the process.
func (s *LocalStore) GetOrCreateIdentity(ctx context.Context) string {
	var id string
	if s.readSlot(ctx, slotIdentity, &id) && id != "" {
		return id
	}
	id = identity.NewAnonymousID()
	_ = s.writeSlot(ctx, slotIdentity, id)
	return id
}

// ListSessions pages through sessions newest-updated-first. The cursor is a
// plain forward index into the ordered list.
func (s *LocalStore) ListSessions(ctx context.Context, cursor string, limit int) (SessionPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	sessions := s.loadSessions(ctx)

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return SessionPage{}, fmt.Errorf("invalid session cursor %q", cursor)
		}
		start = n
	}
	if start >= len(sessions) {
		return SessionPage{Items: []Session{}}, nil
	}

	end := start + limit
	if end > len(sessions) {
		end = len(sessions)
	}
	page := SessionPage{Items: append([]Session(nil), sessions[start:end]...)}
	if end < len(sessions) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// ListMessages pages in reverse: the freshest page loads first and each
// following page reaches further back. The cursor counts how many messages
// from the newest end have already been handed out, so for a cursor c the
// window over the chronologically-sorted list is [max(0, total-c-limit),
// total-c). Items within a page are still chronological; chat UIs want
// latest-first loading but oldest-first display.
func (s *LocalStore) ListMessages(ctx context.Context, sessionID, cursor string, limit int) (MessagePage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var all []Message
	for _, m := range s.loadMessages(ctx) {
		if m.SessionID == sessionID {
			all = append(all, m)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	consumed := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return MessagePage{}, fmt.Errorf("invalid message cursor %q", cursor)
		}
		consumed = n
	}

	end := len(all) - consumed
	if end <= 0 {
		return MessagePage{Items: []Message{}}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	page := MessagePage{Items: append([]Message(nil), all[start:end]...)}
	if start > 0 {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(consumed + (end - start))
	}
	return page, nil
}

// CreateSession inserts the new session at the head of the list, so the
// newest-updated-first order holds by construction rather than by sorting at
// read time.
func (s *LocalStore) CreateSession(ctx context.Context, sessionID, title string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		SessionID: sessionID,
		OwnerID:   s.GetOrCreateIdentity(ctx),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	sessions := s.loadSessions(ctx)
	for _, existing := range sessions {
		if existing.SessionID == sessionID {
			return existing, nil
		}
	}
	sessions = append([]Session{sess}, sessions...)
	_ = s.writeSlot(ctx, slotSessions, sessions)
	return sess, nil
}

// AppendMessage adds the message and bumps its session to the head of the
// list with a fresh UpdatedAt. Write failures are dropped: local persistence
// is best-effort and each slot write is atomic.
func (s *LocalStore) AppendMessage(ctx context.Context, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	msgs := s.loadMessages(ctx)
	for _, existing := range msgs {
		if existing.MessageID == msg.MessageID {
			return nil
		}
	}
	msgs = append(msgs, msg)
	_ = s.writeSlot(ctx, slotMessages, msgs)

	sessions := s.loadSessions(ctx)
	for i, sess := range sessions {
		if sess.SessionID != msg.SessionID {
			continue
		}
		sess.UpdatedAt = time.Now().UTC()
		if !msg.CreatedAt.Before(sess.UpdatedAt) {
			sess.UpdatedAt = msg.CreatedAt
		}
		sessions = append(sessions[:i], sessions[i+1:]...)
		sessions = append([]Session{sess}, sessions...)
		_ = s.writeSlot(ctx, slotSessions, sessions)
		break
	}
	return nil
}

// DeleteSession removes the session and every message sharing its id as one
// unit; neither side can outlive the other.
func (s *LocalStore) DeleteSession(ctx context.Context, sessionID string) error {
	sessions := s.loadSessions(ctx)
	kept := sessions[:0]
	for _, sess := range sessions {
		if sess.SessionID != sessionID {
			kept = append(kept, sess)
		}
	}

	var remaining []Message
	for _, m := range s.loadMessages(ctx) {
		if m.SessionID != sessionID {
			remaining = append(remaining, m)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil
	}
	defer func() { _ = tx.Rollback() }()
	for slot, v := range map[string]any{slotSessions: kept, slotMessages: remaining} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_kv (slot, value) VALUES (?, ?)
			 ON CONFLICT (slot) DO UPDATE SET value=excluded.value`,
			slot, string(raw),
		); err != nil {
			return nil
		}
	}
	_ = tx.Commit()
	return nil
}
