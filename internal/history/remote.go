package history

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruhal-doshi/chatsync/internal/identity"
)

// RemoteStore persists authenticated sessions and messages in PostgreSQL.
// Every exported entry point resolves the caller's verified principal before
// touching anything: reads without one come back as empty terminal pages,
// writes fail with ErrUnauthorized. Session-scoped operations additionally
// compare the session's owner to the principal; this check is the
// authorization boundary, not an optimization.
type RemoteStore struct {
	pool *pgxpool.Pool
}

func NewRemoteStore(ctx context.Context, databaseURL string) (*RemoteStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initChatSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &RemoteStore{pool: pool}, nil
}

func initChatSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			session_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_owner_updated ON chat_sessions (owner_id, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session_created ON chat_messages (session_id, created_at ASC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init chat schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *RemoteStore) Close() error {
	s.pool.Close()
	return nil
}

// keysetCursor is the engine-native continuation token: the sort key of the
// last row of the previous page, opaque to callers.
type keysetCursor struct {
	TS time.Time `json:"ts"`
	ID string    `json:"id"`
}

func encodeCursor(c keysetCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (keysetCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return keysetCursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	var c keysetCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return keysetCursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	return c, nil
}

// ListSessions pages the caller's sessions descending by (updated_at,
// session_id) via a keyset scan over the owner index.
func (s *RemoteStore) ListSessions(ctx context.Context, cursor string, limit int) (SessionPage, error) {
	principal, ok := identity.PrincipalFromContext(ctx)
	if !ok {
		return SessionPage{Items: []Session{}}, nil
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	query := `SELECT session_id, owner_id, title, created_at, updated_at
	            FROM chat_sessions WHERE owner_id=$1`
	args := []any{principal.Subject}
	if cursor != "" {
		c, err := decodeCursor(cursor)
		if err != nil {
			return SessionPage{}, err
		}
		query += ` AND (updated_at, session_id) < ($2, $3)`
		args = append(args, c.TS, c.ID)
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC, session_id DESC LIMIT %d`, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return SessionPage{}, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	items := make([]Session, 0, limit)
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.SessionID, &sess.OwnerID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return SessionPage{}, fmt.Errorf("scan session row: %w", err)
		}
		items = append(items, sess)
	}
	if err := rows.Err(); err != nil {
		return SessionPage{}, fmt.Errorf("iterate session rows: %w", err)
	}

	page := SessionPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.HasMore = true
		page.NextCursor = encodeCursor(keysetCursor{TS: last.UpdatedAt, ID: last.SessionID})
	}
	return page, nil
}

// ListMessages pages ascending by (created_at, message_id). Unlike the local
// store, which fakes latest-first loading with a reverse cursor over one flat
// list, the indexed scan here pages plain ascending continuation tokens; the
// external {items, nextCursor, hasMore} envelope is the same.
func (s *RemoteStore) ListMessages(ctx context.Context, sessionID, cursor string, limit int) (MessagePage, error) {
	principal, ok := identity.PrincipalFromContext(ctx)
	if !ok {
		return MessagePage{Items: []Message{}}, nil
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	owner, err := s.sessionOwner(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return MessagePage{Items: []Message{}}, nil
		}
		return MessagePage{}, err
	}
	if owner != principal.Subject {
		// Reads on someone else's session come back empty, not forbidden.
		return MessagePage{Items: []Message{}}, nil
	}

	query := `SELECT message_id, session_id, role, content, created_at
	            FROM chat_messages WHERE session_id=$1`
	args := []any{sessionID}
	if cursor != "" {
		c, err := decodeCursor(cursor)
		if err != nil {
			return MessagePage{}, err
		}
		query += ` AND (created_at, message_id) > ($2, $3)`
		args = append(args, c.TS, c.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, message_id ASC LIMIT %d`, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return MessagePage{}, fmt.Errorf("scan message row: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, fmt.Errorf("iterate message rows: %w", err)
	}

	page := MessagePage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.HasMore = true
		page.NextCursor = encodeCursor(keysetCursor{TS: last.CreatedAt, ID: last.MessageID})
	}
	return page, nil
}

// CreateSession creates a session owned by the caller. Creating an id that
// already exists returns the existing record so there is never more than one
// session per id.
func (s *RemoteStore) CreateSession(ctx context.Context, sessionID, title string) (Session, error) {
	principal, ok := identity.PrincipalFromContext(ctx)
	if !ok {
		return Session{}, ErrUnauthorized
	}
	return s.createSession(ctx, principal.Subject, sessionID, title)
}

func (s *RemoteStore) createSession(ctx context.Context, ownerID, sessionID, title string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{SessionID: sessionID, OwnerID: ownerID, Title: title, CreatedAt: now, UpdatedAt: now}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (session_id, owner_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO NOTHING`,
		sess.SessionID, sess.OwnerID, sess.Title, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.getSession(ctx, sessionID)
	}
	return sess, nil
}

// AppendMessage inserts one message on the caller's behalf after checking the
// parent session's owner.
func (s *RemoteStore) AppendMessage(ctx context.Context, msg Message) error {
	principal, ok := identity.PrincipalFromContext(ctx)
	if !ok {
		return ErrUnauthorized
	}
	owner, err := s.sessionOwner(ctx, msg.SessionID)
	if err == nil && owner != principal.Subject {
		return ErrUnauthorized
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	// A missing parent session does not abort the insert: a concurrent
	// delete from another device must not lose the user's message. The
	// message lands without a session record.
	return s.appendMessages(ctx, msg)
}

func (s *RemoteStore) appendMessages(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	base := time.Now().UTC()
	var latest time.Time
	for i, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			// Offset each message in a batch so same-millisecond inserts
			// still order deterministically under the created_at index.
			msg.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		}
		if msg.CreatedAt.After(latest) {
			latest = msg.CreatedAt
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO chat_messages (message_id, session_id, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (message_id) DO NOTHING`,
			msg.MessageID, msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	// Appends always bump the parent session so the owner listing stays
	// freshest-first; updated_at never moves backwards.
	if _, err := tx.Exec(ctx,
		`UPDATE chat_sessions SET updated_at=$2 WHERE session_id=$1 AND updated_at < $2`,
		msgs[0].SessionID, latest,
	); err != nil {
		return fmt.Errorf("bump session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// DeleteSession removes the caller's session and all of its messages in one
// transaction.
func (s *RemoteStore) DeleteSession(ctx context.Context, sessionID string) error {
	principal, ok := identity.PrincipalFromContext(ctx)
	if !ok {
		return ErrUnauthorized
	}
	owner, err := s.sessionOwner(ctx, sessionID)
	if err != nil {
		return err
	}
	if owner != principal.Subject {
		return ErrUnauthorized
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM chat_messages WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chat_sessions WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *RemoteStore) sessionOwner(ctx context.Context, sessionID string) (string, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT owner_id FROM chat_sessions WHERE session_id=$1`, sessionID).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load session owner: %w", err)
	}
	return owner, nil
}

func (s *RemoteStore) getSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, owner_id, title, created_at, updated_at FROM chat_sessions WHERE session_id=$1`,
		sessionID,
	).Scan(&sess.SessionID, &sess.OwnerID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// Trusted returns the server-side leg. The streaming handler authenticates
// the request once and then persists on the caller's behalf; re-deriving the
// principal on every internal call would buy nothing. Nothing client-facing
// may hold this.
func (s *RemoteStore) Trusted() Trusted {
	return trustedRemote{s: s}
}

type trustedRemote struct {
	s *RemoteStore
}

func (t trustedRemote) GetSession(ctx context.Context, sessionID string) (Session, error) {
	return t.s.getSession(ctx, sessionID)
}

func (t trustedRemote) CreateSession(ctx context.Context, ownerID, sessionID, title string) (Session, error) {
	return t.s.createSession(ctx, ownerID, sessionID, title)
}

func (t trustedRemote) AppendMessages(ctx context.Context, msgs ...Message) error {
	return t.s.appendMessages(ctx, msgs...)
}

func (t trustedRemote) AllMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := t.s.pool.Query(ctx,
		`SELECT message_id, session_id, role, content, created_at
		   FROM chat_messages WHERE session_id=$1 ORDER BY created_at ASC, message_id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load full history: %w", err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return items, nil
}
