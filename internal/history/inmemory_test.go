package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ruhal-doshi/chatsync/internal/identity"
)

func authedCtx(subject string) context.Context {
	return identity.WithPrincipal(context.Background(), identity.Principal{Subject: subject})
}

func TestInMemoryRemoteRequiresPrincipal(t *testing.T) {
	s := NewInMemoryRemote()
	ctx := context.Background()

	page, err := s.ListSessions(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(page.Items) != 0 || page.HasMore {
		t.Fatalf("unauthenticated read should be empty terminal page, got %+v", page)
	}

	if _, err := s.CreateSession(ctx, "s1", "t"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("CreateSession() error = %v, want ErrUnauthorized", err)
	}
	if err := s.AppendMessage(ctx, Message{MessageID: "m1", SessionID: "s1"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("AppendMessage() error = %v, want ErrUnauthorized", err)
	}
}

func TestInMemoryRemoteOwnershipBoundary(t *testing.T) {
	s := NewInMemoryRemote()

	if _, err := s.CreateSession(authedCtx("alice"), "s1", "alice's"); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.AppendMessage(authedCtx("alice"), Message{MessageID: "m1", SessionID: "s1", Role: RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	// Another principal reads an empty page, not an error.
	page, err := s.ListMessages(authedCtx("bob"), "s1", "", 10)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("cross-owner read returned %d items, want 0", len(page.Items))
	}

	// Writes refuse hard.
	if err := s.AppendMessage(authedCtx("bob"), Message{MessageID: "m2", SessionID: "s1"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("cross-owner append error = %v, want ErrUnauthorized", err)
	}
	if err := s.DeleteSession(authedCtx("bob"), "s1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("cross-owner delete error = %v, want ErrUnauthorized", err)
	}
}

func TestInMemoryRemoteAppendBumpsSessionUpdatedAt(t *testing.T) {
	s := NewInMemoryRemote()

	sess, err := s.CreateSession(authedCtx("alice"), "s1", "t")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	later := sess.UpdatedAt.Add(time.Minute)
	err = s.AppendMessage(authedCtx("alice"), Message{
		MessageID: "m1", SessionID: "s1", Role: RoleUser, Content: "hi", CreatedAt: later,
	})
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	got, err := s.Trusted().GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !got.UpdatedAt.Equal(later) {
		t.Fatalf("UpdatedAt = %v, want %v", got.UpdatedAt, later)
	}
}

func TestInMemoryRemoteBatchedAppendOrdersSameInstant(t *testing.T) {
	s := NewInMemoryRemote()
	trusted := s.Trusted()
	ctx := context.Background()

	if _, err := trusted.CreateSession(ctx, "alice", "s1", "t"); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	err := trusted.AppendMessages(ctx,
		Message{MessageID: "mu", SessionID: "s1", Role: RoleUser, Content: "q"},
		Message{MessageID: "ma", SessionID: "s1", Role: RoleAssistant, Content: "a"},
	)
	if err != nil {
		t.Fatalf("AppendMessages() error = %v", err)
	}

	msgs, err := trusted.AllMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("AllMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].MessageID != "mu" || msgs[1].MessageID != "ma" {
		t.Fatalf("order = %q, %q; want user then assistant", msgs[0].MessageID, msgs[1].MessageID)
	}
	if !msgs[1].CreatedAt.After(msgs[0].CreatedAt) {
		t.Fatalf("assistant CreatedAt %v not strictly after user %v", msgs[1].CreatedAt, msgs[0].CreatedAt)
	}
}

func TestInMemoryRemoteOrphanAppendStillInserts(t *testing.T) {
	s := NewInMemoryRemote()

	// No session record exists; the message is inserted anyway.
	err := s.AppendMessage(authedCtx("alice"), Message{MessageID: "m1", SessionID: "ghost", Role: RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("AppendMessage() into missing session error = %v, want nil", err)
	}
	msgs, err := s.Trusted().AllMessages(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("AllMessages() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
}

func TestInMemoryRemoteDeleteCascades(t *testing.T) {
	s := NewInMemoryRemote()
	ctx := authedCtx("alice")

	if _, err := s.CreateSession(ctx, "s1", "t"); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.AppendMessage(ctx, Message{MessageID: "m1", SessionID: "s1", Role: RoleUser, Content: "x"}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}

	page, err := s.ListMessages(ctx, "s1", "", 10)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page.Items) != 0 || page.HasMore {
		t.Fatalf("messages survived delete: %+v", page)
	}
	if err := s.DeleteSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestInMemoryRemoteCreateSessionIsIdempotent(t *testing.T) {
	s := NewInMemoryRemote()
	ctx := authedCtx("alice")

	first, err := s.CreateSession(ctx, "s1", "original")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	second, err := s.CreateSession(ctx, "s1", "replacement")
	if err != nil {
		t.Fatalf("CreateSession() replay error = %v", err)
	}
	if second.Title != first.Title {
		t.Fatalf("replayed create changed the record: %q vs %q", second.Title, first.Title)
	}
}
