package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// InMemoryLimiter is the in-process limiter for local/dev use and tests.
type InMemoryLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	now    func() time.Time
}

func NewInMemoryLimiter() *InMemoryLimiter {
	return &InMemoryLimiter{
		counts: make(map[string]int),
		now:    time.Now,
	}
}

// SetClock overrides the limiter's notion of now. Tests use it to cross the
// UTC day boundary deterministically.
func (l *InMemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *InMemoryLimiter) key(identifier string, now time.Time) string {
	return identifier + "|" + dayKey(now)
}

func (l *InMemoryLimiter) Check(_ context.Context, identifier string, t IdentifierType) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	return decide(l.counts[l.key(identifier, now)], LimitFor(t), now), nil
}

func (l *InMemoryLimiter) Increment(_ context.Context, identifier string, _ IdentifierType) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[l.key(identifier, l.now())]++
	return nil
}

func (l *InMemoryLimiter) Close() error { return nil }

// NewLimiter creates a postgres-backed limiter when configured, otherwise
// in-memory.
func NewLimiter(ctx context.Context, databaseURL string) (Limiter, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryLimiter(), nil
	}
	return NewPostgresLimiter(ctx, strings.TrimSpace(databaseURL))
}
