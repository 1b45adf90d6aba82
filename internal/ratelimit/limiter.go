// Package ratelimit tracks message counts per identity per UTC calendar day.
//
// Check and Increment are deliberately two calls, not one atomic
// check-and-increment: callers check before doing expensive provider work and
// increment only after it succeeds. Two concurrent requests from one identity
// can both pass Check before either Increments; that over-admission window is
// bounded by request latency and accepted as a soft limit.
package ratelimit

import (
	"context"
	"time"
)

// IdentifierType selects which daily quota applies.
type IdentifierType string

const (
	TypeUser IdentifierType = "user"
	TypeIP   IdentifierType = "ip"
)

const (
	UserDailyLimit = 10
	IPDailyLimit   = 5
)

// LimitFor returns the daily quota for an identifier type. Verified
// identities get the higher limit; anonymous traffic is keyed by IP.
func LimitFor(t IdentifierType) int {
	if t == TypeUser {
		return UserDailyLimit
	}
	return IPDailyLimit
}

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter exposes check-then-increment semantics over a per-(identifier, day)
// counter record. Increment is upsert-shaped and must not lose counts under
// concurrent writers.
type Limiter interface {
	Check(ctx context.Context, identifier string, t IdentifierType) (Decision, error)
	Increment(ctx context.Context, identifier string, t IdentifierType) error
	Close() error
}

// dayKey is the calendar-day record key; the boundary is UTC midnight.
func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// endOfDay is the quota reset instant: the end of the current UTC day.
func endOfDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

func decide(count, limit int, now time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count < limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   endOfDay(now),
	}
}
