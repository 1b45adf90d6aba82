package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLimiter keeps one counter row per (identifier, day). The increment
// is a single upsert statement, so concurrent writers on the same key
// serialize on the row instead of racing a read-modify-write.
type PostgresLimiter struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresLimiter(ctx context.Context, databaseURL string) (*PostgresLimiter, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initRateLimitSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresLimiter{pool: pool, now: time.Now}, nil
}

// NewPostgresLimiterWithPool shares an existing pool so the limiter and the
// session store don't hold two connection pools against one database.
func NewPostgresLimiterWithPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresLimiter, error) {
	if err := initRateLimitSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresLimiter{pool: pool, now: time.Now}, nil
}

func initRateLimitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rate_limits (
			identifier TEXT NOT NULL,
			identifier_type TEXT NOT NULL,
			date TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (identifier, date)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init rate limit schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (l *PostgresLimiter) Check(ctx context.Context, identifier string, t IdentifierType) (Decision, error) {
	now := l.now()
	var count int
	err := l.pool.QueryRow(ctx,
		`SELECT message_count FROM rate_limits WHERE identifier=$1 AND date=$2`,
		identifier, dayKey(now),
	).Scan(&count)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Decision{}, fmt.Errorf("check rate limit: %w", err)
	}
	return decide(count, LimitFor(t), now), nil
}

func (l *PostgresLimiter) Increment(ctx context.Context, identifier string, t IdentifierType) error {
	now := l.now()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO rate_limits (identifier, identifier_type, date, message_count, updated_at)
		 VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (identifier, date) DO UPDATE
		   SET message_count = rate_limits.message_count + 1, updated_at = $4`,
		identifier, string(t), dayKey(now), now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("increment rate limit: %w", err)
	}
	return nil
}

func (l *PostgresLimiter) Close() error {
	l.pool.Close()
	return nil
}
