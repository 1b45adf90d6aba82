package history

import (
	"context"
	"strings"
)

// NewRemote creates a postgres-backed store when configured, otherwise
// in-memory.
func NewRemote(ctx context.Context, databaseURL string) (Remote, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryRemote(), nil
	}
	return NewRemoteStore(ctx, strings.TrimSpace(databaseURL))
}
