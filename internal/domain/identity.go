package domain

import (
	"context"
	"strconv"
	"time"
)

// Identity is a resolved API key holder.
type Identity struct {
	KeyID     int64
	UserID    int64
	Name      string
	ExpiresAt *time.Time
}

// RateLimitKey is the identity string used for rate limiting.
func (i Identity) RateLimitKey() string {
	return "key:" + strconv.FormatInt(i.KeyID, 10)
}

// IdentityResolver looks up the holder of an API key.
// Returns ErrIdentityNotFound for unknown, inactive or expired keys.
type IdentityResolver interface {
	Resolve(ctx context.Context, apiKey string) (Identity, error)
}
