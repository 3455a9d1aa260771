package postgres

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/pricepulse/internal/domain"
)

const keyPrefix = "pp_"

// APIKeyRepo stores API keys by SHA-256 hash. Plain keys are only ever seen
// by the caller of Create.
type APIKeyRepo struct {
	pool *pgxpool.Pool
}

var _ domain.IdentityResolver = (*APIKeyRepo)(nil)

func NewAPIKeyRepo(pool *pgxpool.Pool) *APIKeyRepo {
	return &APIKeyRepo{pool: pool}
}

// HashKey returns the stored form of an API key.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Resolve returns the identity for an active, unexpired key and stamps its
// last use.
func (r *APIKeyRepo) Resolve(ctx context.Context, apiKey string) (domain.Identity, error) {
	if apiKey == "" {
		return domain.Identity{}, domain.ErrIdentityNotFound
	}

	const q = `
UPDATE api_keys SET last_used_at = now()
WHERE key_hash = $1 AND is_active AND (expires_at IS NULL OR expires_at > now())
RETURNING id, user_id, name, expires_at`

	var id domain.Identity
	err := r.pool.QueryRow(ctx, q, HashKey(apiKey)).Scan(&id.KeyID, &id.UserID, &id.Name, &id.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Identity{}, domain.ErrIdentityNotFound
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to resolve api key: %w", err)
	}
	return id, nil
}

// Create issues a new key and returns it in plain form with its identity.
func (r *APIKeyRepo) Create(ctx context.Context, userID int64, name string, expiresAt *time.Time) (string, domain.Identity, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", domain.Identity{}, fmt.Errorf("failed to generate api key: %w", err)
	}
	apiKey := keyPrefix + hex.EncodeToString(raw)

	const q = `
INSERT INTO api_keys (user_id, name, key_hash, expires_at)
VALUES ($1, $2, $3, $4)
RETURNING id`

	id := domain.Identity{UserID: userID, Name: name, ExpiresAt: expiresAt}
	if err := r.pool.QueryRow(ctx, q, userID, name, HashKey(apiKey), expiresAt).Scan(&id.KeyID); err != nil {
		return "", domain.Identity{}, fmt.Errorf("failed to create api key: %w", err)
	}
	return apiKey, id, nil
}

// Revoke deactivates a key. Revoking an unknown key is not an error.
func (r *APIKeyRepo) Revoke(ctx context.Context, keyID int64) error {
	if _, err := r.pool.Exec(ctx, `UPDATE api_keys SET is_active = FALSE WHERE id = $1`, keyID); err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	return nil
}
