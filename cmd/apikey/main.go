// Command apikey issues and revokes API keys for WebSocket clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pscheid92/pricepulse/internal/adapter/postgres"
)

const dbTimeout = 10 * time.Second

func main() {
	var (
		databaseURL = flag.String("database", os.Getenv("DATABASE_URL"), "Postgres URL (or set DATABASE_URL env)")
		userID      = flag.Int64("user", 0, "Owner user id for a new key")
		name        = flag.String("name", "", "Human-readable key name")
		ttl         = flag.Duration("expires-in", 0, "Key lifetime; 0 means no expiry")
		revoke      = flag.Int64("revoke", 0, "Deactivate the key with this id instead of creating one")
		verbose     = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("Database URL required (--database or DATABASE_URL env)")
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, *databaseURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	slog.Debug("Connected to database", "url", sanitizeURL(*databaseURL))

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := postgres.NewAPIKeyRepo(pool)

	if *revoke > 0 {
		if err := repo.Revoke(ctx, *revoke); err != nil {
			log.Fatalf("Revoke failed: %v", err)
		}
		slog.Info("API key revoked", "key_id", *revoke)
		return
	}

	if *userID <= 0 || *name == "" {
		log.Fatal("--user and --name are required to create a key")
	}

	var expiresAt *time.Time
	if *ttl > 0 {
		t := time.Now().Add(*ttl).UTC()
		expiresAt = &t
	}

	apiKey, identity, err := repo.Create(ctx, *userID, *name, expiresAt)
	if err != nil {
		log.Fatalf("Create failed: %v", err)
	}
	slog.Info("API key created", "key_id", identity.KeyID, "user_id", identity.UserID, "name", identity.Name)

	// The plain key is only ever shown here.
	fmt.Println(apiKey)
}

func sanitizeURL(url string) string {
	// Hide password in database URL for logging
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			credParts := strings.Split(parts[0], ":")
			if len(credParts) >= 2 {
				return credParts[0] + ":" + credParts[1] + ":***@" + parts[1]
			}
		}
	}
	return url
}
