// Package main encrypts OAuth tokens stored in plaintext.
//
// Rows with encryption_version=0 are rewritten as version 1 (AES-256-GCM)
// using ENCRYPTION_KEY. Run it once after setting a key on a deployment that
// already stored tokens without one.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider PROVIDER]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/onnwee/stream-copilot/crypto"
)

type tokenRow struct {
	Provider     string
	AccessToken  string
	RefreshToken string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	provider := flag.String("provider", "", "Migrate one provider only (default: all)")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	enc, err := crypto.NewCipher(key)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close() //nolint:errcheck // process exit

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1) //nolint:gocritic // deferred close is irrelevant on exit
	}
	n, err := migrateTokens(ctx, database, enc, *dryRun, *provider)
	if err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully", slog.Int("migrated", n), slog.Bool("dry_run", *dryRun))
}

// migrateTokens encrypts every plaintext row and returns how many it touched.
func migrateTokens(ctx context.Context, database *sql.DB, enc crypto.Encryptor, dryRun bool, provider string) (int, error) {
	q := `SELECT provider, COALESCE(access_token,''), COALESCE(refresh_token,'')
		FROM oauth_tokens WHERE COALESCE(encryption_version, 0) = 0`
	var args []any
	if provider != "" {
		q += " AND provider = $1"
		args = append(args, provider)
	}
	q += " ORDER BY provider"

	rows, err := database.QueryContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("query plaintext tokens: %w", err)
	}
	var tokens []tokenRow
	for rows.Next() {
		var t tokenRow
		if err := rows.Scan(&t.Provider, &t.AccessToken, &t.RefreshToken); err != nil {
			rows.Close() //nolint:errcheck,gosec // scan error wins
			return 0, fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate token rows: %w", err)
	}
	if len(tokens) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return 0, nil
	}

	migrated, failed := 0, 0
	for _, t := range tokens {
		log := slog.With(slog.String("provider", t.Provider))
		if dryRun {
			log.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		if err := migrateToken(ctx, database, enc, t); err != nil {
			log.Error("failed to migrate token", slog.Any("error", err))
			failed++
			continue
		}
		log.Info("migrated token")
		migrated++
	}
	if failed > 0 {
		return migrated, fmt.Errorf("migration completed with %d errors", failed)
	}
	return migrated, nil
}

func migrateToken(ctx context.Context, database *sql.DB, enc crypto.Encryptor, t tokenRow) error {
	access, err := crypto.EncryptString(enc, t.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := crypto.EncryptString(enc, t.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	// the version guard keeps a concurrent writer's encrypted row intact
	res, err := database.ExecContext(ctx,
		`UPDATE oauth_tokens SET access_token=$1, refresh_token=$2, encryption_version=1,
		   encryption_key_id='default', updated_at=NOW()
		 WHERE provider=$3 AND COALESCE(encryption_version, 0) = 0`,
		access, refresh, t.Provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("token for %s changed during migration", t.Provider)
	}
	return nil
}
