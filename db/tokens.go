package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/onnwee/stream-copilot/crypto"
)

var (
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	errEncryptor  error
)

// initEncryptor loads ENCRYPTION_KEY on first use. Without a key tokens are
// stored in plaintext (encryption_version 0).
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext", slog.String("component", "db_encryption"))
			return
		}
		enc, err := crypto.NewCipher(key)
		if err != nil {
			errEncryptor = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", errEncryptor), slog.String("component", "db_encryption"))
			return
		}
		encryptor = enc
		slog.Info("OAuth token encryption enabled", slog.String("component", "db_encryption"))
	})
}

func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if errEncryptor != nil {
		return nil, errEncryptor
	}
	return encryptor, nil
}

// UpsertOAuthToken stores the token for provider (e.g. "twitch"), encrypted
// when a key is configured.
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, provider, access, refresh string, expiry time.Time, scope string) error {
	enc, err := getEncryptor()
	if err != nil {
		return fmt.Errorf("get encryptor: %w", err)
	}

	encVersion, encKeyID := 0, ""
	if enc != nil {
		encVersion, encKeyID = 1, "default"
		if access, err = crypto.EncryptString(enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.EncryptString(enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err = dbx.ExecContext(ctx, q, provider, access, refresh, expiry, scope, encVersion, encKeyID)
	return err
}

// GetOAuthToken returns the stored token for provider, or zero values when
// none is stored. Plaintext rows (version 0) are returned as-is.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	var (
		encVersion int
		encKeyID   sql.NullString
		exp        sql.NullTime
		sc         sql.NullString
	)
	err = dbx.QueryRowContext(ctx,
		`SELECT COALESCE(access_token,''), COALESCE(refresh_token,''), expires_at, scope, COALESCE(encryption_version, 0), encryption_key_id
		 FROM oauth_tokens WHERE provider = $1`, provider).
		Scan(&access, &refresh, &exp, &sc, &encVersion, &encKeyID)
	if err == sql.ErrNoRows {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}

	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return "", "", time.Time{}, "", fmt.Errorf("get encryptor for decryption: %w", encErr)
		}
		if enc == nil {
			return "", "", time.Time{}, "", fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if access, err = crypto.DecryptString(enc, access); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = crypto.DecryptString(enc, refresh); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return access, refresh, exp.Time, sc.String, nil
}

// TokenStore adapts the package functions to the refresher's store interface.
type TokenStore struct{ DB *sql.DB }

func (t *TokenStore) SaveToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	return UpsertOAuthToken(ctx, t.DB, provider, access, refresh, expiry, scope)
}

func (t *TokenStore) LoadToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	return GetOAuthToken(ctx, t.DB, provider)
}
