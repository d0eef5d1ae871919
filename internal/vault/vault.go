// Package vault stores per-user service credentials in SQLite, with secrets
// encrypted at rest.
package vault

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mmrelay/mmrelay/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	mm_user_id       TEXT PRIMARY KEY,
	username         TEXT NOT NULL,
	secret_encrypted TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Credentials is a decrypted username/secret pair.
type Credentials struct {
	Username string
	Secret   string
}

// Vault is the encrypted credential store.
type Vault struct {
	db  *sql.DB
	box *secretBox
}

// New opens (or creates) the vault database at path. When encryptionKey is
// empty, key material is loaded from or generated into a 0600 file next to
// the database.
func New(path, encryptionKey string) (*Vault, error) {
	box, err := newSecretBox(path, encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logging.Debug().Str("path", path).Msg("vault opened")
	return &Vault{db: db, box: box}, nil
}

// Put stores or replaces the credentials for a user. The secret is encrypted
// before it touches the database.
func (v *Vault) Put(ctx context.Context, userID, username, secret string) error {
	sealed, err := v.box.seal(secret)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}

	_, err = v.db.ExecContext(ctx, `
		INSERT INTO users (mm_user_id, username, secret_encrypted)
		VALUES (?, ?, ?)
		ON CONFLICT(mm_user_id) DO UPDATE SET
			username = excluded.username,
			secret_encrypted = excluded.secret_encrypted,
			updated_at = CURRENT_TIMESTAMP`,
		userID, username, sealed)
	if err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}

	logging.Info().Str("user_id", userID).Msg("credentials stored")
	return nil
}

// Get returns the decrypted credentials for a user. The second return value
// is false when the user has none.
func (v *Vault) Get(ctx context.Context, userID string) (Credentials, bool, error) {
	var username, sealed string
	err := v.db.QueryRowContext(ctx,
		`SELECT username, secret_encrypted FROM users WHERE mm_user_id = ?`,
		userID).Scan(&username, &sealed)
	if err == sql.ErrNoRows {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, fmt.Errorf("load credentials: %w", err)
	}

	secret, err := v.box.open(sealed)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("decrypt secret: %w", err)
	}
	return Credentials{Username: username, Secret: secret}, true, nil
}

// Has reports whether a user has stored credentials. No decryption happens.
func (v *Vault) Has(ctx context.Context, userID string) (bool, error) {
	var n int
	err := v.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM users WHERE mm_user_id = ? AND secret_encrypted != ''`,
		userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check credentials: %w", err)
	}
	return n > 0, nil
}

// Delete removes a user's credentials.
func (v *Vault) Delete(ctx context.Context, userID string) error {
	_, err := v.db.ExecContext(ctx, `DELETE FROM users WHERE mm_user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (v *Vault) Close() error {
	return v.db.Close()
}
