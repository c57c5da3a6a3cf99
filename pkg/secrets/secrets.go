// Package secrets is an encrypted at-rest store for channel tokens. Token
// networks fall back to it when neither the config value nor the
// environment variable is set.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("secret not found")

const schema = `
CREATE TABLE IF NOT EXISTS secrets (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL UNIQUE,
    encrypted_value BLOB NOT NULL,
    created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

type Store struct {
	db  *sql.DB
	gcm cipher.AEAD
}

func New(dsn, masterKey string) (*Store, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("secrets: master key must not be empty")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("secrets: opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("secrets: creating schema: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(masterKey))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("secrets: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("secrets: creating GCM: %w", err)
	}

	return &Store{db: db, gcm: gcm}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Set(ctx context.Context, name, value string) error {
	encrypted, err := s.encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("secrets: encrypting: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO secrets (id, name, encrypted_value, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET encrypted_value = excluded.encrypted_value`,
		uuid.NewString(), name, encrypted, time.Now().UTC(),
	)
	return err
}

func (s *Store) Get(ctx context.Context, name string) (string, error) {
	var encrypted []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_value FROM secrets WHERE name = ?`, name,
	).Scan(&encrypted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("secrets: %q: %w", name, ErrNotFound)
		}
		return "", err
	}

	plaintext, err := s.decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypting %q: %w", name, err)
	}
	return string(plaintext), nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("secrets: %q: %w", name, ErrNotFound)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return s.gcm.Open(nil, nonce, sealed, nil)
}

func deriveKey(masterKey string) []byte {
	// fixed salt: the master key itself is the secret, derivation just
	// stretches it to an AES-256 key
	salt := []byte("courier-secrets-v1")
	return argon2.IDKey([]byte(masterKey), salt, 1, 64*1024, 4, 32)
}
