// Package tokens persists API keys in SQLite. Keys are stored SHA3-256
// hashed; the plaintext is shown exactly once at creation.
package tokens

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a token id does not exist.
var ErrNotFound = errors.New("token not found")

// Prefix marks daybook API keys so the auth middleware can tell them apart
// from JWTs.
const Prefix = "dbk_"

// Token is one API key record. Hash is the SHA3-256 hex digest of the
// plaintext key.
type Token struct {
	ID        string
	Name      string
	Hash      string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Store is a SQLite-backed token table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the token database.
// Use ":memory:" for an in-memory database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			hash TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			revoked_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_hash ON tokens(hash)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// hashKey returns the SHA3-256 hex digest used for storage and lookup.
func hashKey(plain string) string {
	hasher := sha3.New256()
	hasher.Write([]byte(plain))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Create mints a new API key, stores its hash, and returns the plaintext.
// The plaintext is not recoverable afterwards.
func (s *Store) Create(ctx context.Context, name string) (string, *Token, error) {
	if name == "" {
		return "", nil, errors.New("name is required")
	}
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	plain := Prefix + hex.EncodeToString(raw)

	tok := &Token{
		ID:        fmt.Sprintf("t_%d", time.Now().UnixNano()),
		Name:      name,
		Hash:      hashKey(plain),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tokens (id, name, hash, created_at) VALUES (?, ?, ?, ?)",
		tok.ID, tok.Name, tok.Hash, tok.CreatedAt)
	if err != nil {
		return "", nil, fmt.Errorf("insert token: %w", err)
	}
	return plain, tok, nil
}

// Verify reports whether plain is a known, unrevoked API key.
func (s *Store) Verify(ctx context.Context, plain string) (bool, error) {
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT revoked_at FROM tokens WHERE hash = ?", hashKey(plain)).Scan(&revoked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup token: %w", err)
	}
	return !revoked.Valid, nil
}

// List returns all tokens, newest first.
func (s *Store) List(ctx context.Context) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, hash, created_at, revoked_at FROM tokens ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var toks []*Token
	for rows.Next() {
		var t Token
		var revoked sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &t.Hash, &t.CreatedAt, &revoked); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		if revoked.Valid {
			t.RevokedAt = &revoked.Time
		}
		toks = append(toks, &t)
	}
	return toks, rows.Err()
}

// Revoke marks a token unusable. Revocation is permanent.
func (s *Store) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
