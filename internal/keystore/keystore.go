// Package keystore keeps named redaction keys in an encrypted SQLite vault.
//
// Hash and deterministic-encryption tokens only line up across runs when
// the same key is used, so batch jobs store their key here by name instead
// of passing raw key material on every invocation. Keys are sealed with
// AES-256-GCM under a vault key; every read is recorded in an access log.
package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	redactotel "github.com/dativo-io/redact/internal/otel"
)

var (
	// ErrKeyNotFound is returned when a key name does not exist in the store.
	ErrKeyNotFound = errors.New("key not found")
	// ErrInvalidVaultKey is returned when the vault key is not 32 raw bytes
	// or 64 hex characters.
	ErrInvalidVaultKey = errors.New("invalid vault key")
	// ErrInvalidName is returned for empty key names.
	ErrInvalidName = errors.New("invalid key name")
)

var tracer = redactotel.Tracer("github.com/dativo-io/redact/internal/keystore")

// Store manages sealed redaction keys.
type Store struct {
	db  *sql.DB
	gcm cipher.AEAD
}

// Key is an unsealed key with metadata.
type Key struct {
	Name        string
	Material    []byte
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int
}

// KeyMetadata is the listing view of a key (no material).
type KeyMetadata struct {
	Name        string    `json:"name"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	AccessedAt  time.Time `json:"accessed_at"`
	AccessCount int       `json:"access_count"`
}

// AccessRecord is one key read, successful or not.
type AccessRecord struct {
	ID        string    `json:"id"`
	KeyName   string    `json:"key_name"`
	Caller    string    `json:"caller"`
	Timestamp time.Time `json:"timestamp"`
	Found     bool      `json:"found"`
}

// Open creates or opens a key store at dbPath. vaultKey must be exactly 32
// raw bytes or 64 hex characters.
func Open(dbPath, vaultKey string) (*Store, error) {
	keyBytes, err := resolveVaultKey(vaultKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening key store: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS redaction_keys (
		name TEXT PRIMARY KEY,
		sealed TEXT NOT NULL,
		nonce TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		accessed_at TIMESTAMP,
		access_count INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS key_access_log (
		id TEXT PRIMARY KEY,
		key_name TEXT NOT NULL,
		caller TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		found BOOLEAN NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_key_access_log_name ON key_access_log(key_name);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Store{db: db, gcm: gcm}, nil
}

func resolveVaultKey(key string) ([]byte, error) {
	if len(key) == 64 {
		if decoded, err := hex.DecodeString(key); err == nil {
			return decoded, nil
		}
	}
	if len(key) == 32 {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("vault key must be 32 bytes or 64 hex characters (got %d): %w", len(key), ErrInvalidVaultKey)
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put seals and stores material under name, replacing any existing key.
// The original creation time is kept on replace.
func (s *Store) Put(ctx context.Context, name string, material []byte) error {
	ctx, span := tracer.Start(ctx, "keystore.put",
		trace.WithAttributes(attribute.String("key.name", name)))
	defer span.End()

	if name == "" {
		return ErrInvalidName
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		span.RecordError(err)
		return fmt.Errorf("generating nonce: %w", err)
	}
	// The name is bound as associated data so sealed rows cannot be swapped.
	sealed := s.gcm.Seal(nil, nonce, material, []byte(name))

	query := `
		INSERT INTO redaction_keys (name, sealed, nonce, size, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			sealed = excluded.sealed,
			nonce = excluded.nonce,
			size = excluded.size
	`
	_, err := s.db.ExecContext(ctx, query, name,
		base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(nonce),
		len(material), time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing key: %w", err)
	}
	return nil
}

// Get unseals the named key. caller identifies the reader in the access log.
func (s *Store) Get(ctx context.Context, name, caller string) (*Key, error) {
	ctx, span := tracer.Start(ctx, "keystore.get",
		trace.WithAttributes(
			attribute.String("key.name", name),
			attribute.String("key.caller", caller),
		))
	defer span.End()

	var sealedB64, nonceB64 string
	var createdAt, accessedAt sql.NullTime
	var accessCount int
	err := s.db.QueryRowContext(ctx,
		`SELECT sealed, nonce, created_at, accessed_at, access_count FROM redaction_keys WHERE name = ?`, name,
	).Scan(&sealedB64, &nonceB64, &createdAt, &accessedAt, &accessCount)
	if errors.Is(err, sql.ErrNoRows) {
		s.logAccess(ctx, name, caller, false)
		return nil, fmt.Errorf("%s: %w", name, ErrKeyNotFound)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying key: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decoding sealed key: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	material, err := s.gcm.Open(nil, nonce, sealed, []byte(name))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("unsealing key %s: %w", name, err)
	}

	now := time.Now().UTC()
	_, _ = s.db.ExecContext(ctx, `UPDATE redaction_keys SET accessed_at = ?, access_count = access_count + 1 WHERE name = ?`, now, name)
	s.logAccess(ctx, name, caller, true)

	return &Key{
		Name:        name,
		Material:    material,
		CreatedAt:   createdAt.Time,
		AccessedAt:  now,
		AccessCount: accessCount + 1,
	}, nil
}

// List returns metadata for every stored key, ordered by name.
func (s *Store) List(ctx context.Context) ([]KeyMetadata, error) {
	ctx, span := tracer.Start(ctx, "keystore.list")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, size, created_at, accessed_at, access_count FROM redaction_keys ORDER BY name`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying keys: %w", err)
	}
	defer rows.Close()

	var out []KeyMetadata
	for rows.Next() {
		var m KeyMetadata
		var createdAt, accessedAt sql.NullTime
		if err := rows.Scan(&m.Name, &m.Size, &createdAt, &accessedAt, &m.AccessCount); err != nil {
			return nil, fmt.Errorf("scanning key row: %w", err)
		}
		m.CreatedAt, m.AccessedAt = createdAt.Time, accessedAt.Time
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes the named key.
func (s *Store) Delete(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "keystore.delete",
		trace.WithAttributes(attribute.String("key.name", name)))
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM redaction_keys WHERE name = ?`, name)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", name, ErrKeyNotFound)
	}
	return nil
}

func (s *Store) logAccess(ctx context.Context, name, caller string, found bool) {
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO key_access_log (id, key_name, caller, timestamp, found) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), name, caller, time.Now().UTC(), found)
}

// AccessLog returns reads of name, newest first. An empty name returns all
// records; limit <= 0 means no limit.
func (s *Store) AccessLog(ctx context.Context, name string, limit int) ([]AccessRecord, error) {
	ctx, span := tracer.Start(ctx, "keystore.access_log")
	defer span.End()

	query := `SELECT id, key_name, caller, timestamp, found FROM key_access_log`
	args := []interface{}{}
	if name != "" {
		query += ` WHERE key_name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying access log: %w", err)
	}
	defer rows.Close()

	var records []AccessRecord
	for rows.Next() {
		var r AccessRecord
		if err := rows.Scan(&r.ID, &r.KeyName, &r.Caller, &r.Timestamp, &r.Found); err != nil {
			return nil, fmt.Errorf("scanning access row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
