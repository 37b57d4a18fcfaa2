// Package audit keeps an HMAC-signed trail of redaction runs in SQLite.
//
// Every processed document, redacted or failed, produces a Record with
// per-entity counts, the transform in use and keyed digests of input and
// output. Records never contain document text, so the trail can be kept
// and shared under a looser regime than the data it describes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	redactotel "github.com/dativo-io/redact/internal/otel"
	"github.com/dativo-io/redact/internal/pipeline"
)

var tracer = redactotel.Tracer("github.com/dativo-io/redact/internal/audit")

var (
	ErrRecordNotFound    = errors.New("audit record not found")
	ErrInvalidSigningKey = errors.New("invalid audit signing key")
)

// Store persists signed records.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// Filter selects records for List. Zero fields match everything.
type Filter struct {
	Caller     string
	DocumentID string
	From, To   time.Time
	Limit      int
}

// Open creates or opens the audit database at dbPath.
func Open(dbPath, signingKey string) (*Store, error) {
	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS redaction_audit (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		source TEXT NOT NULL,
		caller TEXT NOT NULL,
		document_id TEXT NOT NULL,
		record_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_caller ON redaction_audit(caller);
	CREATE INDEX IF NOT EXISTS idx_audit_document ON redaction_audit(document_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON redaction_audit(timestamp);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Log records the outcome of processing one document through p.
func (s *Store) Log(ctx context.Context, p *pipeline.Pipeline, o Outcome) (*Record, error) {
	r := newRecord(p, o)
	r.InputDigest = s.signer.Digest(o.Document.Text)
	if o.Result != nil {
		r.OutputDigest = s.signer.Digest(o.Result.Redacted)
	}
	if err := s.Append(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Append signs r and stores it.
func (s *Store) Append(ctx context.Context, r *Record) error {
	ctx, span := tracer.Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("audit.id", r.ID),
			attribute.String("caller", r.Caller),
			attribute.Int("span_count", r.SpanCount),
		))
	defer span.End()

	r.Signature = ""
	unsigned, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	r.Signature = s.signer.Sign(unsigned)
	signed, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO redaction_audit (id, timestamp, source, caller, document_id, record_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp, r.Source, r.Caller, r.DocumentID, string(signed), r.Signature)
	if err != nil {
		return fmt.Errorf("storing audit record: %w", err)
	}
	return nil
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var recordJSON string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM redaction_audit WHERE id = ?`, id).Scan(&recordJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit record: %w", err)
	}
	var r Record
	if err := json.Unmarshal([]byte(recordJSON), &r); err != nil {
		return nil, fmt.Errorf("unmarshaling audit record: %w", err)
	}
	return &r, nil
}

// List returns records matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "audit.list",
		trace.WithAttributes(attribute.String("caller", f.Caller)))
	defer span.End()

	query := `SELECT record_json FROM redaction_audit WHERE 1=1`
	args := []interface{}{}
	if f.Caller != "" {
		query += ` AND caller = ?`
		args = append(args, f.Caller)
	}
	if f.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, f.DocumentID)
	}
	if !f.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY timestamp DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		var r Record
		if err := json.Unmarshal([]byte(recordJSON), &r); err != nil {
			return nil, fmt.Errorf("unmarshaling audit record: %w", err)
		}
		out = append(out, r)
	}
	span.SetAttributes(attribute.Int("audit.count", len(out)))
	return out, rows.Err()
}

// Verify reports whether the stored record id still matches its signature.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	signature := r.Signature
	r.Signature = ""
	unsigned, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	return s.signer.Verify(unsigned, signature), nil
}
