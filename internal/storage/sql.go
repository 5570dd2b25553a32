package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/models"
)

// Dialect names accepted by OpenSQL.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

const documentsSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	form_id    TEXT NOT NULL,
	fields     TEXT NOT NULL DEFAULT '{}',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_user_form ON documents(user_id, form_id);
`

// SQL is a Backend over database/sql, used for both SQLite and Postgres.
// Timestamps are stored as unix nanoseconds so both dialects order them the same.
type SQL struct {
	conn    *sql.DB
	dialect string
}

// OpenSQLite opens (or creates) the SQLite database at path and applies the schema.
func OpenSQLite(path string) (*SQL, error) {
	return OpenSQL(DialectSQLite, path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
}

// OpenPostgres connects to the Postgres database at url through pgx.
func OpenPostgres(url string) (*SQL, error) {
	return OpenSQL(DialectPostgres, url)
}

// OpenSQL opens a connection for dialect and applies the schema.
func OpenSQL(dialect, dsn string) (*SQL, error) {
	driver := "sqlite3"
	switch dialect {
	case DialectSQLite:
	case DialectPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("storage: unknown dialect %q", dialect)
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	if dialect == DialectPostgres {
		conn.SetConnMaxIdleTime(5 * time.Minute)
		conn.SetConnMaxLifetime(30 * time.Minute)
		conn.SetMaxIdleConns(10)
		conn.SetMaxOpenConns(20)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	for _, stmt := range strings.Split(documentsSchemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("storage: apply schema: %w", err)
		}
	}
	return &SQL{conn: conn, dialect: dialect}, nil
}

// Close closes the underlying database connection.
func (s *SQL) Close() error {
	return s.conn.Close()
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Create implements Backend.
func (s *SQL) Create(ctx context.Context, doc *models.Document) error {
	fieldsJSON, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("storage: encode fields: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	var existing string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM documents WHERE user_id = ? AND form_id = ?`),
		doc.UserID, doc.FormID).Scan(&existing)
	switch {
	case err == nil:
		return fmt.Errorf("storage: create %s: %w", doc.FormID, apperr.ErrAlreadyExists)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("storage: check existing: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO documents (id, user_id, form_id, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), doc.ID, doc.UserID, doc.FormID, string(fieldsJSON), doc.CreatedAt.UnixNano(), doc.UpdatedAt.UnixNano())
	if err != nil {
		// A concurrent insert can still trip the unique index.
		if _, findErr := s.FindByForm(ctx, doc.UserID, doc.FormID); findErr == nil {
			return fmt.Errorf("storage: create %s: %w", doc.FormID, apperr.ErrAlreadyExists)
		}
		return fmt.Errorf("storage: insert document: %w", err)
	}
	return tx.Commit()
}

// Replace implements Backend.
func (s *SQL) Replace(ctx context.Context, doc *models.Document) error {
	fieldsJSON, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("storage: encode fields: %w", err)
	}
	res, err := s.conn.ExecContext(ctx, s.rebind(`
		UPDATE documents SET fields = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`), string(fieldsJSON), doc.UpdatedAt.UnixNano(), doc.ID, doc.UserID)
	if err != nil {
		return fmt.Errorf("storage: update document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: replace %s: %w", doc.ID, apperr.ErrNotFound)
	}
	return nil
}

// Get implements Backend.
func (s *SQL) Get(ctx context.Context, userID, id string) (*models.Document, error) {
	row := s.conn.QueryRowContext(ctx, s.rebind(`
		SELECT id, user_id, form_id, fields, created_at, updated_at
		FROM documents WHERE id = ? AND user_id = ?
	`), id, userID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: get %s: %w", id, apperr.ErrNotFound)
	}
	return doc, err
}

// FindByForm implements Backend.
func (s *SQL) FindByForm(ctx context.Context, userID, formID string) (*models.Document, error) {
	row := s.conn.QueryRowContext(ctx, s.rebind(`
		SELECT id, user_id, form_id, fields, created_at, updated_at
		FROM documents WHERE user_id = ? AND form_id = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`), userID, formID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: find %s: %w", formID, apperr.ErrNotFound)
	}
	return doc, err
}

func scanDocument(row *sql.Row) (*models.Document, error) {
	var (
		doc                  models.Document
		fieldsJSON           string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&doc.ID, &doc.UserID, &doc.FormID, &fieldsJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("storage: scan document: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &doc.Fields); err != nil {
		return nil, fmt.Errorf("storage: decode fields: %w", err)
	}
	if doc.Fields == nil {
		doc.Fields = models.Fields{}
	}
	doc.CreatedAt = time.Unix(0, createdAt).UTC()
	doc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &doc, nil
}
