package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gifconv/models"

	"github.com/lib/pq"
)

const conversionsSchema = `
CREATE TABLE IF NOT EXISTS conversions (
	id                 TEXT PRIMARY KEY,
	owner_id           TEXT NOT NULL,
	original_file_name TEXT NOT NULL DEFAULT '',
	input_path         TEXT NOT NULL,
	output_path        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'pending',
	progress           INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
	error_message      TEXT,
	attempts           INTEGER NOT NULL DEFAULT 0,
	metadata           JSONB NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS conversions_owner_created_idx ON conversions (owner_id, created_at DESC);
`

const conversionColumns = `id, owner_id, original_file_name, input_path, output_path, status, progress, error_message, attempts, metadata, created_at, updated_at`

type DatabaseService struct {
	db  *sql.DB
	now func() time.Time
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewDatabaseServiceFromDB(db), nil
}

func NewDatabaseServiceFromDB(db *sql.DB) *DatabaseService {
	return &DatabaseService{db: db, now: time.Now}
}

func (d *DatabaseService) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, conversionsSchema); err != nil {
		return fmt.Errorf("failed to create conversions schema: %w", err)
	}
	return nil
}

func (d *DatabaseService) Create(ctx context.Context, c *models.Conversion) error {
	if c.Status == "" {
		c.Status = models.StatusPending
	}
	now := d.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	metadataJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `INSERT INTO conversions (` + conversionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = d.db.ExecContext(ctx, query,
		c.ID, c.OwnerID, c.OriginalFileName, c.InputPath, c.OutputPath,
		string(c.Status), c.Progress, nullString(c.Error), c.Attempts, metadataJSON,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert conversion %s: %w", c.ID, err)
	}
	return nil
}

func (d *DatabaseService) Get(ctx context.Context, id string) (*models.Conversion, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+conversionColumns+` FROM conversions WHERE id = $1`, id)
	c, err := scanConversion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversion %s: %w", id, err)
	}
	return c, nil
}

// ListByOwner returns the owner's most recent conversions, newest first.
func (d *DatabaseService) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Conversion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+conversionColumns+` FROM conversions WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}
	defer rows.Close()

	var out []models.Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversion: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// FindAndUpdate applies u in one conditional UPDATE. The WHERE clause admits
// only the statuses u may transition from, so concurrent writers cannot move a
// record out of a terminal state.
func (d *DatabaseService) FindAndUpdate(ctx context.Context, id string, u models.RecordUpdate) (*models.Conversion, error) {
	n := u.Normalized()

	sets := []string{"updated_at = $1"}
	args := []interface{}{d.now().UTC()}
	argIndex := 2

	add := func(column string, value interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argIndex))
		args = append(args, value)
		argIndex++
	}

	add("status", string(n.TargetStatus()))
	if n.Progress != nil {
		add("progress", *n.Progress)
	}
	if n.ClearError {
		sets = append(sets, "error_message = NULL")
	}
	if n.Error != nil {
		add("error_message", *n.Error)
	}
	if n.Metadata != nil {
		metadataJSON, err := json.Marshal(n.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		add("metadata", metadataJSON)
	}
	if n.Attempts != nil {
		add("attempts", *n.Attempts)
	}
	if n.OutputPath != nil {
		add("output_path", *n.OutputPath)
	}

	allowed := make([]string, 0, 2)
	for _, s := range u.AllowedSources() {
		allowed = append(allowed, string(s))
	}

	query := fmt.Sprintf(`UPDATE conversions SET %s WHERE id = $%d AND status = ANY($%d) RETURNING %s`,
		strings.Join(sets, ", "), argIndex, argIndex+1, conversionColumns)
	args = append(args, id, pq.Array(allowed))

	c, err := scanConversion(d.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update conversion %s: %w", id, err)
	}

	// No row matched: either the record is gone or it is in the wrong state
	var current string
	err = d.db.QueryRowContext(ctx, `SELECT status FROM conversions WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversion %s: %w", id, err)
	}
	return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current, n.TargetStatus())
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversion(row rowScanner) (*models.Conversion, error) {
	var (
		c            models.Conversion
		status       string
		errorMessage sql.NullString
		metadataJSON []byte
	)
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.OriginalFileName, &c.InputPath, &c.OutputPath,
		&status, &c.Progress, &errorMessage, &c.Attempts, &metadataJSON,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = models.Status(status)
	c.Error = errorMessage.String
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
