package incident

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the incident archive table. Execute it via
// [PostgresArchive.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS incident_records (
    anchor_id   TEXT PRIMARY KEY,
    date        TEXT NOT NULL,
    anchor_time TIMESTAMPTZ NOT NULL,
    ng_word     TEXT NOT NULL,
    turns       JSONB NOT NULL DEFAULT '[]',
    summary     TEXT NOT NULL DEFAULT '',
    severity    INT NOT NULL DEFAULT 0,
    action      TEXT NOT NULL DEFAULT '',
    model       TEXT NOT NULL DEFAULT '',
    line_first  INT NOT NULL DEFAULT 0,
    line_last   INT NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_incident_records_date ON incident_records(date);
CREATE INDEX IF NOT EXISTS idx_incident_records_severity ON incident_records(severity);
`

// DB is the database interface used by [PostgresArchive]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresArchive mirrors successful incident records into PostgreSQL so
// review tooling can query across dates. The JSONL files remain the source
// of truth; the archive is write-behind and best-effort.
type PostgresArchive struct {
	db DB
}

// Compile-time interface check.
var _ Archiver = (*PostgresArchive)(nil)

// NewPostgresArchive creates an archive over the given connection or pool.
// The caller is responsible for calling [PostgresArchive.Migrate] before
// the worker starts.
func NewPostgresArchive(db DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

// Migrate executes the [Schema] DDL, creating the incident_records table
// and indexes if they do not already exist.
func (a *PostgresArchive) Migrate(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("incident: migrate archive: %w", err)
	}
	return nil
}

// Archive implements Archiver. Inserts are idempotent by anchor id.
func (a *PostgresArchive) Archive(ctx context.Context, rec Record) error {
	turns, err := json.Marshal(rec.Turns)
	if err != nil {
		return fmt.Errorf("incident: marshal turns: %w", err)
	}
	_, err = a.db.Exec(ctx, `
		INSERT INTO incident_records
			(anchor_id, date, anchor_time, ng_word, turns, summary, severity, action, model, line_first, line_last)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (anchor_id) DO NOTHING`,
		rec.AnchorID, rec.Date, rec.AnchorTime, rec.NGWord, turns,
		rec.Summary, rec.Severity, rec.Action, rec.Meta.Model,
		rec.Meta.LineRange[0], rec.Meta.LineRange[1],
	)
	if err != nil {
		return fmt.Errorf("incident: archive insert %q: %w", rec.AnchorID, err)
	}
	return nil
}

// ListByDate returns archived records for one date, newest first.
func (a *PostgresArchive) ListByDate(ctx context.Context, date string) ([]Record, error) {
	rows, err := a.db.Query(ctx, `
		SELECT anchor_id, date, anchor_time, ng_word, turns, summary, severity, action, model, line_first, line_last
		FROM incident_records
		WHERE date = $1
		ORDER BY anchor_time DESC`, date)
	if err != nil {
		return nil, fmt.Errorf("incident: archive query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var turns []byte
		if err := rows.Scan(&rec.AnchorID, &rec.Date, &rec.AnchorTime, &rec.NGWord, &turns,
			&rec.Summary, &rec.Severity, &rec.Action, &rec.Meta.Model,
			&rec.Meta.LineRange[0], &rec.Meta.LineRange[1]); err != nil {
			return nil, fmt.Errorf("incident: archive scan: %w", err)
		}
		if err := json.Unmarshal(turns, &rec.Turns); err != nil {
			return nil, fmt.Errorf("incident: archive turns decode: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("incident: archive rows: %w", err)
	}
	return out, nil
}
