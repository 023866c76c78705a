package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/zhejian/shorturl/internal/model"
)

// Timestamps are stored as unix milliseconds so SQLite and libSQL drivers
// agree on the representation.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS short_links (
	id               TEXT PRIMARY KEY,
	short_code       TEXT    NOT NULL UNIQUE,
	original_url     TEXT    NOT NULL,
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	validity_minutes INTEGER NOT NULL DEFAULT 30,
	is_active        INTEGER NOT NULL DEFAULT 1,
	is_custom        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_short_links_expires_at ON short_links(expires_at);

CREATE TABLE IF NOT EXISTS short_link_clicks (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	short_link_id TEXT    NOT NULL REFERENCES short_links(id),
	clicked_at    INTEGER NOT NULL,
	referrer      TEXT    NOT NULL DEFAULT 'direct',
	ip            TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_short_link_clicks_link_id ON short_link_clicks(short_link_id, id);
`

// SQLiteURLRepository handles SQLite and libSQL operations for short links
type SQLiteURLRepository struct {
	db     *sql.DB
	system string
}

// NewSQLiteURLRepository creates the schema if needed and returns the repository.
// system is reported on spans ("sqlite" or "libsql").
func NewSQLiteURLRepository(ctx context.Context, db *sql.DB, system string) (*SQLiteURLRepository, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, err
	}
	return &SQLiteURLRepository{db: db, system: system}, nil
}

func (r *SQLiteURLRepository) Create(ctx context.Context, link *model.ShortLink) error {
	ctx, span := startSpan(ctx, r.system, "INSERT", "short_links", link.ShortCode)
	defer span.End()

	query := `
		INSERT INTO short_links
			(id, short_code, original_url, created_at, expires_at, validity_minutes, is_active, is_custom)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		link.ID.String(),
		link.ShortCode,
		link.OriginalURL,
		link.CreatedAt.UnixMilli(),
		link.ExpiresAt.UnixMilli(),
		link.ValidityMinutes,
		link.IsActive,
		link.IsCustom,
	)
	if err != nil {
		span.RecordError(err)
		if isSQLiteUniqueViolation(err) {
			return ErrCodeConflict
		}
		return err
	}
	return nil
}

func (r *SQLiteURLRepository) GetByCode(ctx context.Context, code string) (*model.ShortLink, error) {
	ctx, span := startSpan(ctx, r.system, "SELECT", "short_links", code)
	defer span.End()

	query := `
		SELECT id, short_code, original_url, created_at, expires_at, validity_minutes, is_active, is_custom
		FROM short_links
		WHERE short_code = ?`
	var (
		link                 model.ShortLink
		createdAt, expiresAt int64
	)
	err := r.db.QueryRowContext(ctx, query, code).Scan(
		&link.ID,
		&link.ShortCode,
		&link.OriginalURL,
		&createdAt,
		&expiresAt,
		&link.ValidityMinutes,
		&link.IsActive,
		&link.IsCustom,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, err
	}
	link.CreatedAt = time.UnixMilli(createdAt).UTC()
	link.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &link, nil
}

func (r *SQLiteURLRepository) Exists(ctx context.Context, code string) (bool, error) {
	ctx, span := startSpan(ctx, r.system, "SELECT", "short_links", code)
	defer span.End()

	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM short_links WHERE short_code = ?`, code).Scan(&n)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return n > 0, nil
}

func (r *SQLiteURLRepository) AppendClick(ctx context.Context, code string, click model.Click) error {
	ctx, span := startSpan(ctx, r.system, "INSERT", "short_link_clicks", code)
	defer span.End()

	query := `
		INSERT INTO short_link_clicks (short_link_id, clicked_at, referrer, ip)
		SELECT id, ?, ?, ? FROM short_links WHERE short_code = ?
	`
	result, err := r.db.ExecContext(ctx, query, click.Timestamp.UnixMilli(), click.Referrer, click.IP, code)
	if err != nil {
		span.RecordError(err)
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteURLRepository) ListClicks(ctx context.Context, code string) ([]model.Click, error) {
	ctx, span := startSpan(ctx, r.system, "SELECT", "short_link_clicks", code)
	defer span.End()

	query := `
		SELECT c.clicked_at, c.referrer, c.ip
		FROM short_link_clicks c
		JOIN short_links l ON l.id = c.short_link_id
		WHERE l.short_code = ?
		ORDER BY c.id`
	rows, err := r.db.QueryContext(ctx, query, code)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	clicks := make([]model.Click, 0)
	for rows.Next() {
		var (
			c  model.Click
			ts int64
		)
		if err := rows.Scan(&ts, &c.Referrer, &c.IP); err != nil {
			return nil, err
		}
		c.Timestamp = time.UnixMilli(ts).UTC()
		clicks = append(clicks, c)
	}
	return clicks, rows.Err()
}

func (r *SQLiteURLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteURLRepository) Close() {
	r.db.Close()
}

// modernc and libSQL report constraint failures with different error
// types; both carry SQLite's message text.
func isSQLiteUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLiteURLRepository)(nil)
