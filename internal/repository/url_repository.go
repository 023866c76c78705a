package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zhejian/shorturl/internal/model"
)

const pgUniqueViolation = "23505"

// URLRepository handles PostgreSQL operations for short links
type URLRepository struct {
	db *pgxpool.Pool
}

// NewURLRepository creates a new URL repository
func NewURLRepository(db *pgxpool.Pool) *URLRepository {
	return &URLRepository{db: db}
}

// Create inserts a new short link. A unique-constraint error on short_code
// is mapped to ErrCodeConflict.
func (r *URLRepository) Create(ctx context.Context, link *model.ShortLink) error {
	ctx, span := startSpan(ctx, "postgresql", "INSERT", "short_links", link.ShortCode)
	defer span.End()

	query := `
		INSERT INTO short_links
			(id, short_code, original_url, created_at, expires_at, validity_minutes, is_active, is_custom)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		link.ID,
		link.ShortCode,
		link.OriginalURL,
		link.CreatedAt,
		link.ExpiresAt,
		link.ValidityMinutes,
		link.IsActive,
		link.IsCustom,
	)
	if err != nil {
		span.RecordError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrCodeConflict
		}
		return err
	}
	return nil
}

// GetByCode retrieves a short link by its exact short code
func (r *URLRepository) GetByCode(ctx context.Context, code string) (*model.ShortLink, error) {
	ctx, span := startSpan(ctx, "postgresql", "SELECT", "short_links", code)
	defer span.End()

	query := `
		SELECT id, short_code, original_url, created_at, expires_at, validity_minutes, is_active, is_custom
		FROM short_links
		WHERE short_code = $1`
	var link model.ShortLink
	err := r.db.QueryRow(ctx, query, code).Scan(
		&link.ID,
		&link.ShortCode,
		&link.OriginalURL,
		&link.CreatedAt,
		&link.ExpiresAt,
		&link.ValidityMinutes,
		&link.IsActive,
		&link.IsCustom,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, err
	}
	link.CreatedAt = link.CreatedAt.UTC()
	link.ExpiresAt = link.ExpiresAt.UTC()
	return &link, nil
}

// Exists reports whether any record, expired or not, holds the code.
func (r *URLRepository) Exists(ctx context.Context, code string) (bool, error) {
	ctx, span := startSpan(ctx, "postgresql", "SELECT", "short_links", code)
	defer span.End()

	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM short_links WHERE short_code = $1)`, code).Scan(&exists)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return exists, nil
}

// AppendClick records a click in a single INSERT ... SELECT so concurrent
// redirects never overwrite each other.
func (r *URLRepository) AppendClick(ctx context.Context, code string, click model.Click) error {
	ctx, span := startSpan(ctx, "postgresql", "INSERT", "short_link_clicks", code)
	defer span.End()

	query := `
		INSERT INTO short_link_clicks (short_link_id, clicked_at, referrer, ip)
		SELECT id, $2, $3, $4 FROM short_links WHERE short_code = $1
	`
	result, err := r.db.Exec(ctx, query, code, click.Timestamp, click.Referrer, click.IP)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListClicks returns the clicks of a code in the order they were recorded.
func (r *URLRepository) ListClicks(ctx context.Context, code string) ([]model.Click, error) {
	ctx, span := startSpan(ctx, "postgresql", "SELECT", "short_link_clicks", code)
	defer span.End()

	query := `
		SELECT c.clicked_at, c.referrer, c.ip
		FROM short_link_clicks c
		JOIN short_links l ON l.id = c.short_link_id
		WHERE l.short_code = $1
		ORDER BY c.id`
	rows, err := r.db.Query(ctx, query, code)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	clicks := make([]model.Click, 0)
	for rows.Next() {
		var c model.Click
		if err := rows.Scan(&c.Timestamp, &c.Referrer, &c.IP); err != nil {
			span.RecordError(err)
			return nil, err
		}
		c.Timestamp = c.Timestamp.UTC()
		clicks = append(clicks, c)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return clicks, nil
}

// Ping checks database connectivity
func (r *URLRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// Close releases the pool
func (r *URLRepository) Close() {
	r.db.Close()
}

var _ Store = (*URLRepository)(nil)
