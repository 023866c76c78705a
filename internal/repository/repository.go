package repository

import (
	"context"
	"errors"

	"github.com/zhejian/shorturl/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotFound     = errors.New("url not found")
	ErrCodeConflict = errors.New("short code already exists")
)

var tracer = otel.Tracer("github.com/zhejian/shorturl/internal/repository")

// URLRepositoryInterface is the persistence contract used by the service layer.
type URLRepositoryInterface interface {
	Create(ctx context.Context, link *model.ShortLink) error
	GetByCode(ctx context.Context, code string) (*model.ShortLink, error)
	Exists(ctx context.Context, code string) (bool, error)
	AppendClick(ctx context.Context, code string, click model.Click) error
	ListClicks(ctx context.Context, code string) ([]model.Click, error)
}

// Store is a primary store: a repository that owns its connection.
type Store interface {
	URLRepositoryInterface
	Ping(ctx context.Context) error
	Close()
}

func startSpan(ctx context.Context, system, operation, table, code string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", system),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
			attribute.String("short_code", code),
		),
	)
}
