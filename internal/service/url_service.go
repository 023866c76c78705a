package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zhejian/shorturl/internal/events"
	"github.com/zhejian/shorturl/internal/model"
	"github.com/zhejian/shorturl/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrMissingURL          = errors.New("URL is required")
	ErrInvalidCustomCode   = errors.New("custom shortcode must be 3-20 alphanumeric characters")
	ErrReservedCode        = errors.New("shortcode is reserved")
	ErrCodeExists          = errors.New("shortcode already exists")
	ErrDuplicateCode       = errors.New("shortcode collision")
	ErrURLNotFound         = errors.New("URL not found")
	ErrURLExpired          = errors.New("URL has expired")
	ErrGenerationExhausted = errors.New("failed to generate a unique short code")
)

const (
	DefaultValidityMinutes = 30
	MaxValidityMinutes     = 525600 // one year
	DefaultPublishTimeout  = 2 * time.Second
	directReferrer         = "direct"
)

// URLServiceInterface defines the contract for URL shortening operations
type URLServiceInterface interface {
	CreateShortURL(ctx context.Context, req *model.CreateURLRequest) (*model.CreateURLResponse, error)
	GetStats(ctx context.Context, code string) (*model.StatsResponse, error)
	Redirect(ctx context.Context, code string, visitor model.Visitor) (string, error)
}

// URLService handles business logic for URL operations
type URLService struct {
	repo            repository.URLRepositoryInterface
	generator       *ShortCodeGenerator
	publisher       events.ClickPublisher
	logger          *slog.Logger
	metrics         *serviceMetrics
	clock           func() time.Time
	baseURL         string
	defaultValidity int
	maxValidity     int
	publishTimeout  time.Duration
}

// Option customizes a URLService.
type Option func(*URLService)

// WithPublisher sends click events to p after each recorded redirect.
func WithPublisher(p events.ClickPublisher) Option {
	return func(s *URLService) { s.publisher = p }
}

// WithPublishTimeout bounds how long a redirect waits on the click publisher.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *URLService) { s.publishTimeout = d }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *URLService) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *URLService) { s.clock = clock }
}

// WithValidityLimits overrides the default and maximum validity in minutes.
func WithValidityLimits(defaultMinutes, maxMinutes int) Option {
	return func(s *URLService) {
		s.defaultValidity = defaultMinutes
		s.maxValidity = maxMinutes
	}
}

// NewURLService creates a new URL service
func NewURLService(repo repository.URLRepositoryInterface, baseURL string, shortCodeLen int, shortCodeRetries int, opts ...Option) *URLService {
	s := &URLService{
		repo:            repo,
		generator:       NewShortCodeGenerator(shortCodeLen, shortCodeRetries, repo),
		publisher:       events.NoopPublisher{},
		logger:          slog.Default(),
		metrics:         newServiceMetrics(),
		clock:           time.Now,
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		defaultValidity: DefaultValidityMinutes,
		maxValidity:     MaxValidityMinutes,
		publishTimeout:  DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.generator.metrics = s.metrics
	return s
}

// CreateShortURL validates the request, picks the custom or a generated
// code and persists the link. The store's unique index decides races
// between the existence check and the insert.
func (s *URLService) CreateShortURL(ctx context.Context, req *model.CreateURLRequest) (*model.CreateURLResponse, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, ErrMissingURL
	}
	originalURL := NormalizeURL(req.URL)
	validity := s.validityMinutes(req.Validity)

	var (
		shortCode string
		isCustom  bool
		err       error
	)
	if custom := customCode(req); custom != "" {
		if err := ValidateCustomCode(custom); err != nil {
			return nil, err
		}
		exists, err := s.repo.Exists(ctx, custom)
		if err != nil {
			return nil, fmt.Errorf("check custom shortcode: %w", err)
		}
		if exists {
			return nil, ErrCodeExists
		}
		shortCode, isCustom = custom, true
	} else {
		shortCode, err = s.generator.Generate(ctx)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	link := &model.ShortLink{
		ID:              uuid.New(),
		ShortCode:       shortCode,
		OriginalURL:     originalURL,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(validity) * time.Minute),
		ValidityMinutes: validity,
		IsActive:        true,
		IsCustom:        isCustom,
	}
	if err := s.repo.Create(ctx, link); err != nil {
		if errors.Is(err, repository.ErrCodeConflict) {
			return nil, ErrDuplicateCode
		}
		return nil, fmt.Errorf("create short link: %w", err)
	}

	s.metrics.linksCreated.Add(ctx, 1, metric.WithAttributes(attribute.Bool("custom", isCustom)))
	s.logger.InfoContext(ctx, "URL shortened successfully",
		slog.String("shortcode", shortCode),
		slog.Bool("is_custom", isCustom),
		slog.Int("validity_minutes", validity))

	return &model.CreateURLResponse{
		Shortcode:       shortCode,
		ShortURL:        s.shortURL(shortCode),
		OriginalURL:     originalURL,
		ExpiresAt:       link.ExpiresAt,
		IsCustom:        isCustom,
		ValidityMinutes: validity,
	}, nil
}

// GetStats returns link metadata and the full click history. Expired
// links still report, with IsActive false.
func (s *URLService) GetStats(ctx context.Context, code string) (*model.StatsResponse, error) {
	link, err := s.getLink(ctx, code)
	if err != nil {
		return nil, err
	}

	clicks, err := s.repo.ListClicks(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("list clicks: %w", err)
	}

	return &model.StatsResponse{
		OriginalURL:     link.OriginalURL,
		ShortCode:       link.ShortCode,
		ShortURL:        s.shortURL(link.ShortCode),
		CreatedAt:       link.CreatedAt,
		ExpiresAt:       link.ExpiresAt,
		ValidityMinutes: link.ValidityMinutes,
		IsActive:        link.IsActive && !link.Expired(s.now()),
		IsCustom:        link.IsCustom,
		ClickCount:      len(clicks),
		Clicks:          clicks,
	}, nil
}

// Redirect resolves code to its original URL and records the click.
func (s *URLService) Redirect(ctx context.Context, code string, visitor model.Visitor) (string, error) {
	link, err := s.getLink(ctx, code)
	if err != nil {
		return "", err
	}

	now := s.now()
	if link.Expired(now) {
		s.metrics.expiredHits.Add(ctx, 1)
		s.logger.InfoContext(ctx, "expired URL accessed", slog.String("shortcode", code))
		return "", ErrURLExpired
	}

	click := model.Click{
		Timestamp: now,
		Referrer:  visitor.Referrer,
		IP:        visitor.IP,
	}
	if click.Referrer == "" {
		click.Referrer = directReferrer
	}
	if err := s.repo.AppendClick(ctx, code, click); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrURLNotFound
		}
		return "", fmt.Errorf("record click: %w", err)
	}
	s.metrics.redirects.Add(ctx, 1)

	event := events.ClickEvent{
		ShortCode: code,
		Timestamp: click.Timestamp,
		Referrer:  click.Referrer,
		IP:        click.IP,
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	if err := s.publisher.PublishClick(pubCtx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish click event",
			slog.String("shortcode", code),
			slog.String("error", err.Error()))
	}

	return link.OriginalURL, nil
}

// getLink fetches a link and translates repository errors
func (s *URLService) getLink(ctx context.Context, code string) (*model.ShortLink, error) {
	link, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrURLNotFound
		}
		return nil, fmt.Errorf("get short link: %w", err)
	}
	return link, nil
}

func (s *URLService) validityMinutes(requested *int) int {
	if requested == nil || *requested <= 0 {
		return s.defaultValidity
	}
	return min(*requested, s.maxValidity)
}

func (s *URLService) shortURL(code string) string {
	return s.baseURL + "/" + code
}

// now is truncated to milliseconds, the coarsest precision any store keeps.
func (s *URLService) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

func customCode(req *model.CreateURLRequest) string {
	if req.Shortcode == nil {
		return ""
	}
	return strings.TrimSpace(*req.Shortcode)
}

// Ensure URLService implements URLServiceInterface at compile time
var _ URLServiceInterface = (*URLService)(nil)
