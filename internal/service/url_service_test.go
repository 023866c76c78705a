package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/shorturl/internal/events"
	"github.com/zhejian/shorturl/internal/infra"
	"github.com/zhejian/shorturl/internal/model"
	"github.com/zhejian/shorturl/internal/repository"
)

const testBaseURL = "http://localhost:3001"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.ClickEvent
	err    error
}

func (p *recordingPublisher) PublishClick(_ context.Context, e events.ClickEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

// stalledPublisher blocks until its context ends, like a broker that stops acking.
type stalledPublisher struct{}

func (stalledPublisher) PublishClick(ctx context.Context, _ events.ClickEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

func newSQLiteStore(t *testing.T) *repository.SQLiteURLRepository {
	t.Helper()
	ctx := context.Background()
	db, err := infra.NewSQLiteDB(ctx, "sqlite://:memory:")
	require.NoError(t, err)

	store, err := repository.NewSQLiteURLRepository(ctx, db, "sqlite")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func newTestService(t *testing.T, opts ...Option) (*URLService, *repository.SQLiteURLRepository, *fakeClock) {
	t.Helper()
	store := newSQLiteStore(t)
	clock := &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	base := []Option{
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return NewURLService(store, testBaseURL, 6, 10, append(base, opts...)...), store, clock
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestURLService_CreateShortURL(t *testing.T) {
	ctx := context.Background()

	t.Run("creates short URL with generated code", func(t *testing.T) {
		svc, _, clock := newTestService(t)

		resp, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://openai.com", Validity: intPtr(60)})
		require.NoError(t, err)

		assert.Regexp(t, generatedCodePattern, resp.Shortcode)
		assert.Equal(t, testBaseURL+"/"+resp.Shortcode, resp.ShortURL)
		assert.Equal(t, "https://openai.com", resp.OriginalURL)
		assert.False(t, resp.IsCustom)
		assert.Equal(t, 60, resp.ValidityMinutes)
		assert.Equal(t, clock.Now().Add(60*time.Minute), resp.ExpiresAt)
	})

	t.Run("prepends scheme", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		resp, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "example.com"})
		require.NoError(t, err)
		assert.Equal(t, "http://example.com", resp.OriginalURL)
	})

	t.Run("missing URL", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		for _, raw := range []string{"", "   ", "\t\n"} {
			_, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: raw, Shortcode: strPtr("api")})
			assert.ErrorIs(t, err, ErrMissingURL, "url %q", raw)
		}
	})

	t.Run("validity defaults and clamps", func(t *testing.T) {
		tests := []struct {
			name     string
			validity *int
			expected int
		}{
			{"absent", nil, 30},
			{"zero", intPtr(0), 30},
			{"negative", intPtr(-5), 30},
			{"one minute", intPtr(1), 1},
			{"at cap", intPtr(525600), 525600},
			{"over cap", intPtr(10000000), 525600},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				svc, _, clock := newTestService(t)

				resp, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com", Validity: tt.validity})
				require.NoError(t, err)
				assert.Equal(t, tt.expected, resp.ValidityMinutes)
				assert.Equal(t, clock.Now().Add(time.Duration(tt.expected)*time.Minute), resp.ExpiresAt)
			})
		}
	})

	t.Run("loosely typed validity from a request body", func(t *testing.T) {
		tests := []struct {
			name     string
			validity string
			expected int
		}{
			{"fraction", `60.5`, 30},
			{"exponent", `1e10`, 525600},
			{"beyond int range", `99999999999999999999`, 525600},
			{"numeric string", `"60"`, 30},
			{"whole float", `45.0`, 45},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				svc, _, _ := newTestService(t)

				var req model.CreateURLRequest
				require.NoError(t, json.Unmarshal([]byte(`{"url": "https://example.com", "validity": `+tt.validity+`}`), &req))

				resp, err := svc.CreateShortURL(ctx, &req)
				require.NoError(t, err)
				assert.Equal(t, tt.expected, resp.ValidityMinutes)
			})
		}
	})

	t.Run("non-positive generator settings fall back to defaults", func(t *testing.T) {
		svc := NewURLService(newSQLiteStore(t), testBaseURL, 0, 0,
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

		resp, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com"})
		require.NoError(t, err)
		assert.Len(t, resp.Shortcode, DefaultCodeLength)
	})

	t.Run("creates with custom code", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		resp, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com/custom", Shortcode: strPtr("  MyLink1 ")})
		require.NoError(t, err)
		assert.Equal(t, "MyLink1", resp.Shortcode)
		assert.True(t, resp.IsCustom)
		assert.Equal(t, testBaseURL+"/MyLink1", resp.ShortURL)
	})

	t.Run("blank custom code falls back to generator", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		resp, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com", Shortcode: strPtr("   ")})
		require.NoError(t, err)
		assert.Regexp(t, generatedCodePattern, resp.Shortcode)
		assert.False(t, resp.IsCustom)
	})

	t.Run("rejects invalid custom code", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		for _, code := range []string{"ab", "has-dash", "abcdefghijklmnopqrstu"} {
			_, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com", Shortcode: strPtr(code)})
			assert.ErrorIs(t, err, ErrInvalidCustomCode, "code %q", code)
		}
	})

	t.Run("rejects reserved code in any case", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		for _, code := range []string{"api", "API", "Api", "admin", "WWW", "help", "About"} {
			_, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com", Shortcode: strPtr(code)})
			assert.ErrorIs(t, err, ErrReservedCode, "code %q", code)
		}
	})

	t.Run("rejects existing custom code", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		req := &model.CreateURLRequest{URL: "https://example.com/first", Shortcode: strPtr("taken")}
		_, err := svc.CreateShortURL(ctx, req)
		require.NoError(t, err)

		_, err = svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com/second", Shortcode: strPtr("taken")})
		assert.ErrorIs(t, err, ErrCodeExists)
	})

	t.Run("custom codes are case sensitive", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		_, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com/a", Shortcode: strPtr("promo")})
		require.NoError(t, err)
		_, err = svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com/b", Shortcode: strPtr("PROMO")})
		assert.NoError(t, err)
	})

	t.Run("expired custom code stays reserved", func(t *testing.T) {
		svc, _, clock := newTestService(t)

		_, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com", Shortcode: strPtr("lapsed"), Validity: intPtr(1)})
		require.NoError(t, err)
		clock.Advance(time.Hour)

		_, err = svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com/new", Shortcode: strPtr("lapsed")})
		assert.ErrorIs(t, err, ErrCodeExists)
	})
}

func TestURLService_GetStats(t *testing.T) {
	ctx := context.Background()

	t.Run("round trips create", func(t *testing.T) {
		svc, _, clock := newTestService(t)

		created, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "example.com/page", Shortcode: strPtr("stats1"), Validity: intPtr(45)})
		require.NoError(t, err)

		stats, err := svc.GetStats(ctx, "stats1")
		require.NoError(t, err)

		assert.Equal(t, created.OriginalURL, stats.OriginalURL)
		assert.Equal(t, created.Shortcode, stats.ShortCode)
		assert.Equal(t, created.IsCustom, stats.IsCustom)
		assert.Equal(t, created.ShortURL, stats.ShortURL)
		assert.Equal(t, clock.Now(), stats.CreatedAt)
		assert.Equal(t, stats.CreatedAt.Add(45*time.Minute), stats.ExpiresAt)
		assert.Equal(t, 45, stats.ValidityMinutes)
		assert.True(t, stats.IsActive)
		assert.Equal(t, 0, stats.ClickCount)
		assert.NotNil(t, stats.Clicks)
		assert.Empty(t, stats.Clicks)
	})

	t.Run("round trips generated code", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		created, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com"})
		require.NoError(t, err)

		stats, err := svc.GetStats(ctx, created.Shortcode)
		require.NoError(t, err)
		assert.Equal(t, created.OriginalURL, stats.OriginalURL)
		assert.False(t, stats.IsCustom)
	})

	t.Run("expired link reports inactive", func(t *testing.T) {
		svc, _, clock := newTestService(t)

		_, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com", Shortcode: strPtr("old1"), Validity: intPtr(5)})
		require.NoError(t, err)

		clock.Advance(5 * time.Minute)
		stats, err := svc.GetStats(ctx, "old1")
		require.NoError(t, err)
		assert.True(t, stats.IsActive, "still active exactly at the deadline")

		clock.Advance(time.Millisecond)
		stats, err = svc.GetStats(ctx, "old1")
		require.NoError(t, err)
		assert.False(t, stats.IsActive)
	})

	t.Run("unknown code", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		_, err := svc.GetStats(ctx, "nope42")
		assert.ErrorIs(t, err, ErrURLNotFound)
	})
}

func TestURLService_Redirect(t *testing.T) {
	ctx := context.Background()

	t.Run("redirects and records click", func(t *testing.T) {
		publisher := &recordingPublisher{}
		svc, _, clock := newTestService(t, WithPublisher(publisher))

		_, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://openai.com", Shortcode: strPtr("go1")})
		require.NoError(t, err)

		target, err := svc.Redirect(ctx, "go1", model.Visitor{Referrer: "https://news.example", IP: "203.0.113.7"})
		require.NoError(t, err)
		assert.Equal(t, "https://openai.com", target)

		stats, err := svc.GetStats(ctx, "go1")
		require.NoError(t, err)
		require.Equal(t, 1, stats.ClickCount)
		assert.Equal(t, model.Click{Timestamp: clock.Now(), Referrer: "https://news.example", IP: "203.0.113.7"}, stats.Clicks[0])

		require.Len(t, publisher.events, 1)
		assert.Equal(t, "go1", publisher.events[0].ShortCode)
		assert.Equal(t, "203.0.113.7", publisher.events[0].IP)
	})

	t.Run("missing referrer is direct", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		_, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com", Shortcode: strPtr("direct1")})
		require.NoError(t, err)

		_, err = svc.Redirect(ctx, "direct1", model.Visitor{IP: "198.51.100.1"})
		require.NoError(t, err)

		stats, err := svc.GetStats(ctx, "direct1")
		require.NoError(t, err)
		assert.Equal(t, "direct", stats.Clicks[0].Referrer)
	})

	t.Run("each redirect adds exactly one click", func(t *testing.T) {
		svc, _, clock := newTestService(t)

		_, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com", Shortcode: strPtr("count1")})
		require.NoError(t, err)

		for i := 1; i <= 5; i++ {
			clock.Advance(time.Second)
			_, err := svc.Redirect(ctx, "count1", model.Visitor{IP: "127.0.0.1"})
			require.NoError(t, err)

			stats, err := svc.GetStats(ctx, "count1")
			require.NoError(t, err)
			assert.Equal(t, i, stats.ClickCount)
		}

		stats, err := svc.GetStats(ctx, "count1")
		require.NoError(t, err)
		for i := 1; i < len(stats.Clicks); i++ {
			assert.True(t, stats.Clicks[i].Timestamp.After(stats.Clicks[i-1].Timestamp), "clicks keep insertion order")
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		_, err := svc.Redirect(ctx, "nonexistent", model.Visitor{})
		assert.ErrorIs(t, err, ErrURLNotFound)
	})

	t.Run("expired code is not the same as unknown", func(t *testing.T) {
		publisher := &recordingPublisher{}
		svc, _, clock := newTestService(t, WithPublisher(publisher))

		created, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://openai.com", Validity: intPtr(60)})
		require.NoError(t, err)

		clock.Advance(59 * time.Minute)
		target, err := svc.Redirect(ctx, created.Shortcode, model.Visitor{})
		require.NoError(t, err)
		assert.Equal(t, "https://openai.com", target)

		clock.Advance(2 * time.Minute)
		_, err = svc.Redirect(ctx, created.Shortcode, model.Visitor{})
		assert.ErrorIs(t, err, ErrURLExpired)
		assert.NotErrorIs(t, err, ErrURLNotFound)

		stats, err := svc.GetStats(ctx, created.Shortcode)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.ClickCount, "expired hits are not recorded")
		assert.Len(t, publisher.events, 1)
	})

	t.Run("publisher failure does not fail redirect", func(t *testing.T) {
		publisher := &recordingPublisher{err: assert.AnError}
		svc, _, _ := newTestService(t, WithPublisher(publisher))

		_, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com", Shortcode: strPtr("pubfail")})
		require.NoError(t, err)

		target, err := svc.Redirect(ctx, "pubfail", model.Visitor{})
		require.NoError(t, err)
		assert.Equal(t, "https://example.com", target)
	})

	t.Run("stalled publisher is bounded", func(t *testing.T) {
		svc, _, _ := newTestService(t,
			WithPublisher(stalledPublisher{}),
			WithPublishTimeout(50*time.Millisecond))

		_, err := svc.CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com", Shortcode: strPtr("stalled")})
		require.NoError(t, err)

		start := time.Now()
		target, err := svc.Redirect(ctx, "stalled", model.Visitor{})
		require.NoError(t, err)
		assert.Equal(t, "https://example.com", target)
		assert.Less(t, time.Since(start), 2*time.Second)

		stats, err := svc.GetStats(ctx, "stalled")
		require.NoError(t, err)
		assert.Equal(t, 1, stats.ClickCount)
	})
}

// MockURLRepository drives the paths a real store only hits under races or outages.
type MockURLRepository struct {
	mock.Mock
}

func (m *MockURLRepository) Create(ctx context.Context, link *model.ShortLink) error {
	return m.Called(ctx, link).Error(0)
}

func (m *MockURLRepository) GetByCode(ctx context.Context, code string) (*model.ShortLink, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ShortLink), args.Error(1)
}

func (m *MockURLRepository) Exists(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}

func (m *MockURLRepository) AppendClick(ctx context.Context, code string, click model.Click) error {
	return m.Called(ctx, code, click).Error(0)
}

func (m *MockURLRepository) ListClicks(ctx context.Context, code string) ([]model.Click, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Click), args.Error(1)
}

func newMockedService(repo *MockURLRepository) *URLService {
	return NewURLService(repo, testBaseURL, 6, 10, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestURLService_StoreFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("insert race on custom code surfaces duplicate", func(t *testing.T) {
		repo := new(MockURLRepository)
		repo.On("Exists", mock.Anything, "racy1").Return(false, nil)
		repo.On("Create", mock.Anything, mock.Anything).Return(repository.ErrCodeConflict)

		_, err := newMockedService(repo).CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com", Shortcode: strPtr("racy1")})
		assert.ErrorIs(t, err, ErrDuplicateCode)
		repo.AssertExpectations(t)
	})

	t.Run("insert race on generated code surfaces duplicate", func(t *testing.T) {
		repo := new(MockURLRepository)
		repo.On("Exists", mock.Anything, mock.Anything).Return(false, nil)
		repo.On("Create", mock.Anything, mock.Anything).Return(repository.ErrCodeConflict)

		_, err := newMockedService(repo).CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com"})
		assert.ErrorIs(t, err, ErrDuplicateCode)
	})

	t.Run("generator exhaustion", func(t *testing.T) {
		repo := new(MockURLRepository)
		repo.On("Exists", mock.Anything, mock.Anything).Return(true, nil)

		_, err := newMockedService(repo).CreateShortURL(ctx, &model.CreateURLRequest{URL: "https://example.com"})
		assert.ErrorIs(t, err, ErrGenerationExhausted)
		repo.AssertNumberOfCalls(t, "Exists", 10)
		repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("lookup failure is wrapped", func(t *testing.T) {
		repo := new(MockURLRepository)
		repo.On("GetByCode", mock.Anything, "abc123").Return(nil, assert.AnError)

		_, err := newMockedService(repo).Redirect(ctx, "abc123", model.Visitor{})
		assert.ErrorIs(t, err, assert.AnError)
		assert.NotErrorIs(t, err, ErrURLNotFound)
	})

	t.Run("click append failure fails redirect", func(t *testing.T) {
		repo := new(MockURLRepository)
		repo.On("GetByCode", mock.Anything, "abc123").Return(&model.ShortLink{
			ShortCode:   "abc123",
			OriginalURL: "https://example.com",
			ExpiresAt:   time.Now().Add(time.Hour),
			IsActive:    true,
		}, nil)
		repo.On("AppendClick", mock.Anything, "abc123", mock.Anything).Return(assert.AnError)

		_, err := newMockedService(repo).Redirect(ctx, "abc123", model.Visitor{})
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("stats click listing failure", func(t *testing.T) {
		repo := new(MockURLRepository)
		repo.On("GetByCode", mock.Anything, "abc123").Return(&model.ShortLink{ShortCode: "abc123", ExpiresAt: time.Now().Add(time.Hour)}, nil)
		repo.On("ListClicks", mock.Anything, "abc123").Return(nil, assert.AnError)

		_, err := newMockedService(repo).GetStats(ctx, "abc123")
		assert.ErrorIs(t, err, assert.AnError)
	})
}
