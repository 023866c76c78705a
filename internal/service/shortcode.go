package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Base62 character set for short code generation
const base62Chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	DefaultCodeLength = 6
	DefaultMaxRetries = 10
)

// Codes that would shadow routes or look official.
var reservedCodes = map[string]struct{}{
	"api":   {},
	"admin": {},
	"www":   {},
	"help":  {},
	"about": {},
}

var validate = validator.New()

// CodeChecker reports whether a short code is already taken.
type CodeChecker interface {
	Exists(ctx context.Context, code string) (bool, error)
}

// ShortCodeGenerator handles generation of unique short codes
type ShortCodeGenerator struct {
	repo       CodeChecker
	codeLength int
	maxRetries int
	random     io.Reader
	metrics    *serviceMetrics
}

// NewShortCodeGenerator creates a new short code generator. Non-positive
// settings fall back to DefaultCodeLength and DefaultMaxRetries.
func NewShortCodeGenerator(codeLength int, maxRetries int, repo CodeChecker) *ShortCodeGenerator {
	if codeLength < 1 {
		codeLength = DefaultCodeLength
	}
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	return &ShortCodeGenerator{
		repo:       repo,
		codeLength: codeLength,
		maxRetries: maxRetries,
		random:     rand.Reader,
		metrics:    newServiceMetrics(),
	}
}

// Generate draws random codes until one is free in the repository.
// Every attempt is a fresh draw. After maxRetries taken codes it gives up
// with ErrGenerationExhausted; a repository error aborts immediately.
func (g *ShortCodeGenerator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		candidate, err := RandomCode(g.random, g.codeLength)
		if err != nil {
			return "", fmt.Errorf("draw short code: %w", err)
		}

		exists, err := g.repo.Exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check short code: %w", err)
		}
		if !exists {
			return candidate, nil
		}
		g.metrics.collisions.Add(ctx, 1)
	}
	return "", ErrGenerationExhausted
}

// RandomCode returns n characters drawn independently and uniformly from
// the base62 alphabet.
func RandomCode(r io.Reader, n int) (string, error) {
	if n < 1 {
		return "", fmt.Errorf("short code length %d: must be at least 1", n)
	}
	buf := make([]byte, n)
	alphabetLength := big.NewInt(int64(len(base62Chars)))

	for i := range buf {
		num, err := rand.Int(r, alphabetLength)
		if err != nil {
			return "", err
		}
		buf[i] = base62Chars[num.Int64()]
	}
	return string(buf), nil
}

// ValidateCustomCode checks a caller-supplied code: 3-20 ASCII letters or
// digits, and not a reserved word in any letter case.
func ValidateCustomCode(code string) error {
	if err := validate.Var(code, "min=3,max=20,alphanum"); err != nil {
		return ErrInvalidCustomCode
	}
	if _, reserved := reservedCodes[strings.ToLower(code)]; reserved {
		return ErrReservedCode
	}
	return nil
}

// NormalizeURL trims raw and prepends http:// when it carries neither an
// http:// nor an https:// prefix.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "http://" + u
	}
	return u
}
