package model

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ShortLink represents a shortened URL entity
type ShortLink struct {
	ID              uuid.UUID `json:"id"`
	ShortCode       string    `json:"shortCode"`
	OriginalURL     string    `json:"originalUrl"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	ValidityMinutes int       `json:"validityMinutes"`
	IsActive        bool      `json:"isActive"`
	IsCustom        bool      `json:"isCustom"`
}

// Expired reports whether the link is past its deadline at now.
func (l *ShortLink) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Click is a single recorded redirect
type Click struct {
	Timestamp time.Time `json:"timestamp"`
	Referrer  string    `json:"referrer"`
	IP        string    `json:"ip"`
}

// Visitor carries request details recorded on redirect
type Visitor struct {
	Referrer string
	IP       string
}

// CreateURLRequest represents the request body for creating a short URL.
// Shortcode and Validity are optional; nil means absent. Validity is also
// nil when the body carries anything but a positive integer there.
type CreateURLRequest struct {
	URL       string  `json:"url"`
	Shortcode *string `json:"shortcode,omitempty"`
	Validity  *int    `json:"validity,omitempty"`
}

// UnmarshalJSON decodes validity leniently: fractions, strings and other
// non-numbers become nil, and integers too large for int saturate to
// math.MaxInt so the service can clamp them.
func (r *CreateURLRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		URL       string          `json:"url"`
		Shortcode *string         `json:"shortcode"`
		Validity  json.RawMessage `json:"validity"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.URL = raw.URL
	r.Shortcode = raw.Shortcode
	r.Validity = parseValidity(raw.Validity)
	return nil
}

func parseValidity(raw json.RawMessage) *int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return nil
	}

	var v int
	if i, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		v = int(i)
	} else {
		f, err := strconv.ParseFloat(string(raw), 64)
		switch {
		case err != nil && !math.IsInf(f, 1):
			return nil
		case f != math.Trunc(f):
			return nil
		case f >= math.MaxInt:
			v = math.MaxInt
		default:
			v = int(f)
		}
	}
	if v <= 0 {
		return nil
	}
	return &v
}

// CreateURLResponse represents the response for a created short URL
type CreateURLResponse struct {
	Shortcode       string    `json:"shortcode"`
	ShortURL        string    `json:"shortUrl"`
	OriginalURL     string    `json:"originalUrl"`
	ExpiresAt       time.Time `json:"expiresAt"`
	IsCustom        bool      `json:"isCustom"`
	ValidityMinutes int       `json:"validityMinutes"`
}

// StatsResponse represents the full URL metadata response
type StatsResponse struct {
	OriginalURL     string    `json:"originalUrl"`
	ShortCode       string    `json:"shortCode"`
	ShortURL        string    `json:"shortUrl"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	ValidityMinutes int       `json:"validityMinutes"`
	IsActive        bool      `json:"isActive"`
	IsCustom        bool      `json:"isCustom"`
	ClickCount      int       `json:"clickCount"`
	Clicks          []Click   `json:"clicks"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
