package storage

import "time"

// KeywordStatus tracks the outcome of the latest refresh of a keyword.
type KeywordStatus string

const (
	KeywordPending KeywordStatus = "PENDING"
	KeywordActive  KeywordStatus = "ACTIVE"
	KeywordError   KeywordStatus = "ERROR"
)

// Keyword is a tracked search phrase. Slug is the stable identity used for
// locks, persistence and routes.
type Keyword struct {
	Slug            string        `json:"slug"`
	Phrase          string        `json:"phrase"`
	Marketplace     string        `json:"marketplace"`
	Status          KeywordStatus `json:"status"`
	Enabled         bool          `json:"enabled"`
	LastError       string        `json:"lastError,omitempty"`
	LastRefreshedAt *time.Time    `json:"lastRefreshedAt,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}
