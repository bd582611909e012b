package metadata

import "time"

type SourceType string

const (
	SourceRSS    SourceType = "rss"
	SourceWeb    SourceType = "web"
	SourceUpload SourceType = "upload"
	SourceManual SourceType = "manual"
)

type IndexedState string

const (
	StatePending  IndexedState = "pending"
	StateIndexed  IndexedState = "indexed"
	StateFailed   IndexedState = "failed"
	StateEvicting IndexedState = "evicting"
)

type SourceKind string

const (
	KindRSS SourceKind = "rss"
	KindWeb SourceKind = "web"
)

type User struct {
	ID          string
	Login       string
	DisplayName string
	CreatedAt   time.Time
}

type Document struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	Title        string       `json:"title"`
	Content      string       `json:"content"`
	Summary      string       `json:"summary,omitempty"`
	SourceURL    *string      `json:"source_url,omitempty"`
	SourceType   SourceType   `json:"source_type"`
	PublishedAt  *time.Time   `json:"published_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ContentHash  string       `json:"content_hash"`
	IndexedState IndexedState `json:"indexed_state"`
	Tags         []string     `json:"tags,omitempty"`
}

type Source struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Name            string     `json:"name"`
	URL             string     `json:"url"`
	Kind            SourceKind `json:"kind"`
	CadenceSeconds  int        `json:"cadence_seconds"`
	Active          bool       `json:"active"`
	LastFetchedAt   *time.Time `json:"last_fetched_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	ConsecutiveErrs int        `json:"consecutive_errs"`
	AutoTags        []string   `json:"auto_tags,omitempty"`
}

type SearchRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Query       string    `json:"query"`
	ResultCount int       `json:"result_count"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// DocumentFilter is the §4.1 filter set for ListDocuments.
type DocumentFilter struct {
	SourceType *SourceType
	DateFrom   *time.Time
	DateTo     *time.Time
	TagsAny    []string
	TextLike   string
}

type Page struct {
	Limit  int
	Offset int
}

type TagCount struct {
	Name       string  `json:"name"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type TrendingQuery struct {
	Query        string  `json:"query"`
	Count        int     `json:"count"`
	AvgElapsedMS float64 `json:"avg_elapsed_ms"`
}
