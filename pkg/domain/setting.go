package domain

import "time"

// Setting represents a key-value configuration setting
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// well-known setting keys
const (
	SettingClassifierEndpoint = "classifier_endpoint"
)

// Stats holds moderation counters for the lifetime of the service
type Stats struct {
	MessagesAnalyzed  int64 `db:"messages_analyzed" json:"messages_analyzed"`
	IdentitiesBlocked int64 `db:"identities_blocked" json:"identities_blocked"`
	CacheHits         int64 `db:"cache_hits" json:"cache_hits"`
}
