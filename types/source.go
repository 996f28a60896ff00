package types

import "time"

// MaxSnapshotEntries bounds the per-source snapshot cache.
const MaxSnapshotEntries = 500

// MaxFetchCounts bounds the per-source fetch count history.
const MaxFetchCounts = 100

// SnapshotEntry is one {title, link} pair seen in the most recent parse.
type SnapshotEntry struct {
	Title string `json:"title"`
	Link  string `json:"link"`
}

// FetchCount records how many articles a cycle created.
type FetchCount struct {
	Date time.Time `json:"date"`
	Num  int       `json:"num"`
}

// Source is a configured feed/crawl target.
type Source struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Link             string          `json:"link"`
	SiteLink         string          `json:"site_link,omitempty"`
	Domain           string          `json:"domain,omitempty"`
	AdapterKind      string          `json:"adapter_kind"`
	CrawlIntervalSec int             `json:"crawl_interval_sec"`
	ETag             string          `json:"etag,omitempty"`
	LastModified     *time.Time      `json:"last_modified,omitempty"`
	ErrorCount       int             `json:"error_count"`
	LastError        string          `json:"last_error,omitempty"`
	LastParserError  string          `json:"last_parser_error,omitempty"`
	Disabled         bool            `json:"disabled"`
	Archived         bool            `json:"archived"`
	LastRetrieved    time.Time       `json:"last_retrieved"`
	Expires          time.Time       `json:"expires"`
	Snapshot         []SnapshotEntry `json:"snapshot,omitempty"`
	ExclusionRules   []string        `json:"exclusion_rules,omitempty"`
	Topics           []string        `json:"topics,omitempty"`
	SkipAfterDays    int             `json:"skip_after_days,omitempty"`
	DeadAfterDays    int             `json:"dead_after_days,omitempty"`
	FetchFullText    bool            `json:"fetch_full_text,omitempty"`
	FetchCounts      []FetchCount    `json:"fetch_counts,omitempty"`
}

// SourceUpdate is the set of fields a single cycle writes back. Nil fields
// are left untouched.
type SourceUpdate struct {
	ETag            *string
	LastModified    *time.Time
	ErrorCount      *int
	LastError       *string
	LastParserError *string
	Disabled        *bool
	LastRetrieved   *time.Time
	Expires         *time.Time
	Snapshot        []SnapshotEntry
	ReplaceSnapshot bool
	AddFetchCount   *FetchCount
}

// Apply writes the update onto src.
func (u SourceUpdate) Apply(src *Source) {
	if u.ETag != nil {
		src.ETag = *u.ETag
	}
	if u.LastModified != nil {
		t := *u.LastModified
		src.LastModified = &t
	}
	if u.ErrorCount != nil {
		src.ErrorCount = *u.ErrorCount
	}
	if u.LastError != nil {
		src.LastError = *u.LastError
	}
	if u.LastParserError != nil {
		src.LastParserError = *u.LastParserError
	}
	if u.Disabled != nil {
		src.Disabled = *u.Disabled
	}
	if u.LastRetrieved != nil {
		src.LastRetrieved = *u.LastRetrieved
	}
	if u.Expires != nil {
		src.Expires = *u.Expires
	}
	if u.ReplaceSnapshot {
		snap := u.Snapshot
		if len(snap) > MaxSnapshotEntries {
			snap = snap[:MaxSnapshotEntries]
		}
		src.Snapshot = append([]SnapshotEntry(nil), snap...)
	}
	if u.AddFetchCount != nil {
		src.FetchCounts = append(src.FetchCounts, *u.AddFetchCount)
		if len(src.FetchCounts) > MaxFetchCounts {
			src.FetchCounts = src.FetchCounts[len(src.FetchCounts)-MaxFetchCounts:]
		}
	}
}

// Tag is a searchable label that can be attached to articles.
type Tag struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Aliases    []string `json:"aliases,omitempty"`
	AutoSearch bool     `json:"auto_search"`
	Approved   bool     `json:"approved"`
	Disabled   bool     `json:"disabled"`
}
