package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketwire/types"
)

// ErrNotFound is returned when a source, article or tag does not exist.
var ErrNotFound = errors.New("not found")

// PersistenceConflict is returned by CreateArticle when the uniqueness key
// for the article is already taken within the retention window.
type PersistenceConflict struct {
	Key string
}

func (e *PersistenceConflict) Error() string {
	return fmt.Sprintf("article already exists for key %s", e.Key)
}

// MatchQuery looks for an existing article from the same domain.
type MatchQuery struct {
	CleanTitle string
	Link       string
	Domain     string
	Since      time.Time
	ByTitle    bool
	ByLink     bool
}

// Repository is the storage contract used by the pipeline.
type Repository interface {
	// FindDueSources returns enabled, unarchived sources last retrieved
	// before now-minSpacing whose expiry passed or whose last retrieval is
	// older than maxStaleness. Expired sources come first, soonest expiry
	// first.
	FindDueSources(ctx context.Context, now time.Time, minSpacing, maxStaleness time.Duration, limit int) ([]*types.Source, error)
	GetSource(ctx context.Context, id string) (*types.Source, error)
	// UpdateSource applies upd atomically and returns the updated source.
	UpdateSource(ctx context.Context, id string, upd types.SourceUpdate) (*types.Source, error)
	// ClaimSource atomically re-checks IsDue and sets LastRetrieved to now.
	// Of several concurrent claims for one source at most one returns true.
	ClaimSource(ctx context.Context, id string, now time.Time, minSpacing, maxStaleness time.Duration) (bool, error)
	SaveSource(ctx context.Context, src *types.Source) error

	// FindArticleMatch returns nil when nothing matches.
	FindArticleMatch(ctx context.Context, q MatchQuery) (*types.Article, error)
	// CreateArticle assigns ID, ClusterID and CreatedAt. It returns a
	// *PersistenceConflict when an identical article was stored within
	// window.
	CreateArticle(ctx context.Context, a *types.Article, window time.Duration) (*types.Article, error)
	GetArticle(ctx context.Context, id string) (*types.Article, error)
	UpdateArticle(ctx context.Context, a *types.Article) error

	ListAutoSearchTagIDs(ctx context.Context) ([]string, error)
	GetTags(ctx context.Context, ids []string) ([]*types.Tag, error)
	// AddArticleTags appends the names not already on the article and
	// returns them.
	AddArticleTags(ctx context.Context, articleID string, names []string) ([]string, error)
}

// IsDue reports whether src should be crawled at now.
func IsDue(src *types.Source, now time.Time, minSpacing, maxStaleness time.Duration) bool {
	if src.Disabled || src.Archived {
		return false
	}
	if !src.LastRetrieved.IsZero() && src.LastRetrieved.After(now.Add(-minSpacing)) {
		return false
	}
	if src.Expires.IsZero() || !src.Expires.After(now) {
		return true
	}
	return src.LastRetrieved.IsZero() || src.LastRetrieved.Before(now.Add(-maxStaleness))
}
