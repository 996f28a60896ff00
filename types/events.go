package types

// Event paths routed through the pubsub router.
const (
	PathFeedCrawl              = "feed.crawl"
	PathArticleSearchTag       = "article.searchTag"
	PathArticleSearchTagSet    = "article.searchTagSet"
	PathArticlePublishArticle  = "article.publishArticle"
	PathUserFeedSendOnTagAdd   = "userFeed.sendToFeedOnTagAdd"
	PathArticleObserverPattern = "article.*"
)

// CrawlRequest asks a worker to run one crawl cycle for a source.
type CrawlRequest struct {
	SourceID string `json:"sourceId" validate:"required"`
}

// ArticleRef identifies a single article.
type ArticleRef struct {
	ArticleID string `json:"articleId" validate:"required"`
}

// SearchTagSet asks for one chunk of tags to be matched against an article.
type SearchTagSet struct {
	ArticleID string   `json:"articleId" validate:"required"`
	TagIDs    []string `json:"tagIds" validate:"required,min=1,dive,required"`
}

// SendToFeedOnTagAdd announces tags newly attached to an article.
type SendToFeedOnTagAdd struct {
	ArticleID string   `json:"articleId" validate:"required"`
	TagNames  []string `json:"tagNames" validate:"required,min=1,dive,required"`
}
