package rssfeeds

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"marketwire/types"

	"github.com/mmcdole/gofeed"
)

// NewClassicAdapter returns the generic RSS/Atom/JSON feed adapter.
func NewClassicAdapter(client *http.Client, userAgent string) *Adapter {
	return &Adapter{
		Kind:      DefaultKind,
		Fetcher:   &HTTPFetcher{Client: client, UserAgent: userAgent},
		Extractor: FeedExtractor{},
	}
}

// FeedExtractor maps syndication feed items with gofeed.
type FeedExtractor struct{}

func (FeedExtractor) Entries(body []byte) ([]Entry, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	entries := make([]Entry, len(feed.Items))
	for i, item := range feed.Items {
		entries[i] = item
	}
	return entries, nil
}

func (FeedExtractor) Build(entry Entry, src *types.Source) (*types.ArticleCandidate, error) {
	item, ok := entry.(*gofeed.Item)
	if !ok || item == nil {
		return nil, fmt.Errorf("unexpected entry type %T", entry)
	}

	c := &types.ArticleCandidate{
		Title:     strings.TrimSpace(item.Title),
		Link:      strings.TrimSpace(item.Link),
		ShortText: plainText(item.Description),
		FullText:  plainText(item.Content),
		Topics:    append([]string(nil), src.Topics...),
	}
	if c.ShortText == "" {
		c.ShortText = c.FullText
	}

	// Parse published date
	switch {
	case item.PublishedParsed != nil:
		t := *item.PublishedParsed
		c.PubDate = &t
		c.PubDateRaw = item.Published
	case item.UpdatedParsed != nil:
		t := *item.UpdatedParsed
		c.PubDate = &t
		c.PubDateRaw = item.Updated
	default:
		c.PubDateRaw = item.Published
	}

	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" {
			c.AttachmentLink = enc.URL
			break
		}
	}
	return c, nil
}
