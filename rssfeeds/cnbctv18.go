package rssfeeds

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"marketwire/types"
)

const (
	cnbcTv18Kind    = "cnbctv18"
	cnbcTv18Base    = "https://www.cnbctv18.com/"
	cnbcTv18Referer = "https://www.cnbctv18.com/market/"
)

// NewCnbcTv18Adapter returns the adapter for the CNBC TV18 category API.
func NewCnbcTv18Adapter(client *http.Client, userAgent string) *Adapter {
	return &Adapter{
		Kind: cnbcTv18Kind,
		Fetcher: &HTTPFetcher{
			Client:    client,
			UserAgent: userAgent,
			Referer:   cnbcTv18Referer,
		},
		Extractor: CnbcTv18Extractor{},
	}
}

type cnbcTv18Item struct {
	Headline     string      `json:"headline"`
	CreationDate json.Number `json:"creation_date"`
	PostURL      string      `json:"posturl"`
	TagsSlug     any         `json:"tags_slug"`
	Categories   any         `json:"categories"`
}

// CnbcTv18Extractor maps the {"result": [...]} JSON listing.
type CnbcTv18Extractor struct{}

func (CnbcTv18Extractor) Entries(body []byte) ([]Entry, error) {
	var payload struct {
		Result []json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode listing: %w", err)
	}
	entries := make([]Entry, len(payload.Result))
	for i, raw := range payload.Result {
		entries[i] = raw
	}
	return entries, nil
}

func (CnbcTv18Extractor) Build(entry Entry, _ *types.Source) (*types.ArticleCandidate, error) {
	raw, ok := entry.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected entry type %T", entry)
	}
	var item cnbcTv18Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to decode item: %w", err)
	}

	c := &types.ArticleCandidate{
		Title:      strings.TrimSpace(item.Headline),
		PubDateRaw: item.CreationDate.String(),
	}
	if item.PostURL != "" {
		c.Link = cnbcTv18Base + strings.TrimPrefix(item.PostURL, "/")
	}
	// creation_date is yyyyMMddHHmmss, optionally followed by more digits
	if d := item.CreationDate.String(); len(d) >= 14 {
		c.PubDate = parseDate(d[:14], ist, "20060102150405")
	}
	c.Topics = append(stringsOf(item.TagsSlug), stringsOf(item.Categories)...)
	return c, nil
}
