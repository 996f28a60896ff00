package rssfeeds

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"marketwire/types"
)

const (
	nseKind           = "nse"
	nsePageURL        = "https://www.nseindia.com/companies-listing/corporate-filings-announcements"
	nseAPIURL         = "https://www.nseindia.com/api/corporate-announcements?index=equities"
	nseMaxTitleLength = 120
)

// NewNseAdapter returns the adapter for NSE corporate announcements. The API
// only answers with session cookies from the listing page. Announcements are
// deduplicated by title over a short window and skip tag search.
func NewNseAdapter(client *http.Client, userAgent string) *Adapter {
	return &Adapter{
		Kind: nseKind,
		Fetcher: &CookiePrimedFetcher{
			Client:    client,
			UserAgent: userAgent,
			PageURL:   nsePageURL,
			APIURL:    nseAPIURL,
		},
		Extractor: NseExtractor{},
		Persist: PersistOptions{
			UniqueBy:      UniqueByTitle,
			DupCheckDays:  2,
			SkipTagSearch: true,
		},
	}
}

type nseItem struct {
	Symbol       string `json:"symbol"`
	Desc         string `json:"desc"`
	SmIndustry   string `json:"smIndustry"`
	AttchmntText string `json:"attchmntText"`
	AttchmntFile string `json:"attchmntFile"`
	ExchDissTime string `json:"exchdisstime"`
	AnDt         string `json:"an_dt"`
	SortDate     string `json:"sort_date"`
}

// NseExtractor maps the announcements JSON array.
type NseExtractor struct{}

func (NseExtractor) Entries(body []byte) ([]Entry, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("failed to decode announcements: %w", err)
	}
	entries := make([]Entry, len(items))
	for i, raw := range items {
		entries[i] = raw
	}
	return entries, nil
}

func (NseExtractor) Build(entry Entry, _ *types.Source) (*types.ArticleCandidate, error) {
	raw, ok := entry.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected entry type %T", entry)
	}
	var item nseItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to decode announcement: %w", err)
	}

	title := strings.TrimSpace(item.AttchmntText)
	c := &types.ArticleCandidate{
		Title:          title,
		AttachmentLink: strings.TrimSpace(item.AttchmntFile),
	}
	if len([]rune(title)) > nseMaxTitleLength {
		c.DisplayTitle = truncate(title, nseMaxTitleLength)
		c.ShortText = title
	}

	c.PubDateRaw = firstNonBlank(item.ExchDissTime, item.AnDt, item.SortDate)
	// 19-Oct-2026 10:15:32 or 2026-10-19 10:15:32
	c.PubDate = parseDate(c.PubDateRaw, ist, "02-Jan-2006 15:04:05", "2006-01-02 15:04:05")

	for _, topic := range []string{item.Desc, item.SmIndustry} {
		if t := strings.TrimSpace(topic); t != "" {
			c.Topics = append(c.Topics, t)
		}
	}
	if s := strings.TrimSpace(item.Symbol); s != "" {
		c.Tags = []string{s}
	}
	return c, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
