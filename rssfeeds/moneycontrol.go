package rssfeeds

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"marketwire/types"

	"github.com/PuerkitoBio/goquery"
)

const (
	moneycontrolKind    = "moneycontrol"
	moneycontrolReferer = "https://www.moneycontrol.com/news/business/"
)

// NewMoneycontrolAdapter returns the adapter for Moneycontrol listing pages.
func NewMoneycontrolAdapter(client *http.Client, userAgent string) *Adapter {
	return &Adapter{
		Kind: moneycontrolKind,
		Fetcher: &HTTPFetcher{
			Client:    client,
			UserAgent: userAgent,
			Referer:   moneycontrolReferer,
		},
		Extractor: MoneycontrolExtractor{},
	}
}

type moneycontrolItem struct {
	Title      string
	Desc       string
	Link       string
	PubDateRaw string
}

// MoneycontrolExtractor scrapes the news listing with CSS selectors.
type MoneycontrolExtractor struct{}

func (MoneycontrolExtractor) Entries(body []byte) ([]Entry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	var entries []Entry
	doc.Find("#cagetory li").Each(func(_ int, li *goquery.Selection) {
		anchor := li.ChildrenFiltered("h2").ChildrenFiltered("a").First()
		item := moneycontrolItem{
			Title:      anchor.Text(),
			Desc:       li.ChildrenFiltered("p").First().Text(),
			Link:       anchor.AttrOr("href", ""),
			PubDateRaw: li.Find("span").First().Text(),
		}
		if item.Title != "" && item.Link != "" {
			entries = append(entries, item)
		}
	})
	return entries, nil
}

func (MoneycontrolExtractor) Build(entry Entry, src *types.Source) (*types.ArticleCandidate, error) {
	item, ok := entry.(moneycontrolItem)
	if !ok {
		return nil, fmt.Errorf("unexpected entry type %T", entry)
	}

	// November 28, 2021 02:09 PM IST
	raw := strings.TrimSpace(item.PubDateRaw)
	return &types.ArticleCandidate{
		Title:      strings.TrimSpace(item.Title),
		ShortText:  collapseSpace(item.Desc),
		Link:       strings.TrimSpace(item.Link),
		PubDateRaw: raw,
		PubDate:    parseDate(raw, ist, "January 2, 2006 03:04 PM", "January 02, 2006 03:04 PM"),
		Topics:     append([]string(nil), src.Topics...),
	}, nil
}
