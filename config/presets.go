package config

import "marketwire/types"

// SourcePreset describes a well-known source that can be seeded into an
// empty store.
type SourcePreset struct {
	Name        string
	URL         string
	AdapterKind string
	Interval    int
	Topics      []string
}

// SourcePresets maps friendly keys to source configurations
var SourcePresets = map[string]SourcePreset{
	"cna": {
		Name:        "Channel News Asia",
		URL:         "https://www.channelnewsasia.com/api/v1/rss-outbound-feed?_format=xml",
		AdapterKind: "classic",
		Interval:    900,
	},
	"st": {
		Name:        "Straits Times",
		URL:         "https://www.straitstimes.com/news/singapore/rss.xml",
		AdapterKind: "classic",
		Interval:    900,
	},
	"cnbctv18": {
		Name:        "CNBC TV18 Market",
		URL:         "https://www.cnbctv18.com/api/v1/category/market?page=1&limit=5",
		AdapterKind: "cnbctv18",
		Interval:    300,
		Topics:      []string{"market"},
	},
	"moneycontrol": {
		Name:        "Moneycontrol Business",
		URL:         "https://www.moneycontrol.com/news/business/",
		AdapterKind: "moneycontrol",
		Interval:    600,
		Topics:      []string{"business"},
	},
	"nse": {
		Name:        "NSE Corporate Announcements",
		URL:         "https://www.nseindia.com/api/corporate-announcements?index=equities",
		AdapterKind: "nse",
		Interval:    300,
	},
}

// Source converts the preset into a Source record keyed by the preset name.
func (p SourcePreset) Source(key string) *types.Source {
	return &types.Source{
		ID:               key,
		Title:            p.Name,
		Link:             p.URL,
		Domain:           types.Domain(p.URL),
		AdapterKind:      p.AdapterKind,
		CrawlIntervalSec: p.Interval,
		Topics:           append([]string(nil), p.Topics...),
	}
}
