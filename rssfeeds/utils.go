package rssfeeds

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
)

// ist is the zone of the Indian market sources.
var ist = time.FixedZone("IST", 5*3600+30*60)

var istSuffix = regexp.MustCompile(`(?i)\s+IST$`)

// parseDate tries the explicit layouts first and falls back to dateparse,
// interpreting zone-less values in loc.
func parseDate(raw string, loc *time.Location, layouts ...string) *time.Time {
	raw = strings.TrimSpace(istSuffix.ReplaceAllString(strings.TrimSpace(raw), ""))
	if raw == "" {
		return nil
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return &t
		}
	}
	t, err := dateparse.ParseIn(raw, loc)
	if err != nil {
		return nil
	}
	return &t
}

// truncate shortens s to at most n runes, ending with "..." when cut.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	cut := strings.TrimSpace(string(runes[:n-3]))
	if i := strings.LastIndex(cut, " "); i > n/2 {
		cut = cut[:i]
	}
	return cut + "..."
}

// plainText strips markup from an HTML fragment.
func plainText(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" || !strings.Contains(fragment, "<") {
		return collapseSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return collapseSpace(fragment)
	}
	return collapseSpace(doc.Text())
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// stringsOf flattens a loosely typed JSON value into strings. Objects
// contribute their "name" or "slug" field.
func stringsOf(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if s := strings.TrimSpace(x); s != "" {
			return []string{s}
		}
		return nil
	case []any:
		var out []string
		for _, item := range x {
			out = append(out, stringsOf(item)...)
		}
		return out
	case map[string]any:
		for _, key := range []string{"name", "slug"} {
			if s, ok := x[key].(string); ok && strings.TrimSpace(s) != "" {
				return []string{strings.TrimSpace(s)}
			}
		}
	}
	return nil
}
