package deduplication

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"marketwire/types"
)

// NormalizeURL canonicalizes a link for comparison:
// - lowercase scheme and host
// - drop the fragment
// - drop tracking query params (utm_*, fbclid, gclid)
// - trim the trailing slash
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		// fallback: lowercase and trim
		return strings.ToLower(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for k := range q {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "utm_") || lk == "fbclid" || lk == "gclid" {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()

	return strings.TrimRight(u.String(), "/")
}

// UniquenessHash returns a stable SHA-256 over the normalized link and the
// cleaned title. Either part may be empty.
func UniquenessHash(cleanTitle, link string) string {
	h := sha256.Sum256([]byte(NormalizeURL(link) + "|" + cleanTitle))
	return hex.EncodeToString(h[:])
}

// seen tracks clean titles and normalized links. Empty keys never match.
type seen struct {
	titles map[string]struct{}
	links  map[string]struct{}
}

func newSeen() *seen {
	return &seen{titles: make(map[string]struct{}), links: make(map[string]struct{})}
}

func (s *seen) has(title, link string) bool {
	if title != "" {
		if _, ok := s.titles[title]; ok {
			return true
		}
	}
	if link != "" {
		if _, ok := s.links[link]; ok {
			return true
		}
	}
	return false
}

func (s *seen) add(title, link string) {
	if title != "" {
		s.titles[title] = struct{}{}
	}
	if link != "" {
		s.links[link] = struct{}{}
	}
}

func keysOf(c *types.ArticleCandidate) (string, string) {
	return c.CleanTitle(), NormalizeURL(c.Link)
}
