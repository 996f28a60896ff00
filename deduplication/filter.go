package deduplication

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"marketwire/types"
)

const (
	DefaultSkipAfterDays = 5
	DefaultDeadAfterDays = 30

	// retrievalStep separates the synthetic retrieval timestamps.
	retrievalStep = 100 * time.Millisecond
)

const day = 24 * time.Hour

// Options are the pipeline defaults. Source-level values override them.
type Options struct {
	SkipAfterDays int
	DeadAfterDays int
	Now           time.Time
}

// FilterResult is the outcome of one filter pass.
type FilterResult struct {
	Candidates []*types.ArticleCandidate
	// Dead is set when every remaining candidate was older than the dead
	// threshold.
	Dead bool
	// MaxDroppedAgeDays is the oldest age among candidates dropped by the
	// age cutoff.
	MaxDroppedAgeDays float64

	SnapshotDropped  int
	AgeDropped       int
	DuplicateDropped int
	ExcludedDropped  int
	InvalidRules     []string
}

// Filter runs the candidate pipeline for src, in order:
//  1. drop candidates already present in the source snapshot
//  2. drop candidates older than the skip window
//  3. flag the source dead when nothing is left and the dropped ones are very old
//  4. drop repeats within the batch, first occurrence wins
//  5. drop candidates matching an exclusion rule
//  6. order by pub date and assign synthetic retrieval times
func Filter(candidates []*types.ArticleCandidate, src *types.Source, opts Options) *FilterResult {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	skipAfter := firstPositive(src.SkipAfterDays, opts.SkipAfterDays, DefaultSkipAfterDays)
	deadAfter := firstPositive(src.DeadAfterDays, opts.DeadAfterDays, DefaultDeadAfterDays)

	res := &FilterResult{}

	filtered := filterSnapshot(candidates, src.Snapshot)
	res.SnapshotDropped = len(candidates) - len(filtered)

	var dropped int
	filtered, dropped, res.MaxDroppedAgeDays = filterAge(filtered, now, skipAfter)
	res.AgeDropped = dropped

	if len(filtered) == 0 && res.MaxDroppedAgeDays > float64(deadAfter) {
		res.Dead = true
		res.Candidates = []*types.ArticleCandidate{}
		return res
	}

	before := len(filtered)
	filtered = filterDuplicates(filtered)
	res.DuplicateDropped = before - len(filtered)

	rules, invalid := compileRules(src.ExclusionRules)
	res.InvalidRules = invalid
	before = len(filtered)
	filtered = filterExcluded(filtered, rules)
	res.ExcludedDropped = before - len(filtered)

	assignRetrievedAt(filtered, now)
	res.Candidates = filtered
	return res
}

func filterSnapshot(candidates []*types.ArticleCandidate, snapshot []types.SnapshotEntry) []*types.ArticleCandidate {
	if len(snapshot) == 0 {
		return candidates
	}
	s := newSeen()
	for _, e := range snapshot {
		s.add(types.CleanTitle(e.Title), NormalizeURL(e.Link))
	}
	out := make([]*types.ArticleCandidate, 0, len(candidates))
	for _, c := range candidates {
		if !s.has(keysOf(c)) {
			out = append(out, c)
		}
	}
	return out
}

func filterAge(candidates []*types.ArticleCandidate, now time.Time, skipAfterDays int) ([]*types.ArticleCandidate, int, float64) {
	var (
		maxAge  float64
		dropped int
	)
	limit := time.Duration(skipAfterDays) * day
	out := make([]*types.ArticleCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.PubDate != nil {
			if age := now.Sub(*c.PubDate); age > limit {
				dropped++
				if days := age.Hours() / 24; days > maxAge {
					maxAge = days
				}
				continue
			}
		}
		out = append(out, c)
	}
	return out, dropped, maxAge
}

func filterDuplicates(candidates []*types.ArticleCandidate) []*types.ArticleCandidate {
	s := newSeen()
	out := make([]*types.ArticleCandidate, 0, len(candidates))
	for _, c := range candidates {
		title, link := keysOf(c)
		if s.has(title, link) {
			continue
		}
		s.add(title, link)
		out = append(out, c)
	}
	return out
}

// rule is a compiled exclusion rule.
type rule struct {
	field string
	re    *regexp.Regexp
}

// ruleFields maps rule keys to candidate fields.
var ruleFields = map[string]func(*types.ArticleCandidate) string{
	"title":          func(c *types.ArticleCandidate) string { return c.Title },
	"displayTitle":   func(c *types.ArticleCandidate) string { return c.DisplayTitle },
	"shortText":      func(c *types.ArticleCandidate) string { return c.ShortText },
	"fullText":       func(c *types.ArticleCandidate) string { return c.FullText },
	"link":           func(c *types.ArticleCandidate) string { return c.Link },
	"attachmentLink": func(c *types.ArticleCandidate) string { return c.AttachmentLink },
	"pubDateRaw":     func(c *types.ArticleCandidate) string { return c.PubDateRaw },
}

// ParseRule splits a field:regex exclusion rule and compiles it
// case-insensitively.
func ParseRule(raw string) (field string, re *regexp.Regexp, err error) {
	i := strings.Index(raw, ":")
	if i <= 0 || i == len(raw)-1 {
		return "", nil, fmt.Errorf("rule %q is not in field:regex form", raw)
	}
	field, pattern := raw[:i], raw[i+1:]
	if _, ok := ruleFields[field]; !ok {
		return "", nil, fmt.Errorf("rule %q uses unknown field %q", raw, field)
	}
	re, err = regexp.Compile("(?i)" + pattern)
	if err != nil {
		return "", nil, fmt.Errorf("rule %q: %w", raw, err)
	}
	return field, re, nil
}

func compileRules(raw []string) ([]rule, []string) {
	var (
		rules   []rule
		invalid []string
	)
	for _, r := range raw {
		field, re, err := ParseRule(r)
		if err != nil {
			invalid = append(invalid, r)
			continue
		}
		rules = append(rules, rule{field: field, re: re})
	}
	return rules, invalid
}

func filterExcluded(candidates []*types.ArticleCandidate, rules []rule) []*types.ArticleCandidate {
	if len(rules) == 0 {
		return candidates
	}
	out := make([]*types.ArticleCandidate, 0, len(candidates))
next:
	for _, c := range candidates {
		for _, r := range rules {
			if r.re.MatchString(ruleFields[r.field](c)) {
				continue next
			}
		}
		out = append(out, c)
	}
	return out
}

// assignRetrievedAt sorts by pub date descending with undated candidates
// last and gives each a strictly decreasing retrieval time.
func assignRetrievedAt(candidates []*types.ArticleCandidate, now time.Time) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].PubDate, candidates[j].PubDate
		switch {
		case a != nil && b != nil:
			return a.After(*b)
		case a != nil:
			return true
		default:
			return false
		}
	})
	for i, c := range candidates {
		c.RetrievedAt = now.Add(-time.Duration(i) * retrievalStep)
	}
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
