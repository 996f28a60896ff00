package rssfeeds

import (
	"errors"
	"fmt"
	"time"

	"marketwire/types"
)

// ErrEmptyEntry is returned by builders for entries with neither a title nor
// a link.
var ErrEmptyEntry = errors.New("entry has neither title nor link")

// ExtractionError reports a single entry that could not be turned into a
// candidate. It never aborts the batch.
type ExtractionError struct {
	Index int
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("entry %d: %v", e.Index, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ExtractResult is the outcome of extracting one payload.
type ExtractResult struct {
	Candidates []*types.ArticleCandidate
	Total      int
	Failed     int
	LastError  string
}

// Extract parses body with ex and builds a candidate for every entry,
// skipping and counting the entries that fail. It only returns an error when
// the payload itself cannot be parsed.
func Extract(ex Extractor, body []byte, src *types.Source, now time.Time) (*ExtractResult, error) {
	entries, err := ex.Entries(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}

	result := &ExtractResult{
		Candidates: make([]*types.ArticleCandidate, 0, len(entries)),
		Total:      len(entries),
	}
	for i, entry := range entries {
		c, err := buildEntry(ex, entry, src)
		if err != nil {
			result.Failed++
			result.LastError = (&ExtractionError{Index: i, Err: err}).Error()
			continue
		}
		addDefaultFields(c, src, now)
		result.Candidates = append(result.Candidates, c)
	}
	return result, nil
}

// buildEntry isolates a builder panic to the entry that caused it.
func buildEntry(ex Extractor, entry Entry, src *types.Source) (c *types.ArticleCandidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("builder panic: %v", r)
		}
	}()

	c, err = ex.Build(entry, src)
	if err != nil {
		return nil, err
	}
	if c == nil || (c.Title == "" && c.Link == "") {
		return nil, ErrEmptyEntry
	}
	return c, nil
}

func addDefaultFields(c *types.ArticleCandidate, src *types.Source, now time.Time) {
	c.SourceID = src.ID
	c.PageLink = src.Link
	c.RetrievedAt = now
	c.IsPartial = true
	c.PubDateIsDefault = c.PubDate == nil
	if len(c.Sources) == 0 {
		c.Sources = []string{"feed"}
	}
}
