package rssfeeds

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"marketwire/types"

	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"
)

const WorkerCount = 5

// EnrichFullText fetches each candidate's page and fills FullText with the
// readable article body using a worker pool. Candidates that cannot be
// enriched are left partial.
func EnrichFullText(ctx context.Context, client *http.Client, userAgent string, candidates []*types.ArticleCandidate, workers int, log *zap.Logger) int {
	if workers <= 0 {
		workers = WorkerCount
	}
	if log == nil {
		log = zap.NewNop()
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		enriched int
	)
	queue := make(chan *types.ArticleCandidate, len(candidates))

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for c := range queue {
				if err := extractContent(ctx, client, userAgent, c); err != nil {
					log.Debug("full text extraction failed",
						zap.Int("worker", workerID),
						zap.String("link", c.Link),
						zap.Error(err))
					continue
				}
				mu.Lock()
				enriched++
				mu.Unlock()
			}
		}(i)
	}

	for _, c := range candidates {
		if c != nil && c.Link != "" {
			queue <- c
		}
	}
	close(queue)
	wg.Wait()
	return enriched
}

func extractContent(ctx context.Context, client *http.Client, userAgent string, c *types.ArticleCandidate) error {
	pageURL, err := url.Parse(c.Link)
	if err != nil {
		return fmt.Errorf("invalid article link: %w", err)
	}
	resp, err := (&HTTPFetcher{Client: client, UserAgent: userAgent, URL: c.Link}).Fetch(ctx, &types.Source{}, false)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	article, err := readability.FromReader(strings.NewReader(string(resp.Body)), pageURL)
	if err != nil {
		return fmt.Errorf("readability extraction failed: %w", err)
	}
	text := collapseSpace(article.TextContent)
	if text == "" {
		return fmt.Errorf("no readable content")
	}

	c.FullText = text
	if c.ShortText == "" {
		c.ShortText = truncate(collapseSpace(article.Excerpt), 300)
	}
	c.IsPartial = false
	return nil
}
