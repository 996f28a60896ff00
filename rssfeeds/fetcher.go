package rssfeeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"

	"marketwire/types"

	"golang.org/x/net/publicsuffix"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 10 << 20

// FetchError reports a failed fetch: a transport error, a timeout or an
// HTTP error status.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("error fetching %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("error fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the fetch exceeded its deadline.
func (e *FetchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}

// HTTPFetcher performs a single GET against the source link (or URL when
// set) with optional conditional headers.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
	Referer   string
	// URL overrides the source link for sources with a fixed endpoint.
	URL    string
	Header http.Header
}

// Fetch retrieves the source. HTTP error statuses are returned as a normal
// response; the caller decides how to treat them.
func (f *HTTPFetcher) Fetch(ctx context.Context, src *types.Source, useCache bool) (*Response, error) {
	target := f.URL
	if target == "" {
		target = src.Link
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}
	for k, vs := range f.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	if f.Referer != "" {
		req.Header.Set("Referer", f.Referer)
	}
	if useCache {
		for k, v := range ConditionalHeaders(src) {
			req.Header[k] = v
		}
	}

	return do(f.client(), req)
}

func (f *HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// CookiePrimedFetcher first visits a landing page to collect session
// cookies, then calls the API endpoint with those cookies and a referer.
type CookiePrimedFetcher struct {
	Client    *http.Client
	UserAgent string
	PageURL   string
	APIURL    string
}

func (f *CookiePrimedFetcher) Fetch(ctx context.Context, src *types.Source, _ bool) (*Response, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, &FetchError{URL: f.PageURL, Err: err}
	}

	base := http.DefaultClient
	if f.Client != nil {
		base = f.Client
	}
	client := *base
	client.Jar = jar

	page, err := http.NewRequestWithContext(ctx, http.MethodGet, f.PageURL, http.NoBody)
	if err != nil {
		return nil, &FetchError{URL: f.PageURL, Err: err}
	}
	if f.UserAgent != "" {
		page.Header.Set("User-Agent", f.UserAgent)
	}
	primed, err := do(&client, page)
	if err != nil {
		return nil, err
	}
	if primed.StatusCode >= 400 {
		return primed, nil
	}

	target := f.APIURL
	if src.Link != "" {
		target = src.Link
	}
	api, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, &FetchError{URL: target, Err: err}
	}
	if f.UserAgent != "" {
		api.Header.Set("User-Agent", f.UserAgent)
	}
	api.Header.Set("Referer", f.PageURL)
	api.Header.Set("Accept", "application/json")

	return do(&client, api)
}

func do(client *http.Client, req *http.Request) (*Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{URL: req.URL.String(), Err: fmt.Errorf("read body: %w", err)}
	}

	return &Response{
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
