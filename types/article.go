package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ArticleCandidate is an extracted, not yet persisted article. It lives for a
// single crawl cycle.
type ArticleCandidate struct {
	Title            string     `json:"title"`
	DisplayTitle     string     `json:"display_title,omitempty"`
	ShortText        string     `json:"short_text,omitempty"`
	FullText         string     `json:"full_text,omitempty"`
	PubDate          *time.Time `json:"pub_date,omitempty"`
	PubDateRaw       string     `json:"pub_date_raw,omitempty"`
	PubDateIsDefault bool       `json:"pub_date_is_default"`
	Link             string     `json:"link,omitempty"`
	AttachmentLink   string     `json:"attachment_link,omitempty"`
	PageLink         string     `json:"page_link,omitempty"`
	Topics           []string   `json:"topics,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	Sources          []string   `json:"sources,omitempty"`
	SourceID         string     `json:"source_id"`
	RetrievedAt      time.Time  `json:"retrieved_at"`
	IsPartial        bool       `json:"is_partial"`
}

// CleanTitle returns the candidate title in its comparison form.
func (c *ArticleCandidate) CleanTitle() string {
	return CleanTitle(c.Title)
}

// Article is the persisted canonical record.
type Article struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	CleanTitle       string     `json:"clean_title"`
	DisplayTitle     string     `json:"display_title,omitempty"`
	ShortText        string     `json:"short_text,omitempty"`
	FullText         string     `json:"full_text,omitempty"`
	PubDate          *time.Time `json:"pub_date,omitempty"`
	PubDateRaw       string     `json:"pub_date_raw,omitempty"`
	PubDateIsDefault bool       `json:"pub_date_is_default"`
	Link             string     `json:"link,omitempty"`
	AttachmentLink   string     `json:"attachment_link,omitempty"`
	PageLink         string     `json:"page_link,omitempty"`
	SourceDomain     string     `json:"source_domain,omitempty"`
	ClusterID        string     `json:"cluster_id"`
	IsPartial        bool       `json:"is_partial"`
	Topics           []string   `json:"topics,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	Sources          []string   `json:"sources,omitempty"`
	SourceID         string     `json:"source_id"`
	RetrievedAt      time.Time  `json:"retrieved_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

// NewArticle builds the persisted form of a candidate. ID and ClusterID are
// assigned by the store.
func NewArticle(c *ArticleCandidate) *Article {
	pubDate := c.PubDate
	isDefault := c.PubDateIsDefault
	if pubDate == nil {
		t := c.RetrievedAt
		pubDate = &t
		isDefault = true
	}

	return &Article{
		Title:            c.Title,
		CleanTitle:       c.CleanTitle(),
		DisplayTitle:     c.DisplayTitle,
		ShortText:        c.ShortText,
		FullText:         c.FullText,
		PubDate:          pubDate,
		PubDateRaw:       c.PubDateRaw,
		PubDateIsDefault: isDefault,
		Link:             c.Link,
		AttachmentLink:   c.AttachmentLink,
		PageLink:         c.PageLink,
		SourceDomain:     Domain(firstNonEmpty(c.Link, c.PageLink)),
		IsPartial:        c.IsPartial,
		Topics:           append([]string(nil), c.Topics...),
		Tags:             append([]string(nil), c.Tags...),
		Sources:          append([]string(nil), c.Sources...),
		SourceID:         c.SourceID,
		RetrievedAt:      c.RetrievedAt,
	}
}

// GenerateID creates a short, stable ID by hashing the provided string input
func GenerateID(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])[:16]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
