package rssfeeds

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"strings"

	"marketwire/types"
)

// contentHashPrefix marks ETags computed locally from the body so they are
// never sent back to a server as If-None-Match.
const contentHashPrefix = "ss/"

// ContentHash returns the namespaced hash of a response body.
func ContentHash(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := md5.Sum(body)
	return contentHashPrefix + hex.EncodeToString(sum[:])
}

// IsContentHash reports whether etag was produced by ContentHash.
func IsContentHash(etag string) bool {
	return strings.HasPrefix(etag, contentHashPrefix)
}

// IsCacheHit reports whether the response says nothing changed since the
// source was last fetched.
func IsCacheHit(status int, header http.Header, src *types.Source, bodyHash string) bool {
	if status == http.StatusNotModified || status == http.StatusIMUsed {
		return true
	}
	if src.ETag == "" {
		return false
	}
	if etag := header.Get("ETag"); etag != "" && etag == src.ETag {
		return true
	}
	return bodyHash != "" && bodyHash == src.ETag
}

// ConditionalHeaders returns the validators to send for src. A-IM asks
// RFC 3229 capable servers for a delta feed.
func ConditionalHeaders(src *types.Source) http.Header {
	h := http.Header{}
	if src.LastModified != nil && !src.LastModified.IsZero() {
		h.Set("If-Modified-Since", src.LastModified.UTC().Format(http.TimeFormat))
	}
	if src.ETag != "" && !IsContentHash(src.ETag) {
		h.Set("If-None-Match", src.ETag)
	}
	if len(h) > 0 {
		h.Set("A-IM", "feed")
	}
	return h
}
