package bridge

import (
	"regexp"
	"strings"
)

const redactedMarker = "***"

var embeddedURLPattern = regexp.MustCompile(`(?:wss?|https?)://[^\s"]+`)

// redactEmbeddedURLs masks any ws(s)://, http(s):// substring found inside
// an arbitrary log/timeline summary string.
func redactEmbeddedURLs(s string) string {
	return embeddedURLPattern.ReplaceAllStringFunc(s, redactURL)
}

// redactURL replaces everything after the scheme+host of a bridge URL with
// a fixed marker, so paths/tokens embedded in query strings never reach the
// debug timeline or logs in the clear.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return redactedMarker
	}
	rest := raw[idx+3:]
	hostEnd := strings.IndexAny(rest, "/?")
	if hostEnd < 0 {
		return raw
	}
	return raw[:idx+3+hostEnd] + redactedMarker
}

// redactToken always collapses to the fixed marker when non-empty.
func redactToken(token string) string {
	if token == "" {
		return ""
	}
	return redactedMarker
}
