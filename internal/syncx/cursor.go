// Package syncx holds the wire helpers shared by the HTTP client, the push
// channel and the development server: list cursors, push frames and REST
// bodies.
package syncx

import (
	"encoding/base64"
	"strings"
)

const cursorPrefix = "after"

// Cursor is a keyset position in an id-ordered listing.
// Format: base64("after|<id>")
type Cursor struct {
	// After is the last id of the previous page
	After string
}

// EncodeCursor creates an opaque cursor string.
// Returns empty string for zero-value cursor
func EncodeCursor(c Cursor) string {
	if c.After == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + "|" + c.After))
}

// DecodeCursor parses a cursor string.
// Returns zero-value cursor and false if invalid or empty
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}
	prefix, after, ok := strings.Cut(string(b), "|")
	if !ok || prefix != cursorPrefix || after == "" {
		return Cursor{}, false
	}
	return Cursor{After: after}, true
}
