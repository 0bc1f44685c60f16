// Package cursor implements keyset pagination cursors.
//
// A cursor pins a position in a (timestamp, uuid) ordered stream so pages are
// deterministic even when many rows share a timestamp.
// Format: base64url("<unix_ms>|<uuid>").
package cursor

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cursor is a position in a (created_at_ms, id) ordered stream.
type Cursor struct {
	Ms int64     // Unix milliseconds timestamp
	ID uuid.UUID // row id, tie-breaker within the same millisecond
}

// Encode returns the base64 form, or "" for the zero cursor.
func Encode(c Cursor) string {
	if c.Ms == 0 && c.ID == uuid.Nil {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.Ms, c.ID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor string. Returns the zero cursor and false if invalid.
func Decode(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}
	parts := strings.Split(string(b), "|")
	if len(parts) != 2 {
		return Cursor{}, false
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, false
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return Cursor{}, false
	}
	return Cursor{Ms: ms, ID: id}, true
}

// RFC3339 renders Unix milliseconds as an RFC3339 timestamp.
func RFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// NowMs returns the current Unix milliseconds timestamp (UTC).
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
