package storage

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Cursors are opaque to clients: a base64 wrapping of the last-seen event id.
// The id is strictly increasing per tenant, so cursor pages are stable under
// concurrent inserts: new rows only ever land after the cursor position.

// EncodeCursor turns an event id into an opaque pagination token. Zero means
// "from the beginning" and encodes to the empty token.
func EncodeCursor(id int64) string {
	if id == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte("ev:" + strconv.FormatInt(id, 10)))
}

// DecodeCursor parses an opaque pagination token. The empty token decodes to
// zero (start of the result set).
func DecodeCursor(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("storage: malformed cursor")
	}
	s := string(raw)
	if len(s) < 4 || s[:3] != "ev:" {
		return 0, fmt.Errorf("storage: malformed cursor")
	}
	id, err := strconv.ParseInt(s[3:], 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("storage: malformed cursor")
	}
	return id, nil
}
