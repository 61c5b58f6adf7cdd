// Package page defines the data model shared by the retrieval pipeline:
// cursors, records and the pages that carry them.
package page

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Cursor is a position inside one paginated resource.
// Numeric offsets are stored in decimal form; continuation tokens are kept verbatim.
type Cursor string

// Offset returns the cursor for a numeric offset.
func Offset(n int) Cursor {
	return Cursor(strconv.Itoa(n))
}

// Offset parses a numeric cursor.
func (c Cursor) Offset() (int, error) {
	n, err := strconv.Atoi(string(c))
	if err != nil {
		return 0, fmt.Errorf("cursor %q is not an offset: %w", string(c), err)
	}
	return n, nil
}

// IsOffset reports whether the cursor is a non-negative numeric offset.
func (c Cursor) IsOffset() bool {
	n, err := c.Offset()
	return err == nil && n >= 0
}

// String implements fmt.Stringer.
func (c Cursor) String() string {
	return string(c)
}

// Advances reports whether next moves strictly forward from cur.
// Offsets must grow; opaque tokens must be non-empty and differ.
func Advances(cur, next Cursor) bool {
	if next == "" {
		return false
	}
	if cur.IsOffset() && next.IsOffset() {
		a, _ := cur.Offset()
		b, _ := next.Offset()
		return b > a
	}
	return next != cur
}

// Record is one fetched unit of domain data.
type Record struct {
	// ID is a stable identifier used for optional deduplication.
	ID string

	// Raw is the record encoded as single-line JSON.
	Raw json.RawMessage
}

// NewRecord compacts raw JSON into a single line and attaches the ID.
func NewRecord(id string, raw []byte) (Record, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Record{}, fmt.Errorf("compact record %q: %w", id, err)
	}
	return Record{ID: id, Raw: buf.Bytes()}, nil
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// Page is the result of one successful fetch.
type Page struct {
	// Resource names the collection this page belongs to.
	Resource string

	// Cursor is the position the page was fetched at.
	Cursor Cursor

	// Records in source order.
	Records []Record

	// Next is the cursor of the following page. Only meaningful when Done is false.
	Next Cursor

	// Done marks the end of the resource.
	Done bool

	// Total is the server-reported record count, or -1 when unknown.
	Total int
}

// IdentifyJSON returns the "key" field of a JSON object, falling back to
// "id" (string or number). It returns "" when neither is present.
func IdentifyJSON(raw []byte) string {
	var ident struct {
		Key string          `json:"key"`
		ID  json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &ident); err != nil {
		return ""
	}
	if ident.Key != "" {
		return ident.Key
	}
	if len(ident.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(ident.ID, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(ident.ID))
}
