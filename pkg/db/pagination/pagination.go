package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last row of a keyset page.
type Cursor struct {
	ID string `json:"id,omitempty"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeCursor accepts the empty token as the first page.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, errors.Join(ErrInvalidCursor, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return Cursor{}, errors.Join(ErrInvalidCursor, err)
	}
	return cursor, nil
}

// PageSize clamps a requested size into (0, MaxPageSize].
func PageSize(requested int) int {
	switch {
	case requested <= 0:
		return DefaultPageSize
	case requested > MaxPageSize:
		return MaxPageSize
	default:
		return requested
	}
}

// Trim expects rows fetched with one look-ahead row beyond size. It returns the page and
// the token of the next page, empty on the last one.
func Trim[T any](rows []*T, size int, key func(*T) string) ([]*T, string, error) {
	if len(rows) <= size {
		return rows, "", nil
	}
	rows = rows[:size]
	next, err := EncodeCursor(Cursor{ID: key(rows[len(rows)-1])})
	if err != nil {
		return nil, "", err
	}
	return rows, next, nil
}
