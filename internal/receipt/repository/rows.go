package repository

import (
	"encoding/json"

	"github.com/smallbiznis/receiptflow/pkg/db/pagination"
	"gorm.io/datatypes"
)

// JSON columns hold the literal null instead of SQL NULL so rows always scan.
func encodeJSON(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func decodeJSON[T any](raw datatypes.JSON) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func decodeCursorID(cursor string) (string, error) {
	decoded, err := pagination.DecodeCursor(cursor)
	if err != nil {
		return "", err
	}
	return decoded.ID, nil
}

func nextPage[T any](rows []*T, pageSize int, id func(*T) string) ([]*T, string, error) {
	return pagination.Trim(rows, pageSize, id)
}

func normalizePageSize(pageSize int) int {
	return pagination.PageSize(pageSize)
}
