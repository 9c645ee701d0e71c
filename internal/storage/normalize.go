package storage

import "fmt"

// CellText renders a row value for text formats. nil, an explicit null,
// becomes the empty string.
func CellText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(v)
	}
}
