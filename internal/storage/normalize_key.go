package storage

import (
	"fmt"
	"strings"
)

// NormalizeKey converts a local primary key value to the canonical string
// written to id tables and side files (e.g. "42" or "001Dn00000AbCdEIAV").
//
// Backends return keys as int64, string or []byte depending on the column
// type; this keeps id maps consistent across backends.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case *string:
		if t == nil {
			return ""
		}
		return strings.TrimSpace(*t)
	case int64:
		return fmt.Sprintf("%d", t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
