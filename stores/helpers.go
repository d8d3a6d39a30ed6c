package stores

import (
	"database/sql"
	"time"

	"github.com/oarkflow/date"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nanos is the storage form of every timestamp column.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

// timeFrom decodes a timestamp column. Integer nanos are the normal case;
// driver time values and text written by older schemas are accepted too.
func timeFrom(raw any) time.Time {
	switch v := raw.(type) {
	case int64:
		if v == 0 {
			return time.Time{}
		}
		return time.Unix(0, v).UTC()
	case time.Time:
		return v.UTC()
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t.UTC()
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func timePtrFrom(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
