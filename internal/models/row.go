package models

import "time"

// Column names shared by every table the pipeline writes.
const (
	ColExchange     = "exchange"
	ColSymbol       = "symbol"
	ColTimeframe    = "timeframe"
	ColTimestampIn  = "timestamp_in"
	ColTimestampOut = "timestamp_out"
)

// Row is one record bound for a table store.
type Row map[string]any

// Clone returns a shallow copy. Values are scalars so this is enough to
// detach the row from the producer.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Time returns a time column, or the zero time when missing.
func (r Row) Time(col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	case int64:
		return time.UnixMilli(v).UTC()
	}
	return time.Time{}
}

// String returns a string column, or "" when missing.
func (r Row) String(col string) string {
	if s, ok := r[col].(string); ok {
		return s
	}
	return ""
}

// Float returns a numeric column converted to float64.
func (r Row) Float(col string) (float64, bool) {
	switch v := r[col].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case *float64:
		if v != nil {
			return *v, true
		}
	}
	return 0, false
}
