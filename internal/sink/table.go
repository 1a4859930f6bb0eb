package sink

import (
	"context"
	"sort"
	"time"

	"candleflow/internal/models"
)

// Granularity is the time bucket used to partition a table.
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityMonth Granularity = "month"
)

// Truncate returns the start of the partition bucket containing t.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GranularityHour:
		return t.Truncate(time.Hour)
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// ColumnType is the logical type of a column. Stores map it to their own
// physical types.
type ColumnType string

const (
	TypeString          ColumnType = "string"
	TypeFloat64         ColumnType = "float64"
	TypeNullableFloat64 ColumnType = "nullable_float64"
	TypeInt64           ColumnType = "int64"
	TypeBool            ColumnType = "bool"
	TypeTimestamp       ColumnType = "timestamp"
)

type Column struct {
	Name string
	Type ColumnType
}

// TableSpec describes a destination table.
type TableSpec struct {
	Name            string
	Columns         []Column
	PartitionColumn string
	Granularity     Granularity
	// Retention of zero keeps data forever.
	Retention      time.Duration
	ClusterColumns []string
}

// HasColumn reports whether name is declared.
func (s TableSpec) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// ColumnNames returns the declared column names in order.
func (s TableSpec) ColumnNames() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// TableStore is the physical destination behind the sink. EnsureTable must
// be idempotent and must report success when the table already exists.
type TableStore interface {
	EnsureTable(ctx context.Context, spec TableSpec) (created bool, err error)
	WriteBatch(ctx context.Context, table string, rows []models.Row) (int, error)
}

// Mode selects the partitioning profile.
type Mode string

const (
	ModeLive       Mode = "live"
	ModeHistorical Mode = "historical"
)

// DefaultLiveRetention bounds live tables.
const DefaultLiveRetention = 30 * 24 * time.Hour

// Partitioning returns the bucket and retention for mode. Live tables use
// daily buckets with a finite retention; historical tables use monthly
// buckets and keep everything.
func Partitioning(mode Mode, liveRetention time.Duration) (Granularity, time.Duration) {
	if mode == ModeHistorical {
		return GranularityMonth, 0
	}
	if liveRetention <= 0 {
		liveRetention = DefaultLiveRetention
	}
	return GranularityDay, liveRetention
}

// inferColumns derives a schema from the union of row keys. Float columns
// that hold nil in any row become nullable; columns only ever nil are
// nullable floats.
func inferColumns(rows []models.Row) []Column {
	types := map[string]ColumnType{}
	nullable := map[string]bool{}
	for _, row := range rows {
		for k, v := range row {
			if v == nil {
				nullable[k] = true
				if _, ok := types[k]; !ok {
					types[k] = TypeNullableFloat64
				}
				continue
			}
			t := typeOf(v)
			if t == TypeNullableFloat64 {
				nullable[k] = true
			}
			if prev, ok := types[k]; ok && prev != TypeNullableFloat64 {
				continue
			}
			types[k] = t
		}
	}
	cols := make([]Column, 0, len(types))
	for k, t := range types {
		if nullable[k] && (t == TypeFloat64 || t == TypeNullableFloat64) {
			t = TypeNullableFloat64
		}
		cols = append(cols, Column{Name: k, Type: t})
	}
	sort.Slice(cols, func(i, j int) bool { return columnRank(cols[i].Name, cols[j].Name) })
	return cols
}

// leading columns come first, the rest alphabetically
var leading = map[string]int{
	models.ColExchange:     0,
	models.ColSymbol:       1,
	models.ColTimeframe:    2,
	models.ColTimestampIn:  3,
	models.ColTimestampOut: 4,
}

func columnRank(a, b string) bool {
	ra, okA := leading[a]
	rb, okB := leading[b]
	switch {
	case okA && okB:
		return ra < rb
	case okA:
		return true
	case okB:
		return false
	}
	return a < b
}

func typeOf(v any) ColumnType {
	switch v.(type) {
	case string:
		return TypeString
	case float64, float32:
		return TypeFloat64
	case *float64:
		return TypeNullableFloat64
	case int, int32, int64:
		return TypeInt64
	case bool:
		return TypeBool
	case time.Time, *time.Time:
		return TypeTimestamp
	default:
		return TypeString
	}
}
