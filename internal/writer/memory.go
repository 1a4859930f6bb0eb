package writer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"candleflow/internal/models"
	"candleflow/internal/sink"
)

// ErrTableNotFound is returned when a batch targets a table that was never
// ensured.
var ErrTableNotFound = errors.New("table not found")

type memTable struct {
	spec sink.TableSpec
	rows []models.Row
}

// MemoryStore keeps tables in process. Rows are stored sparse, exactly as
// enqueued.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memTable)}
}

var _ sink.TableStore = (*MemoryStore)(nil)

func (m *MemoryStore) EnsureTable(_ context.Context, spec sink.TableSpec) (bool, error) {
	if spec.Name == "" {
		return false, fmt.Errorf("table name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[spec.Name]; ok {
		return false, nil
	}
	m.tables[spec.Name] = &memTable{spec: spec}
	return true, nil
}

func (m *MemoryStore) WriteBatch(ctx context.Context, table string, rows []models.Row) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	for _, r := range rows {
		t.rows = append(t.rows, r.Clone())
	}
	return len(rows), nil
}

// Rows returns a copy of everything written to table.
func (m *MemoryStore) Rows(table string) []models.Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil
	}
	out := make([]models.Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.Clone()
	}
	return out
}

// Spec returns the TableSpec a table was created with.
func (m *MemoryStore) Spec(table string) (sink.TableSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return sink.TableSpec{}, false
	}
	return t.spec, true
}

// Tables lists table names in sorted order.
func (m *MemoryStore) Tables() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tables))
	for name := range m.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
