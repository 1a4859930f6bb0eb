package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candleflow/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	ensures   map[string]int
	specs     map[string]TableSpec
	batches   map[string][][]models.Row
	failNext  int
	writeErr  error
	ensureErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ensures: map[string]int{},
		specs:   map[string]TableSpec{},
		batches: map[string][][]models.Row{},
	}
}

func (f *fakeStore) EnsureTable(_ context.Context, spec TableSpec) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return false, f.ensureErr
	}
	f.ensures[spec.Name]++
	_, exists := f.specs[spec.Name]
	f.specs[spec.Name] = spec
	return !exists, nil
}

func (f *fakeStore) WriteBatch(_ context.Context, table string, rows []models.Row) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return 0, f.writeErr
	}
	f.batches[table] = append(f.batches[table], rows)
	return len(rows), nil
}

func (f *fakeStore) rows(table string) []models.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Row
	for _, b := range f.batches[table] {
		out = append(out, b...)
	}
	return out
}

func (f *fakeStore) batchCount(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches[table])
}

type manualClock struct {
	nanos atomic.Int64
}

func newManualClock(t time.Time) *manualClock {
	c := &manualClock{}
	c.nanos.Store(t.UnixNano())
	return c
}

func (c *manualClock) Now() time.Time          { return time.Unix(0, c.nanos.Load()).UTC() }
func (c *manualClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func row(sym string, out time.Time) models.Row {
	return models.Row{
		models.ColExchange:     "binance",
		models.ColSymbol:       sym,
		models.ColTimestampIn:  out,
		models.ColTimestampOut: out,
		"price":                100.0,
	}
}

func TestEnqueueEmptyIsNoop(t *testing.T) {
	store := newFakeStore()
	s, err := New(Config{}, store)
	require.NoError(t, err)

	assert.Equal(t, 0, s.Enqueue("trades", nil))
	assert.Equal(t, 0, s.Enqueue("", []models.Row{row("BTCUSDT", base)}))
	require.NoError(t, s.ForceFlushAll(context.Background()))
	assert.Empty(t, s.Stats())
	assert.Empty(t, store.ensures)
}

func TestEnqueueCopiesRows(t *testing.T) {
	store := newFakeStore()
	s, err := New(Config{}, store)
	require.NoError(t, err)

	r := row("BTCUSDT", base)
	require.Equal(t, 1, s.Enqueue("trades", []models.Row{r}))
	r["price"] = 1.0

	require.NoError(t, s.Flush(context.Background(), "trades"))
	got := store.rows("trades")
	require.Len(t, got, 1)
	assert.Equal(t, 100.0, got[0]["price"])
}

func TestForceFlushAllWritesEveryTable(t *testing.T) {
	store := newFakeStore()
	s, err := New(Config{}, store)
	require.NoError(t, err)

	s.Enqueue("trades", []models.Row{row("BTCUSDT", base), row("ETHUSDT", base)})
	s.Enqueue("candles_1m", []models.Row{row("BTCUSDT", base)})
	s.Enqueue("candles_1m", []models.Row{row("ETHUSDT", base)})

	stats := s.Stats()
	assert.Equal(t, 2, stats["candles_1m"].QueuedRows)
	assert.Equal(t, 2, stats["candles_1m"].QueuedBatches)

	require.NoError(t, s.ForceFlushAll(context.Background()))
	assert.Len(t, store.rows("trades"), 2)
	assert.Len(t, store.rows("candles_1m"), 2)
	assert.Equal(t, 1, store.batchCount("candles_1m"))

	stats = s.Stats()
	assert.Zero(t, stats["trades"].QueuedRows)
	assert.Equal(t, int64(2), stats["trades"].CumulativeRows)
	assert.Equal(t, int64(1), stats["trades"].CumulativeBatches)
	assert.False(t, stats["trades"].LastFlush.IsZero())
}

func TestFlushSortsByOutputTimestamp(t *testing.T) {
	store := newFakeStore()
	s, err := New(Config{}, store)
	require.NoError(t, err)

	s.Enqueue("trades", []models.Row{row("C", base.Add(3*time.Second)), row("A", base.Add(time.Second))})
	s.Enqueue("trades", []models.Row{row("B", base.Add(2*time.Second)), row("A2", base.Add(time.Second))})
	require.NoError(t, s.Flush(context.Background(), "trades"))

	got := store.rows("trades")
	require.Len(t, got, 4)
	var syms []string
	for _, r := range got {
		syms = append(syms, r.String(models.ColSymbol))
	}
	assert.Equal(t, []string{"A", "A2", "B", "C"}, syms)
}

func TestEnsureTableOnce(t *testing.T) {
	store := newFakeStore()
	s, err := New(Config{Mode: ModeHistorical}, store)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s.Enqueue("trades", []models.Row{row("BTCUSDT", base)})
		require.NoError(t, s.Flush(context.Background(), "trades"))
	}
	assert.Equal(t, 1, store.ensures["trades"])

	spec, ok := s.Spec("trades")
	require.True(t, ok)
	assert.Equal(t, GranularityMonth, spec.Granularity)
	assert.Zero(t, spec.Retention)
	assert.Equal(t, models.ColTimestampOut, spec.PartitionColumn)
	assert.Equal(t, []string{models.ColExchange, models.ColSymbol}, spec.ClusterColumns)
	assert.Equal(t, models.ColExchange, spec.Columns[0].Name)
}

func TestConcurrentFlushEnsuresOnce(t *testing.T) {
	store := newFakeStore()
	s, err := New(Config{}, store)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Enqueue("trades", []models.Row{row("BTCUSDT", base)})
			_ = s.Flush(context.Background(), "trades")
		}()
	}
	wg.Wait()
	require.NoError(t, s.ForceFlushAll(context.Background()))

	assert.Equal(t, 1, store.ensures["trades"])
	assert.Len(t, store.rows("trades"), 16)
	assert.Equal(t, int64(16), s.Stats()["trades"].CumulativeRows)
}

func TestRegisteredSpecUsesLiveDefaults(t *testing.T) {
	store := newFakeStore()
	s, err := New(Config{LiveRetention: 48 * time.Hour}, store)
	require.NoError(t, err)

	s.Register(TableSpec{Name: "trades", Columns: []Column{{Name: "price", Type: TypeFloat64}}})
	s.Enqueue("trades", []models.Row{row("BTCUSDT", base)})
	require.NoError(t, s.Flush(context.Background(), "trades"))

	spec := store.specs["trades"]
	assert.Equal(t, GranularityDay, spec.Granularity)
	assert.Equal(t, 48*time.Hour, spec.Retention)
	assert.Equal(t, []Column{{Name: "price", Type: TypeFloat64}}, spec.Columns)
}

func TestRetryThenSucceed(t *testing.T) {
	store := newFakeStore()
	store.failNext = 1
	store.writeErr = errors.New("connection reset")

	var results []FlushResult
	s, err := New(Config{}, store, WithFlushHook(func(r FlushResult) { results = append(results, r) }))
	require.NoError(t, err)

	s.Enqueue("trades", []models.Row{row("BTCUSDT", base)})
	require.NoError(t, s.Flush(context.Background(), "trades"))
	assert.Len(t, store.rows("trades"), 1)
	require.Len(t, results, 1)
	assert.True(t, results[0].Retried)
	assert.NoError(t, results[0].Err)
	assert.NotEmpty(t, results[0].BatchID)
}

func TestRetryFailureDropsBatch(t *testing.T) {
	store := newFakeStore()
	store.failNext = 2
	store.writeErr = errors.New("connection reset")

	s, err := New(Config{}, store)
	require.NoError(t, err)

	s.Enqueue("trades", []models.Row{row("BTCUSDT", base), row("ETHUSDT", base)})
	err = s.Flush(context.Background(), "trades")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteFailure)

	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "trades", werr.Table)
	assert.Equal(t, 2, werr.Rows)

	st := s.Stats()["trades"]
	assert.Equal(t, int64(1), st.FailedBatches)
	assert.Equal(t, int64(2), st.DroppedRows)
	assert.Zero(t, st.QueuedRows)

	// the sink keeps working after a dropped batch
	s.Enqueue("trades", []models.Row{row("BTCUSDT", base)})
	require.NoError(t, s.Flush(context.Background(), "trades"))
	assert.Len(t, store.rows("trades"), 1)
}

func TestForceFlushAllJoinsErrors(t *testing.T) {
	store := newFakeStore()
	store.ensureErr = errors.New("permission denied")
	s, err := New(Config{}, store)
	require.NoError(t, err)

	s.Enqueue("a", []models.Row{row("BTCUSDT", base)})
	s.Enqueue("b", []models.Row{row("BTCUSDT", base)})
	err = s.ForceFlushAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteFailure)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, int64(1), s.Stats()["a"].FailedBatches)
	assert.Equal(t, int64(1), s.Stats()["b"].FailedBatches)
}

func TestFlushIntervalTrigger(t *testing.T) {
	store := newFakeStore()
	clock := newManualClock(base)
	s, err := New(Config{FlushInterval: time.Minute, TickInterval: 5 * time.Millisecond}, store, WithClock(clock.Now))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	s.Enqueue("trades", []models.Row{row("BTCUSDT", base)})
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, store.batchCount("trades"))

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return store.batchCount("trades") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close(context.Background()))
}

func TestSizeTrigger(t *testing.T) {
	store := newFakeStore()
	clock := newManualClock(base)
	s, err := New(Config{FlushInterval: time.Hour, TickInterval: time.Hour, MaxQueueRows: 3}, store, WithClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	s.Enqueue("trades", []models.Row{row("A", base), row("B", base)})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, store.batchCount("trades"))

	s.Enqueue("trades", []models.Row{row("C", base)})
	require.Eventually(t, func() bool { return store.batchCount("trades") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close(context.Background()))
}

func TestCloseFlushesRemaining(t *testing.T) {
	store := newFakeStore()
	s, err := New(Config{FlushInterval: time.Hour}, store)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))
	s.Enqueue("trades", []models.Row{row("BTCUSDT", base)})
	require.NoError(t, s.Close(context.Background()))
	assert.Len(t, store.rows("trades"), 1)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{Mode: "weekly"}, newFakeStore())
	require.Error(t, err)
}

func TestPartitioning(t *testing.T) {
	g, r := Partitioning(ModeLive, 0)
	assert.Equal(t, GranularityDay, g)
	assert.Equal(t, DefaultLiveRetention, r)

	g, r = Partitioning(ModeHistorical, time.Hour)
	assert.Equal(t, GranularityMonth, g)
	assert.Zero(t, r)

	ts := time.Date(2024, 3, 15, 13, 45, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 15, 13, 0, 0, 0, time.UTC), GranularityHour.Truncate(ts))
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), GranularityDay.Truncate(ts))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), GranularityMonth.Truncate(ts))
}

func TestInferColumns(t *testing.T) {
	v := 1.5
	cols := inferColumns([]models.Row{
		{"symbol": "BTC", "exchange": "binance", "sma_5": nil, "count": int64(2), "ok": true},
		{"symbol": "ETH", "exchange": "binance", "sma_5": 2.0, "ema_5": &v, "timestamp_out": base},
	})
	types := map[string]ColumnType{}
	for _, c := range cols {
		types[c.Name] = c.Type
	}
	assert.Equal(t, "exchange", cols[0].Name)
	assert.Equal(t, "symbol", cols[1].Name)
	assert.Equal(t, "timestamp_out", cols[2].Name)
	assert.Equal(t, TypeNullableFloat64, types["sma_5"])
	assert.Equal(t, TypeNullableFloat64, types["ema_5"])
	assert.Equal(t, TypeInt64, types["count"])
	assert.Equal(t, TypeBool, types["ok"])
	assert.Equal(t, TypeTimestamp, types["timestamp_out"])
}
