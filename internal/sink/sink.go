// Package sink buffers rows per table and writes them in batches through a
// TableStore. Queues flush when their interval elapses, when they grow past
// a size threshold, or on demand.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"candleflow/internal/models"
	"candleflow/logger"
)

// ErrWriteFailure marks a batch that was dropped after its retry failed.
var ErrWriteFailure = errors.New("sink write failure")

// WriteError carries the dropped batch details.
type WriteError struct {
	Table   string
	BatchID string
	Rows    int
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %d rows to %s (batch %s): %v", e.Rows, e.Table, e.BatchID, e.Err)
}

func (e *WriteError) Unwrap() []error { return []error{ErrWriteFailure, e.Err} }

// Defaults used when Config leaves a field empty.
const (
	DefaultFlushInterval = 60 * time.Second
	DefaultTickInterval  = time.Second
	DefaultWriteTimeout  = 30 * time.Second
	DefaultRetryTimeout  = 90 * time.Second
)

// Config controls batching and table provisioning.
type Config struct {
	FlushInterval time.Duration
	TickInterval  time.Duration
	// MaxQueueRows triggers an early flush of a table. Zero disables the
	// size trigger.
	MaxQueueRows int
	WriteTimeout time.Duration
	// RetryTimeout bounds the single retry after a failed write.
	RetryTimeout time.Duration

	Mode            Mode
	LiveRetention   time.Duration
	PartitionColumn string
	ClusterColumns  []string
}

func (c *Config) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = DefaultRetryTimeout
	}
	if c.Mode == "" {
		c.Mode = ModeLive
	}
	if c.PartitionColumn == "" {
		c.PartitionColumn = models.ColTimestampOut
	}
	if len(c.ClusterColumns) == 0 {
		c.ClusterColumns = []string{models.ColExchange, models.ColSymbol}
	}
}

// TableStats is a per table snapshot.
type TableStats struct {
	QueuedRows        int       `json:"queued_rows"`
	QueuedBatches     int       `json:"queued_batches"`
	CumulativeRows    int64     `json:"cumulative_rows"`
	CumulativeBatches int64     `json:"cumulative_batches"`
	FailedBatches     int64     `json:"failed_batches"`
	DroppedRows       int64     `json:"dropped_rows"`
	LastFlush         time.Time `json:"last_flush"`
}

// FlushResult is reported to the OnFlush hook after every flush attempt.
type FlushResult struct {
	Table    string
	BatchID  string
	Rows     int
	Written  int
	Duration time.Duration
	Retried  bool
	Err      error
}

// entry is one Enqueue call.
type entry struct {
	rows       []models.Row
	enqueuedAt time.Time
}

type tableQueue struct {
	entries   []entry
	rows      int
	lastFlush time.Time
	stats     TableStats
}

// Sink is safe for concurrent use. The queue lock is never held while a
// store call is in flight.
type Sink struct {
	cfg     Config
	store   TableStore
	log     *logger.Log
	now     func() time.Time
	onFlush func(FlushResult)

	mu      sync.Mutex
	queues  map[string]*tableQueue
	specs   map[string]TableSpec
	ensured map[string]bool

	flushMu    sync.Mutex
	tableLocks map[string]*sync.Mutex

	kick    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// Option customises a Sink.
type Option func(*Sink)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// WithFlushHook registers a callback invoked after every flush.
func WithFlushHook(fn func(FlushResult)) Option {
	return func(s *Sink) { s.onFlush = fn }
}

func New(cfg Config, store TableStore, opts ...Option) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("table store is required")
	}
	if cfg.Mode != "" && cfg.Mode != ModeLive && cfg.Mode != ModeHistorical {
		return nil, fmt.Errorf("unknown sink mode %q", cfg.Mode)
	}
	cfg.applyDefaults()
	s := &Sink{
		cfg:        cfg,
		store:      store,
		log:        logger.GetLogger(),
		now:        time.Now,
		queues:     make(map[string]*tableQueue),
		specs:      make(map[string]TableSpec),
		ensured:    make(map[string]bool),
		tableLocks: make(map[string]*sync.Mutex),
		kick:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register declares the schema for a table. Partitioning and clustering
// left empty are filled from the sink configuration. Tables that are never
// registered get a schema inferred from their first batch.
func (s *Sink) Register(spec TableSpec) {
	spec = s.withDefaults(spec)
	s.mu.Lock()
	s.specs[spec.Name] = spec
	s.mu.Unlock()
}

func (s *Sink) withDefaults(spec TableSpec) TableSpec {
	gran, retention := Partitioning(s.cfg.Mode, s.cfg.LiveRetention)
	if spec.PartitionColumn == "" {
		spec.PartitionColumn = s.cfg.PartitionColumn
	}
	if spec.Granularity == "" {
		spec.Granularity = gran
		spec.Retention = retention
	}
	if len(spec.ClusterColumns) == 0 {
		spec.ClusterColumns = append([]string(nil), s.cfg.ClusterColumns...)
	}
	return spec
}

// Enqueue copies rows into the table queue and returns how many were
// accepted. It never blocks on I/O.
func (s *Sink) Enqueue(table string, rows []models.Row) int {
	if len(rows) == 0 || table == "" {
		return 0
	}
	copied := make([]models.Row, len(rows))
	for i, r := range rows {
		copied[i] = r.Clone()
	}

	now := s.now()
	s.mu.Lock()
	q, ok := s.queues[table]
	if !ok {
		q = &tableQueue{lastFlush: now}
		s.queues[table] = q
	}
	q.entries = append(q.entries, entry{rows: copied, enqueuedAt: now})
	q.rows += len(copied)
	oversized := s.cfg.MaxQueueRows > 0 && q.rows >= s.cfg.MaxQueueRows
	s.mu.Unlock()

	if oversized {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return len(copied)
}

// Start launches the background flush loop.
func (s *Sink) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return fmt.Errorf("batch sink already running")
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.log.WithComponent("batch_sink").WithFields(logger.Fields{
		"flush_interval": s.cfg.FlushInterval.String(),
		"tick_interval":  s.cfg.TickInterval.String(),
		"max_queue_rows": s.cfg.MaxQueueRows,
		"mode":           string(s.cfg.Mode),
	}).Info("starting batch sink")

	s.wg.Add(1)
	go s.flushWorker(loopCtx)
	return nil
}

// Close stops the flush loop and synchronously flushes every queue.
func (s *Sink) Close(ctx context.Context) error {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	err := s.ForceFlushAll(ctx)
	s.log.WithComponent("batch_sink").Info("batch sink stopped")
	return err
}

func (s *Sink) flushWorker(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushTimedOut(ctx)
		case <-s.kick:
			s.flushOversized(ctx)
		}
	}
}

// flushTimedOut flushes non-empty tables whose interval has elapsed.
func (s *Sink) flushTimedOut(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []string
	for name, q := range s.queues {
		if q.rows > 0 && now.Sub(q.lastFlush) >= s.cfg.FlushInterval {
			due = append(due, name)
		}
	}
	s.mu.Unlock()
	s.flushTables(ctx, due)
}

func (s *Sink) flushOversized(ctx context.Context) {
	s.mu.Lock()
	var due []string
	for name, q := range s.queues {
		if q.rows > 0 && q.rows >= s.cfg.MaxQueueRows {
			due = append(due, name)
		}
	}
	s.mu.Unlock()
	s.flushTables(ctx, due)
}

func (s *Sink) flushTables(ctx context.Context, tables []string) {
	sort.Strings(tables)
	for _, t := range tables {
		if ctx.Err() != nil {
			return
		}
		// failures are logged and counted inside Flush
		_ = s.Flush(ctx, t)
	}
}

// ForceFlushAll flushes every non-empty queue regardless of elapsed time.
// All tables are attempted; the returned error joins individual failures.
func (s *Sink) ForceFlushAll(ctx context.Context) error {
	s.mu.Lock()
	tables := make([]string, 0, len(s.queues))
	for name, q := range s.queues {
		if q.rows > 0 {
			tables = append(tables, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(tables)

	if len(tables) > 0 {
		s.log.WithComponent("batch_sink").WithFields(logger.Fields{
			"tables": len(tables),
		}).Info("force flushing all tables")
	}

	var errs []error
	for _, t := range tables {
		if err := s.Flush(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) tableLock(table string) *sync.Mutex {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	l, ok := s.tableLocks[table]
	if !ok {
		l = &sync.Mutex{}
		s.tableLocks[table] = l
	}
	return l
}

// Flush swaps out the table queue and writes it. Rows are sorted by the
// output timestamp. A failed write is retried once with RetryTimeout and the
// batch is dropped if the retry fails too.
func (s *Sink) Flush(ctx context.Context, table string) error {
	lock := s.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	now := s.now()
	s.mu.Lock()
	q, ok := s.queues[table]
	if !ok || q.rows == 0 {
		s.mu.Unlock()
		return nil
	}
	entries := q.entries
	total := q.rows
	q.entries = nil
	q.rows = 0
	q.lastFlush = now
	s.mu.Unlock()

	rows := make([]models.Row, 0, total)
	for _, e := range entries {
		rows = append(rows, e.rows...)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Time(models.ColTimestampOut).Before(rows[j].Time(models.ColTimestampOut))
	})

	batchID := uuid.NewString()
	log := s.log.WithComponent("batch_sink").WithFields(logger.Fields{
		"table":    table,
		"batch_id": batchID,
		"rows":     len(rows),
	})

	start := time.Now()
	written, err := s.attempt(ctx, table, rows, s.cfg.WriteTimeout)
	retried := false
	if err != nil {
		retried = true
		log.WithError(err).Warn("batch write failed, retrying")
		written, err = s.attempt(ctx, table, rows, s.cfg.RetryTimeout)
	}
	res := FlushResult{
		Table:    table,
		BatchID:  batchID,
		Rows:     len(rows),
		Written:  written,
		Duration: time.Since(start),
		Retried:  retried,
	}

	s.mu.Lock()
	if err != nil {
		q.stats.FailedBatches++
		q.stats.DroppedRows += int64(len(rows))
	} else {
		q.stats.CumulativeRows += int64(written)
		q.stats.CumulativeBatches++
		q.stats.LastFlush = now
	}
	s.mu.Unlock()

	if err != nil {
		werr := &WriteError{Table: table, BatchID: batchID, Rows: len(rows), Err: err}
		res.Err = werr
		log.WithError(err).Error("batch dropped after retry")
		s.report(res)
		return werr
	}

	logger.LogPerformanceEntry(log, "batch_sink", "flush", res.Duration, logger.Fields{
		"table":   table,
		"written": written,
	})
	s.report(res)
	return nil
}

func (s *Sink) report(res FlushResult) {
	if s.onFlush != nil {
		s.onFlush(res)
	}
}

// attempt ensures the table and writes the batch under one timeout. The
// write is detached from ctx cancellation so shutdown does not abort a batch
// midway.
func (s *Sink) attempt(ctx context.Context, table string, rows []models.Row, timeout time.Duration) (int, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := s.ensure(wctx, table, rows); err != nil {
		return 0, err
	}
	n, err := s.store.WriteBatch(wctx, table, rows)
	if err != nil {
		return 0, fmt.Errorf("write batch: %w", err)
	}
	return n, nil
}

// ensure provisions the table once. Callers hold the table lock.
func (s *Sink) ensure(ctx context.Context, table string, rows []models.Row) error {
	s.mu.Lock()
	done := s.ensured[table]
	spec, registered := s.specs[table]
	s.mu.Unlock()
	if done {
		return nil
	}
	if !registered {
		spec = s.withDefaults(TableSpec{Name: table, Columns: inferColumns(rows)})
	}

	created, err := s.store.EnsureTable(ctx, spec)
	if err != nil {
		return fmt.Errorf("ensure table %s: %w", table, err)
	}

	s.mu.Lock()
	s.ensured[table] = true
	if !registered {
		s.specs[table] = spec
	}
	s.mu.Unlock()

	s.log.WithComponent("batch_sink").WithFields(logger.Fields{
		"table":       table,
		"created":     created,
		"granularity": string(spec.Granularity),
		"retention":   spec.Retention.String(),
		"cluster":     spec.ClusterColumns,
	}).Info("table ready")
	return nil
}

// Spec returns the schema registered or inferred for table.
func (s *Sink) Spec(table string) (TableSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.specs[table]
	return spec, ok
}

// Stats returns a snapshot for every known table.
func (s *Sink) Stats() map[string]TableStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TableStats, len(s.queues))
	for name, q := range s.queues {
		st := q.stats
		st.QueuedRows = q.rows
		st.QueuedBatches = len(q.entries)
		out[name] = st
	}
	return out
}
