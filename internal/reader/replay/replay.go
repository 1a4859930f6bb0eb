// Package replay feeds archived tick files through the same pipeline the
// live readers use.
package replay

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"

	appconfig "candleflow/config"
	"candleflow/internal/models"
	"candleflow/internal/symbols"
	"candleflow/logger"
)

// Submitter accepts ticks and applies backpressure. The pipeline implements
// it with a blocking Submit.
type Submitter interface {
	Submit(ctx context.Context, t models.Tick) error
}

// ObjectGetter is the subset of the S3 client used to read s3:// archives.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ErrNoS3Client is returned for an s3:// file when no client was configured.
var ErrNoS3Client = errors.New("replay: s3 archive requires an s3 client")

// Stats summarizes a replay run.
type Stats struct {
	Files     int64 `json:"files"`
	Rows      int64 `json:"rows"`
	Submitted int64 `json:"submitted"`
	Skipped   int64 `json:"skipped"`
}

type Option func(*Reader)

// WithS3 sets the client used for s3:// archives.
func WithS3(client ObjectGetter) Option {
	return func(r *Reader) { r.s3 = client }
}

// Reader replays CSV tick archives in file order. Columns follow the common
// archive layout: exchange, symbol, timestamp, local_timestamp, id, side,
// price, amount, with timestamps in microseconds since the epoch.
type Reader struct {
	config  appconfig.ReplayConfig
	sub     Submitter
	s3      ObjectGetter
	limiter *rate.Limiter
	log     *logger.Log

	files     atomic.Int64
	rows      atomic.Int64
	submitted atomic.Int64
	skipped   atomic.Int64
}

func NewReader(cfg appconfig.ReplayConfig, sub Submitter, opts ...Option) (*Reader, error) {
	if sub == nil {
		return nil, fmt.Errorf("replay: submitter is required")
	}
	r := &Reader{config: cfg, sub: sub, log: logger.GetLogger()}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Reader) Stats() Stats {
	return Stats{
		Files:     r.files.Load(),
		Rows:      r.rows.Load(),
		Submitted: r.submitted.Load(),
		Skipped:   r.skipped.Load(),
	}
}

// Run replays every configured file in order and returns when all are done,
// a file fails to open, or ctx is cancelled.
func (r *Reader) Run(ctx context.Context) error {
	log := r.log.WithComponent("replay")
	start := time.Now()
	for _, file := range r.config.Files {
		if err := r.replayFile(ctx, file); err != nil {
			return fmt.Errorf("replay %s: %w", file, err)
		}
		r.files.Add(1)
	}
	st := r.Stats()
	logger.LogPerformanceEntry(log, "replay", "run", time.Since(start), logger.Fields{
		"files":     st.Files,
		"rows":      st.Rows,
		"submitted": st.Submitted,
		"skipped":   st.Skipped,
	})
	return nil
}

func (r *Reader) replayFile(ctx context.Context, file string) error {
	rc, err := r.open(ctx, file)
	if err != nil {
		return err
	}
	defer rc.Close()

	body, err := decompress(rc)
	if err != nil {
		return err
	}

	log := r.log.WithComponent("replay").WithFields(logger.Fields{"file": file})
	category := categoryFor(file)
	cr := csv.NewReader(body)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		log.Warn("empty archive")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	cols, err := newColumns(header)
	if err != nil {
		return err
	}

	var fileRows int64
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read row %d: %w", fileRows+1, err)
		}
		fileRows++
		r.rows.Add(1)

		tick, err := cols.tick(rec, category, r.config.Exchange)
		if err != nil {
			if r.skipped.Add(1) <= 10 {
				log.WithError(err).WithFields(logger.Fields{"row": fileRows}).Warn("skipping malformed row")
			}
			continue
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := r.sub.Submit(ctx, tick); err != nil {
			return err
		}
		r.submitted.Add(1)
	}

	logger.LogDataFlowEntry(log, file, "pipeline", int(fileRows), string(category))
	return nil
}

func (r *Reader) open(ctx context.Context, file string) (io.ReadCloser, error) {
	if !strings.HasPrefix(file, "s3://") {
		return os.Open(file)
	}
	if r.s3 == nil {
		return nil, ErrNoS3Client
	}
	u, err := url.Parse(file)
	if err != nil {
		return nil, fmt.Errorf("parse s3 url: %w", err)
	}
	out, err := r.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

// decompress detects gzip by its magic bytes so misnamed archives still
// work.
func decompress(rc io.Reader) (io.Reader, error) {
	br := bufio.NewReader(rc)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		return zr, nil
	}
	return br, nil
}

// categoryFor picks the payload type from the archive name. Liquidation
// archives share the trade column layout.
func categoryFor(file string) models.Category {
	if strings.Contains(strings.ToLower(path.Base(file)), "liquidation") {
		return models.CategoryLiquidation
	}
	return models.CategoryTrade
}

type columns struct {
	exchange, symbol, timestamp, local, id, side, price, amount int
}

func newColumns(header []string) (columns, error) {
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	get := func(name string) int {
		if i, ok := idx[name]; ok {
			return i
		}
		return -1
	}
	c := columns{
		exchange:  get("exchange"),
		symbol:    get("symbol"),
		timestamp: get("timestamp"),
		local:     get("local_timestamp"),
		id:        get("id"),
		side:      get("side"),
		price:     get("price"),
		amount:    get("amount"),
	}
	for name, i := range map[string]int{"symbol": c.symbol, "timestamp": c.timestamp, "price": c.price, "amount": c.amount} {
		if i < 0 {
			return c, fmt.Errorf("missing column %q", name)
		}
	}
	return c, nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func (c columns) tick(rec []string, category models.Category, defaultExchange string) (models.Tick, error) {
	exchange := field(rec, c.exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	exchange = symbols.Exchange(exchange)

	ts, err := strconv.ParseInt(field(rec, c.timestamp), 10, 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("parse timestamp: %w", err)
	}
	eventTime := time.UnixMicro(ts).UTC()
	ingestTime := eventTime
	if v := field(rec, c.local); v != "" {
		if lts, err := strconv.ParseInt(v, 10, 64); err == nil {
			ingestTime = time.UnixMicro(lts).UTC()
		}
	}
	price, err := strconv.ParseFloat(field(rec, c.price), 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("parse price: %w", err)
	}
	amount, err := strconv.ParseFloat(field(rec, c.amount), 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("parse amount: %w", err)
	}

	side := models.ParseSide(field(rec, c.side))
	trade := models.Trade{ID: field(rec, c.id), Price: price, Amount: amount, Side: side}
	if err := trade.Validate(); err != nil {
		return models.Tick{}, err
	}
	var payload models.Payload = trade
	if category == models.CategoryLiquidation {
		payload = models.Liquidation{ID: trade.ID, Price: price, Amount: amount, Side: side}
	}

	return models.Tick{
		Exchange:   exchange,
		Symbol:     symbols.Canonical(exchange, field(rec, c.symbol)),
		EventTime:  eventTime,
		IngestTime: ingestTime,
		Payload:    payload,
	}, nil
}
