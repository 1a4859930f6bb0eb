package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"candleflow/internal/models"
	"candleflow/internal/sink"
	"candleflow/logger"
)

const manifestName = "_table.json"

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// S3API is the subset of the S3 client used by the store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures the client and object layout.
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client from static or default credentials.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// S3Store writes snappy parquet objects under Hive style keys
// <prefix>/table=<t>/exchange=<e>/date=<d>/. A table exists once its
// manifest object exists.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	log    *logger.Log
	now    func() time.Time

	mu    sync.RWMutex
	specs map[string]sink.TableSpec
}

var _ sink.TableStore = (*S3Store)(nil)

func NewS3Store(client S3API, opts S3Options) (*S3Store, error) {
	bucket, err := normalizeBucketName(opts.Bucket)
	if err != nil {
		return nil, err
	}
	store := &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		log:    logger.GetLogger(),
		now:    time.Now,
		specs:  make(map[string]sink.TableSpec),
	}
	store.log.WithComponent("s3_store").WithFields(logger.Fields{
		"bucket":     bucket,
		"prefix":     store.prefix,
		"region":     opts.Region,
		"endpoint":   opts.Endpoint,
		"path_style": opts.PathStyle,
	}).Info("s3 store initialized")
	return store, nil
}

func normalizeBucketName(raw string) (string, error) {
	bucket := strings.TrimSpace(raw)
	if bucket == "" {
		return "", fmt.Errorf("s3 bucket not configured")
	}
	return bucket, nil
}

type manifest struct {
	Table           string          `json:"table"`
	Columns         []manifestField `json:"columns"`
	PartitionColumn string          `json:"partition_column"`
	Granularity     string          `json:"granularity"`
	RetentionDays   int             `json:"retention_days"`
	ClusterColumns  []string        `json:"cluster_columns"`
	CreatedAt       time.Time       `json:"created_at"`
}

type manifestField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (s *S3Store) EnsureTable(ctx context.Context, spec sink.TableSpec) (bool, error) {
	if !identifierPattern.MatchString(spec.Name) {
		return false, fmt.Errorf("invalid table name %q", spec.Name)
	}
	if _, err := parquetSchema(spec); err != nil {
		return false, err
	}

	m := manifest{
		Table:           spec.Name,
		PartitionColumn: spec.PartitionColumn,
		Granularity:     string(spec.Granularity),
		RetentionDays:   int(spec.Retention / (24 * time.Hour)),
		ClusterColumns:  spec.ClusterColumns,
		CreatedAt:       s.now().UTC(),
	}
	for _, c := range spec.Columns {
		m.Columns = append(m.Columns, manifestField{Name: c.Name, Type: string(c.Type)})
	}
	body, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("marshal manifest: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.tableKey(spec.Name, manifestName)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	created := true
	if err != nil {
		if !isObjectExists(err) {
			return false, fmt.Errorf("write manifest for %s: %w", spec.Name, err)
		}
		created = false
	}

	s.mu.Lock()
	s.specs[spec.Name] = spec
	s.mu.Unlock()
	return created, nil
}

// isObjectExists reports a failed If-None-Match precondition.
func isObjectExists(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}

func (s *S3Store) WriteBatch(ctx context.Context, table string, rows []models.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.mu.RLock()
	spec, ok := s.specs[table]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	written := 0
	for _, part := range partitionRows(spec, rows) {
		data, err := encodeParquet(spec, part.rows)
		if err != nil {
			return written, fmt.Errorf("encode parquet: %w", err)
		}
		key := s.objectKey(spec, part)
		if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		}); err != nil {
			return written, fmt.Errorf("upload %s: %w", key, err)
		}
		written += len(part.rows)

		s.log.WithComponent("s3_store").WithFields(logger.Fields{
			"s3_key":  key,
			"records": len(part.rows),
			"bytes":   len(data),
		}).Debug("parquet object uploaded")
	}
	return written, nil
}

type partition struct {
	exchange string
	bucket   time.Time
	rows     []models.Row
}

// partitionRows groups rows by exchange and partition bucket, preserving
// row order inside each group.
func partitionRows(spec sink.TableSpec, rows []models.Row) []*partition {
	byKey := map[string]*partition{}
	var order []string
	for _, r := range rows {
		exch := strings.ToLower(r.String(models.ColExchange))
		if exch == "" {
			exch = "unknown"
		}
		var bucket time.Time
		if spec.PartitionColumn != "" {
			bucket = spec.Granularity.Truncate(r.Time(spec.PartitionColumn))
		}
		key := exch + "|" + bucket.Format(time.RFC3339)
		p, ok := byKey[key]
		if !ok {
			p = &partition{exchange: exch, bucket: bucket}
			byKey[key] = p
			order = append(order, key)
		}
		p.rows = append(p.rows, r)
	}
	out := make([]*partition, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

func (s *S3Store) tableKey(table string, parts ...string) string {
	elems := []string{}
	if s.prefix != "" {
		elems = append(elems, s.prefix)
	}
	elems = append(elems, "table="+table)
	elems = append(elems, parts...)
	return path.Join(elems...)
}

func (s *S3Store) objectKey(spec sink.TableSpec, p *partition) string {
	parts := []string{"exchange=" + p.exchange}
	if !p.bucket.IsZero() {
		switch spec.Granularity {
		case sink.GranularityHour:
			parts = append(parts, p.bucket.Format("date=2006-01-02"), p.bucket.Format("hour=15"))
		case sink.GranularityMonth:
			parts = append(parts, p.bucket.Format("month=2006-01"))
		default:
			parts = append(parts, p.bucket.Format("date=2006-01-02"))
		}
	}
	filename := fmt.Sprintf("%s_%s_%s.parquet", spec.Name, s.now().UTC().Format("20060102150405"), uuid.NewString()[:8])
	parts = append(parts, filename)
	return s.tableKey(spec.Name, parts...)
}

type schemaField struct {
	Tag string `json:"Tag"`
}

type schemaRoot struct {
	Tag    string        `json:"Tag"`
	Fields []schemaField `json:"Fields"`
}

// parquetSchema renders the JSON schema understood by parquet-go. Every
// float column is optional so sparse feature rows encode as nulls.
func parquetSchema(spec sink.TableSpec) (string, error) {
	if len(spec.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", spec.Name)
	}
	root := schemaRoot{Tag: "name=parquet_go_root, repetitiontype=REQUIRED"}
	for i, c := range spec.Columns {
		if !identifierPattern.MatchString(c.Name) {
			return "", fmt.Errorf("invalid column name %q", c.Name)
		}
		var typ string
		switch c.Type {
		case sink.TypeFloat64, sink.TypeNullableFloat64:
			typ = "type=DOUBLE, repetitiontype=OPTIONAL"
		case sink.TypeInt64:
			typ = "type=INT64, repetitiontype=REQUIRED"
		case sink.TypeBool:
			typ = "type=BOOLEAN, repetitiontype=REQUIRED"
		case sink.TypeTimestamp:
			typ = "type=INT64, convertedtype=TIMESTAMP_MILLIS, repetitiontype=REQUIRED"
		default:
			typ = "type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED"
		}
		root.Fields = append(root.Fields, schemaField{
			Tag: fmt.Sprintf("name=%s, inname=Col%d, %s", c.Name, i, typ),
		})
	}
	b, err := json.Marshal(root)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeParquet(spec sink.TableSpec, rows []models.Row) ([]byte, error) {
	schema, err := parquetSchema(spec)
	if err != nil {
		return nil, err
	}
	mf := newMemFile()
	pw, err := writer.NewJSONWriter(schema, mf, 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows {
		rec, err := parquetRecord(spec, r)
		if err != nil {
			return nil, err
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

// parquetRecord renders one row as the JSON document the writer expects.
func parquetRecord(spec sink.TableSpec, r models.Row) (string, error) {
	doc := make(map[string]any, len(spec.Columns))
	for _, c := range spec.Columns {
		v := r[c.Name]
		switch c.Type {
		case sink.TypeFloat64, sink.TypeNullableFloat64:
			if f, ok := r.Float(c.Name); ok {
				doc[c.Name] = f
			} else {
				doc[c.Name] = nil
			}
		case sink.TypeTimestamp:
			doc[c.Name] = r.Time(c.Name).UnixMilli()
		default:
			doc[c.Name] = clickhouseValue(c.Type, v)
		}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
