package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"candleflow/internal/candle"
	"candleflow/internal/feature"
	"candleflow/internal/models"
	"candleflow/internal/router"
	"candleflow/internal/sink"
	"candleflow/internal/timeframe"
)

const (
	ModeLive   = "live"
	ModeReplay = "replay"

	BackendMemory     = "memory"
	BackendClickHouse = "clickhouse"
	BackendS3         = "s3"
)

type Config struct {
	Candleflow CandleflowConfig `yaml:"candleflow"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Router     RouterConfig     `yaml:"router"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Sink       SinkConfig       `yaml:"sink"`
	Storage    StorageConfig    `yaml:"storage"`
	Source     SourceConfig     `yaml:"source"`
	Replay     ReplayConfig     `yaml:"replay"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type CandleflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Mode    string `yaml:"mode"`
}

type MetricsConfig struct {
	ChannelSize     bool          `yaml:"channel_size"`
	SinkReport      bool          `yaml:"sink_report"`
	ReportInterval  time.Duration `yaml:"report_interval"`
	CloudWatch      bool          `yaml:"cloudwatch"`
	Namespace       string        `yaml:"namespace"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

type ChannelsConfig struct {
	TickBuffer    int `yaml:"tick_buffer"`
	PublishBuffer int `yaml:"publish_buffer"`
}

type AggregatorConfig struct {
	Timeframes        []string      `yaml:"timeframes"`
	FeatureTimeframes []string      `yaml:"feature_timeframes"`
	HistoryDepth      int           `yaml:"history_depth"`
	FillGaps          bool          `yaml:"fill_gaps"`
	CloseGrace        time.Duration `yaml:"close_grace"`
	CloseInterval     time.Duration `yaml:"close_interval"`

	timeframes        []timeframe.Timeframe
	featureTimeframes []timeframe.Timeframe
}

type RouterConfig struct {
	Direct               []string `yaml:"direct"`
	LiquidationMinAmount float64  `yaml:"liquidation_min_amount"`

	direct []models.Category
}

type PipelineConfig struct {
	Shards     int  `yaml:"shards"`
	QueueSize  int  `yaml:"queue_size"`
	PersistRaw bool `yaml:"persist_raw"`
}

type SinkConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	TickInterval  time.Duration `yaml:"tick_interval"`
	MaxQueueRows  int           `yaml:"max_queue_rows"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	RetryTimeout  time.Duration `yaml:"retry_timeout"`
	PartitionMode string        `yaml:"partition_mode"`
	LiveRetention time.Duration `yaml:"live_retention"`
}

type StorageConfig struct {
	Backend    string           `yaml:"backend"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	S3         S3Config         `yaml:"s3"`
	Kafka      KafkaConfig      `yaml:"kafka"`
}

type ClickHouseConfig struct {
	DSN string `yaml:"dsn"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
	Bybit   BybitSourceConfig   `yaml:"bybit"`
}

type BinanceSourceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Symbols        []string      `yaml:"symbols"`
	Trades         bool          `yaml:"trades"`
	MarkPrice      bool          `yaml:"mark_price"`
	Liquidations   bool          `yaml:"liquidations"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type BybitSourceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Symbols        []string      `yaml:"symbols"`
	Trades         bool          `yaml:"trades"`
	Tickers        bool          `yaml:"tickers"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type ReplayConfig struct {
	Files []string `yaml:"files"`
	// Exchange is used for archive rows without an exchange column.
	Exchange string `yaml:"exchange"`
	// Rate limits replay speed in ticks per second; zero replays at full speed.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// History bounds the metrics, logs and resource samples kept in memory.
	History        int           `yaml:"history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

func defaultConfig() Config {
	return Config{
		Candleflow: CandleflowConfig{Mode: ModeLive},
		Metrics: MetricsConfig{
			ChannelSize:     true,
			SinkReport:      true,
			ReportInterval:  time.Minute,
			Namespace:       "CandleFlow",
			PublishInterval: time.Minute,
		},
		Channels: ChannelsConfig{TickBuffer: 10000, PublishBuffer: 1024},
		Aggregator: AggregatorConfig{
			Timeframes:        []string{"15s", "1m", "5m", "15m", "1h", "4h", "24h"},
			FeatureTimeframes: []string{"1m", "5m", "15m", "1h"},
			HistoryDepth:      100,
			CloseGrace:        2 * time.Second,
			CloseInterval:     time.Second,
		},
		Router: RouterConfig{
			Direct:               []string{"trade", "liquidation", "derivative_ticker", "funding_rate"},
			LiquidationMinAmount: router.DefaultLiquidationMinAmount,
		},
		Pipeline: PipelineConfig{Shards: 4, QueueSize: 4096, PersistRaw: true},
		Sink: SinkConfig{
			FlushInterval: sink.DefaultFlushInterval,
			TickInterval:  sink.DefaultTickInterval,
			WriteTimeout:  sink.DefaultWriteTimeout,
			RetryTimeout:  sink.DefaultRetryTimeout,
			PartitionMode: string(sink.ModeLive),
			LiveRetention: sink.DefaultLiveRetention,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Kafka:   KafkaConfig{Topic: "candles"},
		},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{Trades: true, MarkPrice: true, Liquidations: true, ReconnectDelay: 5 * time.Second},
			Bybit: BybitSourceConfig{
				URL:            "wss://stream.bybit.com/v5/public/linear",
				Trades:         true,
				Tickers:        true,
				PingInterval:   20 * time.Second,
				ReconnectDelay: 5 * time.Second,
			},
		},
		Replay:    ReplayConfig{Exchange: "binance", Burst: 1000},
		Dashboard: DashboardConfig{Addr: ":8080", History: 200, SampleInterval: 5 * time.Second},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Storage.S3.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		config.Storage.S3.Bucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("CLICKHOUSE_DSN"); v != "" {
		config.Storage.ClickHouse.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		config.Storage.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("CANDLEFLOW_MODE"); v != "" {
		config.Candleflow.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("REPLAY_FILES"); v != "" {
		config.Replay.Files = splitList(v)
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Candleflow.Name == "" {
		return fmt.Errorf("candleflow.name is required")
	}
	if cfg.Candleflow.Version == "" {
		return fmt.Errorf("candleflow.version is required")
	}
	switch cfg.Candleflow.Mode {
	case ModeLive, ModeReplay:
	default:
		return fmt.Errorf("candleflow.mode must be %q or %q", ModeLive, ModeReplay)
	}

	if cfg.Channels.TickBuffer <= 0 {
		return fmt.Errorf("channels.tick_buffer must be greater than 0")
	}

	tfs, err := timeframe.ParseAll(cfg.Aggregator.Timeframes)
	if err != nil {
		return fmt.Errorf("aggregator.timeframes: %w", err)
	}
	if len(tfs) == 0 {
		return fmt.Errorf("aggregator.timeframes must not be empty")
	}
	featureTfs, err := timeframe.ParseAll(cfg.Aggregator.FeatureTimeframes)
	if err != nil {
		return fmt.Errorf("aggregator.feature_timeframes: %w", err)
	}
	enabled := map[timeframe.Timeframe]bool{}
	for _, tf := range tfs {
		enabled[tf] = true
	}
	for _, tf := range featureTfs {
		if !enabled[tf] {
			return fmt.Errorf("aggregator.feature_timeframes: %s is not an enabled timeframe", tf)
		}
	}
	cfg.Aggregator.timeframes = tfs
	cfg.Aggregator.featureTimeframes = featureTfs

	if cfg.Aggregator.HistoryDepth < feature.MinHistoryDepth {
		return fmt.Errorf("aggregator.history_depth must be at least %d", feature.MinHistoryDepth)
	}
	if cfg.Aggregator.CloseGrace < 0 {
		return fmt.Errorf("aggregator.close_grace must not be negative")
	}

	cfg.Router.direct = cfg.Router.direct[:0]
	for _, name := range cfg.Router.Direct {
		c, err := models.ParseCategory(name)
		if err != nil {
			return fmt.Errorf("router.direct: %w", err)
		}
		cfg.Router.direct = append(cfg.Router.direct, c)
	}
	if cfg.Router.LiquidationMinAmount < 0 {
		return fmt.Errorf("router.liquidation_min_amount must not be negative")
	}

	if cfg.Pipeline.Shards <= 0 {
		return fmt.Errorf("pipeline.shards must be greater than 0")
	}
	if cfg.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be greater than 0")
	}

	if cfg.Sink.FlushInterval <= 0 {
		return fmt.Errorf("sink.flush_interval must be greater than 0")
	}
	if cfg.Sink.TickInterval <= 0 || cfg.Sink.TickInterval > cfg.Sink.FlushInterval {
		return fmt.Errorf("sink.tick_interval must be greater than 0 and not exceed sink.flush_interval")
	}
	if cfg.Sink.MaxQueueRows < 0 {
		return fmt.Errorf("sink.max_queue_rows must not be negative")
	}
	switch sink.Mode(cfg.Sink.PartitionMode) {
	case sink.ModeLive, sink.ModeHistorical:
	default:
		return fmt.Errorf("sink.partition_mode must be %q or %q", sink.ModeLive, sink.ModeHistorical)
	}

	switch cfg.Storage.Backend {
	case BackendMemory:
		if env := AppEnvironment(); IsProductionLike(env) {
			return fmt.Errorf("storage.backend %q is not allowed in %s", BackendMemory, env)
		}
	case BackendClickHouse:
		if cfg.Storage.ClickHouse.DSN == "" {
			return fmt.Errorf("storage.clickhouse.dsn is required for the clickhouse backend")
		}
		if _, err := url.Parse(cfg.Storage.ClickHouse.DSN); err != nil {
			return fmt.Errorf("storage.clickhouse.dsn: %w", err)
		}
	case BackendS3:
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required for the s3 backend")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", cfg.Storage.Backend)
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.Candleflow.Mode == ModeLive {
		if !cfg.Source.Binance.Enabled && !cfg.Source.Bybit.Enabled {
			return fmt.Errorf("live mode needs at least one enabled source")
		}
		if cfg.Source.Binance.Enabled && len(cfg.Source.Binance.Symbols) == 0 {
			return fmt.Errorf("source.binance.symbols must not be empty")
		}
		if cfg.Source.Bybit.Enabled && len(cfg.Source.Bybit.Symbols) == 0 {
			return fmt.Errorf("source.bybit.symbols must not be empty")
		}
	} else {
		if len(cfg.Replay.Files) == 0 {
			return fmt.Errorf("replay.files must not be empty in replay mode")
		}
		if cfg.Replay.Rate < 0 {
			return fmt.Errorf("replay.rate must not be negative")
		}
	}

	return nil
}

// Timeframes returns the validated timeframe list.
func (c *Config) Timeframes() []timeframe.Timeframe {
	return append([]timeframe.Timeframe(nil), c.Aggregator.timeframes...)
}

// CandleConfig derives the aggregator settings.
func (c *Config) CandleConfig() candle.Config {
	return candle.Config{
		Timeframes:        append([]timeframe.Timeframe(nil), c.Aggregator.timeframes...),
		FeatureTimeframes: append([]timeframe.Timeframe(nil), c.Aggregator.featureTimeframes...),
		FillGaps:          c.Aggregator.FillGaps,
		CloseGrace:        c.Aggregator.CloseGrace,
	}
}

// BatchSinkConfig derives the sink settings. Replay always writes
// historical partitions.
func (c *Config) BatchSinkConfig() sink.Config {
	mode := sink.Mode(c.Sink.PartitionMode)
	if c.Candleflow.Mode == ModeReplay {
		mode = sink.ModeHistorical
	}
	return sink.Config{
		FlushInterval: c.Sink.FlushInterval,
		TickInterval:  c.Sink.TickInterval,
		MaxQueueRows:  c.Sink.MaxQueueRows,
		WriteTimeout:  c.Sink.WriteTimeout,
		RetryTimeout:  c.Sink.RetryTimeout,
		Mode:          mode,
		LiveRetention: c.Sink.LiveRetention,
	}
}

// DataRouterConfig derives the router settings.
func (c *Config) DataRouterConfig() router.Config {
	return router.Config{
		Direct:               append([]models.Category(nil), c.Router.direct...),
		LiquidationMinAmount: c.Router.LiquidationMinAmount,
	}
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
