package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"candleflow/config"
	"candleflow/internal/channel"
	"candleflow/internal/dashboard"
	"candleflow/internal/metrics"
	"candleflow/internal/pipeline"
	"candleflow/internal/reader/binance"
	"candleflow/internal/reader/bybit"
	"candleflow/internal/reader/replay"
	"candleflow/internal/router"
	"candleflow/internal/sink"
	"candleflow/internal/writer"
	"candleflow/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	mode := flag.String("mode", "", "Override candleflow.mode (live or replay)")
	flag.Parse()

	if *mode != "" {
		os.Setenv("CANDLEFLOW_MODE", *mode)
	}
	if flag.NArg() > 0 {
		os.Setenv("REPLAY_FILES", strings.Join(flag.Args(), ","))
	}

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Candleflow.Name,
		"version": cfg.Candleflow.Version,
		"mode":    cfg.Candleflow.Mode,
		"backend": cfg.Storage.Backend,
		"env":     config.AppEnvironment(),
	}).Info("starting candleflow")

	// appCtx ends on a signal and stops ingestion. runCtx outlives it so the
	// pipeline and sink can drain before they are stopped explicitly.
	appCtx, stop := context.WithCancel(context.Background())
	defer stop()
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
			stop()
		case <-appCtx.Done():
		}
	}()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(runCtx, log, 30*time.Second)
	}

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.CloudWatch {
		if err := logger.InitCloudWatch(runCtx, cfg.Storage.S3.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName); err != nil {
			log.WithError(err).Warn("runtime report stays local")
		}
		metrics.InitCloudWatch(cfg.Storage.S3.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName, cfg.Metrics.PublishInterval)
		if err := metrics.CreateDashboard(runCtx); err != nil {
			log.WithError(err).Warn("failed to create metrics dashboard")
		}
	}
	rec := metrics.NewRecorder()

	store, closeStore, err := openStore(runCtx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to open table store")
		os.Exit(1)
	}
	defer closeStore()

	batchSink, err := sink.New(cfg.BatchSinkConfig(), store, sink.WithFlushHook(func(res sink.FlushResult) {
		rec.ObserveFlush(res)
		if res.Err == nil {
			logger.IncrementStoreWrite(cfg.Storage.Backend, res.Written)
		}
	}))
	if err != nil {
		log.WithError(err).Error("failed to create batch sink")
		os.Exit(1)
	}
	for _, spec := range pipeline.TableSpecs(cfg.CandleConfig()) {
		batchSink.Register(spec)
	}
	if err := batchSink.Start(runCtx); err != nil {
		log.WithError(err).Error("failed to start batch sink")
		os.Exit(1)
	}

	var publisher *writer.KafkaPublisher
	if cfg.Storage.Kafka.Enabled {
		kw, err := writer.NewKafkaWriter(cfg.Storage.Kafka.Brokers, cfg.Storage.Kafka.Topic)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
		publisher = writer.NewKafkaPublisher(kw, cfg.Storage.Kafka.Topic, cfg.Channels.PublishBuffer)
		if err := publisher.Start(runCtx); err != nil {
			log.WithError(err).Error("failed to start kafka publisher")
			os.Exit(1)
		}
	}

	rt, err := router.New(cfg.DataRouterConfig())
	if err != nil {
		log.WithError(err).Error("failed to create data router")
		os.Exit(1)
	}

	replaying := cfg.Candleflow.Mode == config.ModeReplay
	opts := []pipeline.Option{pipeline.WithObserver(rec)}
	if publisher != nil {
		opts = append(opts, pipeline.WithPublisher(publisher))
	}
	pipe, err := pipeline.New(pipeline.Config{
		Shards:        cfg.Pipeline.Shards,
		QueueSize:     cfg.Pipeline.QueueSize,
		Candle:        cfg.CandleConfig(),
		HistoryDepth:  cfg.Aggregator.HistoryDepth,
		CloseInterval: cfg.Aggregator.CloseInterval,
		EventClock:    replaying,
		PersistRaw:    cfg.Pipeline.PersistRaw,
		DenseFeatures: cfg.Storage.Backend == config.BackendClickHouse,
	}, rt, batchSink, opts...)
	if err != nil {
		log.WithError(err).Error("failed to create pipeline")
		os.Exit(1)
	}
	if err := pipe.Start(runCtx); err != nil {
		log.WithError(err).Error("failed to start pipeline")
		os.Exit(1)
	}

	channels := channel.NewChannels(cfg.Channels.TickBuffer)

	sources := metrics.Sources{
		Pipeline: pipe.Stats,
		Sink:     batchSink.Stats,
		Channels: channels,
	}
	if publisher != nil {
		sources.Publisher = publisher.Stats
	}
	metrics.NewReporter(rec, sources).Start(runCtx, cfg.Metrics.ReportInterval)
	metrics.StartChannelSizeMetrics(runCtx, channels, func() []int { return pipe.Stats().QueueDepth }, rec, 0)
	logger.AddReportSource("pipeline", func() logger.Fields {
		st := pipe.Stats()
		return logger.Fields{
			"processed":   st.Processed,
			"candles":     st.Candles,
			"late_ticks":  st.LateTicks,
			"malformed":   st.Malformed,
			"unsupported": st.Unsupported,
			"dropped":     st.Dropped,
		}
	})

	dash, err := dashboard.NewServer(cfg.Dashboard, log, sources, rec.Handler())
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	var wg sync.WaitGroup
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(runCtx); err != nil {
				log.WithError(err).Warn("dashboard stopped with error")
			}
		}()
	}

	exitCode := 0
	if replaying {
		switch err := runReplay(appCtx, cfg, pipe); {
		case errors.Is(err, context.Canceled):
			log.Warn("replay interrupted")
		case err != nil:
			log.WithError(err).Error("replay failed")
			exitCode = 1
		default:
			log.Info("replay completed")
		}
	} else {
		runLive(appCtx, runCtx, cfg, channels, pipe)
	}

	log.Info("starting graceful shutdown")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	log.Info("stopping pipeline")
	if err := pipe.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("pipeline did not drain in time")
	}
	log.Info("stopping batch sink")
	if err := batchSink.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("batch sink did not flush every table")
		exitCode = 1
	}
	if publisher != nil {
		log.Info("stopping kafka publisher")
		if err := publisher.Stop(); err != nil {
			log.WithError(err).Warn("kafka publisher stopped with error")
		}
	}

	runCancel()
	wg.Wait()
	log.Info("candleflow stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// openStore builds the configured table store and its cleanup.
func openStore(ctx context.Context, cfg *config.Config) (sink.TableStore, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendClickHouse:
		conn, err := writer.NewConn(ctx, cfg.Storage.ClickHouse.DSN)
		if err != nil {
			return nil, nil, err
		}
		return writer.NewClickHouseStore(conn), func() { conn.Close() }, nil
	case config.BackendS3:
		opts := s3Options(cfg)
		client, err := writer.NewS3Client(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		store, err := writer.NewS3Store(client, opts)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return writer.NewMemoryStore(), func() {}, nil
	}
}

func s3Options(cfg *config.Config) writer.S3Options {
	s := cfg.Storage.S3
	return writer.S3Options{
		Bucket:          s.Bucket,
		Prefix:          s.Prefix,
		Region:          s.Region,
		Endpoint:        s.Endpoint,
		PathStyle:       s.PathStyle,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
	}
}

type liveReader interface {
	Start(ctx context.Context) error
	Stop()
}

// runLive streams from the enabled exchanges until appCtx is cancelled,
// then stops the readers and drains the tick channel into the pipeline.
func runLive(appCtx, runCtx context.Context, cfg *config.Config, channels *channel.Channels, pipe *pipeline.Pipeline) {
	log := logger.GetLogger().WithComponent("main")

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		if err := pipe.Consume(runCtx, channels.Ticks); err != nil {
			log.WithError(err).Warn("tick consumer stopped")
		}
	}()

	var readers []liveReader
	if cfg.Source.Binance.Enabled {
		readers = append(readers, binance.NewReader(cfg.Source.Binance, channels))
	}
	if cfg.Source.Bybit.Enabled {
		readers = append(readers, bybit.NewReader(cfg.Source.Bybit, channels))
	}
	for _, r := range readers {
		if err := r.Start(appCtx); err != nil {
			log.WithError(err).Warn("reader failed to start")
		}
	}
	log.Info("all components started successfully")

	<-appCtx.Done()

	log.Info("stopping readers")
	for _, r := range readers {
		r.Stop()
	}
	channels.Close()
	<-consumed
}

func runReplay(ctx context.Context, cfg *config.Config, pipe *pipeline.Pipeline) error {
	var opts []replay.Option
	for _, f := range cfg.Replay.Files {
		if strings.HasPrefix(f, "s3://") {
			client, err := writer.NewS3Client(ctx, s3Options(cfg))
			if err != nil {
				return err
			}
			opts = append(opts, replay.WithS3(client))
			break
		}
	}

	rr, err := replay.NewReader(cfg.Replay, pipe, opts...)
	if err != nil {
		return err
	}
	logger.AddReportSource("replay", func() logger.Fields {
		st := rr.Stats()
		return logger.Fields{"files": st.Files, "rows": st.Rows, "submitted": st.Submitted, "skipped": st.Skipped}
	})
	return rr.Run(ctx)
}
