package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	kafka "github.com/segmentio/kafka-go"

	"candleflow/internal/models"
	"candleflow/logger"
)

// MessageWriter is the part of kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublisherStats counts publisher activity.
type PublisherStats struct {
	Queued    int64 `json:"queued"`
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// KafkaPublisher is the serve path for merged candle rows. Publish never
// blocks; rows that do not fit the buffer are dropped and counted.
type KafkaPublisher struct {
	writer  MessageWriter
	topic   string
	queue   chan models.Row
	log     *logger.Log
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	queued    atomic.Int64
	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewKafkaWriter builds the default kafka-go writer.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}, nil
}

func NewKafkaPublisher(w MessageWriter, topic string, bufferSize int) *KafkaPublisher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	p := &KafkaPublisher{
		writer: w,
		topic:  topic,
		queue:  make(chan models.Row, bufferSize),
		log:    logger.GetLogger(),
	}
	p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"topic":       topic,
		"buffer_size": bufferSize,
	}).Debug("kafka publisher initialized")
	return p
}

func (p *KafkaPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("kafka publisher already running")
	}
	p.running = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.run(runCtx)
	return nil
}

// Publish queues a row for delivery.
func (p *KafkaPublisher) Publish(row models.Row) bool {
	select {
	case p.queue <- row.Clone():
		p.queued.Add(1)
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// maxPublishBatch caps how many buffered rows go into one WriteMessages call.
const maxPublishBatch = 256

func (p *KafkaPublisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case row := <-p.queue:
			p.send(ctx, p.collect(row))
		}
	}
}

// collect appends rows already waiting in the buffer to first, without
// blocking, up to maxPublishBatch.
func (p *KafkaPublisher) collect(first models.Row) []models.Row {
	rows := []models.Row{first}
	for len(rows) < maxPublishBatch {
		select {
		case row := <-p.queue:
			rows = append(rows, row)
		default:
			return rows
		}
	}
	return rows
}

// drain delivers whatever is still buffered at shutdown.
func (p *KafkaPublisher) drain() {
	var rows []models.Row
	for {
		select {
		case row := <-p.queue:
			rows = append(rows, row)
		default:
			if len(rows) > 0 {
				p.send(context.Background(), rows)
			}
			return
		}
	}
}

func (p *KafkaPublisher) send(ctx context.Context, rows []models.Row) {
	msgs := make([]kafka.Message, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			p.failed.Add(1)
			p.log.WithComponent("kafka_publisher").WithError(err).Warn("failed to marshal row")
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(row.String(models.ColExchange) + ":" + row.String(models.ColSymbol)),
			Value: data,
			Headers: []kafka.Header{
				{Key: "timeframe", Value: []byte(row.String(models.ColTimeframe))},
			},
		})
	}
	if len(msgs) == 0 {
		return
	}
	if err := p.writer.WriteMessages(context.WithoutCancel(ctx), msgs...); err != nil {
		p.failed.Add(int64(len(msgs)))
		p.log.WithComponent("kafka_publisher").WithError(err).Warn("failed to write messages")
		return
	}
	p.published.Add(int64(len(msgs)))
}

// Stop drains the buffer and closes the writer.
func (p *KafkaPublisher) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.running = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	err := p.writer.Close()
	p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"published": p.published.Load(),
		"dropped":   p.dropped.Load(),
	}).Info("kafka publisher stopped")
	return err
}

func (p *KafkaPublisher) Stats() PublisherStats {
	return PublisherStats{
		Queued:    p.queued.Load(),
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
}
