// Package kafka exports usage batches to a Kafka topic for downstream
// billing and analytics. Publishing is best-effort: a broker outage never
// blocks or fails a usage flush.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/aicarpool/gateway/internal/domain"
)

const (
	defaultPartitions  = 3
	defaultReplication = 1
	publishTimeout     = 10 * time.Second
)

// Publisher produces usage records to one topic, keyed by group so a
// consumer sees each tenant's records in order.
type Publisher struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

// NewPublisher connects to the brokers and ensures the topic exists.
func NewPublisher(ctx context.Context, brokers []string, topic string, log *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewPublisher: no seed brokers")
	}
	if topic == "" {
		return nil, fmt.Errorf("op=kafka.NewPublisher: empty topic")
	}
	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	instr := kotel.NewKotel(kotel.WithTracer(kotelTracer))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(instr.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewPublisher: %w", err)
	}
	if err := ensureTopic(ctx, client, topic, defaultPartitions, defaultReplication); err != nil {
		log.Warn("usage topic create failed, assuming it exists",
			slog.String("topic", topic), slog.Any("error", err))
	}
	return &Publisher{client: client, topic: topic, log: log}, nil
}

// PublishUsage produces one Kafka record per usage record. Failures are
// logged and dropped; the store remains the source of truth.
func (p *Publisher) PublishUsage(ctx domain.Context, records []domain.UsageRecord) {
	if len(records) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	batch := make([]*kgo.Record, 0, len(records))
	for i := range records {
		rec, err := encodeRecord(p.topic, records[i])
		if err != nil {
			p.log.Warn("usage event encode failed",
				slog.String("record_id", records[i].ID), slog.Any("error", err))
			continue
		}
		batch = append(batch, rec)
	}
	results := p.client.ProduceSync(pctx, batch...)
	if err := results.FirstErr(); err != nil {
		p.log.Warn("usage event publish failed",
			slog.Int("records", len(batch)), slog.Any("error", err))
	}
}

// encodeRecord builds the wire record for one usage row.
func encodeRecord(topic string, rec domain.UsageRecord) (*kgo.Record, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.encodeRecord id=%s: %w", rec.ID, err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(rec.GroupID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "record_id", Value: []byte(rec.ID)},
			{Key: "provider", Value: []byte(rec.ProviderID)},
			{Key: "model", Value: []byte(rec.ModelName)},
		},
	}, nil
}

// ensureTopic creates the topic when missing; error code 36 means it is
// already there.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30_000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=kafka.ensureTopic topic=%s: %w", topic, err)
	}
	created, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=kafka.ensureTopic topic=%s: unexpected response %T", topic, resp)
	}
	for _, tr := range created.Topics {
		if tr.ErrorCode == 0 || tr.ErrorCode == 36 {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("op=kafka.ensureTopic topic=%s: %s (code %d)", topic, msg, tr.ErrorCode)
	}
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
