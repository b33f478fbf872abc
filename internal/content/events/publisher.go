package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/umanagarjuna/content-cache/internal/content/domain"
)

const (
	DefaultTopic = "content-cache.events"

	EventJobStarted       = "warmup_job_started"
	EventJobFinished      = "warmup_job_finished"
	EventCacheInvalidated = "cache_invalidated"
)

type EventPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

var _ domain.EventPublisher = (*EventPublisher)(nil)

func NewEventPublisher(brokers []string, topic string) (*EventPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return NewEventPublisherWithProducer(producer, topic), nil
}

func NewEventPublisherWithProducer(producer sarama.SyncProducer, topic string) *EventPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &EventPublisher{producer: producer, topic: topic}
}

func (p *EventPublisher) PublishJobStarted(ctx context.Context,
	job *domain.WarmupJob) error {

	event := map[string]interface{}{
		"event_type": EventJobStarted,
		"timestamp":  job.StartedAt,
		"data": map[string]interface{}{
			"job_id":        job.ID,
			"total":         job.Total,
			"total_batches": job.TotalBatches,
		},
	}

	return p.publish(job.ID, event)
}

func (p *EventPublisher) PublishJobFinished(ctx context.Context,
	job *domain.WarmupJob) error {

	finishedAt := time.Now()
	if job.CompletedAt != nil {
		finishedAt = *job.CompletedAt
	}

	event := map[string]interface{}{
		"event_type": EventJobFinished,
		"timestamp":  finishedAt,
		"data": map[string]interface{}{
			"job_id":    job.ID,
			"status":    job.Status,
			"total":     job.Total,
			"processed": job.Processed,
			"succeeded": job.Succeeded,
			"failed":    job.Failed,
			"skipped":   job.Skipped,
		},
	}

	return p.publish(job.ID, event)
}

func (p *EventPublisher) PublishCacheInvalidated(ctx context.Context,
	pattern string, removed int) error {

	event := map[string]interface{}{
		"event_type": EventCacheInvalidated,
		"timestamp":  time.Now(),
		"data": map[string]interface{}{
			"pattern": pattern,
			"removed": removed,
		},
	}

	return p.publish(pattern, event)
}

func (p *EventPublisher) publish(key string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	_, _, err = p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}

func (p *EventPublisher) Close() error {
	return p.producer.Close()
}

// NoopPublisher is used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishJobStarted(context.Context, *domain.WarmupJob) error { return nil }
func (NoopPublisher) PublishJobFinished(context.Context, *domain.WarmupJob) error { return nil }
func (NoopPublisher) PublishCacheInvalidated(context.Context, string, int) error { return nil }
func (NoopPublisher) Close() error { return nil }
