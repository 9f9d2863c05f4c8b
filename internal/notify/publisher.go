// Package notify hands eligibility sets to the external delivery system.
// Publishing is best-effort by contract: the engine guarantees the set, not
// the delivery, so allocation never fails because a broker is down.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Publisher fans shortfall and drive events out to the notification
// collaborator.
type Publisher interface {
	PublishShortfall(ctx context.Context, event ShortfallEvent) error
	PublishDrive(ctx context.Context, event DriveEvent) error
	Close() error
}

const (
	TopicShortfalls = "bloodbridge.shortfalls"
	TopicDrives     = "bloodbridge.drives"
)

// KafkaPublisher writes events to Kafka, keyed by request ID so per-request
// ordering survives partitioning.
type KafkaPublisher struct {
	client *kgo.Client
	logger *slog.Logger
}

// NewKafkaPublisher connects to the brokers and makes sure both topics
// exist. Topic creation is idempotent; an "already exists" answer is fine.
func NewKafkaPublisher(ctx context.Context, brokers []string, logger *slog.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	admin := kadm.NewClient(client)
	if _, err := admin.CreateTopics(ctx, 1, 1, nil, TopicShortfalls, TopicDrives); err != nil {
		logger.WarnContext(ctx, "topic bootstrap failed, relying on auto-creation", "error", err)
	}
	return &KafkaPublisher{client: client, logger: logger}, nil
}

func (p *KafkaPublisher) PublishShortfall(ctx context.Context, event ShortfallEvent) error {
	return p.produce(ctx, TopicShortfalls, event.RequestID, event)
}

func (p *KafkaPublisher) PublishDrive(ctx context.Context, event DriveEvent) error {
	return p.produce(ctx, TopicDrives, event.RequestID, event)
}

func (p *KafkaPublisher) produce(ctx context.Context, topic, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: payload}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}

// LogPublisher is the fallback when no brokers are configured: events land
// in the structured log so operators still see shortfalls in development.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishShortfall(ctx context.Context, event ShortfallEvent) error {
	p.logger.InfoContext(ctx, "shortfall detected",
		"request_id", event.RequestID,
		"blood_type", event.BloodType,
		"component", event.Component,
		"units_short", event.UnitsShort,
		"eligible_donors", len(event.EligibleDonors),
	)
	return nil
}

func (p *LogPublisher) PublishDrive(ctx context.Context, event DriveEvent) error {
	p.logger.InfoContext(ctx, "blood drive announced",
		"request_id", event.RequestID,
		"organizer", event.Organizer,
		"volunteers", len(event.Volunteers),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
