package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaPublisher — синхронная публикация событий в топик Kafka.
// Ключ записи — accession_id: события одного архива попадают в одну партицию по порядку.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// kafkaRecordRetries — число повторов отправки записи.
const kafkaRecordRetries = 5

// NewKafkaPublisher создаёт producer и проверяет доступность брокеров.
// deliveryTimeout ограничивает доставку одной записи, включая повторы.
func NewKafkaPublisher(
	ctx context.Context,
	brokers []string,
	topic string,
	deliveryTimeout time.Duration,
	logger *slog.Logger,
) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordDeliveryTimeout(deliveryTimeout),
		kgo.RecordRetries(kafkaRecordRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("создание Kafka-клиента: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("Kafka ping: %w", err)
	}

	logger.Info("Kafka producer создан",
		slog.Any("brokers", brokers),
		slog.String("topic", topic),
		slog.Duration("delivery_timeout", deliveryTimeout),
	)

	return &KafkaPublisher{
		client: client,
		topic:  topic,
		logger: logger.With(slog.String("component", "kafka_publisher")),
	}, nil
}

// Publish сериализует событие в JSON и дожидается подтверждения брокера.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("сериализация события: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.AccessionID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("публикация события %s: %w", ev.Type, err)
	}

	p.logger.Debug("Событие опубликовано",
		slog.String("event_id", ev.ID),
		slog.String("type", ev.Type),
		slog.String("accession_id", ev.AccessionID),
	)
	return nil
}

// Close сбрасывает буферы и закрывает соединения с брокерами.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}
