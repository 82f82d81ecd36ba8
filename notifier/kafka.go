package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"

	"depthwatch/config"
	"depthwatch/logger"
	"depthwatch/models"
)

// Event is the JSON document published for every notification.
type Event struct {
	Kind      string                    `json:"kind"`
	Pair      string                    `json:"pair"`
	PairID    uuid.UUID                 `json:"pair_id"`
	Anomalies []models.OrderBookAnomaly `json:"anomalies,omitempty"`
	Volume    *models.VolumeDeviation   `json:"volume,omitempty"`
	Summary   *models.SummaryDeviation  `json:"summary,omitempty"`
	SentAt    time.Time                 `json:"sent_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes notifications as JSON events keyed by pair symbol.
type Kafka struct {
	writer messageWriter
	topic  string
	now    func() time.Time
	log    *logger.Log
}

func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	k := newKafka(w, cfg.Topic)
	k.log.WithComponent("notifier").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka sink initialized")
	return k, nil
}

func newKafka(w messageWriter, topic string) *Kafka {
	return &Kafka{
		writer: w,
		topic:  topic,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logger.GetLogger(),
	}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) SendAnomalyDetection(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error {
	return k.publish(ctx, Event{Kind: KindDetection, Anomalies: batch}, pair)
}

func (k *Kafka) SendAnomalyCancellation(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error {
	return k.publish(ctx, Event{Kind: KindCancellation, Anomalies: batch}, pair)
}

func (k *Kafka) SendAnomalyRealization(ctx context.Context, pair models.Pair, batch []models.OrderBookAnomaly) error {
	return k.publish(ctx, Event{Kind: KindRealization, Anomalies: batch}, pair)
}

func (k *Kafka) SendVolumeNotification(ctx context.Context, pair models.Pair, v models.VolumeDeviation) error {
	return k.publish(ctx, Event{Kind: KindVolume, Volume: &v}, pair)
}

func (k *Kafka) SendSummaryNotification(ctx context.Context, pair models.Pair, s models.SummaryDeviation) error {
	return k.publish(ctx, Event{Kind: KindSummary, Summary: &s}, pair)
}

func (k *Kafka) publish(ctx context.Context, ev Event, pair models.Pair) error {
	ev.Pair = pair.Symbol
	ev.PairID = pair.ID
	ev.SentAt = k.now()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	msg := kafka.Message{
		Key:   []byte(pair.Symbol),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s event to %s: %w", ev.Kind, k.topic, err)
	}
	k.log.WithComponent("notifier").WithFields(logger.Fields{
		"sink": k.Name(),
		"kind": ev.Kind,
		"pair": pair.Symbol,
	}).Debug("event written to kafka")
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
