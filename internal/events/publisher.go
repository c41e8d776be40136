package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"copytrade/internal/models"

	"github.com/segmentio/kafka-go"
)

const publishTimeout = 5 * time.Second

// MessageWriter - часть kafka.Writer, нужная publisher
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutcomePublisher публикует терминальные записи копирования в Kafka.
// Ключ сообщения - master_trade_id: все исходы одного события попадают в одну партицию.
type OutcomePublisher struct {
	writer MessageWriter
	topic  string
	logger *slog.Logger
}

func NewOutcomePublisher(brokers []string, topic string, logger *slog.Logger) *OutcomePublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	return NewOutcomePublisherWithWriter(writer, topic, logger)
}

func NewOutcomePublisherWithWriter(writer MessageWriter, topic string, logger *slog.Logger) *OutcomePublisher {
	return &OutcomePublisher{
		writer: writer,
		topic:  topic,
		logger: logger.With(slog.String("topic", topic)),
	}
}

// Publish отправляет запись; ошибка только логируется, ledger остаётся источником истины
func (p *OutcomePublisher) Publish(ctx context.Context, rec models.CopyTradeRecord) {
	if err := p.Write(ctx, rec); err != nil {
		p.logger.Error("Failed to publish copy trade outcome",
			slog.Int64("record_id", rec.ID),
			slog.Any("error", err))
	}
}

// Write отправляет запись и возвращает ошибку Kafka
func (p *OutcomePublisher) Write(ctx context.Context, rec models.CopyTradeRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(rec.MasterTradeID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(rec.Status)},
			{Key: "follower_id", Value: []byte(strconv.Itoa(rec.FollowerID))},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}

	return nil
}

func (p *OutcomePublisher) Close() error {
	return p.writer.Close()
}
