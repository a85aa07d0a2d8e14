package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Intellihackz/westland-marketplace/internal/apperror"
	"github.com/Intellihackz/westland-marketplace/internal/models"
	"github.com/Intellihackz/westland-marketplace/internal/telemetry"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
}

// KafkaPublisher publishes payment state changes keyed by payment id, so
// every transition of one payment lands on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) PublishTransition(ctx context.Context, evt models.PaymentTransitionEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.PaymentID),
		Value: payload,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaGatewaySink queues verified webhook events for the worker.
type KafkaGatewaySink struct {
	writer messageWriter
}

func NewKafkaGatewaySink(writer messageWriter) *KafkaGatewaySink {
	return &KafkaGatewaySink{writer: writer}
}

func (s *KafkaGatewaySink) Forward(ctx context.Context, evt models.GatewayEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal gateway event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Reference),
		Value: payload,
	})
}

func (s *KafkaGatewaySink) Close() error {
	return s.writer.Close()
}

const (
	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

// GatewayEventConsumer reads queued webhook events and hands them to the
// dispatcher. An offset is committed once its event is handled or can never
// be; retryable dispatch errors hold the partition on that event.
type GatewayEventConsumer struct {
	reader     messageReader
	dispatcher *Dispatcher
	retryDelay time.Duration
}

func NewGatewayEventConsumer(reader messageReader, dispatcher *Dispatcher) *GatewayEventConsumer {
	return &GatewayEventConsumer{reader: reader, dispatcher: dispatcher, retryDelay: defaultRetryDelay}
}

// Run blocks until ctx is cancelled.
func (c *GatewayEventConsumer) Run(ctx context.Context) error {
	telemetry.Logger.Info("Started consuming gateway events")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			telemetry.Logger.Error("Error reading message from Kafka", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if !c.handleWithRetry(ctx, msg) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			telemetry.Logger.Error("Error committing Kafka offset",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// handleWithRetry dispatches msg until it succeeds or fails permanently. It
// returns false if ctx ended first, leaving the offset uncommitted.
func (c *GatewayEventConsumer) handleWithRetry(ctx context.Context, msg kafka.Message) bool {
	delay := c.retryDelay
	for {
		err := c.handle(ctx, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		telemetry.GatewayEventRetriesTotal.WithLabelValues(eventName(msg)).Inc()
		telemetry.Logger.Warn("Retrying gateway event",
			zap.Int64("offset", msg.Offset),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

// handle returns an error only when the event is worth retrying.
func (c *GatewayEventConsumer) handle(ctx context.Context, msg kafka.Message) error {
	var evt models.GatewayEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		telemetry.Logger.Error("Error unmarshaling gateway event",
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return nil
	}

	err := c.dispatcher.Dispatch(ctx, evt)
	if err == nil {
		return nil
	}
	switch apperror.KindOf(err) {
	case apperror.KindValidation, apperror.KindAuthorization:
		telemetry.Logger.Error("Dropping gateway event",
			zap.String("event", evt.Event),
			zap.String("reference", evt.Reference),
			zap.Error(err),
		)
		return nil
	}
	return err
}

func eventName(msg kafka.Message) string {
	var evt models.GatewayEvent
	if json.Unmarshal(msg.Value, &evt) != nil || evt.Event == "" {
		return "unknown"
	}
	return evt.Event
}

func (c *GatewayEventConsumer) Close() error {
	return c.reader.Close()
}
