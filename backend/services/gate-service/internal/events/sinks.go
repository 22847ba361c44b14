package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 2 * time.Second

// LogSink renders events for the operator console.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

var logTitles = map[Type]string{
	TypeReceivedData:        "data received",
	TypeInsufficientBalance: "insufficient balance",
	TypeNoUnpaidEntry:       "no unpaid entry found",
	TypeChargeSent:          "charge sent to controller",
	TypeChargeExceeds:       "charge exceeds balance",
	TypePaymentProcessed:    "payment processed",
	TypeGateOpened:          "gate opened",
	TypeRemoteError:         "controller error",
	TypeConfirmTimeout:      "controller confirmation timed out",
	TypeProtocolError:       "invalid data format",
	TypeLedgerError:         "ledger error",
	TypeTransportError:      "serial transport error",
}

// Emit logs the event at info, or warn for failures.
func (s *LogSink) Emit(_ context.Context, e Event) error {
	title, ok := logTitles[e.Type]
	if !ok {
		title = string(e.Type)
	}

	fields := []zap.Field{zap.String("event", string(e.Type))}
	if e.SessionID != "" {
		fields = append(fields, zap.String("session_id", e.SessionID))
	}
	if e.Plate != "" {
		fields = append(fields, zap.String("plate", e.Plate))
	}
	switch e.Type {
	case TypeReceivedData, TypeInsufficientBalance:
		fields = append(fields, zap.Int64("cash", e.Cash))
	case TypeChargeSent, TypeChargeExceeds:
		fields = append(fields, zap.Int64("cash", e.Cash), zap.Int64("charge", e.Charge), zap.Duration("parked", e.Parked))
	case TypePaymentProcessed:
		fields = append(fields, zap.Int64("charge", e.Charge), zap.Int64("balance", e.Balance))
		if e.PaidAt != nil {
			fields = append(fields, zap.Time("paid_at", *e.PaidAt))
		}
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}

	if e.Failure() {
		s.logger.Warn(title, fields...)
	} else {
		s.logger.Info(title, fields...)
	}
	return nil
}

// Publisher is the subset of the go-redis client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes events as JSON on a pub/sub channel for dashboards.
type RedisSink struct {
	client  Publisher
	channel string
}

// NewRedisSink returns sink.
func NewRedisSink(client Publisher, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

// Emit publishes the event.
func (s *RedisSink) Emit(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	return s.client.Publish(ctx, s.channel, data).Err()
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink appends events to a topic keyed by plate, so one vehicle's
// events stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaWriter builds a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// NewKafkaSink returns sink.
func NewKafkaSink(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

// Emit writes the event.
func (s *KafkaSink) Emit(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Plate),
		Value: data,
		Time:  e.OccurredAt,
	})
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Fanout delivers each event to every sink. A failing sink is logged and
// does not stop delivery to the others.
type Fanout struct {
	sinks  []namedSink
	logger *zap.Logger
}

type namedSink struct {
	name string
	sink Sink
}

// NewFanout returns an empty fan-out.
func NewFanout(logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{logger: logger}
}

// Add registers a sink under name.
func (f *Fanout) Add(name string, sink Sink) {
	f.sinks = append(f.sinks, namedSink{name: name, sink: sink})
}

// Emit delivers e to all sinks and joins their errors.
func (f *Fanout) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.sink.Emit(ctx, e); err != nil {
			f.logger.Warn("event sink failed",
				zap.String("sink", s.name),
				zap.String("event", string(e.Type)),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
