// Package publish ships completed run summaries to Kafka as an audit
// trail of fleet operations.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/akarev/fleetexec/internal/collate"
	"github.com/akarev/fleetexec/internal/lg"
)

// messageWriter is the kafka.Writer surface we depend on, narrowed for
// tests.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RunRecord is the message body published per completed run.
type RunRecord struct {
	RunID    uuid.UUID       `json:"run_id"`
	Command  string          `json:"command,omitempty"`
	Action   string          `json:"action,omitempty"`
	Finished time.Time       `json:"finished"`
	Summary  collate.Summary `json:"summary"`
}

// Publisher writes run records to a topic. A nil *Publisher is a no-op,
// so callers can wire it optionally.
type Publisher struct {
	writer messageWriter
	logger lg.Logger
}

func NewKafka(brokers []string, topic string, logger lg.Logger) *Publisher {
	if logger == nil {
		logger = lg.Discard
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

func (p *Publisher) Publish(ctx context.Context, rec RunRecord) error {
	if p == nil {
		return nil
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("publish: marshal run %s: %w", rec.RunID, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   rec.RunID[:],
		Value: body,
		Time:  rec.Finished,
	})
	if err != nil {
		p.logger.Error("publish failed", lg.String("run", rec.RunID.String()), lg.Err(err))
		return fmt.Errorf("publish: write run %s: %w", rec.RunID, err)
	}
	p.logger.Info("run published", lg.String("run", rec.RunID.String()))
	return nil
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
