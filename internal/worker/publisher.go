package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const publishAttempts = 3

// amqpPublisher is the part of *amqp.Channel a RabbitPublisher uses.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitPublisher publishes results to a queue through the default exchange.
type RabbitPublisher struct {
	channel amqpPublisher
	queue   string
	logger  *zap.Logger
}

var _ ResultPublisher = (*RabbitPublisher)(nil)

// NewRabbitPublisher opens a channel on conn and declares the durable result queue.
func NewRabbitPublisher(conn *amqp.Connection, queue string, logger *zap.Logger) (*RabbitPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("result publisher: failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("result publisher: failed to declare queue %s: %w", queue, err)
	}
	return newRabbitPublisher(ch, queue, logger), nil
}

func newRabbitPublisher(ch amqpPublisher, queue string, logger *zap.Logger) *RabbitPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitPublisher{channel: ch, queue: queue, logger: logger.Named("publisher")}
}

// PublishResult publishes result as a persistent JSON message, retrying
// transient channel errors.
func (p *RabbitPublisher) PublishResult(ctx context.Context, result Result) error {
	if p.channel == nil {
		return errors.New("rabbitmq channel is not initialized")
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for attempt := 1; attempt <= publishAttempts; attempt++ {
		err = p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			AppId:        "pagegen-worker",
			Type:         string(result.Status),
		})
		if err == nil {
			p.logger.Debug("Result published", zap.String("task_id", result.TaskID), zap.Int("attempt", attempt))
			return nil
		}
		p.logger.Warn("Publish attempt failed", zap.String("queue", p.queue), zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to publish result to %s: %w", p.queue, ctx.Err())
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return fmt.Errorf("failed to publish result to %s after %d attempts: %w", p.queue, publishAttempts, err)
}
