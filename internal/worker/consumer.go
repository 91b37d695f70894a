package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consumer reads tasks and cancel commands from RabbitMQ. Tasks are handled
// one at a time; cancel commands are handled concurrently with them so a
// running batch can be stopped.
type Consumer struct {
	conn        *amqp.Connection
	processor   *Processor
	taskQueue   string
	cancelQueue string
	prefetch    int
	logger      *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewConsumer creates a consumer.
func NewConsumer(conn *amqp.Connection, processor *Processor, taskQueue, cancelQueue string, prefetch int, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{
		conn:        conn,
		processor:   processor,
		taskQueue:   taskQueue,
		cancelQueue: cancelQueue,
		prefetch:    prefetch,
		logger:      logger.Named("consumer"),
		stop:        make(chan struct{}),
	}
}

// Start consumes until ctx is done, Stop is called or the connection closes.
func (c *Consumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("consumer: failed to open channel: %w", err)
	}
	defer ch.Close()

	for _, q := range []string{c.taskQueue, c.cancelQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("consumer: failed to declare queue %s: %w", q, err)
		}
	}
	if err := ch.Qos(c.prefetch+1, 0, false); err != nil {
		return fmt.Errorf("consumer: failed to set QoS: %w", err)
	}

	tasks, err := ch.Consume(c.taskQueue, "pagegen-worker-tasks", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consumer: failed to consume %s: %w", c.taskQueue, err)
	}
	cancels, err := ch.Consume(c.cancelQueue, "pagegen-worker-cancel", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consumer: failed to consume %s: %w", c.cancelQueue, err)
	}
	c.logger.Info("Consumer started", zap.String("task_queue", c.taskQueue), zap.String("cancel_queue", c.cancelQueue))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case d, ok := <-cancels:
				if !ok {
					return
				}
				c.handleCancel(ctx, d)
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
		}
	}()
	defer wg.Wait()

	for {
		select {
		case d, ok := <-tasks:
			if !ok {
				c.logger.Warn("Task delivery channel closed")
				return nil
			}
			c.handleTask(ctx, d)
		case <-ctx.Done():
			c.logger.Info("Consumer context done")
			return nil
		case <-c.stop:
			c.logger.Info("Consumer stopped")
			return nil
		}
	}
}

// Stop ends Start.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// handleTask processes one task delivery and settles it. Malformed messages
// are dropped without requeue; generation outcomes are acknowledged since
// their result has already been published.
func (c *Consumer) handleTask(ctx context.Context, d amqp.Delivery) {
	log := c.logger.With(zap.Uint64("delivery_tag", d.DeliveryTag))
	log.Debug("Task received")

	if err := c.processor.Process(ctx, d.Body); err != nil {
		log.Error("Dropping task", zap.Error(err), zap.Bool("malformed", errors.Is(err, ErrMalformedMessage)))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) handleCancel(ctx context.Context, d amqp.Delivery) {
	if err := c.processor.HandleCancel(ctx, d.Body); err != nil {
		c.logger.Error("Cancel command failed", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
