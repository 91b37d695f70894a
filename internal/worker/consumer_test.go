package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mhpenta/pagegen"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ackRecorder struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type stubEngine struct {
	cancelled []string
}

func (e *stubEngine) Generate(ctx context.Context, sessionID, userInput string, cfg pagegen.PageConfig, onProgress pagegen.ProgressFunc) (*pagegen.Page, error) {
	return &pagegen.Page{ID: "p1"}, nil
}

func (e *stubEngine) RunBatch(ctx context.Context, req pagegen.BatchRequest) (*pagegen.BatchResult, error) {
	return &pagegen.BatchResult{}, nil
}

func (e *stubEngine) CancelBatch(batchID string) bool {
	e.cancelled = append(e.cancelled, batchID)
	return true
}

func delivery(acker amqp.Acknowledger, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte(body)}
}

func TestHandleTask_AcksProcessed(t *testing.T) {
	c := NewConsumer(nil, NewProcessor(&stubEngine{}, nil, nil, nil), "tasks", "cancel", 1, nil)
	acker := &ackRecorder{}

	c.handleTask(context.Background(), delivery(acker, `{"type":"page","session_id":"s1","prompt":"go"}`))

	assert.Equal(t, 1, acker.acks)
	assert.Zero(t, acker.nacks)
}

func TestHandleTask_DropsMalformed(t *testing.T) {
	c := NewConsumer(nil, NewProcessor(&stubEngine{}, nil, nil, nil), "tasks", "cancel", 1, nil)
	acker := &ackRecorder{}

	c.handleTask(context.Background(), delivery(acker, `garbage`))

	assert.Equal(t, 1, acker.nacks)
	assert.False(t, acker.requeue)
}

func TestHandleCancel(t *testing.T) {
	engine := &stubEngine{}
	c := NewConsumer(nil, NewProcessor(engine, nil, nil, nil), "tasks", "cancel", 0, nil)
	assert.Equal(t, 1, c.prefetch)

	acker := &ackRecorder{}
	c.handleCancel(context.Background(), delivery(acker, `{"batch_id":"b9"}`))
	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, []string{"b9"}, engine.cancelled)

	bad := &ackRecorder{}
	c.handleCancel(context.Background(), delivery(bad, `{}`))
	assert.Equal(t, 1, bad.nacks)
}

func TestStop_Idempotent(t *testing.T) {
	c := NewConsumer(nil, nil, "tasks", "cancel", 1, nil)
	c.Stop()
	c.Stop()
	_, open := <-c.stop
	assert.False(t, open)
}

type flakyChannel struct {
	failures int
	calls    int
	last     amqp.Publishing
	key      string
}

func (f *flakyChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("channel busy")
	}
	f.last = msg
	f.key = key
	return nil
}

func TestPublishResult_Retries(t *testing.T) {
	ch := &flakyChannel{failures: 1}
	p := newRabbitPublisher(ch, "results", nil)

	require.NoError(t, p.PublishResult(context.Background(), Result{TaskID: "t1", Status: StatusSuccess}))

	assert.Equal(t, 2, ch.calls)
	assert.Equal(t, "results", ch.key)
	assert.Equal(t, "application/json", ch.last.ContentType)
	assert.Equal(t, amqp.Persistent, ch.last.DeliveryMode)
	assert.JSONEq(t, `{"task_id":"t1","type":"","session_id":"","status":"success"}`, string(ch.last.Body))
}

func TestPublishResult_GivesUp(t *testing.T) {
	ch := &flakyChannel{failures: 10}
	p := newRabbitPublisher(ch, "results", nil)

	err := p.PublishResult(context.Background(), Result{TaskID: "t1"})
	assert.Error(t, err)
	assert.Equal(t, publishAttempts, ch.calls)
}
