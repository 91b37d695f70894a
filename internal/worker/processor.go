// Package worker drives the orchestrator from RabbitMQ task messages and
// publishes the outcome of each task.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mhpenta/pagegen"
	"go.uber.org/zap"
)

// ErrMalformedMessage marks messages that can never be processed.
var ErrMalformedMessage = errors.New("malformed message")

// Engine is the part of *pagegen.Orchestrator the worker uses.
type Engine interface {
	Generate(ctx context.Context, sessionID, userInput string, cfg pagegen.PageConfig, onProgress pagegen.ProgressFunc) (*pagegen.Page, error)
	RunBatch(ctx context.Context, req pagegen.BatchRequest) (*pagegen.BatchResult, error)
	CancelBatch(batchID string) bool
}

// ResultPublisher publishes task outcomes.
type ResultPublisher interface {
	PublishResult(ctx context.Context, result Result) error
}

// Canceller records a cancel request visible to every worker.
type Canceller interface {
	Cancel(ctx context.Context, batchID string) error
}

// Processor turns task messages into orchestrator calls.
type Processor struct {
	engine    Engine
	publisher ResultPublisher
	canceller Canceller
	logger    *zap.Logger
}

// NewProcessor creates a Processor. canceller may be nil when cancel requests
// only need to reach batches of this process.
func NewProcessor(engine Engine, publisher ResultPublisher, canceller Canceller, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		engine:    engine,
		publisher: publisher,
		canceller: canceller,
		logger:    logger.Named("processor"),
	}
}

// Process runs one task. It returns ErrMalformedMessage for bodies that
// cannot be decoded; generation failures are published, not returned.
func (p *Processor) Process(ctx context.Context, body []byte) error {
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}

	log := p.logger.With(
		zap.String("task_id", task.TaskID),
		zap.String("type", string(task.Type)),
		zap.String("session_id", task.SessionID),
	)

	var result Result
	switch task.Type {
	case TaskPage:
		result = p.runPage(ctx, task)
	case TaskBatch:
		result = p.runBatch(ctx, task)
	default:
		return fmt.Errorf("%w: unknown task type %q", ErrMalformedMessage, task.Type)
	}

	log.Info("Task processed", zap.String("status", string(result.Status)), zap.String("error_kind", result.ErrorKind))
	p.publish(ctx, result)
	return nil
}

func (p *Processor) runPage(ctx context.Context, task Task) Result {
	result := Result{TaskID: task.TaskID, Type: task.Type, SessionID: task.SessionID}

	page, err := p.engine.Generate(ctx, task.SessionID, task.Prompt, task.Config, nil)
	if err != nil {
		return withError(result, err)
	}

	result.Status = StatusSuccess
	result.PageIDs = []string{page.ID}
	result.ImageURL = page.Image.Handle
	result.FinalPrompt = page.Prompt
	result.Completed, result.Total = 1, 1
	return result
}

func (p *Processor) runBatch(ctx context.Context, task Task) Result {
	batchID := task.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	result := Result{TaskID: task.TaskID, Type: task.Type, SessionID: task.SessionID, BatchID: batchID, Total: task.TotalPages}

	res, err := p.engine.RunBatch(ctx, pagegen.BatchRequest{
		BatchID:    batchID,
		SessionID:  task.SessionID,
		SeedPrompt: task.Prompt,
		Config:     task.Config,
		TotalPages: task.TotalPages,
		OnPage: func(index int, page pagegen.Page) {
			p.publish(ctx, Result{
				TaskID:      task.TaskID,
				Type:        task.Type,
				SessionID:   task.SessionID,
				BatchID:     batchID,
				Status:      StatusPage,
				PageIDs:     []string{page.ID},
				PageIndex:   index,
				Completed:   index + 1,
				Total:       task.TotalPages,
				ImageURL:    page.Image.Handle,
				FinalPrompt: page.Prompt,
			})
		},
	})
	if res != nil {
		result.Completed = res.CompletedCount
		for _, pg := range res.Pages {
			result.PageIDs = append(result.PageIDs, pg.ID)
		}
	}
	if err != nil {
		return withError(result, err)
	}

	result.Status = StatusSuccess
	if res.Cancelled {
		result.Status = StatusCancelled
	}
	return result
}

// withError fills the status fields of result from a generation error.
func withError(result Result, err error) Result {
	result.Status = StatusError
	result.ErrorDetails = err.Error()

	var partial *pagegen.BatchPartialFailure
	switch {
	case pagegen.IsInFlight(err):
		result.Status = StatusIgnored
		result.ErrorKind = "in_flight"
	case pagegen.IsValidationError(err):
		result.ErrorKind = "validation"
	case errors.As(err, &partial):
		result.Completed = partial.CompletedCount
		result.PageIndex = partial.PageIndex
		result.ErrorKind = string(partial.Stage)
		if fr, ok := pagegen.AsFinalRejection(err); ok {
			result.ErrorKind += ":" + string(fr.Kind)
		}
	default:
		if fr, ok := pagegen.AsFinalRejection(err); ok {
			result.ErrorKind = string(fr.Kind)
			result.FinalPrompt = fr.LastPrompt
		} else {
			result.ErrorKind = string(pagegen.FailureOther)
		}
	}
	return result
}

func (p *Processor) publish(ctx context.Context, result Result) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishResult(ctx, result); err != nil {
		p.logger.Error("Failed to publish result",
			zap.String("task_id", result.TaskID),
			zap.String("status", string(result.Status)),
			zap.Error(err),
		)
	}
}

// HandleCancel decodes a cancel command and applies it.
func (p *Processor) HandleCancel(ctx context.Context, body []byte) error {
	var cmd CancelCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if cmd.BatchID == "" {
		return fmt.Errorf("%w: batch id is required", ErrMalformedMessage)
	}
	_, err := p.Cancel(ctx, cmd.BatchID)
	return err
}

// Cancel stops the batch locally when it runs here and records the request
// for other workers. It reports whether a local batch was cancelled.
func (p *Processor) Cancel(ctx context.Context, batchID string) (bool, error) {
	local := p.engine.CancelBatch(batchID)

	if p.canceller != nil {
		if err := p.canceller.Cancel(ctx, batchID); err != nil {
			p.logger.Error("Failed to record cancel request", zap.String("batch_id", batchID), zap.Error(err))
			return local, err
		}
	}
	p.logger.Info("Batch cancel requested", zap.String("batch_id", batchID), zap.Bool("local", local))
	return local, nil
}
