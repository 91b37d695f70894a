package pagegen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// BatchPhase is the step a batch is currently in.
type BatchPhase string

const (
	PhaseContinuation BatchPhase = "continuation"
	PhaseImage        BatchPhase = "image"
	PhaseWaiting      BatchPhase = "waiting"
	PhaseDone         BatchPhase = "done"
)

// BatchProgress is reported at every phase change of a batch.
type BatchProgress struct {
	BatchID   string
	Completed int
	Total     int
	PageIndex int
	Phase     BatchPhase
}

// BatchRequest describes one batch run.
type BatchRequest struct {
	// BatchID is generated when empty.
	BatchID    string
	SessionID  string
	SeedPrompt string
	Config     PageConfig
	TotalPages int

	// OnProgress and OnPage may be nil. OnPage is called after each page is
	// durably persisted.
	OnProgress func(BatchProgress)
	OnPage     func(index int, page Page)
}

// BatchResult reports the pages completed by a batch run.
type BatchResult struct {
	BatchID        string
	Pages          []Page
	CompletedCount int
	TotalCount     int
	Cancelled      bool
}

// BatchJob is the ephemeral state of one batch run.
type BatchJob struct {
	ID         string
	TotalCount int

	completed atomic.Int64
	cancelled atomic.Bool

	mu              sync.Mutex
	previousPrompts []string
}

func newBatchJob(id string, total int, history []string) *BatchJob {
	return &BatchJob{ID: id, TotalCount: total, previousPrompts: append([]string(nil), history...)}
}

// Cancel sets the cancellation flag. It cannot be unset.
func (j *BatchJob) Cancel() {
	j.cancelled.Store(true)
}

// Cancelled reports whether the batch was cancelled.
func (j *BatchJob) Cancelled() bool {
	return j.cancelled.Load()
}

// CompletedCount returns the number of pages persisted so far.
func (j *BatchJob) CompletedCount() int {
	return int(j.completed.Load())
}

// PreviousPrompts returns the session's prompt history including this batch.
func (j *BatchJob) PreviousPrompts() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.previousPrompts...)
}

func (j *BatchJob) pageDone(prompt string) {
	j.mu.Lock()
	j.previousPrompts = append(j.previousPrompts, prompt)
	j.mu.Unlock()
	j.completed.Add(1)
}

// CancelBatch cancels the running batch. An empty batchID matches any batch.
// It reports whether a batch was cancelled.
func (o *Orchestrator) CancelBatch(batchID string) bool {
	o.mu.RLock()
	job := o.currentBatch
	o.mu.RUnlock()

	if job == nil || (batchID != "" && job.ID != batchID) {
		return false
	}
	job.Cancel()
	o.logger.Info("batch cancellation requested", zap.String("batch_id", job.ID))
	return true
}

// CurrentBatch returns the running batch, if any.
func (o *Orchestrator) CurrentBatch() (*BatchJob, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.currentBatch, o.currentBatch != nil
}

// GenerateBatch generates totalPages pages, each continuing from the
// previous one. See RunBatch.
func (o *Orchestrator) GenerateBatch(ctx context.Context, sessionID, seedPrompt string, cfg PageConfig, totalPages int) (*BatchResult, error) {
	return o.RunBatch(ctx, BatchRequest{
		SessionID:  sessionID,
		SeedPrompt: seedPrompt,
		Config:     cfg,
		TotalPages: totalPages,
	})
}

// RunBatch generates pages sequentially on a private copy of the session,
// persisting each page as soon as it exists. Page 0 uses the seed prompt;
// later pages use a continuation derived from the prompts before them.
//
// A cancelled batch returns its result with Cancelled set and a nil error.
// A page that fails after its retries stops the batch with a
// *BatchPartialFailure; the result still lists the completed pages.
func (o *Orchestrator) RunBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if !o.batchGuard.TryAcquire() {
		o.logger.Debug("batch ignored, already in flight", zap.String("session_id", req.SessionID))
		return nil, ErrInFlight
	}
	defer o.batchGuard.Release()

	if err := validateSessionID(req.SessionID); err != nil {
		return nil, err
	}
	if err := validateTotalPages(req.TotalPages); err != nil {
		return nil, err
	}
	if err := req.Config.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.SeedPrompt) == "" && !req.Config.AutoContinueStory {
		return nil, &ValidationError{Field: "prompt", Reason: "seed prompt is empty and auto-continue is disabled"}
	}
	cfg := req.Config.WithDefaults()

	session, _, err := o.loadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	seed, err := o.builder.SelectNarrative(PromptInput{
		UserText: req.SeedPrompt,
		Mode:     ModeManual,
		Session:  session,
		Config:   cfg,
	})
	if err != nil {
		return nil, err
	}

	if req.BatchID == "" {
		req.BatchID = o.newID()
	}
	job := newBatchJob(req.BatchID, req.TotalPages, session.Prompts())

	o.mu.Lock()
	o.currentBatch = job
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.currentBatch = nil
		o.mu.Unlock()
	}()

	log := o.logger.Named("batch").With(
		zap.String("batch_id", job.ID),
		zap.String("session_id", req.SessionID),
		zap.Int("total_pages", req.TotalPages),
	)
	log.Info("batch started")

	run := &batchRun{
		o:      o,
		req:    req,
		cfg:    cfg,
		job:    job,
		local:  session,
		log:    log,
		result: &BatchResult{BatchID: job.ID, TotalCount: req.TotalPages},
	}
	err = run.loop(ctx, seed)

	run.result.CompletedCount = job.CompletedCount()
	run.result.Cancelled = job.Cancelled()
	run.report(run.result.CompletedCount, PhaseDone)

	var partial *BatchPartialFailure
	switch {
	case errors.As(err, &partial):
		o.metrics.observeBatch("failed")
		log.Error("batch stopped on failed page",
			zap.Int("completed", run.result.CompletedCount),
			zap.Int("page_index", partial.PageIndex),
			zap.String("stage", string(partial.Stage)),
			zap.Error(partial.Err),
		)
		return run.result, err
	case err != nil:
		o.metrics.observeBatch("aborted")
		log.Warn("batch aborted", zap.Int("completed", run.result.CompletedCount), zap.Error(err))
		return run.result, err
	case run.result.Cancelled:
		o.metrics.observeBatch("cancelled")
		log.Info("batch cancelled", zap.Int("completed", run.result.CompletedCount))
		return run.result, nil
	}

	o.metrics.observeBatch("completed")
	log.Info("batch completed", zap.Int("completed", run.result.CompletedCount))
	return run.result, nil
}

type batchRun struct {
	o      *Orchestrator
	req    BatchRequest
	cfg    PageConfig
	job    *BatchJob
	local  *Session
	log    *zap.Logger
	result *BatchResult
}

// checkpoint is evaluated immediately before and after every network call.
func (r *batchRun) checkpoint(ctx context.Context) func() error {
	return func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.job.Cancelled() {
			return ErrBatchCancelled
		}
		if r.o.cancelSignal != nil {
			cancelled, err := r.o.cancelSignal.Cancelled(ctx, r.job.ID)
			if err != nil {
				r.log.Debug("cancel signal unavailable", zap.Error(err))
			} else if cancelled {
				r.job.Cancel()
				return ErrBatchCancelled
			}
		}
		return nil
	}
}

func (r *batchRun) report(index int, phase BatchPhase) {
	if r.req.OnProgress == nil {
		return
	}
	r.req.OnProgress(BatchProgress{
		BatchID:   r.job.ID,
		Completed: r.job.CompletedCount(),
		Total:     r.job.TotalCount,
		PageIndex: index,
		Phase:     phase,
	})
}

func (r *batchRun) loop(ctx context.Context, seed Narrative) error {
	checkpoint := r.checkpoint(ctx)
	settings := r.o.settings

	for i := 0; i < r.req.TotalPages; i++ {
		if err := checkpoint(); err != nil {
			return ignoreCancel(err)
		}

		narrative := seed
		if i > 0 {
			r.report(i, PhaseContinuation)
			text, err := r.o.deriveContinuation(ctx, r.local, r.job, r.cfg, checkpoint, r.log)
			if err != nil {
				if isStop(err) {
					return ignoreCancel(err)
				}
				return r.partial(i, StageContinuation, err)
			}
			narrative = Narrative{Text: text, Mode: ModeBatchContinue}
		}

		r.report(i, PhaseImage)
		page, err := r.generateWithRetries(ctx, i, narrative, checkpoint)
		if err != nil {
			if isStop(err) {
				return ignoreCancel(err)
			}
			return r.partial(i, StageImage, err)
		}

		if err := r.persist(ctx, page); err != nil {
			return r.partial(i, StagePersist, err)
		}
		r.log.Info("batch page completed",
			zap.Int("page_index", i),
			zap.String("page_id", page.ID),
			zap.Int("completed", r.job.CompletedCount()),
		)
		if r.req.OnPage != nil {
			r.req.OnPage(i, *page)
		}

		if i < r.req.TotalPages-1 && settings.InterPageDelay > 0 {
			if err := checkpoint(); err != nil {
				return ignoreCancel(err)
			}
			r.report(i+1, PhaseWaiting)
			if err := r.o.sleep(ctx, settings.InterPageDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// generateWithRetries runs up to BatchImageAttempts complete retry-policy
// runs for one page, separated by a fixed delay.
func (r *batchRun) generateWithRetries(ctx context.Context, index int, narrative Narrative, checkpoint func() error) (*Page, error) {
	settings := r.o.settings
	var lastErr error

	for attempt := 1; attempt <= settings.BatchImageAttempts; attempt++ {
		page, err := r.o.generatePage(ctx, r.local, narrative, r.cfg, settings.SingleReferenceCount, checkpoint)
		if err == nil {
			return page, nil
		}
		if isStop(err) {
			return nil, err
		}
		lastErr = err

		if attempt == settings.BatchImageAttempts {
			break
		}
		r.log.Warn("batch page attempt failed, retrying",
			zap.Int("page_index", index),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", settings.BatchImageAttempts),
			zap.Duration("delay", settings.BatchRetryDelay),
			zap.Error(err),
		)
		if err := r.o.sleep(ctx, settings.BatchRetryDelay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// persist saves the page, advances the local snapshot and publishes the
// merged view.
func (r *batchRun) persist(ctx context.Context, page *Page) error {
	chat := []ChatMessage{{Role: ChatRoleAssistant, Text: fmt.Sprintf("Batch page %d/%d.", r.job.CompletedCount()+1, r.job.TotalCount), PageID: page.ID, CreatedAt: page.CreatedAt}}
	if err := r.o.persistPage(ctx, r.local, page, chat); err != nil {
		return err
	}
	r.local = r.local.WithPage(*page, r.o.now())
	r.job.pageDone(page.Prompt)
	r.result.Pages = append(r.result.Pages, *page)
	r.o.metrics.observePage(ModeBatchContinue)
	return nil
}

func (r *batchRun) partial(index int, stage BatchStage, err error) error {
	return &BatchPartialFailure{
		CompletedCount: r.job.CompletedCount(),
		TotalCount:     r.job.TotalCount,
		PageIndex:      index,
		Stage:          stage,
		Err:            err,
	}
}

// isStop reports errors that end a batch without counting as a page failure.
func isStop(err error) bool {
	return errors.Is(err, ErrBatchCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func ignoreCancel(err error) error {
	if errors.Is(err, ErrBatchCancelled) {
		return nil
	}
	return err
}
