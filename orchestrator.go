package pagegen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GenerationRequest is one attempt's fully built input. It is rebuilt for
// every attempt and never modified after construction.
type GenerationRequest struct {
	Narrative  Narrative
	PromptText string
	References []InlineImage
	Config     PageConfig
}

// Parts returns the ordered request parts: reference images first, then the text.
func (r GenerationRequest) Parts() []Part {
	parts := make([]Part, 0, len(r.References)+1)
	for _, img := range r.References {
		parts = append(parts, ImagePart(img.Bytes, img.MIMEType))
	}
	return append(parts, TextPart(r.PromptText))
}

// Orchestrator runs single-page and batch generation for sessions. One
// single-page generation and one batch may run at a time; extra calls of the
// same kind return ErrInFlight.
type Orchestrator struct {
	client       GenerationClient
	store        SessionStore
	storage      Storage
	cancelSignal CancelSignal

	settings Settings
	rules    AdapterRules

	builder  *PromptBuilder
	resolver *ReferenceResolver
	adapter  *ContentAdapter
	retry    *RetryPolicy

	singleGuard *ConcurrencyGuard
	batchGuard  *ConcurrencyGuard

	metrics *Metrics
	logger  *zap.Logger

	now   func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration) error

	// writeMu serializes session reads and writes against the store with publishing to live.
	writeMu sync.Mutex

	mu           sync.RWMutex
	live         map[string]*Session
	currentBatch *BatchJob
}

// Session returns a copy of the live view of a session, if one is loaded.
func (o *Orchestrator) Session(id string) (*Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.live[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Settings returns the effective settings.
func (o *Orchestrator) Settings() Settings {
	return o.settings
}

// Generate produces one page for the session and persists it. It returns
// ErrInFlight without side effects while another Generate is running, a
// *ValidationError before any network call for unusable input, and a
// *FinalRejectionError when retries are exhausted. onProgress may be nil.
func (o *Orchestrator) Generate(ctx context.Context, sessionID, userInput string, cfg PageConfig, onProgress ProgressFunc) (*Page, error) {
	if !o.singleGuard.TryAcquire() {
		o.logger.Debug("generate ignored, already in flight", zap.String("session_id", sessionID))
		return nil, ErrInFlight
	}
	defer o.singleGuard.Release()

	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userInput) == "" && !cfg.AutoContinueStory {
		return nil, &ValidationError{Field: "prompt", Reason: "prompt is empty and auto-continue is disabled"}
	}
	cfg = cfg.WithDefaults()

	session, _, err := o.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	narrative, err := o.builder.SelectNarrative(PromptInput{
		UserText: userInput,
		Mode:     ModeManual,
		Session:  session,
		Config:   cfg,
	})
	if err != nil {
		return nil, err
	}

	log := o.logger.With(zap.String("session_id", sessionID), zap.String("mode", string(narrative.Mode)))
	log.Debug("starting page generation", zap.Int("prompt_length", len(narrative.Text)), zap.Int("pages", len(session.Pages)))

	progress := startProgress(onProgress, o.settings.ProgressInterval)
	start := time.Now()

	page, err := o.generatePage(ctx, session, narrative, cfg, o.settings.SingleReferenceCount, nil)
	if err != nil {
		progress.finish(false)
		log.Error("page generation failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return nil, err
	}

	userMsg := ChatMessage{Role: ChatRoleUser, Text: userInput, CreatedAt: page.CreatedAt}
	if strings.TrimSpace(userInput) == "" {
		userMsg.Text = "(auto-continue)"
	}
	chat := []ChatMessage{userMsg, {Role: ChatRoleAssistant, Text: "Generated page.", PageID: page.ID, CreatedAt: page.CreatedAt}}

	if err := o.persistPage(ctx, session, page, chat); err != nil {
		progress.finish(false)
		log.Error("page persistence failed", zap.String("page_id", page.ID), zap.Error(err))
		return nil, err
	}

	progress.finish(true)
	o.metrics.observePage(narrative.Mode)
	log.Info("page generated",
		zap.String("page_id", page.ID),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("adapted", page.Prompt != narrative.Text),
	)
	return page, nil
}

// generatePage resolves references once and runs the retry policy around the
// image call. checkpoint, when non-nil, is called before and after every
// network call and aborts the attempt when it fails.
func (o *Orchestrator) generatePage(ctx context.Context, session *Session, narrative Narrative, cfg PageConfig, refCount int, checkpoint func() error) (*Page, error) {
	if checkpoint != nil {
		if err := checkpoint(); err != nil {
			return nil, err
		}
	}
	refs := o.resolver.Resolve(ctx, session, cfg, refCount)

	var lastRequest GenerationRequest
	attempt := func(ctx context.Context, prompt string) Outcome {
		if err := ctx.Err(); err != nil {
			return Fatal(err)
		}
		if checkpoint != nil {
			if err := checkpoint(); err != nil {
				return Fatal(err)
			}
		}

		n := Narrative{Text: prompt, Mode: narrative.Mode}
		req := GenerationRequest{
			Narrative:  n,
			PromptText: o.builder.Compose(n, session, cfg),
			References: refs,
			Config:     cfg,
		}
		lastRequest = req

		start := time.Now()
		res, err := o.client.GenerateImage(ctx, req.Parts(), cfg.ImageConfig())
		o.metrics.observeImageCall(time.Since(start))

		if checkpoint != nil {
			if cErr := checkpoint(); cErr != nil {
				return Fatal(cErr)
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Fatal(ctxErr)
		}

		out := o.adapter.Evaluate(res, err)
		if out.Kind == OutcomeRetryable {
			o.logger.Debug("image attempt failed",
				zap.String("kind", string(out.Failure)),
				zap.Int("references", len(refs)),
				zap.Error(out.Err),
			)
		}
		return out
	}

	rr, err := o.retry.Run(ctx, narrative.Text, attempt, checkpoint)
	if err != nil {
		return nil, err
	}

	return &Page{
		ID: o.newID(),
		Image: ImagePayload{
			Data:     rr.Result.Data,
			MIMEType: rr.Result.MIMEType,
		},
		Prompt:      rr.Prompt,
		RequestText: lastRequest.PromptText,
		Config:      cfg,
		CreatedAt:   o.now(),
	}, nil
}

func attemptError(res *ImageResult, err error) error {
	switch {
	case err != nil:
		return err
	case res == nil:
		return errors.New("empty response")
	case res.Blocked != nil:
		return fmt.Errorf("blocked (%s): %s", res.Blocked.Reason, res.Blocked.Message)
	default:
		return errors.New("response contained no image")
	}
}

// loadSession reads the stored session, refreshes the live view with it and
// returns a private copy. created is true when the session does not exist yet.
func (o *Orchestrator) loadSession(ctx context.Context, id string) (*Session, bool, error) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	return o.loadSessionLocked(ctx, id)
}

// loadSessionLocked is loadSession for callers holding writeMu. Every write
// of this process finishes under writeMu, so the stored copy is never older
// than the live view.
func (o *Orchestrator) loadSessionLocked(ctx context.Context, id string) (*Session, bool, error) {
	s, err := o.store.LoadSession(ctx, id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return NewSession(id, "", o.now()), true, nil
	case err != nil:
		return nil, false, fmt.Errorf("load session %s: %w", id, err)
	}

	o.mu.Lock()
	o.live[id] = s.Clone()
	o.mu.Unlock()
	return s, false, nil
}

// storeImage uploads the page image when Storage is configured and sets the
// page's image handle.
func (o *Orchestrator) storeImage(ctx context.Context, sessionID string, page *Page) error {
	if o.storage == nil {
		page.Image.Handle = PageImagePath(sessionID, page.ID, page.Image.MIMEType)
		return nil
	}
	res, err := SavePageImage(ctx, o.storage, sessionID, page.ID, page.Image)
	if err != nil {
		return fmt.Errorf("save page image: %w", err)
	}
	page.Image.Handle = res.URL
	return nil
}

// persistPage durably appends page with its chat entries and publishes the
// merged live view. A missing session is created by the append itself, so
// concurrent first pages of a new session never overwrite each other.
func (o *Orchestrator) persistPage(ctx context.Context, base *Session, page *Page, chat []ChatMessage) error {
	if err := o.storeImage(ctx, base.ID, page); err != nil {
		return err
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	if err := o.store.AppendPage(ctx, base.ID, *page, chat...); err != nil {
		return fmt.Errorf("append page %s: %w", page.ID, err)
	}
	o.mergePublish(base, []Page{*page}, chat)
	return nil
}

// mergePublish adds pages and chat entries to the live session, or publishes
// base with them when no live view exists. Pages already present are skipped.
func (o *Orchestrator) mergePublish(base *Session, pages []Page, chat []ChatMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, ok := o.live[base.ID]
	if !ok {
		cur = base
	}
	next := cur.Clone()
	for _, p := range pages {
		if !next.HasPage(p.ID) {
			next.Pages = append(next.Pages, p)
		}
	}
	next.ChatLog = append(next.ChatLog, chat...)
	next.UpdatedAt = o.now()
	o.live[base.ID] = next
}

func newUUID() string {
	return uuid.NewString()
}
