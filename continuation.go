package pagegen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// deriveContinuation asks the text model for the next scene of the batch and
// applies the uniqueness guard: a candidate too similar to any previous
// prompt is regenerated with an anti-repetition instruction, at most
// UniquenessRetries times, after which the least similar candidate is used.
func (o *Orchestrator) deriveContinuation(ctx context.Context, session *Session, job *BatchJob, cfg PageConfig, checkpoint func() error, log *zap.Logger) (string, error) {
	settings := o.settings
	history := job.PreviousPrompts()
	if len(history) == 0 {
		return "", errors.New("no previous page to continue from")
	}

	if err := checkpoint(); err != nil {
		return "", err
	}
	refs := o.resolver.Resolve(ctx, session, cfg, settings.ContinuationReferenceCount)

	var (
		best      string
		bestScore = 2.0
		rejected  string
	)
	for try := 0; try <= settings.UniquenessRetries; try++ {
		if err := checkpoint(); err != nil {
			return "", err
		}
		parts := o.continuationParts(session, cfg, history, refs, rejected)
		res, err := o.client.CompleteText(ctx, parts)
		if cErr := checkpoint(); cErr != nil {
			return "", cErr
		}
		if err != nil {
			if best != "" {
				log.Warn("continuation retry failed, using best candidate", zap.Error(err))
				return best, nil
			}
			return "", fmt.Errorf("derive continuation: %w", err)
		}

		candidate := cleanContinuation(res.Text)
		if candidate == "" {
			log.Debug("empty continuation candidate", zap.Int("try", try))
			continue
		}

		score := MaxSimilarity(candidate, history, settings.MinTokenLength)
		if score < bestScore {
			best, bestScore = candidate, score
		}
		if score <= settings.SimilarityThreshold {
			return candidate, nil
		}

		log.Debug("continuation too similar to an earlier page",
			zap.Int("try", try),
			zap.Float64("similarity", score),
			zap.Float64("threshold", settings.SimilarityThreshold),
		)
		rejected = candidate
	}

	if best == "" {
		return "", errors.New("derive continuation: model returned no usable text")
	}
	log.Warn("uniqueness retries exhausted, accepting best candidate",
		zap.Float64("similarity", bestScore),
		zap.Int("retries", settings.UniquenessRetries),
	)
	return best, nil
}

// continuationParts builds the text-completion request for the next scene,
// conditioned on the previous prompt and the full prompt history.
func (o *Orchestrator) continuationParts(session *Session, cfg PageConfig, history []string, refs []InlineImage, rejected string) []Part {
	var sb strings.Builder
	sb.WriteString(continuationSystemPrompt)

	if ctx := o.builder.truncateContext(session.Context); ctx != "" {
		sb.WriteString("\n\nStory context:\n")
		sb.WriteString(ctx)
	}
	if dir := strings.TrimSpace(cfg.StoryDirection); dir != "" {
		sb.WriteString("\n\nStory direction (secondary guidance):\n")
		sb.WriteString(dir)
	}

	sb.WriteString("\n\nPrevious page:\n")
	sb.WriteString(history[len(history)-1])

	if len(history) > 1 {
		sb.WriteString("\n\nEarlier pages, oldest first (do not repeat any of them):\n")
		for i, p := range history[:len(history)-1] {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, p)
		}
	}

	if rejected != "" {
		sb.WriteString("\n\n")
		sb.WriteString(antiRepetitionInstruction)
		sb.WriteString("\nRejected suggestion: ")
		sb.WriteString(rejected)
	}

	parts := make([]Part, 0, len(refs)+2)
	if len(refs) > 0 {
		parts = append(parts, TextPart("Images of the most recent pages, oldest first:"))
		for _, img := range refs {
			parts = append(parts, ImagePart(img.Bytes, img.MIMEType))
		}
	}
	return append(parts, TextPart(sb.String()))
}

func cleanContinuation(text string) string {
	text = strings.TrimSpace(text)
	text = strings.Trim(text, "\"'`")
	if label, rest, ok := strings.Cut(text, ":"); ok && len(label) < 16 && strings.HasPrefix(strings.ToLower(label), "page") {
		text = rest
	}
	return strings.TrimSpace(text)
}
