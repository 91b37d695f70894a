package pagegen

import (
	"fmt"
	"strings"
)

// PromptMode says how the narrative instruction of a request was chosen.
type PromptMode string

const (
	ModeManual        PromptMode = "manual"
	ModeAutoContinue  PromptMode = "auto-continue"
	ModeBatchContinue PromptMode = "batch-continue"
)

// PromptInput is everything the builder may draw a narrative instruction from.
type PromptInput struct {
	// UserText is raw user input; may be empty.
	UserText string

	// Continuation is the derived scene for a batch page after the first.
	Continuation string

	// Mode is the mode requested by the caller. Explicit user text always wins.
	Mode PromptMode

	Session *Session
	Config  PageConfig
}

// Narrative is the chosen narrative instruction. Text is what a Page records
// as its prompt and what content adaptation rewrites.
type Narrative struct {
	Text string
	Mode PromptMode
}

// PromptBuilder assembles the structured request text.
type PromptBuilder struct {
	contextLimit int
}

// NewPromptBuilder creates a builder truncating session context at contextLimit runes.
func NewPromptBuilder(contextLimit int) *PromptBuilder {
	if contextLimit <= 0 {
		contextLimit = DefaultSettings().ContextCharLimit
	}
	return &PromptBuilder{contextLimit: contextLimit}
}

// SelectNarrative picks the narrative instruction by priority: explicit user
// text, then batch continuation, then pure auto-continue.
func (b *PromptBuilder) SelectNarrative(in PromptInput) (Narrative, error) {
	if text := strings.TrimSpace(in.UserText); text != "" {
		return Narrative{Text: text, Mode: ModeManual}, nil
	}

	if in.Mode == ModeBatchContinue {
		if text := strings.TrimSpace(in.Continuation); text != "" {
			return Narrative{Text: text, Mode: ModeBatchContinue}, nil
		}
	}

	autoContinue := in.Config.AutoContinueStory || in.Mode == ModeAutoContinue || in.Mode == ModeBatchContinue
	if !autoContinue {
		return Narrative{}, &ValidationError{Field: "prompt", Reason: "prompt is empty and auto-continue is disabled"}
	}

	if in.Session == nil || len(in.Session.Pages) == 0 {
		return Narrative{}, &ValidationError{Field: "prompt", Reason: "auto-continue requires at least one prior page"}
	}

	// The previous prompt is attached by Compose, never embedded here, so
	// chained auto-continue pages keep a fixed-size prompt.
	return Narrative{Text: autoContinueInstruction, Mode: ModeAutoContinue}, nil
}

// Compose renders the full request text for a narrative. It is called once per
// attempt, so an adapted narrative always produces a freshly built request.
func (b *PromptBuilder) Compose(n Narrative, session *Session, cfg PageConfig) string {
	cfg = cfg.WithDefaults()

	var sb strings.Builder
	sb.WriteString(rulesHeader)

	sb.WriteString("\n\n## SCENE\n")
	if session == nil || len(session.Pages) == 0 {
		sb.WriteString(openingSceneInstruction)
		sb.WriteString("\n")
	}
	if n.Mode == ModeBatchContinue {
		fmt.Fprintf(&sb, batchContinueTemplate, n.Text)
	} else {
		sb.WriteString(n.Text)
	}

	if n.Mode == ModeAutoContinue {
		if prev := b.previousScene(session); prev != "" {
			sb.WriteString("\n\n## PREVIOUS PAGE\n")
			sb.WriteString(prev)
		}
	}

	if session != nil {
		if ctx := b.truncateContext(session.Context); ctx != "" {
			sb.WriteString("\n\n## CONTEXT\n")
			sb.WriteString(ctx)
		}
	}

	if dir := strings.TrimSpace(cfg.StoryDirection); dir != "" {
		sb.WriteString("\n\n## STORY DIRECTION (secondary)\n")
		sb.WriteString(dir)
	}

	sb.WriteString("\n\n## PAGE LAYOUT\n")
	fmt.Fprintf(&sb, "- Panels: %s\n", describe(layoutDescriptions, cfg.Layout))
	fmt.Fprintf(&sb, "- Style: %s\n", describe(styleDescriptions, cfg.Style))
	fmt.Fprintf(&sb, "- Inking: %s\n", describe(inkingDescriptions, cfg.Inking))
	fmt.Fprintf(&sb, "- Shading: %s\n", describe(screentoneDescriptions, cfg.Screentone))
	if cfg.ColorMode == ColorModeColor {
		sb.WriteString("- Color: full color\n")
	} else {
		sb.WriteString("- Color: black and white only\n")
	}
	if cfg.AspectRatio != AspectRatioAuto {
		fmt.Fprintf(&sb, "- Page aspect ratio: %s\n", cfg.AspectRatio)
	}

	sb.WriteString("\n## DIALOGUE\n")
	sb.WriteString(describe(dialogueDescriptions, cfg.DialogueDensity))
	if cfg.DialogueDensity != DialogueNone {
		fmt.Fprintf(&sb, " Write all dialogue and captions in %s.", describe(languageNames, cfg.Language))
	}

	return sb.String()
}

// previousScene returns the prompt of the latest page that was not itself an
// auto-continue instruction, truncated like the session context.
func (b *PromptBuilder) previousScene(session *Session) string {
	if session == nil {
		return ""
	}
	for i := len(session.Pages) - 1; i >= 0; i-- {
		if p := session.Pages[i].Prompt; p != autoContinueInstruction && strings.TrimSpace(p) != "" {
			return b.truncateContext(p)
		}
	}
	return ""
}

// truncateContext cuts text to at most contextLimit runes.
func (b *PromptBuilder) truncateContext(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= b.contextLimit {
		return text
	}
	return string(runes[:b.contextLimit])
}

func describe[K ~string](table map[K]string, key K) string {
	if d, ok := table[key]; ok {
		return d
	}
	return string(key)
}
