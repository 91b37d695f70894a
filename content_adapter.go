package pagegen

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// AdaptationLevel is a rung of the sanitization ladder.
type AdaptationLevel int

const (
	// LevelAIRewrite marks a prompt rewritten by the text model.
	LevelAIRewrite AdaptationLevel = 0

	// LevelSubstitute replaces explicit terms with artistic euphemisms.
	LevelSubstitute AdaptationLevel = 1

	// LevelStrip removes explicit terms entirely.
	LevelStrip AdaptationLevel = 2

	// LevelGeneric keeps only safe fragments inside a generic wrapper.
	LevelGeneric AdaptationLevel = 3
)

// LevelForAttempt maps the number of policy rejections so far to a ladder level.
func LevelForAttempt(policyAttempts int) AdaptationLevel {
	switch {
	case policyAttempts <= 1:
		return LevelSubstitute
	case policyAttempts == 2:
		return LevelStrip
	default:
		return LevelGeneric
	}
}

// Substitution replaces Term (case-insensitive, whole word) with Replacement.
type Substitution struct {
	Term        string
	Replacement string
}

// AdapterRules holds the tables and wording of the sanitization ladder.
type AdapterRules struct {
	Substitutions []Substitution

	// UnsafeTerms are stripped at level 2 and mark fragments dropped at level 3,
	// together with every substitution term.
	UnsafeTerms []string

	Level1Qualifier string
	Level2Qualifier string

	// Level3Wrapper is a format string with one %s for the kept fragments.
	Level3Wrapper  string
	FallbackPrompt string

	// MinMeaningfulLength is the rune count below which level 3 discards the
	// remaining fragments and uses FallbackPrompt.
	MinMeaningfulLength int
}

// DefaultAdapterRules returns the built-in ladder.
func DefaultAdapterRules() AdapterRules {
	return AdapterRules{
		Substitutions: []Substitution{
			{"naked", "draped in cloth"},
			{"nude", "figure study"},
			{"topless", "in a loose robe"},
			{"sexy", "elegant"},
			{"seductive", "confident"},
			{"blood", "red ink splashes"},
			{"bloody", "ink-splattered"},
			{"gore", "dramatic shadows"},
			{"gory", "dramatic"},
			{"kill", "defeat"},
			{"kills", "defeats"},
			{"killing", "defeating"},
			{"killed", "defeated"},
			{"murder", "confrontation"},
			{"dead", "fallen"},
			{"corpse", "fallen figure"},
			{"stab", "strike"},
			{"stabs", "strikes"},
			{"behead", "overpower"},
			{"torture", "interrogation"},
			{"wound", "scratch"},
		},
		UnsafeTerms: []string{
			"explicit", "nsfw", "sexual", "erotic", "violence", "violent",
			"brutal", "massacre", "dismember", "dismembered", "mutilated", "suicide",
		},
		Level1Qualifier:     ", artistic, stylized illustration",
		Level2Qualifier:     ". Focus on composition, emotion and storytelling, not explicit content.",
		Level3Wrapper:       "A tasteful, all-ages manga page: %s. Safe for general audiences, nothing explicit or graphic.",
		FallbackPrompt:      "An expressive manga page with dynamic panel composition, clear visual storytelling and emotive characters.",
		MinMeaningfulLength: 30,
	}
}

var (
	overloadMarkers = []string{
		"503", "429", "overloaded", "unavailable", "resource_exhausted",
		"too many requests", "rate limit", "try again later", "deadline exceeded by server",
	}
	policyMarkers = []string{
		"safety", "blocked", "content policy", "policy violation", "prohibited", "content_filter",
	}

	fragmentSplitter = regexp.MustCompile(`[.,;!?\n]+`)
	spaceCollapser   = regexp.MustCompile(`\s{2,}`)
	orphanPunct      = regexp.MustCompile(`\s+([.,;!?])`)
)

type compiledSubstitution struct {
	re          *regexp.Regexp
	replacement string
}

// ContentAdapter classifies generation failures and rewrites rejected prompts.
type ContentAdapter struct {
	rules         AdapterRules
	substitutions []compiledSubstitution
	unsafe        []*regexp.Regexp

	text             TextCompleter
	aiRewrite        bool
	minRewriteLength int

	logger *zap.Logger
}

// NewContentAdapter compiles rules. text may be nil, which disables AI rewrites.
func NewContentAdapter(rules AdapterRules, text TextCompleter, aiRewrite bool, minRewriteLength int, logger *zap.Logger) *ContentAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &ContentAdapter{
		rules:            rules,
		text:             text,
		aiRewrite:        aiRewrite && text != nil,
		minRewriteLength: minRewriteLength,
		logger:           logger,
	}
	for _, s := range rules.Substitutions {
		a.substitutions = append(a.substitutions, compiledSubstitution{re: wordPattern(s.Term), replacement: s.Replacement})
		a.unsafe = append(a.unsafe, wordPattern(s.Term))
	}
	for _, term := range rules.UnsafeTerms {
		a.unsafe = append(a.unsafe, wordPattern(term))
	}
	return a
}

func wordPattern(term string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
}

// Classify reports whether an attempt failed and, if so, how.
func (a *ContentAdapter) Classify(res *ImageResult, err error) (FailureKind, bool) {
	if err != nil {
		return classifyError(err), true
	}
	if res == nil {
		return FailureOther, true
	}
	if res.Blocked != nil {
		if res.Blocked.Reason == "" {
			return FailureOther, true
		}
		return res.Blocked.Reason, true
	}
	if len(res.Data) == 0 {
		return FailureOther, true
	}
	return "", false
}

// Evaluate turns the result of one image call into an Outcome. Context errors
// are fatal and returned unchanged, so a cancelled caller sees its own error.
func (a *ContentAdapter) Evaluate(res *ImageResult, err error) Outcome {
	if isContextError(err) {
		return Fatal(err)
	}
	if kind, failed := a.Classify(res, err); failed {
		return Retryable(kind, attemptError(res, err))
	}
	return Succeeded(res)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func classifyError(err error) FailureKind {
	var sErr *ServiceError
	if errors.As(err, &sErr) && sErr.Kind != "" {
		return sErr.Kind
	}
	if IsRateLimitError(err) {
		return FailureOverloaded
	}

	msg := strings.ToLower(err.Error())
	for _, m := range overloadMarkers {
		if strings.Contains(msg, m) {
			return FailureOverloaded
		}
	}
	for _, m := range policyMarkers {
		if strings.Contains(msg, m) {
			return FailurePolicyRejected
		}
	}
	return FailureOther
}

// AIRewriteEnabled reports whether Rewrite may be attempted.
func (a *ContentAdapter) AIRewriteEnabled() bool {
	return a.aiRewrite
}

// Rewrite asks the text model for a policy-compliant version of prompt.
func (a *ContentAdapter) Rewrite(ctx context.Context, prompt string) (string, error) {
	if !a.aiRewrite {
		return "", errors.New("ai rewrite disabled")
	}
	res, err := a.text.CompleteText(ctx, []Part{
		TextPart(rewriteSystemPrompt),
		TextPart(prompt),
	})
	if err != nil {
		return "", fmt.Errorf("rewrite prompt: %w", err)
	}
	text := strings.TrimSpace(strings.Trim(strings.TrimSpace(res.Text), `"`))
	if len([]rune(text)) < a.minRewriteLength {
		return "", fmt.Errorf("rewrite too short (%d chars)", len([]rune(text)))
	}
	return text, nil
}

// Adapt applies one deterministic rung of the ladder to the original prompt.
func (a *ContentAdapter) Adapt(prompt string, level AdaptationLevel) string {
	switch level {
	case LevelSubstitute:
		return a.substitute(prompt) + a.rules.Level1Qualifier
	case LevelStrip:
		return a.strip(prompt) + a.rules.Level2Qualifier
	default:
		return a.generic(prompt)
	}
}

func (a *ContentAdapter) substitute(prompt string) string {
	out := prompt
	for _, s := range a.substitutions {
		out = s.re.ReplaceAllString(out, s.replacement)
	}
	return tidy(out)
}

func (a *ContentAdapter) strip(prompt string) string {
	out := prompt
	for _, re := range a.unsafe {
		out = re.ReplaceAllString(out, "")
	}
	return tidy(out)
}

func (a *ContentAdapter) generic(prompt string) string {
	var kept []string
	for _, frag := range fragmentSplitter.Split(prompt, -1) {
		frag = strings.TrimSpace(frag)
		if frag == "" || a.isUnsafe(frag) {
			continue
		}
		kept = append(kept, frag)
	}
	remaining := strings.Join(kept, ", ")
	if len([]rune(remaining)) < a.rules.MinMeaningfulLength {
		return a.rules.FallbackPrompt
	}
	return fmt.Sprintf(a.rules.Level3Wrapper, remaining)
}

func (a *ContentAdapter) isUnsafe(fragment string) bool {
	for _, re := range a.unsafe {
		if re.MatchString(fragment) {
			return true
		}
	}
	return false
}

func tidy(s string) string {
	s = spaceCollapser.ReplaceAllString(s, " ")
	s = orphanPunct.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}
