// Package gemini provides a GenerationClient implementation using Google's Gemini API.
//
// This provider uses the Gemini API backend via the official Go SDK:
// https://github.com/googleapis/go-genai
//
// For Vertex AI or other Google Cloud backends, a separate provider implementation
// could be created using the same SDK with a different backend configuration.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mhpenta/pagegen"
	"google.golang.org/genai"
)

// Model name constants - the actual API model names.
const (
	// APIModelNanoBanana2 is the actual API name for Gemini 3 Pro Image
	APIModelNanoBanana2 = "gemini-3-pro-image-preview"

	// APIModelNanoBanana1 is the actual API name for Gemini 2.5 Flash Image
	APIModelNanoBanana1 = "gemini-2.5-flash-image"

	// APIModelFlash is the text model used for continuations and rewrites.
	APIModelFlash = "gemini-2.5-flash"
)

// Config configures a Client.
type Config struct {
	// APIKey falls back to GOOGLE_API_KEY or GEMINI_API_KEY when empty.
	APIKey string

	// ImageModel defaults to APIModelNanoBanana2.
	ImageModel string

	// TextModel defaults to APIModelFlash.
	TextModel string
}

// Client implements pagegen.GenerationClient using Google's Gemini API.
type Client struct {
	models         modelsAPI
	imageModel     string
	textModel      string
	safetySettings []*genai.SafetySetting
	mu             sync.RWMutex
}

// modelsAPI is the part of genai.Models the client uses.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Ensure Client implements the interface.
var _ pagegen.GenerationClient = (*Client)(nil)

// New creates a new Client from a Config.
func New(ctx context.Context, config *Config) (*Client, error) {
	if config == nil {
		config = &Config{}
	}

	clientCfg := &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
	}
	if config.APIKey != "" {
		clientCfg.APIKey = config.APIKey
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return newClient(client.Models, config), nil
}

// NewWithAPIKey creates a client with an API key for Gemini API.
func NewWithAPIKey(ctx context.Context, apiKey string) (*Client, error) {
	return New(ctx, &Config{APIKey: apiKey})
}

func newClient(models modelsAPI, config *Config) *Client {
	c := &Client{
		models:     models,
		imageModel: config.ImageModel,
		textModel:  config.TextModel,
	}
	if c.imageModel == "" {
		c.imageModel = APIModelNanoBanana2
	}
	if c.textModel == "" {
		c.textModel = APIModelFlash
	}
	return c
}

// SetSafetySettings configures safety settings for all requests.
func (c *Client) SetSafetySettings(settings []*genai.SafetySetting) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.safetySettings = settings
	return c
}

// Models returns the image models supported by this provider.
// The first model (NanoBanana2) is the default.
func (c *Client) Models() []pagegen.ModelInfo {
	return []pagegen.ModelInfo{
		NanoBanana2Info,
		NanoBanana1Info,
	}
}

// CompleteText runs a text-only completion.
func (c *Client) CompleteText(ctx context.Context, parts []pagegen.Part) (*pagegen.TextResult, error) {
	genConfig := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT"},
		SafetySettings:     c.safety(),
	}

	result, err := c.models.GenerateContent(ctx, c.textModel, toContents(parts), genConfig)
	if err != nil {
		return nil, classifyError(err, "text completion failed")
	}
	return parseTextResult(result)
}

// GenerateImage runs one multimodal image generation call. Safety blocks are
// reported in-band through ImageResult.Blocked.
func (c *Client) GenerateImage(ctx context.Context, parts []pagegen.Part, imageConfig pagegen.ImageConfig) (*pagegen.ImageResult, error) {
	genConfig := &genai.GenerateContentConfig{
		// Enable image output
		ResponseModalities: []string{"TEXT", "IMAGE"},
		SafetySettings:     c.safety(),
	}

	imgCfg := &genai.ImageConfig{}
	if imageConfig.Size != "" {
		imgCfg.ImageSize = imageConfig.Size.String()
	}
	if imageConfig.AspectRatio != pagegen.AspectRatioAuto {
		imgCfg.AspectRatio = imageConfig.AspectRatio.String()
	}
	genConfig.ImageConfig = imgCfg

	result, err := c.models.GenerateContent(ctx, c.imageModel, toContents(parts), genConfig)
	if err != nil {
		return nil, classifyError(err, "generation failed")
	}
	return parseImageResult(result), nil
}

func (c *Client) safety() []*genai.SafetySetting {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.safetySettings
}

// toContents converts ordered parts into a single user turn.
func toContents(parts []pagegen.Part) []*genai.Content {
	gParts := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		if p.InlineImage != nil {
			gParts = append(gParts, &genai.Part{
				InlineData: &genai.Blob{
					Data:     p.InlineImage.Bytes,
					MIMEType: p.InlineImage.MIMEType,
				},
			})
			continue
		}
		if p.Text != "" {
			gParts = append(gParts, &genai.Part{Text: p.Text})
		}
	}
	return []*genai.Content{{Role: "user", Parts: gParts}}
}

// policyReasons are block and finish reasons that mean the content policy refused the request.
var policyReasons = map[string]bool{
	"SAFETY":                   true,
	"PROHIBITED_CONTENT":       true,
	"IMAGE_SAFETY":             true,
	"IMAGE_PROHIBITED_CONTENT": true,
	"BLOCKLIST":                true,
	"SPII":                     true,
}

// parseImageResult converts a Gemini response to an ImageResult.
func parseImageResult(result *genai.GenerateContentResponse) *pagegen.ImageResult {
	if result == nil {
		return &pagegen.ImageResult{Blocked: &pagegen.Blocked{Reason: pagegen.FailureOther, Message: "empty response from model"}}
	}

	res := &pagegen.ImageResult{UsageMetadata: parseUsage(result.UsageMetadata)}

	if fb := result.PromptFeedback; fb != nil && fb.BlockReason != "" {
		res.Blocked = &pagegen.Blocked{
			Reason:  blockKind(string(fb.BlockReason)),
			Message: strings.TrimSpace(string(fb.BlockReason) + " " + fb.BlockReasonMessage),
		}
		return res
	}

	var finish string
	for _, candidate := range result.Candidates {
		if candidate.FinishReason != "" && finish == "" {
			finish = string(candidate.FinishReason)
		}
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Thought {
				continue
			}
			if part.Text != "" {
				res.Text += part.Text
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 && res.Data == nil {
				res.Data = part.InlineData.Data
				res.MIMEType = part.InlineData.MIMEType
			}
		}
	}

	if res.Data != nil {
		return res
	}

	msg := "response contained no image"
	if finish != "" {
		msg = fmt.Sprintf("%s (finish reason %s)", msg, finish)
	}
	res.Blocked = &pagegen.Blocked{Reason: blockKind(finish), Message: msg}
	return res
}

func blockKind(reason string) pagegen.FailureKind {
	if policyReasons[reason] {
		return pagegen.FailurePolicyRejected
	}
	return pagegen.FailureOther
}

func parseTextResult(result *genai.GenerateContentResponse) (*pagegen.TextResult, error) {
	if result == nil || len(result.Candidates) == 0 {
		if result != nil && result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
			return nil, &pagegen.ServiceError{
				Kind: blockKind(string(result.PromptFeedback.BlockReason)),
				Err:  fmt.Errorf("prompt blocked: %s", result.PromptFeedback.BlockReason),
			}
		}
		return nil, errors.New("empty response from model")
	}

	var sb strings.Builder
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Thought {
				continue
			}
			sb.WriteString(part.Text)
		}
		break
	}

	return &pagegen.TextResult{
		Text:          sb.String(),
		UsageMetadata: parseUsage(result.UsageMetadata),
	}, nil
}

func parseUsage(u *genai.GenerateContentResponseUsageMetadata) *pagegen.UsageMetadata {
	if u == nil {
		return nil
	}
	return &pagegen.UsageMetadata{
		PromptTokens:     int(u.PromptTokenCount),
		CandidatesTokens: int(u.CandidatesTokenCount),
		TotalTokens:      int(u.TotalTokenCount),
	}
}

// classifyError wraps API errors whose kind is known in a *pagegen.ServiceError.
func classifyError(err error, op string) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch {
	case apiErr.Code == 429, apiErr.Code == 500, apiErr.Code == 503, apiErr.Code == 504,
		apiErr.Status == "RESOURCE_EXHAUSTED", apiErr.Status == "UNAVAILABLE":
		return &pagegen.ServiceError{Kind: pagegen.FailureOverloaded, Err: fmt.Errorf("%s: %w", op, err)}
	case apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "safety"):
		return &pagegen.ServiceError{Kind: pagegen.FailurePolicyRejected, Err: fmt.Errorf("%s: %w", op, err)}
	default:
		return &pagegen.ServiceError{Kind: pagegen.FailureOther, Err: fmt.Errorf("%s: %w", op, err)}
	}
}
