// Package openai provides a pagegen.TextCompleter backed by any
// OpenAI-compatible chat completion API (OpenAI, OpenRouter, DeepSeek).
//
// It only completes text. Combine it with an image provider through
// pagegen.ComposeClient.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mhpenta/pagegen"
	"github.com/sashabaranov/go-openai"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = openai.GPT4oMini

// Config configures a Client.
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint, e.g. "https://openrouter.ai/api/v1".
	BaseURL string

	Model       string
	Temperature float32
	MaxTokens   int

	// Timeout bounds a single completion. Zero means 120 seconds.
	Timeout time.Duration
}

type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client implements pagegen.TextCompleter.
type Client struct {
	chat    chatAPI
	model   string
	temp    float32
	max     int
	timeout time.Duration
}

// Ensure Client implements the interface.
var _ pagegen.TextCompleter = (*Client)(nil)

// New creates a client for an OpenAI-compatible endpoint.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return newClient(openai.NewClientWithConfig(config), cfg), nil
}

func newClient(chat chatAPI, cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.9
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 400
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Client{
		chat:    chat,
		model:   cfg.Model,
		temp:    cfg.Temperature,
		max:     cfg.MaxTokens,
		timeout: cfg.Timeout,
	}
}

// CompleteText sends parts as one user message. Images are attached as
// base64 data URLs.
func (c *Client) CompleteText(ctx context.Context, parts []pagegen.Part) (*pagegen.TextResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    []openai.ChatCompletionMessage{toMessage(parts)},
		Temperature: c.temp,
		MaxTokens:   c.max,
	}

	resp, err := c.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty response, no choices")
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, &pagegen.ServiceError{Kind: pagegen.FailurePolicyRejected, Err: errors.New("openai: completion stopped by content filter")}
	}

	return &pagegen.TextResult{
		Text: strings.TrimSpace(choice.Message.Content),
		UsageMetadata: &pagegen.UsageMetadata{
			PromptTokens:     resp.Usage.PromptTokens,
			CandidatesTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func toMessage(parts []pagegen.Part) openai.ChatCompletionMessage {
	hasImage := false
	for _, p := range parts {
		if p.InlineImage != nil {
			hasImage = true
			break
		}
	}

	if !hasImage {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: strings.Join(texts, "\n\n")}
	}

	multi := make([]openai.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		if p.InlineImage != nil {
			multi = append(multi, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + p.InlineImage.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.InlineImage.Bytes),
					Detail: openai.ImageURLDetailLow,
				},
			})
			continue
		}
		if p.Text != "" {
			multi = append(multi, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
		}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: multi}
}

// classifyError maps API status codes to failure kinds.
func classifyError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		if apiErr.Type == "content_policy_violation" || apiErr.Code == "content_policy_violation" {
			return &pagegen.ServiceError{Kind: pagegen.FailurePolicyRejected, Err: err}
		}
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return fmt.Errorf("openai: completion failed: %w", err)
	}

	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return &pagegen.ServiceError{Kind: pagegen.FailureOverloaded, Err: err}
	}
	return &pagegen.ServiceError{Kind: pagegen.FailureOther, Err: err}
}
