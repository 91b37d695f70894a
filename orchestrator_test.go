package pagegen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGenerate_EmptyPromptWithoutAutoContinue(t *testing.T) {
	client := &MockGenerationClient{}
	store := newFakeStore()
	orch := newTestOrchestrator(client, store)

	page, err := orch.Generate(context.Background(), "s1", "", PageConfig{AutoContinueStory: false}, nil)

	require.Error(t, err)
	assert.Nil(t, page)
	assert.True(t, IsValidationError(err))
	assert.Zero(t, client.Calls(), "no network call expected")
	assert.Zero(t, store.Calls(), "no store call expected")
}

func TestGenerate_PolicyRejectionAppliesLevelOne(t *testing.T) {
	var prompts []string
	client := &MockGenerationClient{
		GenerateImageFunc: func(ctx context.Context, parts []Part, cfg ImageConfig) (*ImageResult, error) {
			prompts = append(prompts, promptText(parts))
			if len(prompts) == 1 {
				return &ImageResult{Blocked: &Blocked{Reason: FailurePolicyRejected, Message: "SAFETY"}}, nil
			}
			return pngResult(), nil
		},
	}
	store := newFakeStore()
	orch := newTestOrchestrator(client, store)

	page, err := orch.Generate(context.Background(), "s1", "Hero draws sword", PageConfig{}, nil)
	require.NoError(t, err)

	assert.Equal(t, "Hero draws sword, artistic, stylized illustration", page.Prompt)
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "Hero draws sword")
	assert.NotContains(t, prompts[0], "stylized illustration")
	assert.Contains(t, prompts[1], "Hero draws sword, artistic, stylized illustration")
	assert.Equal(t, prompts[1], page.RequestText)
	assert.Zero(t, client.TextCalls(), "ai rewrite is disabled by default")
}

func TestGenerate_SingleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &MockGenerationClient{
		GenerateImageFunc: func(ctx context.Context, parts []Part, cfg ImageConfig) (*ImageResult, error) {
			close(started)
			<-release
			return pngResult(), nil
		},
	}
	store := newFakeStore()
	orch := newTestOrchestrator(client, store)

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = orch.Generate(context.Background(), "s1", "first", PageConfig{}, nil)
	}()

	<-started
	callsBefore := store.Calls()
	page, err := orch.Generate(context.Background(), "s1", "second", PageConfig{}, nil)
	assert.Nil(t, page)
	assert.ErrorIs(t, err, ErrInFlight)
	assert.True(t, IsInFlight(err))
	assert.Equal(t, callsBefore, store.Calls(), "ignored call must not touch the store")

	close(release)
	wg.Wait()

	require.NoError(t, firstErr)
	assert.Equal(t, 1, client.ImageCalls())

	// the guard is released afterwards
	_, err = orch.Generate(context.Background(), "s1", "third", PageConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, client.ImageCalls())
}

func TestGenerate_ContextErrorFromClientIsNotARejection(t *testing.T) {
	client := &MockGenerationClient{
		GenerateImageFunc: func(ctx context.Context, parts []Part, cfg ImageConfig) (*ImageResult, error) {
			return nil, fmt.Errorf("request timed out: %w", context.DeadlineExceeded)
		},
	}
	orch := newTestOrchestrator(client, newFakeStore())

	_, err := orch.Generate(context.Background(), "s1", "A quiet harbor at dawn", PageConfig{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, rejected := AsFinalRejection(err)
	assert.False(t, rejected)
	assert.Equal(t, 1, client.ImageCalls(), "no retry after a context error")
}

func TestGenerate_PersistsPageAndChat(t *testing.T) {
	client := &MockGenerationClient{}
	store := newFakeStore()
	orch := newTestOrchestrator(client, store)

	page, err := orch.Generate(context.Background(), "s1", "A quiet harbor at dawn", PageConfig{}, nil)
	require.NoError(t, err)

	assert.Equal(t, "id-1", page.ID)
	assert.Equal(t, "sessions/s1/id-1.png", page.Image.Handle)
	assert.Equal(t, "A quiet harbor at dawn", page.Prompt)

	stored := store.stored("s1")
	require.NotNil(t, stored)
	require.Len(t, stored.Pages, 1)
	assert.Equal(t, page.ID, stored.Pages[0].ID)

	require.Len(t, stored.ChatLog, 2)
	assert.Equal(t, ChatRoleUser, stored.ChatLog[0].Role)
	assert.Equal(t, "A quiet harbor at dawn", stored.ChatLog[0].Text)
	assert.Equal(t, ChatRoleAssistant, stored.ChatLog[1].Role)
	assert.Equal(t, page.ID, stored.ChatLog[1].PageID)

	live, ok := orch.Session("s1")
	require.True(t, ok)
	require.Len(t, live.Pages, 1)
	assert.Equal(t, stored.ChatLog, live.ChatLog)

	// a fresh process sees the same chat log
	restarted := newTestOrchestrator(client, store)
	s, err := restarted.SetSessionContext(context.Background(), "s1", "Fishing boats return.")
	require.NoError(t, err)
	assert.Len(t, s.ChatLog, 2)
}

func TestGenerate_ConcurrentFirstPagesOfNewSession(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	client := &MockGenerationClient{
		GenerateImageFunc: func(ctx context.Context, parts []Part, cfg ImageConfig) (*ImageResult, error) {
			if calls.Add(1) == 1 {
				close(started)
				<-release
			}
			return pngResult(), nil
		},
	}
	store := newFakeStore()
	orch := newTestOrchestrator(client, store)

	var wg sync.WaitGroup
	var single *Page
	var singleErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		single, singleErr = orch.Generate(context.Background(), "new", "A cat sleeps on the windowsill", PageConfig{}, nil)
	}()
	<-started

	res, err := orch.RunBatch(context.Background(), BatchRequest{
		SessionID:  "new",
		SeedPrompt: "A dog chases leaves in the yard",
		TotalPages: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CompletedCount)

	close(release)
	wg.Wait()
	require.NoError(t, singleErr)

	stored := store.stored("new")
	require.NotNil(t, stored)
	assert.Len(t, stored.Pages, 2, "the later first page must not replace the earlier one")
	assert.True(t, stored.HasPage(single.ID))
	assert.True(t, stored.HasPage(res.Pages[0].ID))
	assert.Len(t, stored.ChatLog, 3)

	live, ok := orch.Session("new")
	require.True(t, ok)
	assert.Len(t, live.Pages, 2)
}

func TestGenerate_AutoContinueUsesLastPrompt(t *testing.T) {
	var prompt string
	client := &MockGenerationClient{
		GenerateImageFunc: func(ctx context.Context, parts []Part, cfg ImageConfig) (*ImageResult, error) {
			prompt = promptText(parts)
			return pngResult(), nil
		},
	}
	store := newFakeStore()
	s := NewSession("s1", "", time.Now())
	s.Pages = []Page{{ID: "p1", Prompt: "The ship leaves port", Image: ImagePayload{Handle: "h1", MIMEType: "image/png", Data: []byte("img")}}}
	store.put(s)
	orch := newTestOrchestrator(client, store)

	page, err := orch.Generate(context.Background(), "s1", "  ", PageConfig{AutoContinueStory: true}, nil)
	require.NoError(t, err)

	assert.Equal(t, autoContinueInstruction, page.Prompt)
	assert.Contains(t, prompt, "Continue the story naturally")
	assert.Contains(t, prompt, "## PREVIOUS PAGE\nThe ship leaves port")
	assert.NotContains(t, prompt, openingSceneInstruction)
}

func TestGenerate_ChainedAutoContinueStaysBounded(t *testing.T) {
	var prompts []string
	client := &MockGenerationClient{
		GenerateImageFunc: func(ctx context.Context, parts []Part, cfg ImageConfig) (*ImageResult, error) {
			prompts = append(prompts, promptText(parts))
			return pngResult(), nil
		},
	}
	store := newFakeStore()
	orch := newTestOrchestrator(client, store)
	ctx := context.Background()

	first, err := orch.Generate(ctx, "s1", `A cat named "Mochi" naps on a \ sunlit ledge`, PageConfig{}, nil)
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		page, err := orch.Generate(ctx, "s1", "", PageConfig{AutoContinueStory: true}, nil)
		require.NoError(t, err, "auto page %d", i+1)
		assert.Equal(t, autoContinueInstruction, page.Prompt)
	}

	bound := len(prompts[1])
	for i, p := range prompts[1:] {
		assert.Equal(t, bound, len(p), "auto page %d request grew", i+1)
		assert.Contains(t, p, first.Prompt, "auto page %d lost the story", i+1)
		assert.Equal(t, 1, strings.Count(p, `\`), "auto page %d re-escaped the prompt", i+1)
	}
	for _, p := range store.stored("s1").Pages {
		assert.LessOrEqual(t, len(p.Prompt), len(first.Prompt)+len(autoContinueInstruction))
	}
}

func TestGenerate_AutoContinueWithoutPages(t *testing.T) {
	client := &MockGenerationClient{}
	orch := newTestOrchestrator(client, newFakeStore())

	_, err := orch.Generate(context.Background(), "s1", "", PageConfig{AutoContinueStory: true}, nil)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Zero(t, client.Calls())
}

func TestGenerate_AttachesRecentPagesAsReferences(t *testing.T) {
	var images int
	client := &MockGenerationClient{
		GenerateImageFunc: func(ctx context.Context, parts []Part, cfg ImageConfig) (*ImageResult, error) {
			images = countImages(parts)
			assert.Nil(t, parts[len(parts)-1].InlineImage, "text part comes last")
			return pngResult(), nil
		},
	}
	store := newFakeStore()
	s := NewSession("s1", "", time.Now())
	for _, id := range []string{"p1", "p2", "p3"} {
		s.Pages = append(s.Pages, Page{ID: id, Prompt: id, Image: ImagePayload{Handle: "sessions/s1/" + id + ".png", MIMEType: "image/png"}})
		store.putImage("sessions/s1/"+id+".png", "image/png", []byte(id))
	}
	store.put(s)
	orch := newTestOrchestrator(client, store)

	_, err := orch.Generate(context.Background(), "s1", "next", PageConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, images)
}

func TestGenerate_OverloadExhausted(t *testing.T) {
	client := &MockGenerationClient{
		GenerateImageFunc: func(ctx context.Context, parts []Part, cfg ImageConfig) (*ImageResult, error) {
			return nil, &ServiceError{Kind: FailureOverloaded, Err: errors.New("503 unavailable")}
		},
	}
	store := newFakeStore()
	orch := newTestOrchestrator(client, store)

	var progress []int
	var mu sync.Mutex
	_, err := orch.Generate(context.Background(), "s1", "storm", PageConfig{}, func(p int) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})

	fErr, ok := AsFinalRejection(err)
	require.True(t, ok)
	assert.Equal(t, FailureOverloaded, fErr.Kind)
	assert.Equal(t, 3, fErr.Attempts)
	assert.Equal(t, 3, client.ImageCalls())
	assert.Nil(t, store.stored("s1"), "nothing persisted")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, progress)
	assert.Equal(t, 0, progress[len(progress)-1])
}

func TestGenerate_ProgressEndsAtHundred(t *testing.T) {
	orch := newTestOrchestrator(&MockGenerationClient{}, newFakeStore())

	var progress []int
	var mu sync.Mutex
	_, err := orch.Generate(context.Background(), "s1", "calm sea", PageConfig{}, func(p int) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, progress[0])
	assert.Equal(t, 100, progress[len(progress)-1])
}

func TestGenerate_StorageHandle(t *testing.T) {
	storage := &mockStorage{baseURL: "https://cdn.example.com/"}
	orch := newTestOrchestrator(&MockGenerationClient{}, newFakeStore(), WithStorage(storage))

	page, err := orch.Generate(context.Background(), "s1", "rooftops", PageConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/sessions/s1/id-1.png", page.Image.Handle)
	assert.Equal(t, []string{"sessions/s1/id-1.png"}, storage.paths)
}

func TestGenerate_PersistFailure(t *testing.T) {
	store := newFakeStore()
	store.AppendErr = errors.New("disk full")
	orch := newTestOrchestrator(&MockGenerationClient{}, store)

	_, err := orch.Generate(context.Background(), "s1", "rooftops", PageConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	live, ok := orch.Session("s1")
	assert.False(t, ok && len(live.Pages) > 0, "unpersisted page must not be published")
}

func TestGenerate_LogsAndMetrics(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	orch := newTestOrchestrator(&MockGenerationClient{}, newFakeStore(),
		WithLogger(zap.New(core)),
		WithMetrics(metrics),
	)

	_, err := orch.Generate(context.Background(), "s1", "rooftops", PageConfig{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage("page generated").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.attempts.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.pages.WithLabelValues(string(ModeManual))))
}

func TestGenerate_InvalidConfig(t *testing.T) {
	client := &MockGenerationClient{}
	orch := newTestOrchestrator(client, newFakeStore())

	_, err := orch.Generate(context.Background(), "s1", "hello", PageConfig{Style: "baroque"}, nil)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "style", vErr.Field)
	assert.Zero(t, client.Calls())
}

func TestGenerationRequest_Parts(t *testing.T) {
	req := GenerationRequest{
		PromptText: "scene",
		References: []InlineImage{{Bytes: []byte("a"), MIMEType: "image/png"}, {Bytes: []byte("b"), MIMEType: "image/png"}},
	}
	parts := req.Parts()
	require.Len(t, parts, 3)
	assert.NotNil(t, parts[0].InlineImage)
	assert.NotNil(t, parts[1].InlineImage)
	assert.Equal(t, "scene", parts[2].Text)
}

type mockStorage struct {
	mu      sync.Mutex
	baseURL string
	paths   []string
}

func (m *mockStorage) SaveFile(ctx context.Context, data []byte, path string, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, path)
	return strings.TrimSuffix(m.baseURL, "/") + "/" + path, nil
}
