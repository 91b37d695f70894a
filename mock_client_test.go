package pagegen

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// MockGenerationClient is a mock implementation of GenerationClient.
type MockGenerationClient struct {
	CompleteTextFunc  func(ctx context.Context, parts []Part) (*TextResult, error)
	GenerateImageFunc func(ctx context.Context, parts []Part, cfg ImageConfig) (*ImageResult, error)

	textCalls  atomic.Int64
	imageCalls atomic.Int64
}

func (m *MockGenerationClient) CompleteText(ctx context.Context, parts []Part) (*TextResult, error) {
	m.textCalls.Add(1)
	if m.CompleteTextFunc != nil {
		return m.CompleteTextFunc(ctx, parts)
	}
	return &TextResult{Text: "The heroes walk on."}, nil
}

func (m *MockGenerationClient) GenerateImage(ctx context.Context, parts []Part, cfg ImageConfig) (*ImageResult, error) {
	m.imageCalls.Add(1)
	if m.GenerateImageFunc != nil {
		return m.GenerateImageFunc(ctx, parts, cfg)
	}
	return pngResult(), nil
}

func (m *MockGenerationClient) TextCalls() int  { return int(m.textCalls.Load()) }
func (m *MockGenerationClient) ImageCalls() int { return int(m.imageCalls.Load()) }
func (m *MockGenerationClient) Calls() int      { return m.TextCalls() + m.ImageCalls() }

func pngResult() *ImageResult {
	return &ImageResult{MIMEType: "image/png", Data: []byte("\x89PNG fake page")}
}

// promptText returns the text part of an image request.
func promptText(parts []Part) string {
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i].InlineImage == nil {
			return parts[i].Text
		}
	}
	return ""
}

func countImages(parts []Part) int {
	n := 0
	for _, p := range parts {
		if p.InlineImage != nil {
			n++
		}
	}
	return n
}

// fakeStore is an in-memory SessionStore that counts calls and can be made
// to fail per method.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	images   map[string]ImagePayload
	deleted  []string

	calls atomic.Int64

	LoadErr    error
	SaveErr    error
	AppendErr  error
	ResolveErr error
	AppendFunc func(sessionID string, page Page) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*Session),
		images:   make(map[string]ImagePayload),
	}
}

func (s *fakeStore) Calls() int { return int(s.calls.Load()) }

func (s *fakeStore) put(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session.Clone()
	for _, p := range session.Pages {
		if p.Image.Handle != "" && len(p.Image.Data) > 0 {
			s.images[p.Image.Handle] = p.Image
		}
	}
}

func (s *fakeStore) putImage(handle, mimeType string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[handle] = ImagePayload{Handle: handle, MIMEType: mimeType, Data: data}
}

func (s *fakeStore) stored(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id].Clone()
}

func (s *fakeStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	s.calls.Add(1)
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *fakeStore) SaveSession(ctx context.Context, session *Session) error {
	s.calls.Add(1)
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := session.Clone()
	if cur, ok := s.sessions[session.ID]; ok {
		next.ChatLog = slices.Clone(cur.ChatLog)
		for _, p := range cur.Pages {
			if !next.HasPage(p.ID) {
				next.Pages = append(next.Pages, p)
			}
		}
	}
	s.sessions[session.ID] = next
	return nil
}

func (s *fakeStore) AppendPage(ctx context.Context, sessionID string, page Page, chat ...ChatMessage) error {
	s.calls.Add(1)
	if s.AppendFunc != nil {
		if err := s.AppendFunc(sessionID, page); err != nil {
			return err
		}
	}
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &Session{ID: sessionID, Config: DefaultPageConfig(), CreatedAt: page.CreatedAt}
	}
	if sess.HasPage(page.ID) {
		return nil
	}
	s.sessions[sessionID] = sess.WithPage(page, page.CreatedAt).WithChat(chat...)
	if page.Image.Handle != "" {
		s.images[page.Image.Handle] = page.Image
	}
	return nil
}

func (s *fakeStore) DeletePages(ctx context.Context, sessionID string, pageIDs []string) error {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	next := sess.Clone()
	next.Pages = slices.DeleteFunc(next.Pages, func(p Page) bool { return slices.Contains(pageIDs, p.ID) })
	s.sessions[sessionID] = next
	return nil
}

func (s *fakeStore) ResolveImageHandles(ctx context.Context, handles []string) (map[string]ImagePayload, error) {
	s.calls.Add(1)
	if s.ResolveErr != nil {
		return nil, s.ResolveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ImagePayload)
	for _, h := range handles {
		if p, ok := s.images[h]; ok {
			out[h] = p
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteImages(ctx context.Context, handles []string) error {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range handles {
		delete(s.images, h)
		s.deleted = append(s.deleted, h)
	}
	return nil
}

// testSettings removes every delay so tests run instantly.
func testSettings() Settings {
	s := DefaultSettings()
	s.OverloadBaseDelay = 0
	s.BatchRetryDelay = 0
	s.InterPageDelay = 0
	s.ProgressInterval = 5 * time.Millisecond
	return s
}

// newTestOrchestrator returns an orchestrator with zero delays and sequential ids.
func newTestOrchestrator(client GenerationClient, store SessionStore, opts ...Option) *Orchestrator {
	var n atomic.Int64
	base := []Option{
		WithSettings(testSettings()),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", n.Add(1)) }),
	}
	return New(client, store, append(base, opts...)...)
}
