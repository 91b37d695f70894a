package pagegen

import (
	"slices"
	"time"
)

// ImagePayload is an image either carried inline (Data) or referenced by Handle.
type ImagePayload struct {
	Handle   string `json:"handle,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Data     []byte `json:"-"`
}

// SelfContained reports whether the payload can be attached without resolution.
func (p ImagePayload) SelfContained() bool {
	return len(p.Data) > 0
}

// Page is one generated image plus the prompt actually used to produce it.
// Pages are immutable after creation except for MarkedForExport.
type Page struct {
	ID    string       `json:"id"`
	Image ImagePayload `json:"image"`

	// Prompt is the narrative instruction sent on the successful attempt,
	// after any content adaptation.
	Prompt string `json:"prompt"`

	// RequestText is the full structured text of the successful request.
	RequestText string `json:"requestText,omitempty"`

	Config          PageConfig `json:"config"`
	MarkedForExport bool       `json:"markedForExport"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// ChatRole identifies the author of a chat log entry.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one entry of a session's chat log.
type ChatMessage struct {
	Role      ChatRole  `json:"role"`
	Text      string    `json:"text"`
	PageID    string    `json:"pageId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is one continuity scope for a story. Sessions are treated as values:
// every change produces a new Session via Clone, never in-place mutation of a
// shared instance.
type Session struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId,omitempty"`
	Name      string `json:"name,omitempty"`

	// Context is world and character background shared by every page.
	Context string `json:"context,omitempty"`

	Config PageConfig `json:"config"`

	// Pages are ordered by creation.
	Pages []Page `json:"pages"`

	SelectedReferencePageIDs []string      `json:"selectedReferencePageIds,omitempty"`
	ChatLog                  []ChatMessage `json:"chatLog,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewSession returns an empty session.
func NewSession(id, projectID string, now time.Time) *Session {
	return &Session{
		ID:        id,
		ProjectID: projectID,
		Config:    DefaultPageConfig(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy of s whose slices can be modified without affecting s.
// Image bytes are shared since pages never rewrite them.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Pages = slices.Clone(s.Pages)
	c.SelectedReferencePageIDs = slices.Clone(s.SelectedReferencePageIDs)
	c.ChatLog = slices.Clone(s.ChatLog)
	c.Config.ReferenceImages = slices.Clone(s.Config.ReferenceImages)
	return &c
}

// WithPage returns a copy of s with page appended.
func (s *Session) WithPage(page Page, now time.Time) *Session {
	c := s.Clone()
	c.Pages = append(c.Pages, page)
	c.UpdatedAt = now
	return c
}

// WithChat returns a copy of s with messages appended to the chat log.
func (s *Session) WithChat(msgs ...ChatMessage) *Session {
	c := s.Clone()
	c.ChatLog = append(c.ChatLog, msgs...)
	return c
}

// PageIndex returns the position of the page with id, or -1.
func (s *Session) PageIndex(id string) int {
	return slices.IndexFunc(s.Pages, func(p Page) bool { return p.ID == id })
}

// HasPage reports whether a page with id belongs to the session.
func (s *Session) HasPage(id string) bool {
	return s.PageIndex(id) >= 0
}

// Prompts returns the prompt history of the session in page order.
func (s *Session) Prompts() []string {
	prompts := make([]string, 0, len(s.Pages))
	for _, p := range s.Pages {
		prompts = append(prompts, p.Prompt)
	}
	return prompts
}

// LastPage returns the most recent page.
func (s *Session) LastPage() (Page, bool) {
	if len(s.Pages) == 0 {
		return Page{}, false
	}
	return s.Pages[len(s.Pages)-1], true
}
