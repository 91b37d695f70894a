// Package memory provides an in-process pagegen.SessionStore.
//
// Sessions are copied on the way in and on the way out, so callers never
// share slices with the store. Image bytes of appended pages are kept under
// the page's handle and served by ResolveImageHandles.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/mhpenta/pagegen"
)

// Store is a thread-safe in-memory session store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*pagegen.Session
	images   map[string]pagegen.ImagePayload
}

var _ pagegen.SessionStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*pagegen.Session),
		images:   make(map[string]pagegen.ImagePayload),
	}
}

// LoadSession returns a copy of the stored session.
func (s *Store) LoadSession(ctx context.Context, id string) (*pagegen.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, pagegen.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// SaveSession stores a copy of session. Pages already stored but missing from
// session are kept after its pages, and an existing chat log is preserved.
func (s *Store) SaveSession(ctx context.Context, session *pagegen.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session == nil || session.ID == "" {
		return &pagegen.ValidationError{Field: "session", Reason: "session id is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range session.Pages {
		s.keepImage(p)
	}
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

// AppendPage adds page and its chat entries to the end of the session,
// creating the session if needed. A page id already stored is ignored.
func (s *Store) AppendPage(ctx context.Context, sessionID string, page pagegen.Page, chat ...pagegen.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		session = &pagegen.Session{ID: sessionID, Config: pagegen.DefaultPageConfig(), CreatedAt: page.CreatedAt}
	}
	if session.HasPage(page.ID) {
		return nil
	}
	s.keepImage(page)
	s.sessions[sessionID] = session.WithPage(page, page.CreatedAt).WithChat(chat...)
	return nil
}

// DeletePages removes pages from the session. Their images stay until
// DeleteImages is called.
func (s *Store) DeletePages(ctx context.Context, sessionID string, pageIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	next := session.Clone()
	next.Pages = slices.DeleteFunc(next.Pages, func(p pagegen.Page) bool {
		return slices.Contains(pageIDs, p.ID)
	})
	s.sessions[sessionID] = next
	return nil
}

// keepImage records the bytes of a page under its handle. Callers hold mu.
func (s *Store) keepImage(p pagegen.Page) {
	if p.Image.Handle == "" || len(p.Image.Data) == 0 {
		return
	}
	s.images[p.Image.Handle] = p.Image
}

// PutImage registers an image payload under handle, e.g. a character sheet
// referenced from PageConfig.ReferenceImages.
func (s *Store) PutImage(handle, mimeType string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[handle] = pagegen.ImagePayload{Handle: handle, MIMEType: mimeType, Data: data}
}

// ResolveImageHandles returns the known payloads among handles.
func (s *Store) ResolveImageHandles(ctx context.Context, handles []string) (map[string]pagegen.ImagePayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]pagegen.ImagePayload, len(handles))
	for _, h := range handles {
		if img, ok := s.images[h]; ok {
			out[h] = img
		}
	}
	return out, nil
}

// DeleteImages forgets the payloads of handles. Unknown handles are ignored.
func (s *Store) DeleteImages(ctx context.Context, handles []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range handles {
		delete(s.images, h)
	}
	return nil
}

// Sessions returns the ids of all stored sessions.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
