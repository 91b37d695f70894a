package pagegen

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// updateSession applies change to a fresh copy of the stored session, saves
// it and publishes it. change returns the image handles to delete afterwards.
// Pages dropped by change are deleted explicitly; pages appended elsewhere
// since the read are left alone.
func (o *Orchestrator) updateSession(ctx context.Context, sessionID string, change func(s *Session) ([]string, error)) (*Session, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	current, created, err := o.loadSessionLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if created {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	next := current.Clone()
	obsolete, err := change(next)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = o.now()

	if err := o.store.SaveSession(ctx, next); err != nil {
		return nil, fmt.Errorf("save session %s: %w", sessionID, err)
	}
	if removed := removedPageIDs(current, next); len(removed) > 0 {
		if err := o.store.DeletePages(ctx, sessionID, removed); err != nil {
			return nil, fmt.Errorf("delete pages of session %s: %w", sessionID, err)
		}
	}

	o.mu.Lock()
	o.live[sessionID] = next
	o.mu.Unlock()

	if len(obsolete) > 0 {
		if err := o.store.DeleteImages(ctx, obsolete); err != nil {
			o.logger.Warn("failed to delete page images",
				zap.String("session_id", sessionID),
				zap.Strings("handles", obsolete),
				zap.Error(err),
			)
		}
	}
	return next.Clone(), nil
}

func removedPageIDs(before, after *Session) []string {
	var ids []string
	for _, p := range before.Pages {
		if !after.HasPage(p.ID) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// RemovePage removes a page from the session and deletes its image.
func (o *Orchestrator) RemovePage(ctx context.Context, sessionID, pageID string) (*Session, error) {
	return o.updateSession(ctx, sessionID, func(s *Session) ([]string, error) {
		i := s.PageIndex(pageID)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
		}
		removed := s.Pages[i]
		s.Pages = slices.Delete(s.Pages, i, i+1)
		s.SelectedReferencePageIDs = slices.DeleteFunc(s.SelectedReferencePageIDs, func(id string) bool { return id == pageID })

		if removed.Image.Handle == "" {
			return nil, nil
		}
		return []string{removed.Image.Handle}, nil
	})
}

// MarkForExport sets the export flag of a page, the only mutable page field.
func (o *Orchestrator) MarkForExport(ctx context.Context, sessionID, pageID string, marked bool) (*Session, error) {
	return o.updateSession(ctx, sessionID, func(s *Session) ([]string, error) {
		i := s.PageIndex(pageID)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
		}
		s.Pages[i].MarkedForExport = marked
		return nil, nil
	})
}

// SelectReferencePages overrides the default recency selection of reference
// pages. An empty list restores the default.
func (o *Orchestrator) SelectReferencePages(ctx context.Context, sessionID string, pageIDs []string) (*Session, error) {
	return o.updateSession(ctx, sessionID, func(s *Session) ([]string, error) {
		for _, id := range pageIDs {
			if !s.HasPage(id) {
				return nil, fmt.Errorf("%w: %s", ErrPageNotFound, id)
			}
		}
		if len(pageIDs) > MaxInputImages {
			return nil, &ValidationError{Field: "selectedReferencePageIds", Reason: fmt.Sprintf("at most %d pages", MaxInputImages)}
		}
		s.SelectedReferencePageIDs = slices.Clone(pageIDs)
		return nil, nil
	})
}

// SetSessionContext replaces the world and character context of the session.
func (o *Orchestrator) SetSessionContext(ctx context.Context, sessionID, text string) (*Session, error) {
	return o.updateSession(ctx, sessionID, func(s *Session) ([]string, error) {
		s.Context = text
		return nil, nil
	})
}

// SetSessionConfig replaces the default configuration snapshot of the session.
func (o *Orchestrator) SetSessionConfig(ctx context.Context, sessionID string, cfg PageConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return o.updateSession(ctx, sessionID, func(s *Session) ([]string, error) {
		s.Config = cfg.WithDefaults()
		return nil, nil
	})
}
