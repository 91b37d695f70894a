// Package postgres provides a durable pagegen.SessionStore on PostgreSQL.
//
// Pages are stored without their image bytes. Bytes live in the images table
// keyed by the page's image handle and are served by ResolveImageHandles.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mhpenta/pagegen"
	"go.uber.org/zap"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements pagegen.SessionStore.
type Store struct {
	db     DBTX
	logger *zap.Logger
}

var _ pagegen.SessionStore = (*Store)(nil)

// New returns a store using db. logger may be nil.
func New(db DBTX, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("postgres_store")}
}

type sessionRow struct {
	ID                       string    `db:"id"`
	ProjectID                string    `db:"project_id"`
	Name                     string    `db:"name"`
	Context                  string    `db:"context"`
	Config                   []byte    `db:"config"`
	SelectedReferencePageIDs []string  `db:"selected_reference_page_ids"`
	ChatLog                  []byte    `db:"chat_log"`
	CreatedAt                time.Time `db:"created_at"`
	UpdatedAt                time.Time `db:"updated_at"`
}

type pageRow struct {
	ID              string    `db:"id"`
	Prompt          string    `db:"prompt"`
	RequestText     string    `db:"request_text"`
	Config          []byte    `db:"config"`
	ImageHandle     string    `db:"image_handle"`
	ImageMIMEType   string    `db:"image_mime_type"`
	MarkedForExport bool      `db:"marked_for_export"`
	CreatedAt       time.Time `db:"created_at"`
}

type imageRow struct {
	Handle   string `db:"handle"`
	MIMEType string `db:"mime_type"`
	Data     []byte `db:"data"`
}

const (
	getSessionQuery = `
        SELECT id, project_id, name, context, config, selected_reference_page_ids, chat_log, created_at, updated_at
        FROM sessions WHERE id = $1`

	listPagesQuery = `
        SELECT id, prompt, request_text, config, image_handle, image_mime_type, marked_for_export, created_at
        FROM pages WHERE session_id = $1 ORDER BY position`

	upsertSessionQuery = `
        INSERT INTO sessions (id, project_id, name, context, config, selected_reference_page_ids, chat_log, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            project_id = EXCLUDED.project_id,
            name = EXCLUDED.name,
            context = EXCLUDED.context,
            config = EXCLUDED.config,
            selected_reference_page_ids = EXCLUDED.selected_reference_page_ids,
            updated_at = EXCLUDED.updated_at`

	ensureSessionQuery = `
        INSERT INTO sessions (id, config, created_at, updated_at)
        VALUES ($1, $2, $3, $3)
        ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at`

	deletePagesQuery = `DELETE FROM pages WHERE session_id = $1 AND id = ANY($2::text[])`

	appendChatQuery = `UPDATE sessions SET chat_log = chat_log || $2::jsonb, updated_at = $3 WHERE id = $1`

	upsertPageQuery = `
        INSERT INTO pages (session_id, id, position, prompt, request_text, config, image_handle, image_mime_type, marked_for_export, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (session_id, id) DO UPDATE SET
            position = EXCLUDED.position,
            marked_for_export = EXCLUDED.marked_for_export`

	appendPageQuery = `
        INSERT INTO pages (session_id, id, position, prompt, request_text, config, image_handle, image_mime_type, marked_for_export, created_at)
        VALUES ($1, $2, (SELECT COALESCE(MAX(position) + 1, 0) FROM pages WHERE session_id = $1), $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (session_id, id) DO NOTHING`

	insertImageQuery = `
        INSERT INTO images (handle, mime_type, data)
        VALUES ($1, $2, $3)
        ON CONFLICT (handle) DO NOTHING`

	resolveImagesQuery = `SELECT handle, mime_type, data FROM images WHERE handle = ANY($1::text[])`

	deleteImagesQuery = `DELETE FROM images WHERE handle = ANY($1::text[])`
)

// LoadSession reads a session and its pages. Page image bytes are not loaded.
func (s *Store) LoadSession(ctx context.Context, id string) (*pagegen.Session, error) {
	log := s.logger.With(zap.String("session_id", id))

	var row sessionRow
	if err := pgxscan.Get(ctx, s.db, &row, getSessionQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pagegen.ErrSessionNotFound
		}
		log.Error("Error getting session", zap.Error(err))
		return nil, fmt.Errorf("database error getting session %s: %w", id, err)
	}

	var pages []pageRow
	if err := pgxscan.Select(ctx, s.db, &pages, listPagesQuery, id); err != nil {
		log.Error("Error listing pages", zap.Error(err))
		return nil, fmt.Errorf("database error listing pages of session %s: %w", id, err)
	}

	session, err := toSession(row, pages)
	if err != nil {
		return nil, err
	}
	log.Debug("Session loaded", zap.Int("pages", len(session.Pages)))
	return session, nil
}

// SaveSession upserts the session row and its listed pages in one
// transaction. Stored pages that are not listed are kept, so a stale snapshot
// never drops pages appended by another writer; DeletePages removes pages.
// The chat log is only written when the row is created.
func (s *Store) SaveSession(ctx context.Context, session *pagegen.Session) error {
	if session == nil || session.ID == "" {
		return &pagegen.ValidationError{Field: "session", Reason: "session id is required"}
	}
	args, err := sessionArgs(session)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertSessionQuery, args...); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

		for i, p := range session.Pages {
			cfg, err := json.Marshal(p.Config)
			if err != nil {
				return fmt.Errorf("marshal page config: %w", err)
			}
			if _, err := tx.Exec(ctx, upsertPageQuery,
				session.ID, p.ID, i, p.Prompt, p.RequestText, cfg,
				p.Image.Handle, p.Image.MIMEType, p.MarkedForExport, p.CreatedAt,
			); err != nil {
				return fmt.Errorf("upsert page %s: %w", p.ID, err)
			}
			if err := insertImage(ctx, tx, p.Image); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Error saving session", zap.String("session_id", session.ID), zap.Error(err))
		return fmt.Errorf("database error saving session %s: %w", session.ID, err)
	}

	s.logger.Debug("Session saved", zap.String("session_id", session.ID), zap.Int("pages", len(session.Pages)))
	return nil
}

// AppendPage adds page after the last stored page of the session and appends
// chat to its chat log, creating the session row when missing. Appending a
// page id twice is a no-op.
func (s *Store) AppendPage(ctx context.Context, sessionID string, page pagegen.Page, chat ...pagegen.ChatMessage) error {
	cfg, err := json.Marshal(page.Config)
	if err != nil {
		return fmt.Errorf("marshal page config: %w", err)
	}
	chatJSON, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("marshal chat entries: %w", err)
	}
	defaults, err := json.Marshal(pagegen.DefaultPageConfig())
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}
	now := page.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		// The upsert locks the session row, serializing position assignment.
		if _, err := tx.Exec(ctx, ensureSessionQuery, sessionID, defaults, now); err != nil {
			return fmt.Errorf("ensure session: %w", err)
		}
		tag, err := tx.Exec(ctx, appendPageQuery,
			sessionID, page.ID, page.Prompt, page.RequestText, cfg,
			page.Image.Handle, page.Image.MIMEType, page.MarkedForExport, now,
		)
		if err != nil {
			return fmt.Errorf("insert page: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if len(chat) > 0 {
			if _, err := tx.Exec(ctx, appendChatQuery, sessionID, chatJSON, now); err != nil {
				return fmt.Errorf("append chat: %w", err)
			}
		}
		return insertImage(ctx, tx, page.Image)
	})
	if err != nil {
		s.logger.Error("Error appending page",
			zap.String("session_id", sessionID),
			zap.String("page_id", page.ID),
			zap.Error(err),
		)
		return fmt.Errorf("database error appending page %s: %w", page.ID, err)
	}

	s.logger.Debug("Page appended", zap.String("session_id", sessionID), zap.String("page_id", page.ID))
	return nil
}

// DeletePages removes pages of a session. Their images are left for DeleteImages.
func (s *Store) DeletePages(ctx context.Context, sessionID string, pageIDs []string) error {
	if len(pageIDs) == 0 {
		return nil
	}
	tag, err := s.db.Exec(ctx, deletePagesQuery, sessionID, pageIDs)
	if err != nil {
		s.logger.Error("Failed to delete pages", zap.String("session_id", sessionID), zap.Strings("page_ids", pageIDs), zap.Error(err))
		return fmt.Errorf("failed to delete pages: %w", err)
	}
	s.logger.Debug("Pages deleted", zap.String("session_id", sessionID), zap.Int64("rows_affected", tag.RowsAffected()))
	return nil
}

func insertImage(ctx context.Context, tx pgx.Tx, img pagegen.ImagePayload) error {
	if img.Handle == "" || len(img.Data) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, insertImageQuery, img.Handle, img.MIMEType, img.Data); err != nil {
		return fmt.Errorf("insert image %s: %w", img.Handle, err)
	}
	return nil
}

// ResolveImageHandles returns the stored payloads among handles in one query.
func (s *Store) ResolveImageHandles(ctx context.Context, handles []string) (map[string]pagegen.ImagePayload, error) {
	if len(handles) == 0 {
		return map[string]pagegen.ImagePayload{}, nil
	}

	var rows []imageRow
	if err := pgxscan.Select(ctx, s.db, &rows, resolveImagesQuery, handles); err != nil {
		s.logger.Error("Failed to resolve image handles", zap.Int("handle_count", len(handles)), zap.Error(err))
		return nil, fmt.Errorf("failed to resolve image handles: %w", err)
	}

	out := make(map[string]pagegen.ImagePayload, len(rows))
	for _, r := range rows {
		out[r.Handle] = pagegen.ImagePayload{Handle: r.Handle, MIMEType: r.MIMEType, Data: r.Data}
	}
	s.logger.Debug("Image handles resolved", zap.Int("handle_count", len(handles)), zap.Int("found_count", len(out)))
	return out, nil
}

// DeleteImages removes the payloads of handles.
func (s *Store) DeleteImages(ctx context.Context, handles []string) error {
	if len(handles) == 0 {
		return nil
	}
	tag, err := s.db.Exec(ctx, deleteImagesQuery, handles)
	if err != nil {
		s.logger.Error("Failed to delete images", zap.Strings("handles", handles), zap.Error(err))
		return fmt.Errorf("failed to delete images: %w", err)
	}
	s.logger.Debug("Images deleted", zap.Int64("rows_affected", tag.RowsAffected()))
	return nil
}

func sessionArgs(s *pagegen.Session) ([]any, error) {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal session config: %w", err)
	}
	chat := s.ChatLog
	if chat == nil {
		chat = []pagegen.ChatMessage{}
	}
	chatJSON, err := json.Marshal(chat)
	if err != nil {
		return nil, fmt.Errorf("marshal chat log: %w", err)
	}
	selected := s.SelectedReferencePageIDs
	if selected == nil {
		selected = []string{}
	}
	created, updated := s.CreatedAt, s.UpdatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if updated.IsZero() {
		updated = created
	}
	return []any{s.ID, s.ProjectID, s.Name, s.Context, cfg, selected, chatJSON, created, updated}, nil
}

func toSession(row sessionRow, pages []pageRow) (*pagegen.Session, error) {
	session := &pagegen.Session{
		ID:                       row.ID,
		ProjectID:                row.ProjectID,
		Name:                     row.Name,
		Context:                  row.Context,
		SelectedReferencePageIDs: row.SelectedReferencePageIDs,
		CreatedAt:                row.CreatedAt,
		UpdatedAt:                row.UpdatedAt,
	}
	if len(row.Config) > 0 {
		if err := json.Unmarshal(row.Config, &session.Config); err != nil {
			return nil, fmt.Errorf("decode config of session %s: %w", row.ID, err)
		}
	}
	if len(row.ChatLog) > 0 {
		if err := json.Unmarshal(row.ChatLog, &session.ChatLog); err != nil {
			return nil, fmt.Errorf("decode chat log of session %s: %w", row.ID, err)
		}
	}

	session.Pages = make([]pagegen.Page, 0, len(pages))
	for _, p := range pages {
		page := pagegen.Page{
			ID:              p.ID,
			Prompt:          p.Prompt,
			RequestText:     p.RequestText,
			Image:           pagegen.ImagePayload{Handle: p.ImageHandle, MIMEType: p.ImageMIMEType},
			MarkedForExport: p.MarkedForExport,
			CreatedAt:       p.CreatedAt,
		}
		if len(p.Config) > 0 {
			if err := json.Unmarshal(p.Config, &page.Config); err != nil {
				return nil, fmt.Errorf("decode config of page %s: %w", p.ID, err)
			}
		}
		session.Pages = append(session.Pages, page)
	}
	return session, nil
}
