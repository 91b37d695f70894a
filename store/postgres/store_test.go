package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mhpenta/pagegen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToSession(t *testing.T) {
	cfg, err := json.Marshal(pagegen.PageConfig{Style: pagegen.StyleShonen, AspectRatio: pagegen.AspectRatio3x4})
	require.NoError(t, err)
	chat, err := json.Marshal([]pagegen.ChatMessage{{Role: pagegen.ChatRoleUser, Text: "hello"}})
	require.NoError(t, err)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	row := sessionRow{
		ID:                       "s1",
		ProjectID:                "proj",
		Context:                  "A desert kingdom.",
		Config:                   cfg,
		SelectedReferencePageIDs: []string{"p1"},
		ChatLog:                  chat,
		CreatedAt:                created,
		UpdatedAt:                created,
	}
	pages := []pageRow{
		{ID: "p1", Prompt: "first", Config: cfg, ImageHandle: "sessions/s1/p1.png", ImageMIMEType: "image/png", CreatedAt: created},
		{ID: "p2", Prompt: "second", ImageHandle: "sessions/s1/p2.png", ImageMIMEType: "image/png", MarkedForExport: true},
	}

	s, err := toSession(row, pages)
	require.NoError(t, err)

	assert.Equal(t, "proj", s.ProjectID)
	assert.Equal(t, pagegen.StyleShonen, s.Config.Style)
	require.Len(t, s.ChatLog, 1)
	assert.Equal(t, "hello", s.ChatLog[0].Text)
	require.Len(t, s.Pages, 2)
	assert.Equal(t, []string{"first", "second"}, s.Prompts())
	assert.Equal(t, "sessions/s1/p1.png", s.Pages[0].Image.Handle)
	assert.Empty(t, s.Pages[0].Image.Data)
	assert.True(t, s.Pages[1].MarkedForExport)
}

func TestToSession_BadJSON(t *testing.T) {
	_, err := toSession(sessionRow{ID: "s1", Config: []byte("{")}, nil)
	assert.Error(t, err)
}

func TestSessionArgs_Defaults(t *testing.T) {
	args, err := sessionArgs(&pagegen.Session{ID: "s1"})
	require.NoError(t, err)
	require.Len(t, args, 9)

	assert.Equal(t, []string{}, args[5])
	assert.JSONEq(t, "[]", string(args[6].([]byte)))
	assert.False(t, args[7].(time.Time).IsZero())
	assert.Equal(t, args[7], args[8])
}
