package pagegen

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handlePage(id string) Page {
	return Page{ID: id, Image: ImagePayload{Handle: "h/" + id, MIMEType: "image/png"}}
}

func TestResolve_LastKPages(t *testing.T) {
	store := newFakeStore()
	session := &Session{ID: "s1"}
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		session.Pages = append(session.Pages, handlePage(id))
		store.putImage("h/"+id, "image/png", []byte(id))
	}
	r := NewReferenceResolver(store, 14, nil)

	images := r.Resolve(context.Background(), session, PageConfig{}, 3)

	require.Len(t, images, 3)
	assert.Equal(t, "p2", string(images[0].Bytes))
	assert.Equal(t, "p4", string(images[2].Bytes))
	assert.Equal(t, 1, store.Calls(), "handles resolved in one batched call")
}

func TestResolve_SelectionOverridesRecency(t *testing.T) {
	store := newFakeStore()
	session := &Session{ID: "s1", SelectedReferencePageIDs: []string{"p1", "gone"}}
	for _, id := range []string{"p1", "p2", "p3"} {
		session.Pages = append(session.Pages, handlePage(id))
		store.putImage("h/"+id, "image/png", []byte(id))
	}
	r := NewReferenceResolver(store, 14, nil)

	images := r.Resolve(context.Background(), session, PageConfig{}, 2)

	require.Len(t, images, 1)
	assert.Equal(t, "p1", string(images[0].Bytes))
}

func TestResolve_ConfigReferences(t *testing.T) {
	store := newFakeStore()
	store.putImage("https://cdn.example.com/hero.png", "image/png", []byte("hero"))
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("villain"))

	cfg := PageConfig{ReferenceImages: []ReferenceImage{
		{HandleOrURL: "https://cdn.example.com/hero.png", Enabled: true},
		{HandleOrURL: dataURL, Enabled: true},
		{HandleOrURL: "https://cdn.example.com/off.png", Enabled: false},
		{HandleOrURL: "unknown-handle", Enabled: true},
		{HandleOrURL: "data:image/png;base64,@@@", Enabled: true},
	}}
	r := NewReferenceResolver(store, 14, nil)

	images := r.Resolve(context.Background(), &Session{}, cfg, 2)

	require.Len(t, images, 2)
	assert.Equal(t, "hero", string(images[0].Bytes))
	assert.Equal(t, "villain", string(images[1].Bytes))
	assert.Equal(t, "image/jpeg", images[1].MIMEType)
}

func TestResolve_DeduplicatesHandles(t *testing.T) {
	store := newFakeStore()
	store.putImage("h/p1", "image/png", []byte("p1"))
	session := &Session{Pages: []Page{handlePage("p1")}}
	cfg := PageConfig{ReferenceImages: []ReferenceImage{{HandleOrURL: "h/p1", Enabled: true}}}
	r := NewReferenceResolver(store, 14, nil)

	images := r.Resolve(context.Background(), session, cfg, 2)
	assert.Len(t, images, 1)
}

func TestResolve_StoreFailureDegrades(t *testing.T) {
	store := newFakeStore()
	store.ResolveErr = errors.New("connection refused")
	session := &Session{Pages: []Page{
		handlePage("p1"),
		{ID: "p2", Image: ImagePayload{Handle: "h/p2", MIMEType: "image/png", Data: []byte("inline")}},
	}}
	r := NewReferenceResolver(store, 14, nil)

	images := r.Resolve(context.Background(), session, PageConfig{}, 2)

	require.Len(t, images, 1)
	assert.Equal(t, "inline", string(images[0].Bytes))
}

func TestResolve_Cap(t *testing.T) {
	session := &Session{}
	for i := 0; i < 5; i++ {
		session.Pages = append(session.Pages, Page{ID: string(rune('a' + i)), Image: ImagePayload{MIMEType: "image/png", Data: []byte{byte(i)}}})
	}
	r := NewReferenceResolver(nil, 2, nil)

	images := r.Resolve(context.Background(), session, PageConfig{}, 5)
	assert.Len(t, images, 2)
}

func TestResolve_DropsInvalidImages(t *testing.T) {
	session := &Session{Pages: []Page{{ID: "p1", Image: ImagePayload{MIMEType: "application/pdf", Data: []byte("x")}}}}
	r := NewReferenceResolver(nil, 14, nil)

	assert.Empty(t, r.Resolve(context.Background(), session, PageConfig{}, 2))
}

func TestResolveImageHandles_Idempotent(t *testing.T) {
	store := newFakeStore()
	store.putImage("h1", "image/png", []byte("page"))

	first, err := store.ResolveImageHandles(context.Background(), []string{"h1"})
	require.NoError(t, err)
	second, err := store.ResolveImageHandles(context.Background(), []string{"h1"})
	require.NoError(t, err)
	assert.Equal(t, first["h1"], second["h1"])
}

func TestDecodeDataURL(t *testing.T) {
	p, err := decodeDataURL("data:image/webp;base64," + base64.StdEncoding.EncodeToString([]byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, "image/webp", p.MIMEType)
	assert.Equal(t, []byte("abc"), p.Data)

	p, err = decodeDataURL("data:,hello%20world")
	require.NoError(t, err)
	assert.Equal(t, "image/png", p.MIMEType)
	assert.Equal(t, "hello world", string(p.Data))

	_, err = decodeDataURL("https://example.com/a.png")
	assert.Error(t, err)
	_, err = decodeDataURL("data:image/png;base64")
	assert.Error(t, err)
}
