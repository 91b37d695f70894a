package pagegen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReferenceResolver gathers the images attached to a request as visual context.
type ReferenceResolver struct {
	store     SessionStore
	maxImages int
	logger    *zap.Logger
}

// NewReferenceResolver creates a resolver that attaches at most maxImages images.
func NewReferenceResolver(store SessionStore, maxImages int, logger *zap.Logger) *ReferenceResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxImages <= 0 || maxImages > MaxInputImages {
		maxImages = MaxInputImages
	}
	return &ReferenceResolver{store: store, maxImages: maxImages, logger: logger.Named("references")}
}

type referenceSource struct {
	name    string
	handle  string
	payload ImagePayload
	dataURL string
}

// Resolve returns the reference images for the next request, in order: the
// selected pages (or the last k pages when no selection exists), then the
// enabled config references. Failures drop the affected reference only.
func (r *ReferenceResolver) Resolve(ctx context.Context, session *Session, cfg PageConfig, k int) []InlineImage {
	sources := r.collect(session, cfg, k)
	if len(sources) == 0 {
		return nil
	}

	var handles []string
	seen := make(map[string]bool)
	for _, src := range sources {
		if src.handle != "" && !seen[src.handle] {
			seen[src.handle] = true
			handles = append(handles, src.handle)
		}
	}

	var resolved map[string]ImagePayload
	decoded := make([]ImagePayload, len(sources))

	var g errgroup.Group
	if len(handles) > 0 && r.store != nil {
		g.Go(func() error {
			payloads, err := r.store.ResolveImageHandles(ctx, handles)
			if err != nil {
				r.logger.Warn("reference resolution failed, continuing without stored references",
					zap.Int("handles", len(handles)),
					zap.Error(err),
				)
				return nil
			}
			resolved = payloads
			return nil
		})
	}
	g.Go(func() error {
		for i, src := range sources {
			if src.dataURL == "" {
				continue
			}
			payload, err := decodeDataURL(src.dataURL)
			if err != nil {
				r.logger.Warn("dropping undecodable reference", zap.String("source", src.name), zap.Error(err))
				continue
			}
			decoded[i] = payload
		}
		return nil
	})
	_ = g.Wait()

	images := make([]InlineImage, 0, len(sources))
	attached := make(map[string]bool)
	for i, src := range sources {
		payload := src.payload
		switch {
		case src.dataURL != "":
			payload = decoded[i]
		case src.handle != "":
			if attached[src.handle] {
				continue
			}
			p, ok := resolved[src.handle]
			if !ok {
				r.logger.Debug("reference handle not resolved", zap.String("handle", src.handle))
				continue
			}
			attached[src.handle] = true
			payload = p
		}

		img := InlineImage{Bytes: payload.Data, MIMEType: payload.MIMEType}
		if err := ValidateInputImage(img); err != nil {
			r.logger.Warn("dropping invalid reference", zap.String("source", src.name), zap.Error(err))
			continue
		}
		images = append(images, img)
		if len(images) == r.maxImages {
			break
		}
	}
	return images
}

func (r *ReferenceResolver) collect(session *Session, cfg PageConfig, k int) []referenceSource {
	var sources []referenceSource

	if session != nil {
		var pages []Page
		if len(session.SelectedReferencePageIDs) > 0 {
			for _, id := range session.SelectedReferencePageIDs {
				if i := session.PageIndex(id); i >= 0 {
					pages = append(pages, session.Pages[i])
				}
			}
		} else if k > 0 {
			start := max(len(session.Pages)-k, 0)
			pages = session.Pages[start:]
		}
		for _, p := range pages {
			src := referenceSource{name: "page:" + p.ID}
			if p.Image.SelfContained() {
				src.payload = p.Image
			} else if p.Image.Handle != "" {
				src.handle = p.Image.Handle
			} else {
				continue
			}
			sources = append(sources, src)
		}
	}

	for _, ref := range cfg.ReferenceImages {
		if !ref.Enabled || strings.TrimSpace(ref.HandleOrURL) == "" {
			continue
		}
		src := referenceSource{name: "config"}
		if strings.HasPrefix(ref.HandleOrURL, "data:") {
			src.dataURL = ref.HandleOrURL
		} else {
			src.handle = ref.HandleOrURL
		}
		sources = append(sources, src)
	}
	return sources
}

// decodeDataURL decodes a base64 data URL such as "data:image/png;base64,...".
func decodeDataURL(raw string) (ImagePayload, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return ImagePayload{}, errors.New("not a data url")
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return ImagePayload{}, errors.New("data url has no payload")
	}
	mimeType, isBase64 := strings.CutSuffix(meta, ";base64")
	if mimeType == "" {
		mimeType = "image/png"
	}

	var bytes []byte
	var err error
	if isBase64 {
		bytes, err = base64.StdEncoding.DecodeString(data)
	} else {
		var s string
		s, err = url.PathUnescape(data)
		bytes = []byte(s)
	}
	if err != nil {
		return ImagePayload{}, fmt.Errorf("decode data url: %w", err)
	}
	return ImagePayload{Data: bytes, MIMEType: mimeType}, nil
}
