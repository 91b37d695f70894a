package pagegen

import "context"

// TextCompleter performs one text-only completion over an ordered list of parts.
type TextCompleter interface {
	CompleteText(ctx context.Context, parts []Part) (*TextResult, error)
}

// ImageGenerator performs one multimodal image generation call.
//
// A policy block or an overload reported in-band by the service is returned as
// an ImageResult with Blocked set, not as an error. Transport failures are
// returned as errors, optionally wrapped in a *ServiceError carrying the kind.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, parts []Part, imageConfig ImageConfig) (*ImageResult, error)
}

// GenerationClient is the external AI capability consumed by the orchestrator.
// Implement this interface to add support for new providers.
type GenerationClient interface {
	TextCompleter
	ImageGenerator
}

// SessionStore persists sessions and pages and resolves opaque image handles.
type SessionStore interface {
	// LoadSession returns ErrSessionNotFound when no session exists for id.
	LoadSession(ctx context.Context, id string) (*Session, error)

	// SaveSession writes the session fields and upserts its pages, creating
	// the session when missing. Stored pages absent from session.Pages are
	// kept, and an existing chat log is never overwritten.
	SaveSession(ctx context.Context, session *Session) error

	// AppendPage durably adds one page and its chat entries to the end of a
	// session, creating the session when missing. Appending a page id that is
	// already stored is a no-op, chat entries included.
	AppendPage(ctx context.Context, sessionID string, page Page, chat ...ChatMessage) error

	// DeletePages removes pages from a session. Unknown ids are ignored.
	DeletePages(ctx context.Context, sessionID string, pageIDs []string) error

	// ResolveImageHandles returns payloads for the handles it knows.
	// Unknown handles are absent from the map.
	ResolveImageHandles(ctx context.Context, handles []string) (map[string]ImagePayload, error)

	// DeleteImages removes stored payloads for the given handles.
	DeleteImages(ctx context.Context, handles []string) error
}

// CancelSignal is an external source of batch cancellation, polled at every
// batch checkpoint in addition to CancelBatch.
type CancelSignal interface {
	Cancelled(ctx context.Context, batchID string) (bool, error)
}

type composedClient struct {
	TextCompleter
	ImageGenerator
}

// ComposeClient combines a text completer and an image generator from
// different providers into one GenerationClient.
func ComposeClient(text TextCompleter, image ImageGenerator) GenerationClient {
	return composedClient{TextCompleter: text, ImageGenerator: image}
}
