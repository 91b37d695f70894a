package pagegen

import (
	"context"
	"path"
	"path/filepath"
	"strings"
)

// Storage is an interface for persisting generated page images to file or
// cloud storage. Implementations can wrap existing storage clients (GCS, S3,
// local disk) with this interface.
type Storage interface {
	// SaveFile saves image data to storage and returns the public URL.
	// The path should include the full object path (e.g., "sessions/abc/page.png").
	// The contentType is typically the image's MIME type (e.g., "image/png").
	SaveFile(ctx context.Context, data []byte, path string, contentType string) (string, error)
}

// StorageResult contains information about a saved image.
type StorageResult struct {
	// URL is the public URL where the image can be accessed
	URL string

	// Path is the storage path/key where the image was saved
	Path string

	// Size is the number of bytes saved
	Size int
}

// PageImagePath returns the storage path of a page image:
// sessions/{sessionID}/{pageID}.{extension}
func PageImagePath(sessionID, pageID, mimeType string) string {
	return path.Join("sessions", sessionID, pageID+"."+extensionFromMIME(mimeType))
}

// SavePageImage saves the image of a generated page to storage.
func SavePageImage(ctx context.Context, storage Storage, sessionID, pageID string, image ImagePayload) (*StorageResult, error) {
	if storage == nil {
		return nil, ErrStorageNotConfigured
	}
	if len(image.Data) == 0 {
		return nil, ErrEmptyImageData
	}

	p := PageImagePath(sessionID, pageID, image.MIMEType)
	url, err := storage.SaveFile(ctx, image.Data, p, image.MIMEType)
	if err != nil {
		return nil, err
	}

	return &StorageResult{
		URL:  url,
		Path: p,
		Size: len(image.Data),
	}, nil
}

// GetMIMEType guesses an image MIME type from a file name.
func GetMIMEType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/png"
	}
}

// extensionFromMIME returns a file extension for common image MIME types.
func extensionFromMIME(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}
