package pagegen

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors
var (
	ErrEmptyImageData  = errors.New("image data cannot be empty")
	ErrInvalidMIMEType = errors.New("invalid or unsupported MIME type")
	ErrImageTooLarge   = errors.New("image data exceeds maximum size")
	ErrTooManyImages   = errors.New("too many input images")
)

// Image size limits
const (
	// MaxImageSize is the maximum allowed image size in bytes (20MB)
	MaxImageSize = 20 * 1024 * 1024

	// MaxInputImages is the maximum number of reference images per request
	MaxInputImages = 14

	// MaxBatchPages bounds a single batch run
	MaxBatchPages = 50
)

// ValidMIMETypes contains the supported image MIME types
var ValidMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// ValidateInputImage validates an inline image.
func ValidateInputImage(img InlineImage) error {
	if len(img.Bytes) == 0 {
		return ErrEmptyImageData
	}

	if len(img.Bytes) > MaxImageSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrImageTooLarge, len(img.Bytes), MaxImageSize)
	}

	if img.MIMEType == "" {
		return fmt.Errorf("%w: MIME type is required", ErrInvalidMIMEType)
	}

	if !ValidMIMETypes[img.MIMEType] {
		return fmt.Errorf("%w: %s", ErrInvalidMIMEType, img.MIMEType)
	}

	return nil
}

// ValidateInputImages validates a slice of inline images.
func ValidateInputImages(images []InlineImage) error {
	if len(images) > MaxInputImages {
		return fmt.Errorf("%w: %d (max %d)", ErrTooManyImages, len(images), MaxInputImages)
	}

	for i, img := range images {
		if err := ValidateInputImage(img); err != nil {
			return fmt.Errorf("image %d: %w", i, err)
		}
	}

	return nil
}

func validateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "sessionId", Reason: "must not be empty"}
	}
	return nil
}

func validateTotalPages(n int) error {
	if n < 1 || n > MaxBatchPages {
		return &ValidationError{Field: "totalPages", Reason: fmt.Sprintf("must be between 1 and %d, got %d", MaxBatchPages, n)}
	}
	return nil
}
