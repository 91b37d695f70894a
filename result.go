package pagegen

// Part is one ordered element of a generation request: either text or an inline image.
type Part struct {
	Text        string
	InlineImage *InlineImage
}

// InlineImage is a self-contained image payload attached to a request.
type InlineImage struct {
	Bytes    []byte
	MIMEType string
}

// TextPart returns a text Part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// ImagePart returns an inline image Part.
func ImagePart(data []byte, mimeType string) Part {
	return Part{InlineImage: &InlineImage{Bytes: data, MIMEType: mimeType}}
}

// TextResult holds the result of a text completion.
type TextResult struct {
	Text string

	// UsageMetadata contains token/billing information
	UsageMetadata *UsageMetadata
}

// Blocked describes an in-band refusal from the image service.
type Blocked struct {
	Reason  FailureKind
	Message string
}

// ImageResult holds the result of an image generation call. Exactly one of
// Data or Blocked is set on a well-formed result.
type ImageResult struct {
	// MIMEType of the generated image
	MIMEType string

	// Data contains the raw image bytes
	Data []byte

	// Text contains any text response from the model
	Text string

	Blocked *Blocked

	UsageMetadata *UsageMetadata
}

// UsageMetadata contains usage information for billing and monitoring.
type UsageMetadata struct {
	PromptTokens     int
	CandidatesTokens int
	TotalTokens      int
}
