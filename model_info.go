package pagegen

// RateLimits defines rate limiting parameters for a model.
type RateLimits struct {
	TokensPerMinute   int
	RequestsPerMinute int
	TokensPerDay      int // 0 = unlimited
}

// ModelCapabilities describes what a model can do for the engine.
type ModelCapabilities struct {
	SupportsText   bool
	SupportsImages bool

	// Limits
	MaxInputImages int // Max reference images per request (e.g., 14 for Gemini)
}

// ModelInfo contains metadata for a model served by a provider.
type ModelInfo struct {
	// Identity
	Name         string // Public model name (e.g., "nano-banana-2")
	Provider     string // Which provider serves this model
	APIModelName string // Actual API name (e.g., "gemini-3-pro-image-preview")

	Capabilities ModelCapabilities

	SupportedAspectRatios []AspectRatio

	RateLimits RateLimits
}

// SupportsAspectRatio reports whether the model accepts ratio. An empty
// supported list accepts everything.
func (m ModelInfo) SupportsAspectRatio(ratio AspectRatio) bool {
	if ratio == AspectRatioAuto || len(m.SupportedAspectRatios) == 0 {
		return true
	}
	for _, r := range m.SupportedAspectRatios {
		if r == ratio {
			return true
		}
	}
	return false
}
