package gemini

import "github.com/mhpenta/pagegen"

// ProviderName identifies this provider in ModelInfo.
const ProviderName = "gemini-api"

var supportedAspectRatios = []pagegen.AspectRatio{
	pagegen.AspectRatio1x1,
	pagegen.AspectRatio16x9,
	pagegen.AspectRatio9x16,
	pagegen.AspectRatio4x3,
	pagegen.AspectRatio3x4,
	pagegen.AspectRatio2x3,
	pagegen.AspectRatio4x5,
}

// NanoBanana2Info is the model info for Gemini 3 Pro Image (nano-banana-2).
var NanoBanana2Info = pagegen.ModelInfo{
	Name:         "nano-banana-2",
	Provider:     ProviderName,
	APIModelName: APIModelNanoBanana2,

	Capabilities: pagegen.ModelCapabilities{
		SupportsText:   true,
		SupportsImages: true,
		MaxInputImages: 14,
	},

	SupportedAspectRatios: supportedAspectRatios,

	RateLimits: pagegen.RateLimits{
		TokensPerMinute:   4000000,
		RequestsPerMinute: 360,
		TokensPerDay:      1000000000,
	},
}

// NanoBanana1Info is the model info for Gemini 2.5 Flash Image.
var NanoBanana1Info = pagegen.ModelInfo{
	Name:         "nano-banana-1",
	Provider:     ProviderName,
	APIModelName: APIModelNanoBanana1,

	Capabilities: pagegen.ModelCapabilities{
		SupportsText:   true,
		SupportsImages: true,
		MaxInputImages: 14, // Practical limit
	},

	SupportedAspectRatios: supportedAspectRatios,

	RateLimits: pagegen.RateLimits{
		TokensPerMinute:   4000000,
		RequestsPerMinute: 500, // ~500 RPM for Tier 1
		TokensPerDay:      1000000000,
	},
}

// ModelByAPIName returns the info of a known image model.
func ModelByAPIName(name string) (pagegen.ModelInfo, bool) {
	for _, m := range []pagegen.ModelInfo{NanoBanana2Info, NanoBanana1Info} {
		if m.APIModelName == name {
			return m, true
		}
	}
	return pagegen.ModelInfo{}, false
}
