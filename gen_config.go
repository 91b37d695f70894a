package pagegen

import (
	"fmt"
	"slices"
)

// ImageSize represents the output resolution for generated images.
type ImageSize string

const (
	ImageSize1K ImageSize = "1K"
	ImageSize2K ImageSize = "2K"
	ImageSize4K ImageSize = "4K"
)

// AspectRatio represents the aspect ratio for generated pages.
type AspectRatio string

const (
	AspectRatio1x1  AspectRatio = "1:1"
	AspectRatio3x4  AspectRatio = "3:4" // Standard manga page
	AspectRatio2x3  AspectRatio = "2:3"
	AspectRatio4x5  AspectRatio = "4:5"
	AspectRatio9x16 AspectRatio = "9:16" // Vertical scroll (webtoon)
	AspectRatio4x3  AspectRatio = "4:3"
	AspectRatio16x9 AspectRatio = "16:9"
	AspectRatioAuto AspectRatio = ""
)

// Style is the overall art direction of a page.
type Style string

const (
	StyleShonen  Style = "shonen"
	StyleShojo   Style = "shojo"
	StyleSeinen  Style = "seinen"
	StyleJosei   Style = "josei"
	StyleChibi   Style = "chibi"
	StyleWebtoon Style = "webtoon"
)

// Inking is the line-art treatment.
type Inking string

const (
	InkingClean   Inking = "clean"
	InkingBold    Inking = "bold"
	InkingBrush   Inking = "brush"
	InkingSketchy Inking = "sketchy"
)

// Screentone is the shading treatment.
type Screentone string

const (
	ScreentoneNone     Screentone = "none"
	ScreentoneLight    Screentone = "light"
	ScreentoneHeavy    Screentone = "heavy"
	ScreentoneGradient Screentone = "gradient"
)

// Layout is the panel arrangement of a page.
type Layout string

const (
	LayoutSinglePanel Layout = "single-panel"
	LayoutFourPanel   Layout = "four-panel"
	LayoutGrid        Layout = "grid"
	LayoutDynamic     Layout = "dynamic"
	LayoutSplash      Layout = "splash"
)

// ColorMode selects full color or monochrome output.
type ColorMode string

const (
	ColorModeColor      ColorMode = "color"
	ColorModeMonochrome ColorMode = "monochrome"
)

// DialogueDensity controls how much speech appears on a page.
type DialogueDensity string

const (
	DialogueNone   DialogueDensity = "none"
	DialogueLight  DialogueDensity = "light"
	DialogueMedium DialogueDensity = "medium"
	DialogueHeavy  DialogueDensity = "heavy"
)

// Language is the target language for dialogue and captions.
type Language string

const (
	LanguageEnglish    Language = "en"
	LanguageJapanese   Language = "ja"
	LanguageKorean     Language = "ko"
	LanguageChinese    Language = "zh"
	LanguageSpanish    Language = "es"
	LanguageFrench     Language = "fr"
	LanguageGerman     Language = "de"
	LanguagePortuguese Language = "pt"
)

var (
	validStyles      = []Style{StyleShonen, StyleShojo, StyleSeinen, StyleJosei, StyleChibi, StyleWebtoon}
	validInkings     = []Inking{InkingClean, InkingBold, InkingBrush, InkingSketchy}
	validScreentones = []Screentone{ScreentoneNone, ScreentoneLight, ScreentoneHeavy, ScreentoneGradient}
	validLayouts     = []Layout{LayoutSinglePanel, LayoutFourPanel, LayoutGrid, LayoutDynamic, LayoutSplash}
	validColorModes  = []ColorMode{ColorModeColor, ColorModeMonochrome}
	validDensities   = []DialogueDensity{DialogueNone, DialogueLight, DialogueMedium, DialogueHeavy}
	validLanguages   = []Language{
		LanguageEnglish, LanguageJapanese, LanguageKorean, LanguageChinese,
		LanguageSpanish, LanguageFrench, LanguageGerman, LanguagePortuguese,
	}
	validAspectRatios = []AspectRatio{
		AspectRatio1x1, AspectRatio3x4, AspectRatio2x3, AspectRatio4x5,
		AspectRatio9x16, AspectRatio4x3, AspectRatio16x9, AspectRatioAuto,
	}
)

// ReferenceImage is a user-supplied visual anchor. HandleOrURL is either an
// opaque SessionStore handle, an http(s) URL known to the store, or a data: URL.
type ReferenceImage struct {
	HandleOrURL string `json:"handleOrUrl"`
	Enabled     bool   `json:"enabled"`
}

// PageConfig is the enumerated configuration surface for one generation.
// Zero values select the defaults from DefaultPageConfig.
type PageConfig struct {
	Style           Style           `json:"style,omitempty"`
	Inking          Inking          `json:"inking,omitempty"`
	Screentone      Screentone      `json:"screentone,omitempty"`
	Layout          Layout          `json:"layout,omitempty"`
	AspectRatio     AspectRatio     `json:"aspectRatio,omitempty"`
	ColorMode       ColorMode       `json:"colorMode,omitempty"`
	DialogueDensity DialogueDensity `json:"dialogueDensity,omitempty"`
	Language        Language        `json:"language,omitempty"`

	// AutoContinueStory lets an empty prompt derive the next scene from prior pages.
	AutoContinueStory bool `json:"autoContinueStory"`

	// StoryDirection is free text guidance, ranked below session context.
	StoryDirection string `json:"storyDirection,omitempty"`

	ReferenceImages []ReferenceImage `json:"referenceImages,omitempty"`

	// Size of the output image (1K, 2K, 4K)
	Size ImageSize `json:"size,omitempty"`
}

// DefaultPageConfig returns a PageConfig with sensible defaults.
func DefaultPageConfig() PageConfig {
	return PageConfig{
		Style:           StyleShonen,
		Inking:          InkingClean,
		Screentone:      ScreentoneLight,
		Layout:          LayoutDynamic,
		AspectRatio:     AspectRatio3x4,
		ColorMode:       ColorModeMonochrome,
		DialogueDensity: DialogueMedium,
		Language:        LanguageEnglish,
		Size:            ImageSize2K,
	}
}

// WithDefaults returns a copy of c with empty enumerations filled from DefaultPageConfig.
func (c PageConfig) WithDefaults() PageConfig {
	d := DefaultPageConfig()
	if c.Style == "" {
		c.Style = d.Style
	}
	if c.Inking == "" {
		c.Inking = d.Inking
	}
	if c.Screentone == "" {
		c.Screentone = d.Screentone
	}
	if c.Layout == "" {
		c.Layout = d.Layout
	}
	if c.AspectRatio == "" {
		c.AspectRatio = d.AspectRatio
	}
	if c.ColorMode == "" {
		c.ColorMode = d.ColorMode
	}
	if c.DialogueDensity == "" {
		c.DialogueDensity = d.DialogueDensity
	}
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.Size == "" {
		c.Size = d.Size
	}
	c.ReferenceImages = slices.Clone(c.ReferenceImages)
	return c
}

// Validate rejects values outside the enumerations. Empty values are allowed.
func (c PageConfig) Validate() error {
	checks := []struct {
		field string
		ok    bool
		value string
	}{
		{"style", c.Style == "" || slices.Contains(validStyles, c.Style), string(c.Style)},
		{"inking", c.Inking == "" || slices.Contains(validInkings, c.Inking), string(c.Inking)},
		{"screentone", c.Screentone == "" || slices.Contains(validScreentones, c.Screentone), string(c.Screentone)},
		{"layout", c.Layout == "" || slices.Contains(validLayouts, c.Layout), string(c.Layout)},
		{"aspectRatio", slices.Contains(validAspectRatios, c.AspectRatio), string(c.AspectRatio)},
		{"colorMode", c.ColorMode == "" || slices.Contains(validColorModes, c.ColorMode), string(c.ColorMode)},
		{"dialogueDensity", c.DialogueDensity == "" || slices.Contains(validDensities, c.DialogueDensity), string(c.DialogueDensity)},
		{"language", c.Language == "" || slices.Contains(validLanguages, c.Language), string(c.Language)},
	}
	for _, check := range checks {
		if !check.ok {
			return &ValidationError{Field: check.field, Reason: fmt.Sprintf("unsupported value %q", check.value)}
		}
	}
	return nil
}

// ImageConfig carries the output parameters of an image call.
type ImageConfig struct {
	AspectRatio AspectRatio
	Size        ImageSize
}

// ImageConfig returns the image output parameters of c.
func (c PageConfig) ImageConfig() ImageConfig {
	return ImageConfig{AspectRatio: c.AspectRatio, Size: c.Size}
}

// String returns the string representation for API calls.
func (s ImageSize) String() string {
	return string(s)
}

// String returns the string representation for API calls.
func (a AspectRatio) String() string {
	return string(a)
}
