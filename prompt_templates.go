package pagegen

// Fixed wording of the structured request. Kept apart from the builder so the
// section order and the instruction text can be read in one place.
const (
	rulesHeader = `## RULES (highest priority first)
1. Follow the SCENE instruction; it overrides every other section.
2. Keep characters, costumes and setting consistent with the reference images and the CONTEXT.
3. STORY DIRECTION is secondary guidance and never overrides the SCENE or the CONTEXT.
4. Produce one finished comic page. No watermarks, no text outside speech bubbles and captions.`

	openingSceneInstruction = "This is the opening scene of the story: establish the setting and introduce the main characters."

	batchContinueTemplate = "Next page, continuing directly from the previous page: %s"

	autoContinueInstruction = "Continue the story naturally from the previous page. Show the next moment with new action; do not repeat the previous composition."

	continuationSystemPrompt = `You write the scene description for the next page of an illustrated story.
Reply with one paragraph (2-4 sentences) describing only what happens on the next page: action, setting, characters and mood.
Do not number the page, do not use lists, do not repeat earlier scenes.`

	antiRepetitionInstruction = "Your previous suggestion was too similar to a page that already exists. Move the story forward: change the location, the action or the focus character, and use different wording."

	rewriteSystemPrompt = `Rewrite the following illustration prompt so that it keeps the story intent, characters and composition but removes any explicit, violent or otherwise policy-violating language.
Reply with the rewritten prompt only.`
)

var layoutDescriptions = map[Layout]string{
	LayoutSinglePanel: "one full-page panel",
	LayoutFourPanel:   "four equal horizontal panels read top to bottom (yonkoma)",
	LayoutGrid:        "a regular grid of 4 to 6 panels",
	LayoutDynamic:     "4 to 6 panels of varied size with diagonal gutters for motion",
	LayoutSplash:      "a dominant splash panel with up to two small inset panels",
}

var styleDescriptions = map[Style]string{
	StyleShonen:  "shonen manga: energetic action, bold expressions, speed lines",
	StyleShojo:   "shojo manga: delicate features, expressive eyes, decorative backgrounds",
	StyleSeinen:  "seinen manga: realistic proportions, detailed backgrounds, restrained tone",
	StyleJosei:   "josei manga: elegant realistic figures, subtle emotion",
	StyleChibi:   "chibi: super-deformed cute proportions, playful exaggeration",
	StyleWebtoon: "webtoon: clean digital rendering, cinematic framing",
}

var inkingDescriptions = map[Inking]string{
	InkingClean:   "clean uniform line art",
	InkingBold:    "bold heavy outlines",
	InkingBrush:   "brush ink with varied line weight",
	InkingSketchy: "loose sketchy pencil-like lines",
}

var screentoneDescriptions = map[Screentone]string{
	ScreentoneNone:     "no screentone, flat fills",
	ScreentoneLight:    "light dot screentone for shading",
	ScreentoneHeavy:    "dense screentone with strong contrast",
	ScreentoneGradient: "gradient screentone for atmosphere",
}

var dialogueDescriptions = map[DialogueDensity]string{
	DialogueNone:   "No speech bubbles or captions; tell the scene visually.",
	DialogueLight:  "At most one or two short speech bubbles.",
	DialogueMedium: "A few speech bubbles with short natural lines.",
	DialogueHeavy:  "Dialogue-driven page with several speech bubbles and captions.",
}

var languageNames = map[Language]string{
	LanguageEnglish:    "English",
	LanguageJapanese:   "Japanese",
	LanguageKorean:     "Korean",
	LanguageChinese:    "Chinese",
	LanguageSpanish:    "Spanish",
	LanguageFrench:     "French",
	LanguageGerman:     "German",
	LanguagePortuguese: "Portuguese",
}
