package prompts

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultLanguage is used when a request names no language or an
// unknown one.
const DefaultLanguage = "de"

// Phrases is the fixed phrasing for one language.
type Phrases struct {
	// Language is the lowercase code, e.g. "de".
	Language string

	// Ready is the model's acknowledgement of the system prompt at the
	// start of a new conversation.
	Ready string

	// moodTemplate has a single %s verb for the emotion label.
	moodTemplate string

	// MoodAck is the model's acknowledgement of the mood injection.
	MoodAck string

	// FallbackPrompt stands in when the coach returns no prompt.
	FallbackPrompt string

	// progressTemplate has a single %s verb for the tool name.
	progressTemplate string

	// EmptyAnswer is sent when both rounds produce no text.
	EmptyAnswer string
}

// Mood returns the transient user turn that carries the current emotion.
func (p Phrases) Mood(emotion string) string {
	return fmt.Sprintf(p.moodTemplate, emotion)
}

// ToolProgress returns the marker streamed to the caller before a tool
// is called.
func (p Phrases) ToolProgress(tool string) string {
	return fmt.Sprintf(p.progressTemplate, tool)
}

var languages = map[string]Phrases{
	"de": {
		Language:         "de",
		Ready:            "Verstanden, ich bin bereit.",
		moodTemplate:     "Aktuelle Stimmung: %s",
		MoodAck:          "Ich werde darauf achten.",
		FallbackPrompt:   "Du bist Gizmo. Der Nutzer fragt:",
		progressTemplate: "\n\n[🔧 Denke nach... (Rufe Tool %s auf)]\n",
		EmptyAnswer:      "Entschuldigung, ich konnte keine Antwort generieren.",
	},
	"en": {
		Language:         "en",
		Ready:            "Understood, I'm ready.",
		moodTemplate:     "Current mood: %s",
		MoodAck:          "I'll keep that in mind.",
		FallbackPrompt:   "You are Gizmo. The user asks:",
		progressTemplate: "\n\n[🔧 Thinking... (calling tool %s)]\n",
		EmptyAnswer:      "Sorry, I couldn't generate an answer.",
	},
}

// For returns the phrasing for lang. Region suffixes are ignored
// ("en-US" resolves to "en"); unknown languages get [DefaultLanguage].
func For(lang string) Phrases {
	code := strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(code, "-_"); i >= 0 {
		code = code[:i]
	}
	if p, ok := languages[code]; ok {
		return p
	}
	return languages[DefaultLanguage]
}

// Supported reports whether lang resolves to its own phrasing rather
// than the default.
func Supported(lang string) bool {
	code := strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(code, "-_"); i >= 0 {
		code = code[:i]
	}
	_, ok := languages[code]
	return ok
}

// Languages returns the supported language codes, sorted.
func Languages() []string {
	out := make([]string, 0, len(languages))
	for k := range languages {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
