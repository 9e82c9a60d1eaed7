// Package prompts contains the fixed phrasing Gizmo injects into a
// conversation.
//
// Phrasing is Go code rather than config because it is program logic:
// the mood injection is interpolated with fmt.Sprintf, the tool progress
// marker is streamed to callers verbatim, and tests pin the exact text.
// User-facing configuration selects a language; this package holds the
// words for each one.
//
// Convention: each language is a [Phrases] value registered in
// phrases.go. [For] resolves a language code and falls back to German,
// Gizmo's original language.
package prompts
