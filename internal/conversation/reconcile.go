package conversation

import "strings"

// Reconcile turns a working history into the history that gets
// persisted:
//
//   - transient turns are dropped
//   - a model turn's text parts are joined into one trimmed text part
//   - tool-call parts are dropped from model turns; the tool turns that
//     follow hold the resolved calls
//   - model turns left without content are dropped
//
// The input is not modified. Reconcile(Reconcile(h)) equals
// Reconcile(h), so a failed save can be retried with either.
func Reconcile(h History) History {
	out := make(History, 0, len(h))
	for _, t := range h {
		if t.Transient {
			continue
		}
		if t.Role != RoleModel {
			t.Parts = append([]Part(nil), t.Parts...)
			out = append(out, t)
			continue
		}

		text := strings.TrimSpace(t.Text())
		if text == "" {
			continue
		}
		t.Parts = []Part{TextPart(text)}
		out = append(out, t)
	}
	return out
}
