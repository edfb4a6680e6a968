package turntaking

import "strings"

// transcript accumulates recognition results for one capture: committed final
// segments plus the latest partial, which replaces the previous partial.
type transcript struct {
	committed []string
	partial   string
}

func (t *transcript) apply(ev TranscriptEvent) {
	text := strings.TrimSpace(ev.Text)
	if !ev.IsFinal {
		t.partial = text
		return
	}
	t.partial = ""
	if text != "" {
		t.committed = append(t.committed, text)
	}
}

// visible is the text shown to the user.
func (t *transcript) visible() string {
	if t.partial == "" {
		return strings.Join(t.committed, " ")
	}
	if len(t.committed) == 0 {
		return t.partial
	}
	return strings.Join(t.committed, " ") + " " + t.partial
}

// restart discards everything heard so far and begins again from text, as a
// committed segment when final and as the pending partial otherwise.
func (t *transcript) restart(text string, final bool) {
	t.reset()
	t.apply(TranscriptEvent{Text: text, IsFinal: final})
}

func (t *transcript) reset() {
	t.committed = nil
	t.partial = ""
}
