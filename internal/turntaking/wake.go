package turntaking

import (
	"cmp"
	"slices"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// DefaultWakePhrases are spoken variants commonly produced by recognizers for
// the default wake phrase.
var DefaultWakePhrases = []string{"hey parley", "hey parly", "hi parley", "hey barley", "a parley", "okay parley"}

// WakeMatch is a detected wake phrase.
type WakeMatch struct {
	// Variant is the accepted variant that matched.
	Variant string

	// Command is the text after the first occurrence of the variant, trimmed.
	Command string

	// Fuzzy is set when the match came from the phonetic fallback.
	Fuzzy bool
	Score float64
}

// WakeOption configures a [WakeDetector].
type WakeOption func(*WakeDetector)

// WithFuzzyThreshold enables phonetic matching for transcripts that contain
// no exact variant. Candidate windows must share a Double Metaphone code with
// the variant and reach threshold Jaro-Winkler similarity. 0 disables it.
func WithFuzzyThreshold(threshold float64) WakeOption {
	return func(w *WakeDetector) { w.fuzzy = threshold }
}

// WakeDetector finds wake phrases in transcript text. It is read-only after
// construction and safe for concurrent use.
type WakeDetector struct {
	variants []string
	fuzzy    float64
}

// NewWakeDetector returns a detector for the given variants. Matching is
// case-insensitive; blank variants are dropped.
func NewWakeDetector(variants []string, opts ...WakeOption) *WakeDetector {
	w := &WakeDetector{}
	for _, v := range variants {
		v = strings.Join(strings.Fields(strings.ToLower(v)), " ")
		if v != "" && !slices.Contains(w.variants, v) {
			w.variants = append(w.variants, v)
		}
	}
	// Longest first so "hey parley there" wins over "hey parley" at the same
	// position.
	slices.SortStableFunc(w.variants, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	for _, o := range opts {
		o(w)
	}
	return w
}

// Variants returns the normalized variants, longest first.
func (w *WakeDetector) Variants() []string { return slices.Clone(w.variants) }

// Detect reports the earliest wake phrase in text. Exact containment is tried
// first; the phonetic fallback runs only when no variant is contained.
func (w *WakeDetector) Detect(text string) (WakeMatch, bool) {
	if m, ok := w.exact(text); ok {
		return m, true
	}
	if w.fuzzy > 0 {
		return w.phonetic(text)
	}
	return WakeMatch{}, false
}

func (w *WakeDetector) exact(text string) (WakeMatch, bool) {
	lower := strings.ToLower(text)
	// Case folding can change byte lengths; fall back to the folded text so
	// offsets stay valid.
	src := text
	if len(lower) != len(text) {
		src = lower
	}

	best, bestIdx := "", -1
	for _, v := range w.variants {
		idx := strings.Index(lower, v)
		if idx < 0 {
			continue
		}
		if bestIdx < 0 || idx < bestIdx {
			best, bestIdx = v, idx
		}
	}
	if bestIdx < 0 {
		return WakeMatch{}, false
	}
	return WakeMatch{Variant: best, Command: trimCommand(src[bestIdx+len(best):])}, true
}

func (w *WakeDetector) phonetic(text string) (WakeMatch, bool) {
	words := strings.Fields(text)
	norm := make([]string, len(words))
	for i, word := range words {
		norm[i] = strings.ToLower(strings.TrimFunc(word, isPunct))
	}

	var best WakeMatch
	bestEnd := -1
	for _, v := range w.variants {
		vTokens := strings.Fields(v)
		k := len(vTokens)
		vCodes := metaphoneCodes(vTokens)
		for i := 0; i+k <= len(norm); i++ {
			window := norm[i : i+k]
			if !codesOverlap(metaphoneCodes(window), vCodes) {
				continue
			}
			score := max(
				matchr.JaroWinkler(strings.Join(window, " "), v, false),
				matchr.JaroWinkler(strings.Join(window, ""), strings.Join(vTokens, ""), false),
			)
			if score >= w.fuzzy && score > best.Score {
				best = WakeMatch{Variant: v, Fuzzy: true, Score: score}
				bestEnd = i + k
			}
		}
	}
	if bestEnd < 0 {
		return WakeMatch{}, false
	}
	best.Command = trimCommand(strings.Join(words[bestEnd:], " "))
	return best, true
}

func trimCommand(s string) string {
	return strings.TrimSpace(strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || isPunct(r)
	}))
}

func isPunct(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) }

// metaphoneCodes returns the union of Double Metaphone codes for tokens.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
