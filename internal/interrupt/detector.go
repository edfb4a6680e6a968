// Package interrupt decides whether a transcript captured during playback is a
// genuine user interruption or just the microphone hearing the reply.
package interrupt

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Policy holds the thresholds used by [Detector]. A policy is fixed for the
// lifetime of a detector.
type Policy struct {
	// Grace rejects everything until this much time has passed since playback
	// started.
	Grace time.Duration

	// Debounce is the minimum spacing between two accepted interruptions.
	Debounce time.Duration

	// Fillers are single-word utterances that never count as an interruption.
	Fillers []string

	// MinWords is the minimum word count for both partial and final text.
	MinWords int

	// MinFinalChars is the minimum character count for final text.
	MinFinalChars int

	// MinPartialChars is the minimum character count for partial text.
	MinPartialChars int
}

// DefaultFillers is the filler-word set used by [DefaultPolicy].
var DefaultFillers = []string{
	"uh", "um", "uhm", "hmm", "hm", "mm", "ah", "oh", "er", "eh",
	"the", "a", "an", "is", "it", "and", "so", "yeah", "okay", "ok",
}

// DefaultPolicy returns a 2s grace period, 1s debounce and the 2 word / 8 char
// (final) and 2 word / 12 char (partial) confidence thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Grace:           2 * time.Second,
		Debounce:        time.Second,
		Fillers:         DefaultFillers,
		MinWords:        2,
		MinFinalChars:   8,
		MinPartialChars: 12,
	}
}

// Validate reports every invalid field.
func (p Policy) Validate() error {
	var errs []error
	if p.Grace < 0 {
		errs = append(errs, fmt.Errorf("grace must be >= 0, got %s", p.Grace))
	}
	if p.Debounce < 0 {
		errs = append(errs, fmt.Errorf("debounce must be >= 0, got %s", p.Debounce))
	}
	if p.MinWords < 1 {
		errs = append(errs, fmt.Errorf("min_words must be >= 1, got %d", p.MinWords))
	}
	if p.MinFinalChars < 1 {
		errs = append(errs, fmt.Errorf("min_final_chars must be >= 1, got %d", p.MinFinalChars))
	}
	if p.MinPartialChars < 1 {
		errs = append(errs, fmt.Errorf("min_partial_chars must be >= 1, got %d", p.MinPartialChars))
	}
	return errors.Join(errs...)
}

// Event is one transcript update captured during playback.
type Event struct {
	Text    string
	IsFinal bool
	At      time.Time
}

// Signal is emitted for an accepted interruption.
type Signal struct {
	// Text is the trimmed transcript that triggered the interruption.
	Text string
	At   time.Time
}

// Reason is the outcome of one evaluation. Only [Accepted] produces a signal;
// every other value is a silent rejection.
type Reason int

const (
	Accepted Reason = iota
	RejectUnarmed
	RejectGrace
	RejectDebounce
	RejectNoise
	RejectConfidence
	RejectVisibility
)

// String returns the metric label for r.
func (r Reason) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectUnarmed:
		return "unarmed"
	case RejectGrace:
		return "grace"
	case RejectDebounce:
		return "debounce"
	case RejectNoise:
		return "noise"
	case RejectConfidence:
		return "confidence"
	case RejectVisibility:
		return "visibility"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Detector applies a [Policy] to transcript events. It is not safe for
// concurrent use; the turn-taking loop owns it.
type Detector struct {
	policy  Policy
	fillers map[string]struct{}

	armed           bool
	ttsStartedAt    time.Time
	lastInterruptAt time.Time
	interrupted     bool
}

// New returns an unarmed detector.
func New(p Policy) *Detector {
	fillers := make(map[string]struct{}, len(p.Fillers))
	for _, f := range p.Fillers {
		fillers[strings.ToLower(strings.TrimSpace(f))] = struct{}{}
	}
	return &Detector{policy: p, fillers: fillers}
}

// Policy returns the detector's policy.
func (d *Detector) Policy() Policy { return d.policy }

// Arm starts evaluating against playback that began at ttsStartedAt. The last
// accepted interruption is kept so debounce spans consecutive replies.
func (d *Detector) Arm(ttsStartedAt time.Time) {
	d.armed = true
	d.ttsStartedAt = ttsStartedAt
}

// Disarm stops evaluation until the next Arm.
func (d *Detector) Disarm() { d.armed = false }

// Armed reports whether the detector is evaluating events.
func (d *Detector) Armed() bool { return d.armed }

// Reset disarms the detector and forgets the last interruption.
func (d *Detector) Reset() {
	*d = Detector{policy: d.policy, fillers: d.fillers}
}

// Evaluate runs the checks in order (grace, debounce, noise, confidence,
// visibility) and stops at the first failure. visible is the transcript
// currently shown to the user. An accepted event records its timestamp for
// debouncing.
func (d *Detector) Evaluate(ev Event, visible string) (Signal, Reason) {
	if !d.armed {
		return Signal{}, RejectUnarmed
	}
	if ev.At.Sub(d.ttsStartedAt) < d.policy.Grace {
		return Signal{}, RejectGrace
	}
	if d.interrupted && ev.At.Sub(d.lastInterruptAt) < d.policy.Debounce {
		return Signal{}, RejectDebounce
	}

	text := strings.TrimSpace(ev.Text)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 1 && d.isFiller(words[0]) {
		return Signal{}, RejectNoise
	}

	minChars := d.policy.MinPartialChars
	if ev.IsFinal {
		minChars = d.policy.MinFinalChars
	}
	if len(words) < d.policy.MinWords || utf8.RuneCountInString(text) < minChars {
		return Signal{}, RejectConfidence
	}

	vis := strings.TrimSpace(visible)
	if vis == "" || utf8.RuneCountInString(vis) < minChars {
		return Signal{}, RejectVisibility
	}

	d.lastInterruptAt = ev.At
	d.interrupted = true
	return Signal{Text: text, At: ev.At}, Accepted
}

func (d *Detector) isFiller(word string) bool {
	word = strings.TrimFunc(word, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	_, ok := d.fillers[word]
	return ok
}
