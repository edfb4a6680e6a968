package stt

import "time"

// Transcript is a single recognition result. Partials and finals share it.
type Transcript struct {
	// Text is the recognised speech.
	Text string

	// IsFinal reports whether the provider committed to this result.
	IsFinal bool

	// Confidence is in [0, 1]; zero when the provider does not report it.
	Confidence float64

	// Words holds per-word detail when available.
	Words []WordDetail

	// Timestamp is the utterance start relative to session start.
	Timestamp time.Duration

	// Duration is the utterance length.
	Duration time.Duration
}

// WordDetail holds per-word timing and confidence.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a vocabulary hint with provider-specific intensity.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}
