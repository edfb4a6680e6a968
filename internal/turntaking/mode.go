package turntaking

import "fmt"

// Mode is the turn-taking state. Exactly one mode holds at a time.
type Mode int

const (
	// Idle: neither capture nor playback is active.
	Idle Mode = iota

	// Listening: capture runs in normal mode, playback is stopped.
	Listening

	// Speaking: playback runs, capture is stopped.
	Speaking

	// ListeningDuringPlayback: playback runs (or is being torn down after an
	// interruption) while capture runs in barge-in mode.
	ListeningDuringPlayback
)

// String returns the lower-case label used in logs, metrics and status
// messages.
func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	case ListeningDuringPlayback:
		return "listening_during_playback"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// CaptureMode selects how the transcript source is configured.
type CaptureMode int

const (
	// CaptureNormal listens for a fresh command.
	CaptureNormal CaptureMode = iota

	// CaptureBargeIn listens for an interruption while a reply plays.
	CaptureBargeIn
)

func (c CaptureMode) String() string {
	if c == CaptureBargeIn {
		return "barge_in"
	}
	return "normal"
}
