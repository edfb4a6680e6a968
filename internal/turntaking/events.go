package turntaking

import (
	"context"
	"time"
)

// TranscriptEvent is one partial or final recognition result.
type TranscriptEvent struct {
	Text    string
	IsFinal bool
	At      time.Time

	// Capture is the id returned by the [TranscriptSource.Start] call that
	// produced the event. Events from a stopped capture are ignored.
	Capture uint64

	// Err is set on the last event of a capture that ended without Stop,
	// for example because the recognizer or the device went away. Text is
	// empty on such events.
	Err error
}

// SinkEventKind distinguishes playback notifications.
type SinkEventKind int

const (
	// SinkStarted fires when audio for an utterance begins to play.
	SinkStarted SinkEventKind = iota

	// SinkFinished fires when an utterance played to the end. It never fires
	// for an utterance that was stopped.
	SinkFinished
)

func (k SinkEventKind) String() string {
	if k == SinkFinished {
		return "finished"
	}
	return "started"
}

// SinkEvent is a playback notification.
type SinkEvent struct {
	Kind      SinkEventKind
	Utterance uint64
	At        time.Time
}

// TranscriptSource produces transcript events from the microphone.
//
// Start begins a capture and returns its id; it fails when the device or the
// recognizer is unavailable. Stop is idempotent and returns once the capture
// no longer holds the device. Events is the single stream for all captures.
type TranscriptSource interface {
	Start(ctx context.Context, mode CaptureMode) (uint64, error)
	Stop() error
	Events() <-chan TranscriptEvent
}

// SpeechSink vocalizes replies.
//
// Speak begins an utterance and returns its id. Stop is idempotent, returns
// once playback released the device, and suppresses the finished event of the
// stopped utterance.
type SpeechSink interface {
	Speak(ctx context.Context, text string) (uint64, error)
	Stop() error
	Events() <-chan SinkEvent
}

// SubmitFunc sends a command to the backend. It blocks until the reply has
// been handed back through [Machine.DeliverReply] or the call failed.
type SubmitFunc func(ctx context.Context, command string) error

// UpdateKind classifies an [Update].
type UpdateKind int

const (
	UpdateMode UpdateKind = iota
	UpdateTranscript
	UpdateWake
	UpdateInterrupt
	UpdateSubmitted
	UpdateError
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateMode:
		return "mode"
	case UpdateTranscript:
		return "transcript"
	case UpdateWake:
		return "wake"
	case UpdateInterrupt:
		return "interrupt"
	case UpdateSubmitted:
		return "submitted"
	case UpdateError:
		return "error"
	default:
		return "unknown"
	}
}

// Update is a status notification for the presentation layer. Observers are
// called on the machine's loop goroutine and must not block.
type Update struct {
	Kind UpdateKind
	Snapshot

	// Text carries the interrupting text or the submitted command.
	Text string

	// Err is set for UpdateError.
	Err error
}

// Snapshot is the state visible to the presentation layer.
type Snapshot struct {
	Mode Mode

	// Transcript is the recognized text shown to the user: committed finals
	// followed by the current partial.
	Transcript string

	// Command is what a send would submit right now.
	Command string

	WakeAcquired bool
	Submitting   bool
}
