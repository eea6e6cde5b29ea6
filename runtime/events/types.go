package events

import (
	"time"
)

// EventType identifies the type of event emitted by an agent session.
type EventType string

const (
	// EventSessionStarted marks the agent joining a room.
	EventSessionStarted EventType = "session.started"
	// EventSessionClosed marks session teardown.
	EventSessionClosed EventType = "session.closed"

	// EventTrackSubscribed marks a video track subscription.
	EventTrackSubscribed EventType = "track.subscribed"
	// EventTrackUnsubscribed marks a video track removal.
	EventTrackUnsubscribed EventType = "track.unsubscribed"

	// EventFrameProgress is emitted periodically while a source delivers frames.
	EventFrameProgress EventType = "frame.progress"
	// EventFrameStreamFailed marks a frame reader that stopped on an error.
	EventFrameStreamFailed EventType = "frame.stream_failed"

	// EventTurnComposed marks a user turn forwarded to inference.
	EventTurnComposed EventType = "turn.composed"

	// EventErrorClassified marks a pipeline error after classification.
	EventErrorClassified EventType = "pipeline.error_classified"

	// EventMetricsCollected marks a per-turn metrics event merged into usage.
	EventMetricsCollected EventType = "metrics.collected"

	// EventSpeechNotice marks a short spoken notice (greeting or apology).
	EventSpeechNotice EventType = "speech.notice"
)

// EventData is a marker interface for event payloads.
type EventData interface {
	eventData()
}

// Event represents a session event delivered to listeners.
type Event struct {
	Type      EventType
	Timestamp time.Time
	SessionID string
	Room      string
	Data      EventData
}

type baseEventData struct{}

func (baseEventData) eventData() {}

// SessionStartedData contains data for session start events.
type SessionStartedData struct {
	baseEventData
	Participant string
	Outbound    bool
}

// SessionClosedData contains data for session teardown events.
type SessionClosedData struct {
	baseEventData
	Reason   string
	Duration time.Duration
	Usage    map[string]any
}

// TrackSubscribedData contains data for track subscription events.
type TrackSubscribedData struct {
	baseEventData
	Source      string
	TrackSID    string
	Participant string
	// Replaced is true when an existing reader for the source was cancelled.
	Replaced bool
}

// TrackUnsubscribedData contains data for track removal events.
type TrackUnsubscribedData struct {
	baseEventData
	Source      string
	TrackSID    string
	Participant string
}

// FrameProgressData reports frames received on one source.
type FrameProgressData struct {
	baseEventData
	Source string
	Count  uint64
	Width  int
	Height int
}

// FrameStreamFailedData reports a reader that ended on an error.
type FrameStreamFailedData struct {
	baseEventData
	Source string
	Error  error
}

// TurnComposedData describes the visual context attached to a turn.
type TurnComposedData struct {
	baseEventData
	TurnID     string
	Source     string // empty when no image was attached
	Width      int
	Height     int
	FrameCount uint64
	TextChars  int
	Duration   time.Duration
}

// ErrorClassifiedData describes one classified pipeline error.
type ErrorClassifiedData struct {
	baseEventData
	Stage    string
	Name     string
	Message  string
	Class    string
	Category string
	Rule     int
	Notified bool
}

// MetricsCollectedData carries one per-turn metrics event.
type MetricsCollectedData struct {
	baseEventData
	Kind   string
	Fields map[string]any
}

// SpeechNoticeData carries text spoken outside the normal reply flow.
type SpeechNoticeData struct {
	baseEventData
	Text   string
	Reason string
}
