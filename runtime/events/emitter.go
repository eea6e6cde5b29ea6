package events

import "time"

// Emitter publishes session events stamped with shared metadata.
// A nil Emitter or one without a bus drops events.
type Emitter struct {
	bus       *EventBus
	sessionID string
	room      string
}

// NewEmitter creates a new event emitter.
func NewEmitter(bus *EventBus, sessionID, room string) *Emitter {
	return &Emitter{
		bus:       bus,
		sessionID: sessionID,
		room:      room,
	}
}

// SessionID returns the session the emitter stamps on events.
func (e *Emitter) SessionID() string {
	if e == nil {
		return ""
	}
	return e.sessionID
}

func (e *Emitter) emit(eventType EventType, data EventData) {
	if e == nil || e.bus == nil {
		return
	}
	e.bus.Publish(&Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		Room:      e.room,
		Data:      data,
	})
}

// SessionStarted emits the session.started event.
func (e *Emitter) SessionStarted(participant string, outbound bool) {
	e.emit(EventSessionStarted, SessionStartedData{Participant: participant, Outbound: outbound})
}

// SessionClosed emits the session.closed event.
func (e *Emitter) SessionClosed(reason string, duration time.Duration, usage map[string]any) {
	e.emit(EventSessionClosed, SessionClosedData{Reason: reason, Duration: duration, Usage: usage})
}

// TrackSubscribed emits the track.subscribed event.
func (e *Emitter) TrackSubscribed(source, trackSID, participant string, replaced bool) {
	e.emit(EventTrackSubscribed, TrackSubscribedData{
		Source:      source,
		TrackSID:    trackSID,
		Participant: participant,
		Replaced:    replaced,
	})
}

// TrackUnsubscribed emits the track.unsubscribed event.
func (e *Emitter) TrackUnsubscribed(source, trackSID, participant string) {
	e.emit(EventTrackUnsubscribed, TrackUnsubscribedData{
		Source:      source,
		TrackSID:    trackSID,
		Participant: participant,
	})
}

// FrameProgress emits the frame.progress event.
func (e *Emitter) FrameProgress(source string, count uint64, width, height int) {
	e.emit(EventFrameProgress, FrameProgressData{Source: source, Count: count, Width: width, Height: height})
}

// FrameStreamFailed emits the frame.stream_failed event.
func (e *Emitter) FrameStreamFailed(source string, err error) {
	e.emit(EventFrameStreamFailed, FrameStreamFailedData{Source: source, Error: err})
}

// TurnComposed emits the turn.composed event.
func (e *Emitter) TurnComposed(data TurnComposedData) {
	e.emit(EventTurnComposed, data)
}

// ErrorClassified emits the pipeline.error_classified event.
func (e *Emitter) ErrorClassified(data ErrorClassifiedData) {
	e.emit(EventErrorClassified, data)
}

// MetricsCollected emits the metrics.collected event.
func (e *Emitter) MetricsCollected(kind string, fields map[string]any) {
	e.emit(EventMetricsCollected, MetricsCollectedData{Kind: kind, Fields: fields})
}

// SpeechNotice emits the speech.notice event.
func (e *Emitter) SpeechNotice(text, reason string) {
	e.emit(EventSpeechNotice, SpeechNoticeData{Text: text, Reason: reason})
}
