package logger

import (
	"context"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

// Context keys for common logging fields.
// Values stored under these keys are added to every record by ContextHandler.
const (
	// ContextKeySessionID identifies the agent session.
	ContextKeySessionID contextKey = "session_id"

	// ContextKeyRoom identifies the real-time room the agent is attached to.
	ContextKeyRoom contextKey = "room"

	// ContextKeyParticipant identifies the remote participant.
	ContextKeyParticipant contextKey = "participant"

	// ContextKeySource identifies the visual source (camera, screen_share).
	ContextKeySource contextKey = "source"

	// ContextKeyStage identifies the pipeline stage (recognition, generation, synthesis, transport).
	ContextKeyStage contextKey = "stage"

	// ContextKeyTurnID identifies the current user turn.
	ContextKeyTurnID contextKey = "turn_id"

	// ContextKeyRequestID identifies an HTTP request.
	ContextKeyRequestID contextKey = "request_id"
)

var allContextKeys = []contextKey{
	ContextKeySessionID,
	ContextKeyRoom,
	ContextKeyParticipant,
	ContextKeySource,
	ContextKeyStage,
	ContextKeyTurnID,
	ContextKeyRequestID,
}

// WithSessionID returns a new context with the session ID set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithRoom returns a new context with the room name set.
func WithRoom(ctx context.Context, room string) context.Context {
	return context.WithValue(ctx, ContextKeyRoom, room)
}

// WithParticipant returns a new context with the participant identity set.
func WithParticipant(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, ContextKeyParticipant, identity)
}

// WithSource returns a new context with the visual source set.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, ContextKeySource, source)
}

// WithStage returns a new context with the pipeline stage set.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, ContextKeyStage, stage)
}

// WithTurnID returns a new context with the turn ID set.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, ContextKeyTurnID, turnID)
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// LoggingFields holds all standard logging context fields.
type LoggingFields struct {
	SessionID   string
	Room        string
	Participant string
	Source      string
	Stage       string
	TurnID      string
	RequestID   string
}

// WithLoggingContext sets every non-empty field of fields on ctx.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	set := func(key contextKey, v string) {
		if v != "" {
			ctx = context.WithValue(ctx, key, v)
		}
	}
	set(ContextKeySessionID, fields.SessionID)
	set(ContextKeyRoom, fields.Room)
	set(ContextKeyParticipant, fields.Participant)
	set(ContextKeySource, fields.Source)
	set(ContextKeyStage, fields.Stage)
	set(ContextKeyTurnID, fields.TurnID)
	set(ContextKeyRequestID, fields.RequestID)
	return ctx
}

// ExtractLoggingFields reads all logging fields from a context.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	get := func(key contextKey) string {
		s, _ := ctx.Value(key).(string)
		return s
	}
	return LoggingFields{
		SessionID:   get(ContextKeySessionID),
		Room:        get(ContextKeyRoom),
		Participant: get(ContextKeyParticipant),
		Source:      get(ContextKeySource),
		Stage:       get(ContextKeyStage),
		TurnID:      get(ContextKeyTurnID),
		RequestID:   get(ContextKeyRequestID),
	}
}
