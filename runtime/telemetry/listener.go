package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Conversly/livekit-check/runtime/events"
)

// sessionState tracks the root span for a session.
type sessionState struct {
	span trace.Span
	ctx  context.Context //nolint:containedctx // needed to parent child spans
}

// OTelEventListener converts session events into OTel spans in real time.
//
// Each session gets a root "agent.session" span. Composed turns become
// child "agent.turn" spans back-dated by their compose duration. Track
// changes, speech notices and classified errors are recorded as span
// events on the root, and a fatal classification marks it as failed.
//
// It is safe for concurrent use and can be passed to EventBus.SubscribeAll.
type OTelEventListener struct {
	tracer trace.Tracer

	mu       sync.Mutex
	sessions map[string]*sessionState // sessionID → root span + ctx
}

// NewOTelEventListener creates a listener that creates OTel spans from session events.
func NewOTelEventListener(tracer trace.Tracer) *OTelEventListener {
	return &OTelEventListener{
		tracer:   tracer,
		sessions: make(map[string]*sessionState),
	}
}

// StartSession creates a root span for the given session, optionally parented
// under the span context in parentCtx. Starting a session twice is a no-op.
func (l *OTelEventListener) StartSession(parentCtx context.Context, sessionID, room string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sessions[sessionID]; ok {
		return
	}
	ctx, span := l.tracer.Start(parentCtx, "agent.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("livekit.room", room),
		),
	)
	l.sessions[sessionID] = &sessionState{span: span, ctx: ctx}
}

// EndSession ends the root span for the given session.
func (l *OTelEventListener) EndSession(sessionID string, attrs ...attribute.KeyValue) {
	l.mu.Lock()
	ss, ok := l.sessions[sessionID]
	if ok {
		delete(l.sessions, sessionID)
	}
	l.mu.Unlock()
	if ok {
		ss.span.SetAttributes(attrs...)
		ss.span.End()
	}
}

// ActiveSessions returns the number of sessions with an open root span.
func (l *OTelEventListener) ActiveSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// OnEvent handles a single session event.
func (l *OTelEventListener) OnEvent(evt *events.Event) {
	//exhaustive:ignore
	switch data := evt.Data.(type) {
	case events.SessionStartedData:
		l.StartSession(context.Background(), evt.SessionID, evt.Room)
		l.root(evt.SessionID, func(span trace.Span) {
			span.SetAttributes(
				attribute.String("livekit.participant", data.Participant),
				attribute.Bool("session.outbound", data.Outbound),
			)
		})
	case events.SessionClosedData:
		l.EndSession(evt.SessionID,
			attribute.String("session.close_reason", data.Reason),
			attribute.Int64("session.duration_ms", data.Duration.Milliseconds()),
		)
	case events.TrackSubscribedData:
		l.addEvent(evt, "track.subscribed",
			attribute.String("track.source", data.Source),
			attribute.String("track.sid", data.TrackSID),
			attribute.Bool("track.replaced", data.Replaced),
		)
	case events.TrackUnsubscribedData:
		l.addEvent(evt, "track.unsubscribed",
			attribute.String("track.source", data.Source),
			attribute.String("track.sid", data.TrackSID),
		)
	case events.FrameStreamFailedData:
		l.root(evt.SessionID, func(span trace.Span) {
			if data.Error != nil {
				span.RecordError(data.Error, trace.WithTimestamp(evt.Timestamp),
					trace.WithAttributes(attribute.String("track.source", data.Source)))
			}
		})
	case events.TurnComposedData:
		l.turnSpan(evt, data)
	case events.ErrorClassifiedData:
		l.handleClassifiedError(evt, data)
	case events.SpeechNoticeData:
		l.addEvent(evt, "speech.notice",
			attribute.String("notice.reason", data.Reason),
			attribute.Int("notice.chars", len(data.Text)),
		)
	default:
	}
}

// root runs fn with the session's root span, if the session is open.
func (l *OTelEventListener) root(sessionID string, fn func(trace.Span)) {
	l.mu.Lock()
	ss, ok := l.sessions[sessionID]
	l.mu.Unlock()
	if ok {
		fn(ss.span)
	}
}

// sessionCtx returns the context for the session (to parent child spans).
// Falls back to context.Background() if the session is unknown.
func (l *OTelEventListener) sessionCtx(sessionID string) context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ss, ok := l.sessions[sessionID]; ok {
		return ss.ctx
	}
	return context.Background()
}

func (l *OTelEventListener) addEvent(evt *events.Event, name string, attrs ...attribute.KeyValue) {
	l.root(evt.SessionID, func(span trace.Span) {
		span.AddEvent(name, trace.WithTimestamp(evt.Timestamp), trace.WithAttributes(attrs...))
	})
}

func (l *OTelEventListener) turnSpan(evt *events.Event, data events.TurnComposedData) {
	source := data.Source
	if source == "" {
		source = "none"
	}
	_, span := l.tracer.Start(l.sessionCtx(evt.SessionID), "agent.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(evt.Timestamp.Add(-data.Duration)),
		trace.WithAttributes(
			attribute.String("turn.id", data.TurnID),
			attribute.String("turn.image_source", source),
			attribute.Int("turn.image_width", data.Width),
			attribute.Int("turn.image_height", data.Height),
			attribute.Int64("turn.frame_count", int64(data.FrameCount)), //nolint:gosec // frame counts fit int64
			attribute.Int("turn.text_chars", data.TextChars),
		),
	)
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(evt.Timestamp))
}

func (l *OTelEventListener) handleClassifiedError(evt *events.Event, data events.ErrorClassifiedData) {
	l.root(evt.SessionID, func(span trace.Span) {
		span.AddEvent("pipeline.error", trace.WithTimestamp(evt.Timestamp), trace.WithAttributes(
			attribute.String("error.stage", data.Stage),
			attribute.String("error.name", data.Name),
			attribute.String("error.message", data.Message),
			attribute.String("error.class", data.Class),
			attribute.String("error.category", data.Category),
			attribute.Int("error.rule", data.Rule),
			attribute.Bool("error.notified", data.Notified),
		))
		if data.Class == "fatal" {
			span.SetStatus(codes.Error, data.Message)
		}
	})
}
