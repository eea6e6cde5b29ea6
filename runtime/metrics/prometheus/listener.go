package prometheus

import (
	"sync"

	"github.com/Conversly/livekit-check/runtime/events"
	"github.com/Conversly/livekit-check/runtime/usage"
)

// MetricsListener records session events as Prometheus metrics.
// It implements the events.Listener signature and should be registered
// with an EventBus using SubscribeAll.
type MetricsListener struct {
	// frames holds the last progress count per session and source, so
	// cumulative progress reports become counter increments.
	mu     sync.Mutex
	frames map[frameKey]uint64
}

type frameKey struct {
	session string
	source  string
}

// NewMetricsListener creates a new MetricsListener.
func NewMetricsListener() *MetricsListener {
	return &MetricsListener{frames: make(map[frameKey]uint64)}
}

// Handle processes an event and records relevant metrics.
// This method is designed to be used with EventBus.SubscribeAll.
func (l *MetricsListener) Handle(event *events.Event) {
	//exhaustive:ignore
	switch data := event.Data.(type) {
	case events.SessionStartedData:
		RecordSessionStart(data.Outbound)
	case events.SessionClosedData:
		RecordSessionEnd(data.Reason, data.Duration.Seconds())
		l.forgetSession(event.SessionID)
	case events.TrackSubscribedData:
		RecordTrackSubscribed(data.Source, data.Replaced)
		l.resetFrames(frameKey{event.SessionID, data.Source})
	case events.FrameProgressData:
		l.handleFrameProgress(event.SessionID, data)
	case events.FrameStreamFailedData:
		RecordFrameStreamFailure(data.Source)
	case events.TurnComposedData:
		RecordTurn(data.Source, data.Duration.Seconds())
	case events.ErrorClassifiedData:
		RecordPipelineError(data.Stage, data.Category, data.Class)
	case events.SpeechNoticeData:
		RecordSpeechNotice(data.Reason)
	case events.MetricsCollectedData:
		l.handleMetricsCollected(data)
	default:
		// Ignore events that don't have metrics
	}
}

func (l *MetricsListener) handleFrameProgress(session string, data events.FrameProgressData) {
	key := frameKey{session, data.Source}
	l.mu.Lock()
	prev := l.frames[key]
	l.frames[key] = data.Count
	l.mu.Unlock()

	if data.Count > prev {
		RecordFrames(data.Source, data.Count-prev)
	}
}

func (l *MetricsListener) resetFrames(key frameKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.frames, key)
}

func (l *MetricsListener) forgetSession(session string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.frames {
		if k.session == session {
			delete(l.frames, k)
		}
	}
}

func (l *MetricsListener) handleMetricsCollected(data events.MetricsCollectedData) {
	f := data.Fields
	switch usage.Kind(data.Kind) {
	case usage.KindLLM:
		RecordLLMUsage(
			number(f[usage.KeyLLMPromptTokens]),
			number(f[usage.KeyLLMCompletionTokens]),
			number(f[usage.KeyLLMPromptCached]),
			number(f[usage.KeyLLMTTFTMs])/1000,
		)
	case usage.KindTTS:
		RecordTTSUsage(number(f[usage.KeyTTSCharacters]), number(f[usage.KeyTTSTTFBMs])/1000)
	case usage.KindSTT:
		RecordSTTUsage(number(f[usage.KeySTTAudioSeconds]))
	default:
	}
}

func number(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case float64:
		return n
	case float32:
		return float64(n)
	default:
		return 0
	}
}

// Listener returns an events.Listener function that can be registered with an EventBus.
func (l *MetricsListener) Listener() events.Listener {
	return l.Handle
}
