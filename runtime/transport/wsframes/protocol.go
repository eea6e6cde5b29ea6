package wsframes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Conversly/livekit-check/runtime/sessionerrors"
	"github.com/Conversly/livekit-check/runtime/turncontext"
	"github.com/Conversly/livekit-check/runtime/types"
	"github.com/Conversly/livekit-check/runtime/usage"
)

// Message types read from the events socket.
const (
	TypeStart         = "start"
	TypeTurnCompleted = "turn_completed"
	TypeError         = "error"
	TypeMetrics       = "metrics"
	TypeClose         = "close"
)

// Message types written to the events socket.
const (
	TypeStarted         = "started"
	TypeSay             = "say"
	TypeGenerateReply   = "generate_reply"
	TypeTurnComposed    = "turn_composed"
	TypeErrorClassified = "error_classified"
	TypeProtocolError   = "protocol_error"
	TypeClosed          = "closed"
)

// Envelope is one JSON message on the events socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newEnvelope(typ string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: typ}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: data}, nil
}

// StartPayload opens a session. It must be the first message on the socket.
type StartPayload struct {
	Room         string `json:"room"`
	Participant  string `json:"participant,omitempty"`
	JobMetadata  string `json:"job_metadata,omitempty"`
	RoomMetadata string `json:"room_metadata,omitempty"`
	// ParticipantKind is "sip" for phone callers, anything else otherwise.
	ParticipantKind string `json:"participant_kind,omitempty"`
}

// StartedPayload tells the pipeline how to run the session.
type StartedPayload struct {
	SessionID         string `json:"session_id"`
	Outbound          bool   `json:"outbound"`
	Instructions      string `json:"instructions"`
	STTLanguage       string `json:"stt_language"`
	TTSVoice          string `json:"tts_voice"`
	TTSLanguage       string `json:"tts_language"`
	NoiseCancellation string `json:"noise_cancellation"`
}

// TextPayload carries the text of say and generate_reply messages.
type TextPayload struct {
	Text         string `json:"text,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// TurnPayload reports a finished user turn.
type TurnPayload struct {
	TurnID string `json:"turn_id,omitempty"`
	Text   string `json:"text"`
}

// TurnComposedPayload answers a TurnPayload with the message to send to the
// language model.
type TurnComposedPayload struct {
	TurnID     string         `json:"turn_id,omitempty"`
	Attached   bool           `json:"attached"`
	Source     string         `json:"source,omitempty"`
	Width      int            `json:"width,omitempty"`
	Height     int            `json:"height,omitempty"`
	FrameCount uint64         `json:"frame_count,omitempty"`
	Message    *types.Message `json:"message"`
}

func turnComposed(d turncontext.Decision, msg *types.Message) TurnComposedPayload {
	p := TurnComposedPayload{
		TurnID:   msg.ID,
		Attached: d.Attached,
		Message:  msg,
	}
	if d.Attached {
		p.Source = d.Source.String()
		p.Width, p.Height, p.FrameCount = d.Width, d.Height, d.FrameCount
	}
	return p
}

// ErrorPayload reports a pipeline error.
type ErrorPayload struct {
	Stage     string `json:"stage,omitempty"`
	Name      string `json:"name,omitempty"`
	Type      string `json:"type,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// PipelineError converts the payload for classification.
func (p ErrorPayload) PipelineError() *sessionerrors.PipelineError {
	return &sessionerrors.PipelineError{
		Stage:     sessionerrors.ParseStage(p.Stage),
		Name:      p.Name,
		Type:      p.Type,
		Message:   p.Message,
		Retryable: p.Retryable,
	}
}

// ErrorClassifiedPayload answers an ErrorPayload.
type ErrorClassifiedPayload struct {
	Class     string `json:"class"`
	Category  string `json:"category"`
	Rule      int    `json:"rule"`
	Signature string `json:"signature,omitempty"`
	Notified  bool   `json:"notified"`
}

// MetricsPayload reports one metrics event. Durations are milliseconds and
// audio lengths seconds. Fields carries kinds without a typed form.
type MetricsPayload struct {
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`

	Model            string  `json:"model,omitempty"`
	TTFTMs           float64 `json:"ttft_ms,omitempty"`
	DurationMs       float64 `json:"duration_ms,omitempty"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	PromptCached     int     `json:"prompt_cached_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TokensPerSecond  float64 `json:"tokens_per_second,omitempty"`

	TTFBMs        float64 `json:"ttfb_ms,omitempty"`
	AudioDuration float64 `json:"audio_duration,omitempty"`
	Characters    int     `json:"characters_count,omitempty"`

	EndOfUtteranceDelayMs float64 `json:"end_of_utterance_delay_ms,omitempty"`
	TranscriptionDelayMs  float64 `json:"transcription_delay_ms,omitempty"`

	IdleTime            float64 `json:"idle_time,omitempty"`
	InferenceCount      int     `json:"inference_count,omitempty"`
	InferenceDurationMs float64 `json:"inference_duration_ms,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

func millis(v float64) time.Duration { return time.Duration(v * float64(time.Millisecond)) }
func seconds(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

// Event converts the payload to a typed metrics event.
func (p MetricsPayload) Event() usage.MetricsEvent {
	switch usage.Kind(p.Kind) {
	case usage.KindLLM:
		return usage.LLMMetrics{
			RequestID:        p.RequestID,
			Model:            p.Model,
			TTFT:             millis(p.TTFTMs),
			Duration:         millis(p.DurationMs),
			PromptTokens:     p.PromptTokens,
			PromptCached:     p.PromptCached,
			CompletionTokens: p.CompletionTokens,
			TokensPerSecond:  p.TokensPerSecond,
		}
	case usage.KindTTS:
		return usage.TTSMetrics{
			RequestID:     p.RequestID,
			TTFB:          millis(p.TTFBMs),
			Duration:      millis(p.DurationMs),
			AudioDuration: seconds(p.AudioDuration),
			Characters:    p.Characters,
		}
	case usage.KindSTT:
		return usage.STTMetrics{
			AudioDuration: seconds(p.AudioDuration),
			Duration:      millis(p.DurationMs),
		}
	case usage.KindEOU:
		return usage.EOUMetrics{
			EndOfUtteranceDelay: millis(p.EndOfUtteranceDelayMs),
			TranscriptionDelay:  millis(p.TranscriptionDelayMs),
		}
	case usage.KindVAD:
		return usage.VADMetrics{
			IdleTime:          seconds(p.IdleTime),
			InferenceCount:    p.InferenceCount,
			InferenceDuration: millis(p.InferenceDurationMs),
		}
	default:
		if len(p.Fields) == 0 {
			return nil
		}
		return usage.Fields(p.Fields)
	}
}

// ClosePayload ends the session.
type ClosePayload struct {
	Reason string `json:"reason,omitempty"`
}

// ProtocolErrorPayload reports a message the host could not process.
type ProtocolErrorPayload struct {
	Type  string `json:"type,omitempty"`
	Error string `json:"error"`
}
