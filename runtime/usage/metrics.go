// Package usage accumulates per-turn pipeline metrics into a session summary.
package usage

import "time"

// Kind identifies the pipeline component a metrics event came from.
type Kind string

// Metrics event kinds.
const (
	KindLLM     Kind = "llm"
	KindTTS     Kind = "tts"
	KindSTT     Kind = "stt"
	KindEOU     Kind = "eou"
	KindVAD     Kind = "vad"
	KindGeneric Kind = "generic"
)

// Summary keys written by the typed events.
const (
	KeyLLMRequests         = "llm_requests"
	KeyLLMPromptTokens     = "llm_prompt_tokens"
	KeyLLMPromptCached     = "llm_prompt_cached_tokens"
	KeyLLMCompletionTokens = "llm_completion_tokens"
	KeyLLMDurationMs       = "llm_duration_ms"
	KeyLLMTTFTMs           = "llm_ttft_ms"
	KeyLLMTokensPerSecond  = "llm_tokens_per_second"
	KeyLLMModel            = "llm_model"

	KeyTTSRequests     = "tts_requests"
	KeyTTSCharacters   = "tts_characters_count"
	KeyTTSAudioSeconds = "tts_audio_duration"
	KeyTTSTTFBMs       = "tts_ttfb_ms"
	KeyTTSDurationMs   = "tts_duration_ms"
	KeySTTAudioSeconds = "stt_audio_duration"
	KeySTTDurationMs   = "stt_duration_ms"
	KeyEOUDelayMs      = "eou_end_of_utterance_delay_ms"
	KeyEOUTranscribeMs = "eou_transcription_delay_ms"
	KeyVADInferences   = "vad_inference_count"
	KeyVADIdleSeconds  = "vad_idle_time"
	KeyVADInferenceMs  = "vad_inference_duration_ms"
)

// DefaultGauges are keys whose latest value replaces the running total.
var DefaultGauges = []string{
	KeyLLMTTFTMs,
	KeyLLMTokensPerSecond,
	KeyTTSTTFBMs,
	KeyEOUDelayMs,
	KeyEOUTranscribeMs,
}

// MetricsEvent is one metrics report emitted by the pipeline.
type MetricsEvent interface {
	Kind() Kind
	Fields() map[string]any
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// LLMMetrics reports one language model request.
type LLMMetrics struct {
	RequestID        string
	Model            string
	TTFT             time.Duration
	Duration         time.Duration
	PromptTokens     int
	PromptCached     int
	CompletionTokens int
	TokensPerSecond  float64
}

// Kind implements MetricsEvent.
func (LLMMetrics) Kind() Kind { return KindLLM }

// Fields implements MetricsEvent.
func (m LLMMetrics) Fields() map[string]any {
	f := map[string]any{
		KeyLLMRequests:         1,
		KeyLLMPromptTokens:     m.PromptTokens,
		KeyLLMPromptCached:     m.PromptCached,
		KeyLLMCompletionTokens: m.CompletionTokens,
		KeyLLMDurationMs:       ms(m.Duration),
		KeyLLMTTFTMs:           ms(m.TTFT),
		KeyLLMTokensPerSecond:  m.TokensPerSecond,
	}
	if m.Model != "" {
		f[KeyLLMModel] = m.Model
	}
	return f
}

// TTSMetrics reports one synthesis request.
type TTSMetrics struct {
	RequestID     string
	TTFB          time.Duration
	Duration      time.Duration
	AudioDuration time.Duration
	Characters    int
}

// Kind implements MetricsEvent.
func (TTSMetrics) Kind() Kind { return KindTTS }

// Fields implements MetricsEvent.
func (m TTSMetrics) Fields() map[string]any {
	return map[string]any{
		KeyTTSRequests:     1,
		KeyTTSCharacters:   m.Characters,
		KeyTTSAudioSeconds: m.AudioDuration.Seconds(),
		KeyTTSTTFBMs:       ms(m.TTFB),
		KeyTTSDurationMs:   ms(m.Duration),
	}
}

// STTMetrics reports recognized audio.
type STTMetrics struct {
	AudioDuration time.Duration
	Duration      time.Duration
}

// Kind implements MetricsEvent.
func (STTMetrics) Kind() Kind { return KindSTT }

// Fields implements MetricsEvent.
func (m STTMetrics) Fields() map[string]any {
	return map[string]any{
		KeySTTAudioSeconds: m.AudioDuration.Seconds(),
		KeySTTDurationMs:   ms(m.Duration),
	}
}

// EOUMetrics reports end-of-utterance detection latency.
type EOUMetrics struct {
	EndOfUtteranceDelay time.Duration
	TranscriptionDelay  time.Duration
}

// Kind implements MetricsEvent.
func (EOUMetrics) Kind() Kind { return KindEOU }

// Fields implements MetricsEvent.
func (m EOUMetrics) Fields() map[string]any {
	return map[string]any{
		KeyEOUDelayMs:      ms(m.EndOfUtteranceDelay),
		KeyEOUTranscribeMs: ms(m.TranscriptionDelay),
	}
}

// VADMetrics reports voice activity detection work.
type VADMetrics struct {
	IdleTime          time.Duration
	InferenceCount    int
	InferenceDuration time.Duration
}

// Kind implements MetricsEvent.
func (VADMetrics) Kind() Kind { return KindVAD }

// Fields implements MetricsEvent.
func (m VADMetrics) Fields() map[string]any {
	return map[string]any{
		KeyVADInferences:  m.InferenceCount,
		KeyVADIdleSeconds: m.IdleTime.Seconds(),
		KeyVADInferenceMs: ms(m.InferenceDuration),
	}
}

// Fields is an untyped metrics event, used for payloads the typed events do
// not model.
type Fields map[string]any

// Kind implements MetricsEvent.
func (Fields) Kind() Kind { return KindGeneric }

// Fields implements MetricsEvent.
func (f Fields) Fields() map[string]any { return f }
