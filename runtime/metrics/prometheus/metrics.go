// Package prometheus provides Prometheus metrics exporters for agent sessions.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "livekit_agent"

var (
	// sessionsActive is a gauge of sessions currently attached to a room.
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active agent sessions",
		},
	)

	// sessionsTotal is a counter of started sessions.
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of agent sessions started",
		},
		[]string{"direction"}, // direction: inbound, outbound
	)

	// sessionDuration is a histogram of session lifetime.
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Histogram of agent session duration in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"reason"},
	)

	// trackSubscriptionsTotal is a counter of video track subscriptions.
	trackSubscriptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "track_subscriptions_total",
			Help:      "Total number of video track subscriptions",
		},
		[]string{"source", "replaced"},
	)

	// framesReceivedTotal is a counter of buffered video frames.
	framesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of video frames buffered, reported at progress intervals",
		},
		[]string{"source"},
	)

	// frameStreamFailuresTotal is a counter of frame readers ended by errors.
	frameStreamFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_stream_failures_total",
			Help:      "Total number of frame streams that ended with an error",
		},
		[]string{"source"},
	)

	// turnsTotal is a counter of composed user turns.
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of user turns, by attached image source",
		},
		[]string{"image_source"}, // image_source: none, camera, screen_share
	)

	// turnComposeDuration is a histogram of time spent attaching visual context.
	turnComposeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_compose_duration_seconds",
			Help:      "Time spent selecting and encoding the frame for a turn",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	// pipelineErrorsTotal is a counter of classified pipeline errors.
	pipelineErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_errors_total",
			Help:      "Total number of classified pipeline errors",
		},
		[]string{"stage", "category", "class"},
	)

	// speechNoticesTotal is a counter of spoken notices.
	speechNoticesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_notices_total",
			Help:      "Total number of greetings and apologies spoken",
		},
		[]string{"reason"},
	)

	// llmTokensTotal is a counter of tokens consumed by the language model.
	llmTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Total tokens consumed by language model calls",
		},
		[]string{"type"}, // type: prompt, completion, cached
	)

	// llmTTFT is a histogram of language model time to first token.
	llmTTFT = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_ttft_seconds",
			Help:      "Language model time to first token in seconds",
			Buckets:   []float64{.1, .25, .5, .75, 1, 1.5, 2, 3, 5},
		},
	)

	// ttsTTFB is a histogram of synthesis time to first byte.
	ttsTTFB = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tts_ttfb_seconds",
			Help:      "Speech synthesis time to first byte in seconds",
			Buckets:   []float64{.05, .1, .25, .5, .75, 1, 2, 5},
		},
	)

	// ttsCharactersTotal is a counter of synthesized characters.
	ttsCharactersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_characters_total",
			Help:      "Total characters sent to speech synthesis",
		},
	)

	// sttAudioSecondsTotal is a counter of recognized audio.
	sttAudioSecondsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_audio_seconds_total",
			Help:      "Total seconds of audio sent to speech recognition",
		},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		trackSubscriptionsTotal,
		framesReceivedTotal,
		frameStreamFailuresTotal,
		turnsTotal,
		turnComposeDuration,
		pipelineErrorsTotal,
		speechNoticesTotal,
		llmTokensTotal,
		llmTTFT,
		ttsTTFB,
		ttsCharactersTotal,
		sttAudioSecondsTotal,
	}
)

// RecordSessionStart records a session joining a room.
func RecordSessionStart(outbound bool) {
	direction := "inbound"
	if outbound {
		direction = "outbound"
	}
	sessionsActive.Inc()
	sessionsTotal.WithLabelValues(direction).Inc()
}

// RecordSessionEnd records a session teardown.
func RecordSessionEnd(reason string, durationSeconds float64) {
	sessionsActive.Dec()
	sessionDuration.WithLabelValues(reason).Observe(durationSeconds)
}

// RecordTrackSubscribed records a video track subscription.
func RecordTrackSubscribed(source string, replaced bool) {
	r := "false"
	if replaced {
		r = "true"
	}
	trackSubscriptionsTotal.WithLabelValues(source, r).Inc()
}

// RecordFrames adds n buffered frames for source.
func RecordFrames(source string, n uint64) {
	if n > 0 {
		framesReceivedTotal.WithLabelValues(source).Add(float64(n))
	}
}

// RecordFrameStreamFailure records a frame reader that ended on an error.
func RecordFrameStreamFailure(source string) {
	frameStreamFailuresTotal.WithLabelValues(source).Inc()
}

// RecordTurn records a composed user turn. An empty source means no image.
func RecordTurn(imageSource string, durationSeconds float64) {
	if imageSource == "" {
		imageSource = "none"
	}
	turnsTotal.WithLabelValues(imageSource).Inc()
	turnComposeDuration.Observe(durationSeconds)
}

// RecordPipelineError records a classified pipeline error.
func RecordPipelineError(stage, category, class string) {
	pipelineErrorsTotal.WithLabelValues(stage, category, class).Inc()
}

// RecordSpeechNotice records a spoken greeting or apology.
func RecordSpeechNotice(reason string) {
	speechNoticesTotal.WithLabelValues(reason).Inc()
}

// RecordLLMUsage records token consumption and latency of one LLM call.
func RecordLLMUsage(promptTokens, completionTokens, cachedTokens, ttftSeconds float64) {
	if promptTokens > 0 {
		llmTokensTotal.WithLabelValues("prompt").Add(promptTokens)
	}
	if completionTokens > 0 {
		llmTokensTotal.WithLabelValues("completion").Add(completionTokens)
	}
	if cachedTokens > 0 {
		llmTokensTotal.WithLabelValues("cached").Add(cachedTokens)
	}
	if ttftSeconds > 0 {
		llmTTFT.Observe(ttftSeconds)
	}
}

// RecordTTSUsage records one synthesis request.
func RecordTTSUsage(characters, ttfbSeconds float64) {
	if characters > 0 {
		ttsCharactersTotal.Add(characters)
	}
	if ttfbSeconds > 0 {
		ttsTTFB.Observe(ttfbSeconds)
	}
}

// RecordSTTUsage records recognized audio.
func RecordSTTUsage(audioSeconds float64) {
	if audioSeconds > 0 {
		sttAudioSecondsTotal.Add(audioSeconds)
	}
}
