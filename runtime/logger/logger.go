// Package logger provides structured logging for the agent runtime.
//
// This package wraps Go's standard log/slog with:
//   - Session, room, and media-source aware contextual logging
//   - Per-turn pipeline metric logging (LLM, TTS, STT)
//   - Redaction of LiveKit secrets, access tokens, and phone numbers
//   - Per-module level control (see Configure)
//
// All exported functions use the global DefaultLogger which can be configured
// for different output formats and log levels.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is safe for concurrent use and initialized with slog.LevelInfo by default.
	DefaultLogger *slog.Logger

	// logOutput is where the built-in handlers write. Tests swap it via SetOutput.
	logOutput io.Writer = os.Stderr

	// customHandler is set by SetLogger; Configure leaves it untouched.
	customHandler slog.Handler

	mu sync.Mutex
)

func init() {
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		level = ParseLevel(envLevel)
	}
	DefaultLogger = slog.New(NewContextHandler(newBaseHandler(level, false)))
}

// ParseLevel converts a level name into a slog.Level.
// Unknown names map to slog.LevelInfo.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newBaseHandler(level slog.Level, useJSON bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redactAttr}
	if useJSON {
		return slog.NewJSONHandler(logOutput, opts)
	}
	return slog.NewTextHandler(logOutput, opts)
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	if customHandler != nil {
		return
	}
	DefaultLogger = slog.New(NewContextHandler(newBaseHandler(level, false)))
}

// SetVerbose enables debug-level logging when verbose is true, otherwise sets info-level.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// SetOutput redirects the built-in handlers to w and resets the level to info.
func SetOutput(w io.Writer) {
	mu.Lock()
	logOutput = w
	mu.Unlock()
	SetLevel(slog.LevelInfo)
}

// SetLogger installs a caller-provided logger. Passing nil restores the default.
func SetLogger(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		customHandler = nil
		DefaultLogger = slog.New(NewContextHandler(newBaseHandler(slog.LevelInfo, false)))
		return
	}
	customHandler = l.Handler()
	DefaultLogger = l
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and structured attributes.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// LLMMetrics logs per-turn language model metrics.
func LLMMetrics(ctx context.Context, model string, ttft time.Duration, tokensIn, tokensOut int,
	tokensPerSecond float64, attrs ...any) {
	allAttrs := make([]any, 0, 10+len(attrs))
	allAttrs = append(allAttrs,
		"model", model,
		"ttft_ms", ttft.Milliseconds(),
		"tokens_in", tokensIn,
		"tokens_out", tokensOut,
		"tokens_per_second", tokensPerSecond,
	)
	allAttrs = append(allAttrs, attrs...)
	InfoContext(ctx, "🤖 LLM metrics", allAttrs...)
}

// TTSMetrics logs per-utterance speech synthesis metrics.
func TTSMetrics(ctx context.Context, ttfb time.Duration, characters int, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs,
		"latency_ms", ttfb.Milliseconds(),
		"characters", characters,
	)
	allAttrs = append(allAttrs, attrs...)
	InfoContext(ctx, "🔊 TTS metrics", allAttrs...)
}

// STTMetrics logs speech recognition metrics.
func STTMetrics(ctx context.Context, audio time.Duration, attrs ...any) {
	allAttrs := make([]any, 0, 2+len(attrs))
	allAttrs = append(allAttrs, "audio_ms", audio.Milliseconds())
	allAttrs = append(allAttrs, attrs...)
	DebugContext(ctx, "🎙️ STT metrics", allAttrs...)
}

var (
	// sensitivePatterns match credentials that may end up in request logs.
	sensitivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), // JWT access tokens
		regexp.MustCompile(`\bAPI[a-zA-Z0-9]{10,}\b`),                              // LiveKit API keys
		regexp.MustCompile(`Bearer\s+[a-zA-Z0-9_.-]+`),                              // Bearer tokens
		regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),                                   // OpenAI-style keys
		regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`),                                 // Google API keys
	}

	phonePattern = regexp.MustCompile(`\+[1-9]\d{6,14}`)
)

// RedactSensitiveData removes tokens, API keys, and other credentials from a string.
// Matches keep the first 4 characters for debugging context.
func RedactSensitiveData(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer ") {
				return "Bearer [REDACTED]"
			}
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return result
}

// redactAttr scrubs credentials from string and error values before they
// reach the built-in handlers.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		if v := a.Value.String(); v != "" {
			a.Value = slog.StringValue(RedactSensitiveData(v))
		}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok && err != nil {
			a.Value = slog.StringValue(RedactSensitiveData(err.Error()))
		}
	default:
	}
	return a
}

// RedactPhoneNumber masks all but the last four digits of E.164 numbers.
func RedactPhoneNumber(input string) string {
	return phonePattern.ReplaceAllStringFunc(input, func(match string) string {
		const keep = 4
		if len(match) <= keep+1 {
			return match
		}
		return "+" + strings.Repeat("*", len(match)-1-keep) + match[len(match)-keep:]
	})
}
