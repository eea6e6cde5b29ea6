package sessionerrors

import (
	"context"
	"sync"
	"time"

	"github.com/Conversly/livekit-check/runtime/events"
	"github.com/Conversly/livekit-check/runtime/logger"
)

// Default recognizer failure budget.
const (
	DefaultMaxRecognitionFailures = 3
	DefaultFailureWindow          = 30 * time.Second
)

// Actions are the session capabilities the Handler drives.
type Actions struct {
	// Say speaks a short notice to the user.
	Say func(ctx context.Context, text string) error
	// CloseSession lets the session shut down after a fatal error.
	CloseSession func(ctx context.Context, reason string) error
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithEmitter publishes pipeline.error_classified events through e.
func WithEmitter(e *events.Emitter) HandlerOption {
	return func(h *Handler) {
		h.emitter = e
	}
}

// WithFailureBudget sets how many recognizer connection failures are
// tolerated within window before the recognizer is reported exhausted.
func WithFailureBudget(maxFailures int, window time.Duration) HandlerOption {
	return func(h *Handler) {
		if maxFailures > 0 {
			h.maxFailures = maxFailures
		}
		if window > 0 {
			h.window = window
		}
	}
}

// Handler classifies errors observed on one session and acts on the result.
type Handler struct {
	classifier *Classifier
	actions    Actions
	emitter    *events.Emitter

	maxFailures int
	window      time.Duration
	now         func() time.Time

	mu       sync.Mutex
	failures []time.Time
	closing  bool
}

// NewHandler creates a Handler.
func NewHandler(classifier *Classifier, actions Actions, opts ...HandlerOption) *Handler {
	h := &Handler{
		classifier:  classifier,
		actions:     actions,
		maxFailures: DefaultMaxRecognitionFailures,
		window:      DefaultFailureWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle classifies err once and applies the outcome: recoverable errors are
// logged and absorbed, fatal errors are logged, optionally apologised for, and
// close the session. The user hears at most one notice per session close.
func (h *Handler) Handle(ctx context.Context, err error) Classification {
	c := h.classifier.Classify(err)
	pe := c.Err
	ctx = logger.WithStage(ctx, pe.Stage.String())

	h.mu.Lock()
	if c.Category == CategoryRecoverableConnection && !c.Exhausted && h.recordFailure() {
		c.Exhausted = true
		c.Notify = h.classifier.notifyFatal
	}
	if c.Exhausted {
		// The recognizer reopens on the next user input with a fresh budget.
		h.failures = h.failures[:0]
	}
	if h.closing {
		c.Notify = false
	}
	if c.Class == Fatal {
		h.closing = true
	}
	h.mu.Unlock()

	attrs := []any{
		"name", pe.Name,
		"message", pe.Message,
		"type", pe.Type,
		"retryable", pe.Retryable,
		"category", string(c.Category),
		"rule", c.Rule,
	}
	if c.Signature != "" {
		attrs = append(attrs, "signature", c.Signature)
	}

	switch {
	case c.Category == CategoryBenignInternalSync:
		logger.WarnContext(ctx, "pipeline state error (non-critical), conversation continues", attrs...)
	case c.Exhausted:
		logger.WarnContext(ctx, "speech recognition failed after retries, will reopen on next turn", attrs...)
	case c.Class == Recoverable:
		logger.WarnContext(ctx, "recoverable pipeline error", attrs...)
	default:
		logger.ErrorContext(ctx, "agent session error", attrs...)
	}

	if c.Notify && h.actions.Say != nil {
		if sayErr := h.actions.Say(ctx, c.Apology); sayErr != nil {
			logger.WarnContext(ctx, "failed to speak apology", "error", sayErr)
			c.Notify = false
		}
	}

	h.emitter.ErrorClassified(events.ErrorClassifiedData{
		Stage:    pe.Stage.String(),
		Name:     pe.Name,
		Message:  pe.Message,
		Class:    c.Class.String(),
		Category: string(c.Category),
		Rule:     c.Rule,
		Notified: c.Notify,
	})

	if c.Class == Fatal && h.actions.CloseSession != nil {
		if closeErr := h.actions.CloseSession(ctx, "fatal "+pe.Stage.String()+" error"); closeErr != nil {
			logger.WarnContext(ctx, "failed to close session", "error", closeErr)
		}
	}
	if c.Notify {
		h.emitter.SpeechNotice(c.Apology, string(c.Category))
	}
	return c
}

// recordFailure appends a recognizer failure and reports whether the budget
// is exceeded. Callers hold h.mu.
func (h *Handler) recordFailure() bool {
	now := h.now()
	cutoff := now.Add(-h.window)
	kept := h.failures[:0]
	for _, t := range h.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.failures = append(kept, now)
	return len(h.failures) > h.maxFailures
}

// Closing reports whether a fatal error has been handled.
func (h *Handler) Closing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}
