package sessionerrors

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conversly/livekit-check/runtime/events"
)

type recorder struct {
	mu     sync.Mutex
	said   []string
	closed []string
	sayErr error
}

func (r *recorder) actions() Actions {
	return Actions{
		Say: func(_ context.Context, text string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.said = append(r.said, text)
			return r.sayErr
		},
		CloseSession: func(_ context.Context, reason string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closed = append(r.closed, reason)
			return nil
		},
	}
}

func newHandler(t *testing.T, r *recorder, opts ...HandlerOption) *Handler {
	t.Helper()
	c, err := NewClassifier(ClassifierConfig{})
	require.NoError(t, err)
	return NewHandler(c, r.actions(), opts...)
}

func TestHandleBenignNeverSpeaksOrCloses(t *testing.T) {
	r := &recorder{}
	h := newHandler(t, r)

	for i := 0; i < 5; i++ {
		c := h.Handle(context.Background(), errors.New("mark_generation_done: generation already done"))
		assert.Equal(t, Recoverable, c.Class)
	}
	assert.Empty(t, r.said)
	assert.Empty(t, r.closed)
	assert.False(t, h.Closing())
}

func TestHandleRetryableRecognitionKeepsSessionOpen(t *testing.T) {
	r := &recorder{}
	h := newHandler(t, r)

	c := h.Handle(context.Background(), NewPipelineError(StageRecognition, "APIStatusError", "busy", nil, true))
	assert.Equal(t, Recoverable, c.Class)
	assert.Equal(t, RuleRetryableFlag, c.Rule)
	assert.Empty(t, r.said)
	assert.Empty(t, r.closed)
}

func TestHandleFatalApologisesOnceAndCloses(t *testing.T) {
	r := &recorder{}
	h := newHandler(t, r)

	first := h.Handle(context.Background(), NewPipelineError(StageGeneration, "AuthError", "invalid api key", nil, false))
	assert.Equal(t, Fatal, first.Class)
	assert.True(t, first.Notify)
	assert.True(t, h.Closing())

	second := h.Handle(context.Background(), NewPipelineError(StageSynthesis, "AuthError", "invalid api key", nil, false))
	assert.Equal(t, Fatal, second.Class)
	assert.False(t, second.Notify, "only one notice before disconnection")

	assert.Equal(t, []string{DefaultApology}, r.said)
	assert.Equal(t, []string{"fatal generation error", "fatal synthesis error"}, r.closed)
}

func TestHandleSayFailureStillCloses(t *testing.T) {
	r := &recorder{sayErr: errors.New("tts down")}
	h := newHandler(t, r)

	c := h.Handle(context.Background(), errors.New("boom"))
	assert.False(t, c.Notify)
	assert.Len(t, r.closed, 1)
}

func TestHandleRecognitionFailureBudget(t *testing.T) {
	r := &recorder{}
	now := time.Unix(1_700_000_000, 0)
	h := newHandler(t, r, WithFailureBudget(2, 10*time.Second))
	h.now = func() time.Time { return now }

	connErr := NewPipelineError(StageRecognition, "APIConnectionError", "reset", nil, false)

	assert.False(t, h.Handle(context.Background(), connErr).Exhausted)
	now = now.Add(time.Second)
	assert.False(t, h.Handle(context.Background(), connErr).Exhausted)
	now = now.Add(time.Second)
	c := h.Handle(context.Background(), connErr)
	assert.True(t, c.Exhausted)
	assert.Equal(t, Recoverable, c.Class)
	assert.Equal(t, []string{DefaultApology}, r.said)
	assert.Empty(t, r.closed)

	// Budget resets after exhaustion.
	now = now.Add(time.Second)
	assert.False(t, h.Handle(context.Background(), connErr).Exhausted)
}

func TestHandleFailuresOutsideWindowAreForgotten(t *testing.T) {
	r := &recorder{}
	now := time.Unix(1_700_000_000, 0)
	h := newHandler(t, r, WithFailureBudget(1, 5*time.Second))
	h.now = func() time.Time { return now }

	connErr := NewPipelineError(StageRecognition, "APIConnectionError", "reset", nil, false)
	for i := 0; i < 4; i++ {
		assert.False(t, h.Handle(context.Background(), connErr).Exhausted)
		now = now.Add(6 * time.Second)
	}
	assert.Empty(t, r.said)
}

func TestHandleEmitsClassifiedEvent(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan events.ErrorClassifiedData, 2)
	notices := make(chan events.SpeechNoticeData, 1)
	bus.Subscribe(events.EventErrorClassified, func(e *events.Event) {
		got <- e.Data.(events.ErrorClassifiedData)
	})
	bus.Subscribe(events.EventSpeechNotice, func(e *events.Event) {
		notices <- e.Data.(events.SpeechNoticeData)
	})
	defer bus.Close()

	r := &recorder{}
	h := newHandler(t, r, WithEmitter(events.NewEmitter(bus, "s1", "room")))
	h.Handle(context.Background(), NewPipelineError(StageSynthesis, "TTSError", "bad voice", nil, false))

	select {
	case data := <-got:
		assert.Equal(t, "synthesis", data.Stage)
		assert.Equal(t, "fatal", data.Class)
		assert.Equal(t, string(CategoryUnclassifiedFatal), data.Category)
		assert.Equal(t, RuleFallthrough, data.Rule)
		assert.True(t, data.Notified)
	case <-time.After(time.Second):
		t.Fatal("expected pipeline.error_classified event")
	}

	select {
	case n := <-notices:
		assert.Equal(t, DefaultApology, n.Text)
	case <-time.After(time.Second):
		t.Fatal("expected speech.notice event")
	}
}

func TestHandleWithoutActions(t *testing.T) {
	c, err := NewClassifier(ClassifierConfig{})
	require.NoError(t, err)
	h := NewHandler(c, Actions{})
	assert.NotPanics(t, func() {
		h.Handle(context.Background(), errors.New("boom"))
	})
}
