package session

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conversly/livekit-check/runtime/agentconfig"
	"github.com/Conversly/livekit-check/runtime/events"
	"github.com/Conversly/livekit-check/runtime/framebuffer"
	"github.com/Conversly/livekit-check/runtime/sessionerrors"
	"github.com/Conversly/livekit-check/runtime/statestore"
	"github.com/Conversly/livekit-check/runtime/types"
	"github.com/Conversly/livekit-check/runtime/usage"
)

const waitFor = 2 * time.Second

type fakePipeline struct {
	mu      sync.Mutex
	said    []string
	replies []string
	closed  int
	sayErr  error
}

func (p *fakePipeline) Say(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.said = append(p.said, text)
	return p.sayErr
}

func (p *fakePipeline) GenerateReply(_ context.Context, instructions string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, instructions)
	return nil
}

func (p *fakePipeline) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	rooms []string
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, room string, _ *agentconfig.AgentConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms = append(d.rooms, room)
	return d.err
}

func (d *fakeDialer) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.rooms...)
}

func (p *fakePipeline) snapshot() (said, replies []string, closed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.said...), append([]string(nil), p.replies...), p.closed
}

type testTrack struct {
	source framebuffer.VisualSource
	stream framebuffer.FrameStream
}

func (t *testTrack) SID() string { return "TR_" + t.source.String() }
func (t *testTrack) Source() framebuffer.VisualSource { return t.source }
func (t *testTrack) Participant() string { return "user-1" }
func (t *testTrack) Stream() framebuffer.FrameStream { return t.stream }

func solidFrame(w, h int) *framebuffer.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	return framebuffer.NewFrame(img)
}

func newSession(t *testing.T, cfg Config) (*Session, *fakePipeline, *statestore.MemoryStore) {
	t.Helper()
	p := &fakePipeline{}
	store := statestore.NewMemoryStore()
	cfg.Pipeline = p
	cfg.Store = store
	if cfg.Room == "" {
		cfg.Room = "room-1"
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s, p, store
}

// start runs the session in the background and returns its result channel.
func start(t *testing.T, s *Session) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.state != stateIdle
	}, waitFor, time.Millisecond)
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
		return nil
	}
}

func TestNewRequiresPipeline(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoPipeline)
}

func TestInboundSessionGreetsAndCloses(t *testing.T) {
	s, p, store := newSession(t, Config{ID: "s1", Participant: "caller"})
	done := start(t, s)

	require.Eventually(t, func() bool {
		_, replies, _ := p.snapshot()
		return len(replies) == 1
	}, waitFor, 5*time.Millisecond)

	s.Close("participant_left")
	require.NoError(t, wait(t, done))

	_, replies, closed := p.snapshot()
	assert.Equal(t, []string{agentconfig.GreetingInstructions}, replies)
	assert.Equal(t, 1, closed)

	report, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "participant_left", report.CloseReason)
	assert.Equal(t, "room-1", report.Room)
	assert.Equal(t, "caller", report.Participant)
	assert.False(t, report.Outbound)
	assert.Equal(t, agentconfig.DefaultTTSVoice, report.Metadata["tts_voice"])
}

func TestOutboundSessionDoesNotGreet(t *testing.T) {
	agent := agentconfig.Default()
	agent.PhoneNumber = "+14155550100"
	s, p, store := newSession(t, Config{ID: "s1", Agent: agent})
	done := start(t, s)

	time.Sleep(700 * time.Millisecond)
	s.Close("hangup")
	require.NoError(t, wait(t, done))

	_, replies, _ := p.snapshot()
	assert.Empty(t, replies)
	report, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, report.Outbound)
}

func TestOutboundSessionDialsOnce(t *testing.T) {
	agent := agentconfig.Default()
	agent.PhoneNumber = "+14155550100"
	dialer := &fakeDialer{}
	s, _, _ := newSession(t, Config{ID: "s1", Agent: agent, Dialer: dialer})
	done := start(t, s)

	require.Eventually(t, func() bool { return len(dialer.calls()) == 1 }, waitFor, 5*time.Millisecond)
	s.Close("hangup")
	require.NoError(t, wait(t, done))
	assert.Equal(t, []string{"room-1"}, dialer.calls())
}

func TestFailedDialKeepsSessionRunning(t *testing.T) {
	agent := agentconfig.Default()
	agent.PhoneNumber = "+14155550100"
	dialer := &fakeDialer{err: errors.New("486 busy here")}
	s, _, store := newSession(t, Config{ID: "s1", Agent: agent, Dialer: dialer})
	done := start(t, s)

	require.Eventually(t, func() bool { return len(dialer.calls()) == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("session ended after a failed dial: %v", err)
	default:
	}

	s.Close("hangup")
	require.NoError(t, wait(t, done))
	report, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "hangup", report.CloseReason)
}

func TestInboundSessionDoesNotDial(t *testing.T) {
	dialer := &fakeDialer{}
	s, p, _ := newSession(t, Config{ID: "s1", Dialer: dialer})
	done := start(t, s)

	require.Eventually(t, func() bool {
		_, replies, _ := p.snapshot()
		return len(replies) == 1
	}, waitFor, 5*time.Millisecond)
	s.Close("done")
	require.NoError(t, wait(t, done))
	assert.Empty(t, dialer.calls())
}

func TestContextCancelEndsSession(t *testing.T) {
	s, p, store := newSession(t, Config{ID: "s1"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	require.NoError(t, wait(t, done))
	_, _, closed := p.snapshot()
	assert.Equal(t, 1, closed)

	report, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, defaultCloseReason, report.CloseReason)
}

func TestPanickingTaskIsFatal(t *testing.T) {
	s, p, store := newSession(t, Config{ID: "s1"})
	done := start(t, s)

	require.True(t, s.Go("frame-pump", func(context.Context) error {
		panic("boom")
	}))

	err := wait(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame-pump")

	var pe *sessionerrors.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "panic", pe.Name)

	said, _, _ := p.snapshot()
	assert.Equal(t, []string{sessionerrors.DefaultApology}, said)

	report, lerr := store.Load(context.Background(), "s1")
	require.NoError(t, lerr)
	assert.Equal(t, "fatal transport error", report.CloseReason)
	assert.Equal(t, 1, report.Errors[string(sessionerrors.CategoryUnclassifiedFatal)])

	assert.False(t, s.Go("late", func(context.Context) error { return nil }))
}

func TestRecoverableTaskErrorKeepsSessionRunning(t *testing.T) {
	s, _, store := newSession(t, Config{ID: "s1"})
	done := start(t, s)

	finished := make(chan struct{})
	s.Go("stt", func(context.Context) error {
		defer close(finished)
		return sessionerrors.NewPipelineError(sessionerrors.StageRecognition, "APIConnectionError",
			"connection reset", nil, false)
	})
	<-finished

	select {
	case err := <-done:
		t.Fatalf("session ended early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	s.Close("done")
	require.NoError(t, wait(t, done))
	report, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors[string(sessionerrors.CategoryRecoverableConnection)])
}

func TestHandleErrorFatalClosesSession(t *testing.T) {
	s, _, _ := newSession(t, Config{ID: "s1"})
	done := start(t, s)

	c := s.HandleError(context.Background(), errors.New("quota exceeded"))
	assert.Equal(t, sessionerrors.Fatal, c.Class)
	require.NoError(t, wait(t, done))
}

func TestShutdownHooksRunOnceInOrder(t *testing.T) {
	s, _, _ := newSession(t, Config{ID: "s1"})
	var order []int
	s.AddShutdownHook(func(context.Context) error { order = append(order, 1); return nil })
	s.AddShutdownHook(func(context.Context) error { order = append(order, 2); return errors.New("ignored") })
	s.AddShutdownHook(func(context.Context) error { order = append(order, 3); return nil })

	done := start(t, s)
	s.Close("done")
	s.Close("again")
	require.NoError(t, wait(t, done))

	assert.Equal(t, []int{1, 2, 3}, order)
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
}

func TestCloseBeforeRun(t *testing.T) {
	s, p, _ := newSession(t, Config{})
	s.Close("cancelled")
	assert.ErrorIs(t, s.Run(context.Background()), ErrClosed)
	_, _, closed := p.snapshot()
	assert.Zero(t, closed)
}

func TestTurnsAttachFreshestFrame(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	var composed []events.TurnComposedData
	var mu sync.Mutex
	bus.Subscribe(events.EventTurnComposed, func(e *events.Event) {
		mu.Lock()
		defer mu.Unlock()
		composed = append(composed, e.Data.(events.TurnComposedData))
	})

	s, _, store := newSession(t, Config{ID: "s1", Bus: bus})
	h := s.Handlers()
	ctx := context.Background()

	frames := make(chan *framebuffer.Frame, 4)
	require.NoError(t, h.OnTrackSubscribed(ctx, &testTrack{
		source: framebuffer.SourceScreenShare,
		stream: framebuffer.NewChannelStream(frames),
	}))
	frames <- solidFrame(64, 48)
	require.Eventually(t, func() bool {
		return s.Frames().Snapshot().ScreenShare != nil
	}, waitFor, time.Millisecond)

	msg := types.NewUserMessage("what is on my screen?")
	d, err := h.OnTurnCompleted(ctx, &types.ChatContext{}, msg)
	require.NoError(t, err)
	assert.True(t, d.Attached)
	assert.Equal(t, framebuffer.SourceScreenShare, d.Source)
	assert.Len(t, msg.ImageParts(), 1)

	h.OnTrackUnsubscribed(ctx, framebuffer.SourceScreenShare, "")
	msg = types.NewUserMessage("and now?")
	d, err = h.OnTurnCompleted(ctx, &types.ChatContext{}, msg)
	require.NoError(t, err)
	assert.False(t, d.Attached)
	assert.Empty(t, msg.ImageParts())

	done := start(t, s)
	s.Close("done")
	require.NoError(t, wait(t, done))

	report, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Turns)
	assert.Equal(t, map[string]int{"screen_share": 1}, report.TurnImages)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(composed) == 2
	}, waitFor, time.Millisecond)
}

func TestCollectMetricsAggregatesUsage(t *testing.T) {
	s, _, store := newSession(t, Config{ID: "s1"})
	h := s.Handlers()
	ctx := context.Background()

	h.OnMetrics(ctx, usage.LLMMetrics{Model: "gemini", PromptTokens: 10, CompletionTokens: 4})
	h.OnMetrics(ctx, usage.LLMMetrics{Model: "gemini", PromptTokens: 5, CompletionTokens: 1})
	h.OnMetrics(ctx, usage.TTSMetrics{Characters: 30, TTFB: 120 * time.Millisecond})
	h.OnMetrics(ctx, nil)

	summary := s.Usage()
	assert.Equal(t, int64(15), summary.Int(usage.KeyLLMPromptTokens))
	assert.Equal(t, int64(5), summary.Int(usage.KeyLLMCompletionTokens))
	assert.Equal(t, int64(2), summary.Int(usage.KeyLLMRequests))
	assert.Equal(t, int64(30), summary.Int(usage.KeyTTSCharacters))

	done := start(t, s)
	s.Close("done")
	require.NoError(t, wait(t, done))

	report, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 15.0, report.Usage[usage.KeyLLMPromptTokens])
	assert.Equal(t, "gemini", report.Usage[usage.KeyLLMModel])
}
