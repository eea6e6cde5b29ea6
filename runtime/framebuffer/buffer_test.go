package framebuffer

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conversly/livekit-check/runtime/events"
)

const waitFor = time.Second

type fakeTrack struct {
	sid    string
	source VisualSource
	stream FrameStream
}

func (t *fakeTrack) SID() string          { return t.sid }
func (t *fakeTrack) Source() VisualSource { return t.source }
func (t *fakeTrack) Participant() string  { return "user-1" }
func (t *fakeTrack) Stream() FrameStream  { return t.stream }

func newChannelTrack(sid string, source VisualSource) (*fakeTrack, chan *Frame) {
	ch := make(chan *Frame, 16)
	return &fakeTrack{sid: sid, source: source, stream: NewChannelStream(ch)}, ch
}

// errStream yields one frame then fails.
type errStream struct {
	sent bool
	err  error
}

func (s *errStream) Next(ctx context.Context) (*Frame, error) {
	if !s.sent {
		s.sent = true
		return frame(10, 10), nil
	}
	return nil, s.err
}

func frame(w, h int) *Frame {
	return NewFrame(image.NewRGBA(image.Rect(0, 0, w, h)))
}

func TestSnapshotReturnsMostRecentFrame(t *testing.T) {
	b := New()
	defer b.Close()

	track, ch := newChannelTrack("TR_cam", SourceCamera)
	require.NoError(t, b.OnTrackSubscribed(context.Background(), track))

	a, bb, c := frame(100, 100), frame(120, 120), frame(140, 140)
	ch <- a
	ch <- bb
	ch <- c

	require.Eventually(t, func() bool {
		return b.Snapshot().CameraCount == 3
	}, waitFor, time.Millisecond)

	snap := b.Snapshot()
	assert.Same(t, c, snap.Camera)
	assert.Nil(t, snap.ScreenShare)
	assert.Same(t, c, snap.Frame(SourceCamera))
	assert.Equal(t, uint64(3), snap.Count(SourceCamera))
}

func TestUnsubscribeClearsDespiteInFlightFrames(t *testing.T) {
	b := New()
	defer b.Close()

	track, ch := newChannelTrack("TR_cam", SourceCamera)
	require.NoError(t, b.OnTrackSubscribed(context.Background(), track))

	ch <- frame(100, 100)
	require.Eventually(t, func() bool { return b.Snapshot().Camera != nil }, waitFor, time.Millisecond)

	b.OnTrackUnsubscribed(context.Background(), SourceCamera, "")
	assert.Nil(t, b.Snapshot().Camera, "slot must be empty right after unsubscribe")

	// A frame that was already queued must not resurrect the slot.
	ch <- frame(50, 50)
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, b.Snapshot().Camera)
	assert.Equal(t, 0, b.Active())
}

func TestResubscribeReplacesReader(t *testing.T) {
	b := New()
	defer b.Close()

	first, firstCh := newChannelTrack("TR_1", SourceScreenShare)
	require.NoError(t, b.OnTrackSubscribed(context.Background(), first))
	firstCh <- frame(10, 10)
	firstCh <- frame(11, 11)
	require.Eventually(t, func() bool { return b.Snapshot().ScreenShareCount == 2 }, waitFor, time.Millisecond)

	second, secondCh := newChannelTrack("TR_2", SourceScreenShare)
	require.NoError(t, b.OnTrackSubscribed(context.Background(), second))
	assert.Equal(t, 1, b.Active())
	assert.Equal(t, uint64(0), b.Snapshot().ScreenShareCount, "count resets on a new subscription")

	// The old reader is gone; frames on its stream are never read.
	firstCh <- frame(1, 1)
	latest := frame(200, 200)
	secondCh <- latest

	require.Eventually(t, func() bool { return b.Snapshot().ScreenShare == latest }, waitFor, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Same(t, latest, b.Snapshot().ScreenShare)
	assert.Len(t, firstCh, 1)
}

func TestLateUnsubscribeOfReplacedTrackKeepsSuccessor(t *testing.T) {
	b := New()
	defer b.Close()

	old, _ := newChannelTrack("TR_old", SourceCamera)
	require.NoError(t, b.OnTrackSubscribed(context.Background(), old))
	next, nextCh := newChannelTrack("TR_new", SourceCamera)
	require.NoError(t, b.OnTrackSubscribed(context.Background(), next))

	// The replaced track's teardown arrives after its successor subscribed.
	b.OnTrackUnsubscribed(context.Background(), SourceCamera, "TR_old")
	assert.Equal(t, 1, b.Active())

	latest := frame(64, 64)
	nextCh <- latest
	require.Eventually(t, func() bool { return b.Snapshot().Camera == latest }, waitFor, time.Millisecond)

	b.OnTrackUnsubscribed(context.Background(), SourceCamera, "TR_new")
	assert.Equal(t, 0, b.Active())
	assert.Nil(t, b.Snapshot().Camera)
}

func TestUnsubscribeEmitsTrackDetails(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	got := make(chan events.TrackUnsubscribedData, 1)
	bus.Subscribe(events.EventTrackUnsubscribed, func(e *events.Event) {
		got <- e.Data.(events.TrackUnsubscribedData)
	})

	b := New(WithEmitter(events.NewEmitter(bus, "s1", "room")))
	defer b.Close()

	track, _ := newChannelTrack("TR_screen", SourceScreenShare)
	require.NoError(t, b.OnTrackSubscribed(context.Background(), track))
	b.OnTrackUnsubscribed(context.Background(), SourceScreenShare, "")

	select {
	case data := <-got:
		assert.Equal(t, "screen_share", data.Source)
		assert.Equal(t, "TR_screen", data.TrackSID)
		assert.Equal(t, "user-1", data.Participant)
	case <-time.After(waitFor):
		t.Fatal("no track.unsubscribed event")
	}
}

func TestEndOfStreamClearsSlot(t *testing.T) {
	b := New()
	defer b.Close()

	track, ch := newChannelTrack("TR_cam", SourceCamera)
	require.NoError(t, b.OnTrackSubscribed(context.Background(), track))
	ch <- frame(100, 100)
	require.Eventually(t, func() bool { return b.Snapshot().Camera != nil }, waitFor, time.Millisecond)

	close(ch)
	require.Eventually(t, func() bool {
		return b.Snapshot().Camera == nil && b.Active() == 0
	}, waitFor, time.Millisecond)
}

func TestStreamErrorIsContained(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	failures := make(chan events.FrameStreamFailedData, 1)
	bus.Subscribe(events.EventFrameStreamFailed, func(e *events.Event) {
		failures <- e.Data.(events.FrameStreamFailedData)
	})

	b := New(WithEmitter(events.NewEmitter(bus, "s1", "room")))
	defer b.Close()

	cam, camCh := newChannelTrack("TR_cam", SourceCamera)
	require.NoError(t, b.OnTrackSubscribed(context.Background(), cam))
	camCh <- frame(64, 64)

	boom := errors.New("decoder exploded")
	screen := &fakeTrack{sid: "TR_screen", source: SourceScreenShare, stream: &errStream{err: boom}}
	require.NoError(t, b.OnTrackSubscribed(context.Background(), screen))

	select {
	case got := <-failures:
		assert.Equal(t, "screen_share", got.Source)
		assert.ErrorIs(t, got.Error, boom)
	case <-time.After(waitFor):
		t.Fatal("expected frame.stream_failed event")
	}

	require.Eventually(t, func() bool {
		snap := b.Snapshot()
		return snap.ScreenShare == nil && snap.Camera != nil
	}, waitFor, time.Millisecond)
}

func TestSnapshotDoesNotBlockOnSubscriptionLock(t *testing.T) {
	b := New()
	defer b.Close()

	b.mu.Lock()
	done := make(chan Snapshot, 1)
	go func() { done <- b.Snapshot() }()

	select {
	case snap := <-done:
		assert.True(t, snap.Empty())
	case <-time.After(waitFor):
		t.Fatal("Snapshot blocked while the reader set was locked")
	}
	b.mu.Unlock()
}

func TestProgressEvents(t *testing.T) {
	bus := events.NewEventBus()
	var mu sync.Mutex
	var counts []uint64
	bus.Subscribe(events.EventFrameProgress, func(e *events.Event) {
		mu.Lock()
		counts = append(counts, e.Data.(events.FrameProgressData).Count)
		mu.Unlock()
	})

	b := New(WithEmitter(events.NewEmitter(bus, "s1", "room")), WithProgressEvery(2))
	track, ch := newChannelTrack("TR_cam", SourceCamera)
	require.NoError(t, b.OnTrackSubscribed(context.Background(), track))
	for i := 0; i < 5; i++ {
		ch <- frame(8, 8)
	}
	require.Eventually(t, func() bool { return b.Snapshot().CameraCount == 5 }, waitFor, time.Millisecond)

	b.Close()
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []uint64{2, 4}, counts)
}

func TestCloseJoinsReaders(t *testing.T) {
	b := New()

	cam, camCh := newChannelTrack("TR_cam", SourceCamera)
	screen, _ := newChannelTrack("TR_screen", SourceScreenShare)
	require.NoError(t, b.OnTrackSubscribed(context.Background(), cam))
	require.NoError(t, b.OnTrackSubscribed(context.Background(), screen))
	camCh <- frame(4, 4)
	require.Eventually(t, func() bool { return b.Snapshot().Camera != nil }, waitFor, time.Millisecond)
	assert.Equal(t, 2, b.Active())

	b.Close()
	b.Close()

	assert.Equal(t, 0, b.Active())
	assert.True(t, b.Snapshot().Empty())
	assert.ErrorIs(t, b.OnTrackSubscribed(context.Background(), cam), ErrClosed)
}

func TestContextCancellationStopsReader(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	track, ch := newChannelTrack("TR_cam", SourceCamera)
	require.NoError(t, b.OnTrackSubscribed(ctx, track))
	ch <- frame(4, 4)
	require.Eventually(t, func() bool { return b.Snapshot().Camera != nil }, waitFor, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return b.Active() == 0 && b.Snapshot().Camera == nil }, waitFor, time.Millisecond)
}

func TestUnknownSource(t *testing.T) {
	b := New()
	defer b.Close()

	track := &fakeTrack{sid: "x", source: VisualSource(7), stream: NewChannelStream(nil)}
	assert.ErrorIs(t, b.OnTrackSubscribed(context.Background(), track), ErrUnknownSource)
	b.OnTrackUnsubscribed(context.Background(), VisualSource(7), "")
	assert.Nil(t, b.Snapshot().Frame(VisualSource(7)))
}

func TestParseSource(t *testing.T) {
	tests := map[string]VisualSource{
		"camera":       SourceCamera,
		"CAMERA":       SourceCamera,
		"screen_share": SourceScreenShare,
		"screenshare":  SourceScreenShare,
		"screen-share": SourceScreenShare,
	}
	for in, want := range tests {
		got, err := ParseSource(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSource("microphone")
	assert.ErrorIs(t, err, ErrUnknownSource)

	assert.Equal(t, []VisualSource{SourceScreenShare, SourceCamera}, Sources())
	assert.Equal(t, "screen_share", SourceScreenShare.String())
}
