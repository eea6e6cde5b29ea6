// Package framebuffer keeps the freshest video frame of each visual source.
//
// A Buffer runs at most one background reader per source. Each reader
// overwrites its source's slot on every frame, so Snapshot always returns the
// most recent frame regardless of how often it is consumed. Snapshot is a pair
// of atomic loads and never blocks.
package framebuffer

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/Conversly/livekit-check/runtime/events"
	"github.com/Conversly/livekit-check/runtime/logger"
)

// DefaultProgressEvery is how many frames pass between progress logs.
const DefaultProgressEvery = 60

var (
	// ErrUnknownSource is returned for tracks whose source is not buffered.
	ErrUnknownSource = errors.New("unknown visual source")

	// ErrClosed is returned when subscribing on a closed buffer.
	ErrClosed = errors.New("frame buffer closed")
)

// Snapshot is a point-in-time view of both slots.
type Snapshot struct {
	Camera           *Frame
	ScreenShare      *Frame
	CameraCount      uint64
	ScreenShareCount uint64
}

// Frame returns the frame buffered for source, or nil.
func (s Snapshot) Frame(source VisualSource) *Frame {
	switch source {
	case SourceCamera:
		return s.Camera
	case SourceScreenShare:
		return s.ScreenShare
	default:
		return nil
	}
}

// Count returns the frames received on source since its last subscription.
func (s Snapshot) Count(source VisualSource) uint64 {
	switch source {
	case SourceCamera:
		return s.CameraCount
	case SourceScreenShare:
		return s.ScreenShareCount
	default:
		return 0
	}
}

// Empty reports whether no source has a frame.
func (s Snapshot) Empty() bool {
	return s.Camera == nil && s.ScreenShare == nil
}

// reader is one background frame-reading task.
type reader struct {
	source      VisualSource
	trackSID    string
	participant string
	generation  uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// stop cancels the reader and waits for its loop to return.
func (r *reader) stop() {
	r.cancel()
	<-r.done
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithEmitter publishes track and frame events through e.
func WithEmitter(e *events.Emitter) Option {
	return func(b *Buffer) {
		b.emitter = e
	}
}

// WithProgressEvery sets how many frames pass between progress events.
func WithProgressEvery(n uint64) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.progressEvery = n
		}
	}
}

// Buffer owns one slot per visual source and the readers feeding them.
type Buffer struct {
	slots [numSources]*slot

	// mu guards the reader set; the snapshot path never takes it.
	mu      sync.Mutex
	readers map[VisualSource]*reader
	closed  bool
	wg      sync.WaitGroup

	emitter       *events.Emitter
	progressEvery uint64
}

// New creates an empty Buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		readers:       make(map[VisualSource]*reader, numSources),
		progressEvery: DefaultProgressEvery,
	}
	for i := range b.slots {
		b.slots[i] = newSlot(VisualSource(i))
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnTrackSubscribed starts buffering frames from track. An existing reader
// for the same source is cancelled and joined first, so a source never has
// two readers. The reader lives until ctx is done, the stream ends, the
// source is unsubscribed or replaced, or the buffer is closed.
func (b *Buffer) OnTrackSubscribed(ctx context.Context, track Track) error {
	source := track.Source()
	if !source.Valid() {
		return ErrUnknownSource
	}
	ctx = logger.WithSource(ctx, source.String())

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	replaced := false
	if old, ok := b.readers[source]; ok {
		logger.InfoContext(ctx, "closing existing frame stream", "track_sid", old.trackSID)
		old.stop()
		delete(b.readers, source)
		replaced = true
	}

	s := b.slots[source]
	gen := s.advance(false)
	s.count.Store(0)

	readerCtx, cancel := context.WithCancel(ctx)
	r := &reader{
		source:      source,
		trackSID:    track.SID(),
		participant: track.Participant(),
		generation:  gen,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	b.readers[source] = r
	b.wg.Add(1)
	go b.read(readerCtx, r, s, track.Stream())

	logger.InfoContext(ctx, "frame stream started", "track_sid", track.SID(), "participant", track.Participant())
	b.emitter.TrackSubscribed(source.String(), track.SID(), track.Participant(), replaced)
	return nil
}

// OnTrackUnsubscribed clears the source's slot immediately and cancels its
// reader. Frames still in flight from that reader are discarded.
//
// A non-empty trackSID scopes the call to that track: when the source is
// already fed by a different track the call is a no-op, so a late
// unsubscribe from a replaced track never clears its successor.
func (b *Buffer) OnTrackUnsubscribed(ctx context.Context, source VisualSource, trackSID string) {
	if !source.Valid() {
		return
	}
	ctx = logger.WithSource(ctx, source.String())

	b.mu.Lock()
	r, ok := b.readers[source]
	if ok && trackSID != "" && r.trackSID != trackSID {
		b.mu.Unlock()
		logger.DebugContext(ctx, "ignoring unsubscribe of replaced track",
			"track_sid", trackSID, "current_track_sid", r.trackSID)
		return
	}
	b.slots[source].advance(true)
	participant := ""
	if ok {
		r.cancel()
		trackSID = r.trackSID
		participant = r.participant
		delete(b.readers, source)
	}
	b.mu.Unlock()

	logger.InfoContext(ctx, "frame cleared", "track_sid", trackSID, "participant", participant)
	b.emitter.TrackUnsubscribed(source.String(), trackSID, participant)
}

// Snapshot returns the current frame of each source without blocking.
func (b *Buffer) Snapshot() Snapshot {
	cam := b.slots[SourceCamera]
	screen := b.slots[SourceScreenShare]
	return Snapshot{
		Camera:           cam.load(),
		ScreenShare:      screen.load(),
		CameraCount:      cam.count.Load(),
		ScreenShareCount: screen.count.Load(),
	}
}

// Active reports how many readers are currently tracked.
func (b *Buffer) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readers)
}

// Close cancels every reader, waits for them to exit, and clears all slots.
// Safe to call more than once.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for source, r := range b.readers {
		r.cancel()
		delete(b.readers, source)
	}
	for _, s := range b.slots {
		s.advance(true)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Buffer) read(ctx context.Context, r *reader, s *slot, stream FrameStream) {
	defer b.wg.Done()
	defer b.forget(r)
	defer close(r.done)

	for {
		f, err := stream.Next(ctx)
		if err != nil {
			b.finish(ctx, r, s, err)
			return
		}
		if f == nil {
			continue
		}
		if !s.store(r.generation, f) {
			// Superseded by a newer subscription or an unsubscribe.
			return
		}
		if n := s.count.Add(1); n%b.progressEvery == 0 {
			logger.DebugContext(ctx, "frames received", "count", n, "width", f.Width, "height", f.Height)
			b.emitter.FrameProgress(r.source.String(), n, f.Width, f.Height)
		}
	}
}

// finish handles reader termination. Errors other than end of stream and
// cancellation are logged and reported; none of them propagate.
func (b *Buffer) finish(ctx context.Context, r *reader, s *slot, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoContext(ctx, "frame stream ended", "track_sid", r.trackSID)
	case ctx.Err() != nil:
		logger.DebugContext(ctx, "frame reader cancelled", "track_sid", r.trackSID)
	default:
		logger.WarnContext(ctx, "frame stream failed", "track_sid", r.trackSID, "error", err)
		b.emitter.FrameStreamFailed(r.source.String(), err)
	}
	s.clear(r.generation)
}

// forget drops r from the reader set unless it was already replaced.
func (b *Buffer) forget(r *reader) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.readers[r.source]; ok && cur == r {
		delete(b.readers, r.source)
	}
	r.cancel()
}
