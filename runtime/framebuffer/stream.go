package framebuffer

import (
	"context"
	"io"
)

// FrameStream is the asynchronous sequence of frames of one subscribed track.
// Next blocks until a frame arrives, the stream ends (io.EOF), or ctx is done.
// Streams are not restartable.
type FrameStream interface {
	Next(ctx context.Context) (*Frame, error)
}

// Track is a subscribed remote video track.
type Track interface {
	SID() string
	Source() VisualSource
	Participant() string
	// Stream opens a fresh frame stream for this subscription.
	Stream() FrameStream
}

// ChannelStream adapts a channel of frames to FrameStream.
// Closing the channel ends the stream.
type ChannelStream struct {
	frames <-chan *Frame
}

// NewChannelStream creates a FrameStream that reads from frames.
func NewChannelStream(frames <-chan *Frame) *ChannelStream {
	return &ChannelStream{frames: frames}
}

// Next implements FrameStream.
func (s *ChannelStream) Next(ctx context.Context) (*Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	}
}
