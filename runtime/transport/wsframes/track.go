package wsframes

import (
	"context"
	"errors"
	"sync"

	"github.com/Conversly/livekit-check/runtime/framebuffer"
)

var errPipelineClosed = errors.New("pipeline closed")

// socketTrack is a video track fed by binary messages on a frames socket.
type socketTrack struct {
	sid         string
	source      framebuffer.VisualSource
	participant string
	frames      chan *framebuffer.Frame
}

func newSocketTrack(sid string, source framebuffer.VisualSource, participant string) *socketTrack {
	return &socketTrack{
		sid:         sid,
		source:      source,
		participant: participant,
		frames:      make(chan *framebuffer.Frame, 1),
	}
}

func (t *socketTrack) SID() string                      { return t.sid }
func (t *socketTrack) Source() framebuffer.VisualSource { return t.source }
func (t *socketTrack) Participant() string              { return t.participant }

func (t *socketTrack) Stream() framebuffer.FrameStream {
	return framebuffer.NewChannelStream(t.frames)
}

// offer queues f, replacing a frame the buffer has not picked up yet.
// Only the socket's read loop calls it.
func (t *socketTrack) offer(f *framebuffer.Frame) {
	select {
	case t.frames <- f:
		return
	default:
	}
	select {
	case <-t.frames:
	default:
	}
	select {
	case t.frames <- f:
	default:
	}
}

// end closes the stream; the buffer's reader sees io.EOF.
func (t *socketTrack) end() {
	close(t.frames)
}

// remotePipeline forwards session requests to the pipeline at the other end
// of the events socket.
type remotePipeline struct {
	conn *conn

	mu     sync.Mutex
	closed bool
}

func (p *remotePipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *remotePipeline) Say(_ context.Context, text string) error {
	if p.isClosed() {
		return errPipelineClosed
	}
	return p.conn.sendPayload(TypeSay, TextPayload{Text: text})
}

func (p *remotePipeline) GenerateReply(_ context.Context, instructions string) error {
	if p.isClosed() {
		return errPipelineClosed
	}
	return p.conn.sendPayload(TypeGenerateReply, TextPayload{Instructions: instructions})
}

func (p *remotePipeline) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
