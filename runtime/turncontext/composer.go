// Package turncontext decides what visual context accompanies a user turn.
//
// When speech recognition finalizes an utterance, the Composer looks at the
// frame buffer and attaches at most one image to the outgoing message. Screen
// share frames take precedence over camera frames; when neither source has a
// frame the message is forwarded text-only.
package turncontext

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/Conversly/livekit-check/runtime/events"
	"github.com/Conversly/livekit-check/runtime/framebuffer"
	"github.com/Conversly/livekit-check/runtime/logger"
	"github.com/Conversly/livekit-check/runtime/media"
	"github.com/Conversly/livekit-check/runtime/types"
)

// FrameSource is the read side of a frame buffer.
type FrameSource interface {
	Snapshot() framebuffer.Snapshot
}

// FrameEncoder turns a buffered frame into an image content part.
type FrameEncoder interface {
	EncodeFrame(f *framebuffer.Frame) (types.ContentPart, error)
}

// Decision describes what the Composer did with one turn.
type Decision struct {
	// Attached is true when an image part was appended.
	Attached bool
	// Source is the visual source chosen; meaningful only when Attached.
	Source framebuffer.VisualSource
	// Width and Height are the dimensions of the chosen frame.
	Width, Height int
	// FrameCount is how many frames the chosen source had delivered.
	FrameCount uint64
	// EncodeErr is set when a frame was available but could not be encoded.
	EncodeErr error
}

// SourceName returns the chosen source name, or "none".
func (d Decision) SourceName() string {
	if !d.Attached {
		return "none"
	}
	return d.Source.String()
}

// Choose applies the attachment priority to a snapshot. It is a pure
// function: the same snapshot always yields the same choice.
func Choose(snap framebuffer.Snapshot) (framebuffer.VisualSource, *framebuffer.Frame, bool) {
	for _, src := range framebuffer.Sources() {
		if f := snap.Frame(src); f != nil {
			return src, f, true
		}
	}
	return 0, nil, false
}

// Option configures a Composer.
type Option func(*Composer)

// WithEncoder replaces the default JPEG encoder.
func WithEncoder(enc FrameEncoder) Option {
	return func(c *Composer) {
		c.encoder = enc
	}
}

// WithEmitter publishes turn.composed events through e.
func WithEmitter(e *events.Emitter) Option {
	return func(c *Composer) {
		c.emitter = e
	}
}

// Composer attaches the freshest visual frame to completed user turns.
type Composer struct {
	frames  FrameSource
	encoder FrameEncoder
	emitter *events.Emitter
}

// NewComposer creates a Composer reading from frames.
func NewComposer(frames FrameSource, opts ...Option) *Composer {
	c := &Composer{
		frames:  frames,
		encoder: NewMediaEncoder(media.DefaultEncodeConfig(), ""),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnUserTurnCompleted appends at most one image part to msg. A missing frame
// is not an error, and an encoding failure leaves the message text-only; in
// both cases the turn proceeds. A message that already carries an image is
// left untouched and reported as not attached. The returned error is
// reserved for a nil message.
func (c *Composer) OnUserTurnCompleted(ctx context.Context, _ *types.ChatContext, msg *types.Message) (Decision, error) {
	if msg == nil {
		return Decision{}, fmt.Errorf("turncontext: nil message")
	}
	start := time.Now()
	if msg.ID != "" {
		ctx = logger.WithTurnID(ctx, msg.ID)
	}
	if len(msg.ImageParts()) > 0 {
		logger.DebugContext(ctx, "turn already carries an image")
		return Decision{}, nil
	}

	var d Decision
	snap := c.frames.Snapshot()
	if src, f, ok := Choose(snap); ok {
		d.Source = src
		d.Width, d.Height = f.Width, f.Height
		d.FrameCount = snap.Count(src)

		part, err := c.encoder.EncodeFrame(f)
		switch {
		case err != nil:
			d.EncodeErr = err
			logger.WarnContext(ctx, "frame encoding failed, sending turn without image",
				"source", src.String(), "error", err)
		default:
			if part.Media != nil {
				part.Media.Source = src.String()
			}
			msg.AddPart(part)
			d.Attached = true
			logger.InfoContext(ctx, "attached frame to turn",
				"source", src.String(), "width", f.Width, "height", f.Height, "frames", d.FrameCount)
		}
	} else {
		logger.DebugContext(ctx, "no frame available for turn")
	}

	c.emitter.TurnComposed(events.TurnComposedData{
		TurnID:     msg.ID,
		Source:     sourceField(d),
		Width:      d.Width,
		Height:     d.Height,
		FrameCount: d.FrameCount,
		TextChars:  len(msg.Text()),
		Duration:   time.Since(start),
	})
	return d, nil
}

func sourceField(d Decision) string {
	if !d.Attached {
		return ""
	}
	return d.Source.String()
}

// MediaEncoder encodes frames with the media package.
type MediaEncoder struct {
	config media.EncodeConfig
	detail *string
}

// NewMediaEncoder creates an encoder. An empty detail leaves the model default.
func NewMediaEncoder(config media.EncodeConfig, detail string) *MediaEncoder {
	e := &MediaEncoder{config: config}
	if detail != "" {
		e.detail = &detail
	}
	return e
}

// EncodeFrame implements FrameEncoder.
func (e *MediaEncoder) EncodeFrame(f *framebuffer.Frame) (types.ContentPart, error) {
	if f == nil || f.Image == nil {
		return types.ContentPart{}, media.ErrEmptyImage
	}
	res, err := media.Encode(f.Image, e.config)
	if err != nil {
		return types.ContentPart{}, fmt.Errorf("encode frame: %w", err)
	}
	data := base64.StdEncoding.EncodeToString(res.Data)
	return types.NewImagePartFromData(data, res.MIMEType, res.Width, res.Height, e.detail), nil
}
