package framebuffer

import (
	"fmt"
	"image"
	"strings"
	"time"
)

// VisualSource identifies one of the inbound video channels an agent buffers.
type VisualSource int

const (
	// SourceCamera is the participant's camera track.
	SourceCamera VisualSource = iota
	// SourceScreenShare is the participant's screen share track.
	SourceScreenShare

	numSources = 2
)

// Sources returns every visual source in attachment priority order.
func Sources() []VisualSource {
	return []VisualSource{SourceScreenShare, SourceCamera}
}

// String implements fmt.Stringer.
func (s VisualSource) String() string {
	switch s {
	case SourceCamera:
		return "camera"
	case SourceScreenShare:
		return "screen_share"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Valid reports whether s is a known source.
func (s VisualSource) Valid() bool {
	return s >= 0 && s < numSources
}

// ParseSource parses a source name. Both "screen_share" and "screenshare"
// are accepted for the screen share source.
func ParseSource(name string) (VisualSource, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "camera":
		return SourceCamera, nil
	case "screen_share", "screenshare", "screen-share":
		return SourceScreenShare, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
}

// Frame is a single decoded image sample from a video track.
type Frame struct {
	Image      image.Image
	Width      int
	Height     int
	ReceivedAt time.Time
}

// NewFrame wraps img, taking width and height from its bounds.
func NewFrame(img image.Image) *Frame {
	b := img.Bounds()
	return &Frame{
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		ReceivedAt: time.Now(),
	}
}
