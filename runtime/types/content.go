package types

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ContentPart represents a single piece of content in a multimodal message.
// A turn message carries text parts and at most one image part.
type ContentPart struct {
	Type string `json:"type"` // "text", "image"

	// For text content
	Text *string `json:"text,omitempty"`

	// For image content
	Media *MediaContent `json:"media,omitempty"`
}

// MediaContent represents inline image data attached to a message.
type MediaContent struct {
	Data     *string `json:"data,omitempty"` // Base64-encoded media data
	MIMEType string  `json:"mime_type"`      // e.g., "image/jpeg"
	Detail   *string `json:"detail,omitempty"`
	Width    *int    `json:"width,omitempty"`
	Height   *int    `json:"height,omitempty"`
	// Source names the visual source the frame came from ("camera", "screen_share").
	Source string `json:"source,omitempty"`
}

// ContentType constants for content part types.
const (
	ContentTypeText  = "text"
	ContentTypeImage = "image"
)

// Image detail levels understood by vision models.
const (
	DetailLow  = "low"
	DetailHigh = "high"
	DetailAuto = "auto"
)

var (
	// ErrEmptyText is returned when a text part has no text.
	ErrEmptyText = errors.New("text content part must have non-empty text")

	// ErrMissingMedia is returned when an image part has no media.
	ErrMissingMedia = errors.New("image content part must have media content")
)

// NewTextPart creates a ContentPart with text content.
func NewTextPart(text string) ContentPart {
	return ContentPart{
		Type: ContentTypeText,
		Text: &text,
	}
}

// NewImagePartFromData creates an image ContentPart from base64 data.
func NewImagePartFromData(base64Data, mimeType string, width, height int, detail *string) ContentPart {
	return ContentPart{
		Type: ContentTypeImage,
		Media: &MediaContent{
			Data:     &base64Data,
			MIMEType: mimeType,
			Detail:   detail,
			Width:    &width,
			Height:   &height,
		},
	}
}

// Validate checks if the ContentPart is valid.
func (cp *ContentPart) Validate() error {
	switch cp.Type {
	case ContentTypeText:
		if cp.Text == nil || *cp.Text == "" {
			return ErrEmptyText
		}
	case ContentTypeImage:
		if cp.Media == nil {
			return ErrMissingMedia
		}
		return cp.Media.Validate()
	default:
		return fmt.Errorf("invalid content type: %s", cp.Type)
	}
	return nil
}

// Validate checks that inline data is present and decodes as base64.
func (mc *MediaContent) Validate() error {
	if mc.Data == nil || *mc.Data == "" {
		return fmt.Errorf("media content must have data")
	}
	if mc.MIMEType == "" {
		return fmt.Errorf("media content must have a MIME type")
	}
	if _, err := base64.StdEncoding.DecodeString(*mc.Data); err != nil {
		return fmt.Errorf("invalid base64 data: %w", err)
	}
	return nil
}

// Bytes returns the decoded media payload.
func (mc *MediaContent) Bytes() ([]byte, error) {
	if mc.Data == nil {
		return nil, fmt.Errorf("media content has no inline data")
	}
	return base64.StdEncoding.DecodeString(*mc.Data)
}
