// Package media decodes inbound video frame payloads and encodes frames for vision models.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	_ "image/gif" // Register GIF decoder

	_ "golang.org/x/image/webp" // Register WebP decoder
)

// Image format constants.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatGIF  = "gif"
	FormatWebP = "webp"
)

// MIME type constants.
const (
	MIMETypeJPEG = "image/jpeg"
	MIMETypePNG  = "image/png"
	MIMETypeGIF  = "image/gif"
	MIMETypeWebP = "image/webp"
)

// Default configuration values.
const (
	DefaultMaxWidth  = 1024
	DefaultMaxHeight = 1024
	DefaultQuality   = 85
	MinQuality       = 10
	QualityDecay     = 0.9
)

// ErrEmptyImage is returned for empty payloads and zero-sized images.
var ErrEmptyImage = errors.New("empty image data")

// EncodeConfig controls how a frame is prepared for inference.
type EncodeConfig struct {
	// MaxWidth is the maximum width in pixels (0 = no limit).
	MaxWidth int `yaml:"max_width" env:"FRAME_MAX_WIDTH"`

	// MaxHeight is the maximum height in pixels (0 = no limit).
	MaxHeight int `yaml:"max_height" env:"FRAME_MAX_HEIGHT"`

	// MaxSizeBytes caps the encoded size (0 = no limit). Quality is
	// reduced iteratively until the frame fits or MinQuality is reached.
	MaxSizeBytes int64 `yaml:"max_size_bytes" env:"FRAME_MAX_SIZE_BYTES"`

	// Quality is the JPEG quality (1-100).
	Quality int `yaml:"quality" env:"FRAME_QUALITY"`

	// Format is the output format, "jpeg" or "png".
	Format string `yaml:"format" env:"FRAME_FORMAT"`
}

// DefaultEncodeConfig returns the encoding used for turn images.
func DefaultEncodeConfig() EncodeConfig {
	return EncodeConfig{
		MaxWidth:  DefaultMaxWidth,
		MaxHeight: DefaultMaxHeight,
		Quality:   DefaultQuality,
		Format:    FormatJPEG,
	}
}

// EncodeResult is an encoded frame.
type EncodeResult struct {
	Data       []byte
	Format     string
	MIMEType   string
	Width      int
	Height     int
	WasResized bool
	Quality    int
}

// DecodeImage decodes a JPEG, PNG, GIF, or WebP payload.
func DecodeImage(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// Encode scales img to fit within the configured bounds, preserving the
// aspect ratio, and encodes it.
func Encode(img image.Image, config EncodeConfig) (*EncodeResult, error) {
	if img == nil {
		return nil, ErrEmptyImage
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, ErrEmptyImage
	}

	targetWidth, targetHeight := calculateTargetDimensions(
		bounds.Dx(), bounds.Dy(), config.MaxWidth, config.MaxHeight)
	needsResize := targetWidth < bounds.Dx() || targetHeight < bounds.Dy()

	out := img
	if needsResize {
		out = scale(img, targetWidth, targetHeight)
	}

	format := config.Format
	if format == "" {
		format = FormatJPEG
	}
	quality := config.Quality
	if quality <= 0 {
		quality = DefaultQuality
	}

	encoded, err := encodeImage(out, format, quality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	if config.MaxSizeBytes > 0 && int64(len(encoded)) > config.MaxSizeBytes {
		encoded, quality, err = reduceToFitSize(out, format, quality, config.MaxSizeBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to reduce image size: %w", err)
		}
	}

	final := out.Bounds()
	return &EncodeResult{
		Data:       encoded,
		Format:     format,
		MIMEType:   FormatToMIMEType(format),
		Width:      final.Dx(),
		Height:     final.Dy(),
		WasResized: needsResize,
		Quality:    quality,
	}, nil
}

func calculateTargetDimensions(origWidth, origHeight, maxWidth, maxHeight int) (targetWidth, targetHeight int) {
	targetWidth = origWidth
	targetHeight = origHeight

	if maxWidth > 0 && targetWidth > maxWidth {
		ratio := float64(maxWidth) / float64(targetWidth)
		targetWidth = maxWidth
		targetHeight = int(float64(targetHeight) * ratio)
	}
	if maxHeight > 0 && targetHeight > maxHeight {
		ratio := float64(maxHeight) / float64(targetHeight)
		targetHeight = maxHeight
		targetWidth = int(float64(targetWidth) * ratio)
	}

	if targetWidth < 1 {
		targetWidth = 1
	}
	if targetHeight < 1 {
		targetHeight = 1
	}
	return targetWidth, targetHeight
}

func scale(src image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

func encodeImage(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatPNG:
		err = png.Encode(&buf, img)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func reduceToFitSize(img image.Image, format string, startQuality int, maxSize int64) ([]byte, int, error) {
	quality := startQuality
	for quality >= MinQuality {
		encoded, err := encodeImage(img, format, quality)
		if err != nil {
			return nil, quality, err
		}
		if int64(len(encoded)) <= maxSize {
			return encoded, quality, nil
		}
		quality = int(float64(quality) * QualityDecay)
	}
	encoded, err := encodeImage(img, format, MinQuality)
	return encoded, MinQuality, err
}

// FormatToMIMEType converts a format name to its MIME type.
func FormatToMIMEType(format string) string {
	switch format {
	case FormatPNG:
		return MIMETypePNG
	case FormatGIF:
		return MIMETypeGIF
	case FormatWebP:
		return MIMETypeWebP
	default:
		return MIMETypeJPEG
	}
}
