// Package media decodes and normalizes the images players upload before they
// are sent to the vision model.
package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register GIF for DecodeConfig and Decode
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	_ "golang.org/x/image/webp" // register WebP for DecodeConfig and Decode

	"github.com/dskow/promptcraft/internal/provider"
)

const (
	// MaxDimension is the longest edge sent to the vision model.
	MaxDimension = 1536
	// MaxBytes caps a normalized image.
	MaxBytes = 8 * 1024 * 1024
	// MaxPixels caps the declared pixel count of an input image. It is
	// checked from the header alone, before any full decode.
	MaxPixels = 40_000_000
)

var (
	// ErrInvalidEncoding means the payload is neither base64 nor a base64
	// data URL.
	ErrInvalidEncoding = errors.New("image is not valid base64")
	// ErrUnsupportedImage means the bytes are not a PNG, JPEG, GIF or WebP
	// image, or its header cannot be read.
	ErrUnsupportedImage = errors.New("unsupported image type")
	// ErrImageTooLarge means the image exceeds MaxPixels or, once
	// normalized, MaxBytes.
	ErrImageTooLarge = errors.New("image exceeds size limit")
)

var supportedTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

// DetectMIME returns the MIME type sniffed from data.
func DetectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// IsSupported reports whether mimeType is an image format we accept.
func IsSupported(mimeType string) bool {
	for _, t := range supportedTypes {
		if mimeType == t {
			return true
		}
	}
	return false
}

// DecodeBase64 accepts raw base64 or a data URL and returns the bytes.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 || !strings.Contains(s[:comma], ";base64") {
			return nil, ErrInvalidEncoding
		}
		s = s[comma+1:]
	}
	if s == "" {
		return nil, ErrInvalidEncoding
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, ErrInvalidEncoding
		}
	}
	return data, nil
}

// Normalize validates data as a supported image and downsizes it to fit
// within MaxDimension. Images already within limits are returned unchanged.
// Resized JPEGs stay JPEG; every other format is re-encoded as PNG.
func Normalize(data []byte) (provider.Image, error) {
	mimeType := DetectMIME(data)
	if !IsSupported(mimeType) {
		return provider.Image{}, fmt.Errorf("%w: %s", ErrUnsupportedImage, mimeType)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return provider.Image{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > MaxPixels {
		return provider.Image{}, fmt.Errorf("%w: %dx%d pixels", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	if cfg.Width <= MaxDimension && cfg.Height <= MaxDimension {
		if len(data) > MaxBytes {
			return provider.Image{}, ErrImageTooLarge
		}
		return provider.Image{Data: data, MIMEType: mimeType}, nil
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return provider.Image{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	resized := imaging.Fit(img, MaxDimension, MaxDimension, imaging.Lanczos)

	var buf bytes.Buffer
	if format == "jpeg" {
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85})
		mimeType = "image/jpeg"
	} else {
		err = png.Encode(&buf, resized)
		mimeType = "image/png"
	}
	if err != nil {
		return provider.Image{}, fmt.Errorf("re-encoding image: %w", err)
	}
	if buf.Len() > MaxBytes {
		return provider.Image{}, ErrImageTooLarge
	}
	return provider.Image{Data: buf.Bytes(), MIMEType: mimeType}, nil
}

// DataURL renders img as a data URL for JSON responses.
func DataURL(img provider.Image) string {
	return "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
