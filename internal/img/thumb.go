// internal/img/thumb.go
package img

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// DefaultThumbMaxPx bounds the preview frames streamed to clients.
const DefaultThumbMaxPx = 50

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses encoded image bytes.
func Decode(data []byte) (image.Image, error) {
	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return src, nil
}

// Thumbnail fits the encoded image data inside a maxPx square and returns it
// as PNG. Images already inside the box are not upscaled.
func Thumbnail(data []byte, maxPx int) ([]byte, error) {
	if maxPx <= 0 {
		return nil, fmt.Errorf("thumbnail: max size must be positive (got %d)", maxPx)
	}
	src, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return ThumbnailImage(src, maxPx)
}

// ThumbnailImage is Thumbnail for an already decoded image.
func ThumbnailImage(src image.Image, maxPx int) ([]byte, error) {
	if maxPx <= 0 {
		return nil, fmt.Errorf("thumbnail: max size must be positive (got %d)", maxPx)
	}
	thumb := src
	b := src.Bounds()
	if b.Dx() > maxPx || b.Dy() > maxPx {
		thumb = imaging.Fit(src, maxPx, maxPx, imaging.Lanczos)
	}
	return EncodePNG(thumb)
}

// SaveFrame decodes data and writes it to dstPath, choosing the format from
// the extension. Missing directories are created.
func SaveFrame(data []byte, dstPath string) (w int, h int, _ error) {
	src, err := Decode(data)
	if err != nil {
		return 0, 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return 0, 0, fmt.Errorf("mkdir: %w", err)
	}
	if err := imaging.Save(src, dstPath); err != nil {
		return 0, 0, fmt.Errorf("save: %w", err)
	}

	b := src.Bounds()
	return b.Dx(), b.Dy(), nil
}
