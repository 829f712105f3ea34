package metadata

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// NormalizeCover bounds the longer side of a cover image to maxSize pixels.
// Images already within bounds, and data that cannot be decoded, are
// returned unchanged.
func NormalizeCover(data []byte, maxSize int) ([]byte, error) {
	if len(data) == 0 || maxSize <= 0 {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, nil
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxSize && height <= maxSize {
		return data, nil
	}

	// Keep aspect ratio, target is the maximum dimension
	var resized image.Image
	if width > height {
		resized = resize.Resize(uint(maxSize), 0, img, resize.Lanczos3)
	} else {
		resized = resize.Resize(0, uint(maxSize), img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode resized cover: %w", err)
	}
	return buf.Bytes(), nil
}
