package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/nfnt/resize"
)

// TargetSize is the side length of the grid the model was trained on.
const TargetSize = 28

// ErrInvalidImage marks payloads that cannot be turned into a model input.
var ErrInvalidImage = errors.New("invalid image data")

// Normalize converts a base64-encoded image (optionally carrying a data-URL
// header such as "data:image/jpeg;base64,") into the flat float32 grid the
// classifier expects: one batch element, TargetSize x TargetSize pixels, one
// luminance channel, values in 0..255. The same input bytes always produce
// the same output.
func Normalize(encoded string) ([]float32, error) {
	payload := encoded
	if idx := strings.IndexByte(encoded, ','); idx >= 0 {
		payload = encoded[idx+1:]
	}
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrInvalidImage, err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrInvalidImage, err)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("%w: zero-dimension image", ErrInvalidImage)
	}

	// Lanczos3 is the fixed resampling kernel; resizing is lossy but
	// reproducible for identical input bytes.
	resized := resize.Resize(TargetSize, TargetSize, img, resize.Lanczos3)

	grid := make([]float32, TargetSize*TargetSize)
	for y := 0; y < TargetSize; y++ {
		for x := 0; x < TargetSize; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			// Rec.601 luma over 16-bit channels, scaled back to 0..255.
			luma := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
			grid[y*TargetSize+x] = float32(luma)
		}
	}
	return grid, nil
}
