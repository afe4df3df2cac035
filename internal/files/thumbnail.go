package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"
)

// ErrUnsupportedMedia is returned when a thumbnail is requested for a
// non-image mime type.
var ErrUnsupportedMedia = errors.New("unsupported media type for thumbnail")

const thumbnailBound = 256

// thumbCacheEntry pairs cached thumbnail bytes with the content type they
// were encoded as, since a PNG source stays PNG and everything else is
// re-encoded as JPEG.
type thumbCacheEntry struct {
	data        []byte
	contentType string
}

// Thumbnail returns a bounded (<=256x256, aspect-ratio preserved) thumbnail
// for an image upload, caching the result by file_id. Non-image mime types
// are rejected with ErrUnsupportedMedia. The returned content type reflects
// the actual encoding used (image/png for a PNG source, image/jpeg
// otherwise) so the caller never mislabels the response.
//
// No imaging library appears anywhere in the example pack's dependency
// graph, so this is the one stdlib-only piece of domain logic in this
// repository (see DESIGN.md); it uses only image, image/jpeg, and
// image/png plus a hand-written nearest-neighbor resize.
func (s *Store) Thumbnail(ctx context.Context, fileID, mimeType string) ([]byte, string, error) {
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", ErrUnsupportedMedia
	}

	s.thumbMu.Lock()
	if cached, ok := s.thumbCache[fileID]; ok {
		s.thumbMu.Unlock()
		return cached.data, cached.contentType, nil
	}
	s.thumbMu.Unlock()

	raw, err := s.ReadBytes(ctx, fileID)
	if err != nil {
		return nil, "", fmt.Errorf("read original: %w", err)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	thumb := resizeToBound(img, thumbnailBound)

	var out bytes.Buffer
	contentType := "image/jpeg"
	switch format {
	case "png":
		contentType = "image/png"
		err = png.Encode(&out, thumb)
	default:
		err = jpeg.Encode(&out, thumb, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		return nil, "", fmt.Errorf("encode thumbnail: %w", err)
	}

	entry := thumbCacheEntry{data: out.Bytes(), contentType: contentType}
	s.thumbMu.Lock()
	s.thumbCache[fileID] = entry
	s.thumbMu.Unlock()

	return entry.data, entry.contentType, nil
}

// resizeToBound nearest-neighbor resizes img so that neither dimension
// exceeds bound, preserving aspect ratio. Images already within bound are
// returned unchanged.
func resizeToBound(img image.Image, bound int) image.Image {
	srcBounds := img.Bounds()
	srcW, srcH := srcBounds.Dx(), srcBounds.Dy()

	if srcW <= bound && srcH <= bound {
		return img
	}

	scale := float64(bound) / float64(srcW)
	if h := float64(bound) / float64(srcH); h < scale {
		scale = h
	}

	dstW := int(float64(srcW) * scale)
	dstH := int(float64(srcH) * scale)
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	for y := 0; y < dstH; y++ {
		srcY := srcBounds.Min.Y + int(float64(y)/scale)
		for x := 0; x < dstW; x++ {
			srcX := srcBounds.Min.X + int(float64(x)/scale)
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}
