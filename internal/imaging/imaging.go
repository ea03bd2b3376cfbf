// Package imaging downscales oversized report photos before they are stored.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// JPEGQuality is the compression quality for re-encoded JPEGs.
const JPEGQuality = 85

// MaxPixels caps the decoded size. Larger images are stored as received
// since decoding them would allocate Width*Height*4 bytes.
const MaxPixels = 50_000_000

// Result is the payload to store.
type Result struct {
	Data        []byte
	ContentType string
	Resized     bool
}

// Downscale re-encodes JPEG and PNG images whose width or height exceeds
// maxDim, preserving aspect ratio and format. Other formats, images already
// within bounds, images above MaxPixels, and maxDim <= 0 return the input
// unchanged.
func Downscale(data []byte, contentType string, maxDim int) (*Result, error) {
	unchanged := &Result{Data: data, ContentType: contentType}
	if maxDim <= 0 || (contentType != "image/jpeg" && contentType != "image/png") {
		return unchanged, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image header: %w", err)
	}
	if cfg.Width <= maxDim && cfg.Height <= maxDim {
		return unchanged, nil
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return unchanged, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	img = downscale(img, maxDim)

	var buf bytes.Buffer
	switch contentType {
	case "image/png":
		err = png.Encode(&buf, img)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality})
	}
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", contentType, err)
	}
	return &Result{Data: buf.Bytes(), ContentType: contentType, Resized: true}, nil
}

// downscale resizes the image so neither dimension exceeds maxDim using
// Catmull-Rom interpolation.
func downscale(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	newW, newH := w, h
	if w > h {
		newW = maxDim
		newH = int(float64(h) * float64(maxDim) / float64(w))
	} else {
		newH = maxDim
		newW = int(float64(w) * float64(maxDim) / float64(h))
	}
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
