// Package imaging composes rendered page images into the single artifact
// image stored per sub-document.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
)

// hasAlpha reports whether the pixel buffer carries an alpha channel.
func hasAlpha(img image.Image) bool {
	switch img.(type) {
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64:
		return true
	}
	return false
}

// ConcatVertical stacks page images top to bottom, left-aligned, on a white
// background. The result is as wide as the widest page and as tall as the
// sum of all page heights. Alpha is preserved only when every source image
// carries it.
func ConcatVertical(pages []image.Image) (image.Image, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no page images to concatenate")
	}

	var totalHeight, maxWidth int
	alpha := true
	for _, p := range pages {
		b := p.Bounds()
		totalHeight += b.Dy()
		if b.Dx() > maxWidth {
			maxWidth = b.Dx()
		}
		alpha = alpha && hasAlpha(p)
	}

	var canvas draw.Image
	if alpha {
		canvas = image.NewNRGBA(image.Rect(0, 0, maxWidth, totalHeight))
	} else {
		canvas = image.NewRGBA(image.Rect(0, 0, maxWidth, totalHeight))
	}
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	y := 0
	for _, p := range pages {
		b := p.Bounds()
		dst := image.Rect(0, y, b.Dx(), y+b.Dy())
		draw.Draw(canvas, dst, p, b.Min, draw.Src)
		y += b.Dy()
	}
	return canvas, nil
}

// EncodePNG serializes an image to PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}
