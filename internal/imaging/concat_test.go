package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidPage(w, h int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestConcatVerticalGeometry(t *testing.T) {
	pages := []image.Image{
		solidPage(100, 40, color.Black),
		solidPage(60, 30, color.Black),
		solidPage(80, 50, color.Black),
	}
	out, err := ConcatVertical(pages)
	require.NoError(t, err)

	b := out.Bounds()
	assert.Equal(t, 100, b.Dx(), "width should be the widest page")
	assert.Equal(t, 120, b.Dy(), "height should be the sum of page heights")
}

func TestConcatVerticalWhiteGutter(t *testing.T) {
	// A narrow page under a wide one leaves a gutter on the right that must
	// stay white.
	pages := []image.Image{
		solidPage(100, 10, color.Black),
		solidPage(40, 10, color.Black),
	}
	out, err := ConcatVertical(pages)
	require.NoError(t, err)

	r, g, b, _ := out.At(90, 15).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), g)
	assert.Equal(t, uint32(0xffff), b)

	r, _, _, _ = out.At(10, 15).RGBA()
	assert.Equal(t, uint32(0), r, "page content should be drawn left-aligned")
}

func TestConcatVerticalSinglePage(t *testing.T) {
	page := solidPage(30, 20, color.Black)
	out, err := ConcatVertical([]image.Image{page})
	require.NoError(t, err)
	assert.Equal(t, page.Bounds().Dx(), out.Bounds().Dx())
	assert.Equal(t, page.Bounds().Dy(), out.Bounds().Dy())
}

func TestConcatVerticalEmpty(t *testing.T) {
	_, err := ConcatVertical(nil)
	assert.Error(t, err)
}

func TestConcatVerticalPreservesPixelOrder(t *testing.T) {
	pages := []image.Image{
		solidPage(10, 5, color.NRGBA{R: 255, A: 255}),
		solidPage(10, 5, color.NRGBA{B: 255, A: 255}),
	}
	out, err := ConcatVertical(pages)
	require.NoError(t, err)

	r, _, _, _ := out.At(5, 2).RGBA()
	assert.Equal(t, uint32(0xffff), r, "first page should be on top")
	_, _, b, _ := out.At(5, 7).RGBA()
	assert.Equal(t, uint32(0xffff), b, "second page should be below")
}

func TestEncodePNGRoundTrip(t *testing.T) {
	src := solidPage(8, 8, color.NRGBA{G: 200, A: 255})
	data, err := EncodePNG(src)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), decoded.Bounds())
}
