package commands

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// checkerboard draws a black/white checkerboard of tile x tile squares so similarity
// scoring has real structure to compare instead of a single flat color.
func checkerboard(w, h, tile int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/tile+y/tile)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	return img
}

func TestMatchTemplate_FindsNeedleEmbeddedInHaystack(t *testing.T) {
	needle := checkerboard(16, 16, 4)
	haystack := image.NewRGBA(image.Rect(0, 0, 64, 64))
	draw := func(dst *image.RGBA, src image.Image, ox, oy int) {
		b := src.Bounds()
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				dst.Set(ox+x, oy+y, src.At(b.Min.X+x, b.Min.Y+y))
			}
		}
	}
	draw(haystack, checkerboard(64, 64, 4), 0, 0)
	draw(haystack, needle, 24, 24)

	found, err := matchTemplate(encodePNG(t, haystack), encodePNG(t, needle))
	require.NoError(t, err)
	require.True(t, found)
}

func TestMatchTemplate_NoMatchAgainstUnrelatedImage(t *testing.T) {
	needle := checkerboard(16, 16, 2)
	haystack := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			haystack.Set(x, y, color.RGBA{R: 10, G: 200, B: 10, A: 255})
		}
	}

	found, err := matchTemplate(encodePNG(t, haystack), encodePNG(t, needle))
	require.NoError(t, err)
	require.False(t, found)
}

func TestMatchTemplate_NeedleLargerThanHaystackIsNoMatch(t *testing.T) {
	needle := checkerboard(128, 128, 8)
	haystack := checkerboard(16, 16, 4)

	found, err := matchTemplate(encodePNG(t, haystack), encodePNG(t, needle))
	require.NoError(t, err)
	require.False(t, found)
}

func TestMatchTemplate_RejectsUndecodableInput(t *testing.T) {
	_, err := matchTemplate([]byte("not a png"), []byte("also not a png"))
	require.Error(t, err)
}

func TestScaleImage_FactorOneReturnsSameImage(t *testing.T) {
	img := checkerboard(8, 8, 2)
	require.Same(t, image.Image(img), scaleImage(img, 1))
}

func TestScaleImage_ProducesExpectedBounds(t *testing.T) {
	img := checkerboard(10, 20, 2)
	scaled := scaleImage(img, 0.5)
	require.Equal(t, 5, scaled.Bounds().Dx())
	require.Equal(t, 10, scaled.Bounds().Dy())
}
