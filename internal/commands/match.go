package commands

import (
	"bytes"
	"fmt"
	"image"
	_ "image/png"
	"math"
)

// matchThresholds and matchScales are the sweep spec §4.5 names
// explicitly: pick the first hit at the highest threshold achieved, across
// these scale factors of the needle.
var (
	matchThresholds = []float64{0.9, 0.8, 0.7}
	matchScales     = []float64{1, 0.5, 2, 0.75, 1.25, 1.5}
)

// matchTemplate reports whether needlePNG appears anywhere in haystackPNG at
// any of matchScales, at the highest matchThresholds value achieved.
//
// No CV/template-matching library, and no image-scaling library, appears in
// any complete example repo's go.mod, so this is a hand-rolled normalized
// pixel-diff sweep plus a nearest-neighbor resize, both on the standard
// image package alone — see DESIGN.md.
func matchTemplate(haystackPNG, needlePNG []byte) (bool, error) {
	haystack, _, err := image.Decode(bytes.NewReader(haystackPNG))
	if err != nil {
		return false, fmt.Errorf("decode haystack: %w", err)
	}
	needle, _, err := image.Decode(bytes.NewReader(needlePNG))
	if err != nil {
		return false, fmt.Errorf("decode needle: %w", err)
	}

	for _, threshold := range matchThresholds {
		for _, scale := range matchScales {
			scaled := scaleImage(needle, scale)
			if found := scanForMatch(haystack, scaled, threshold); found {
				return true, nil
			}
		}
	}
	return false, nil
}

// scaleImage resizes img by factor using nearest-neighbor sampling. The
// match sweep only needs approximate scale tolerance, not high-fidelity
// resampling, so nearest-neighbor over the standard image package is
// sufficient and avoids reaching for an external resize library.
func scaleImage(img image.Image, factor float64) image.Image {
	if factor == 1 {
		return img
	}
	b := img.Bounds()
	w := int(float64(b.Dx()) * factor)
	h := int(float64(b.Dy()) * factor)
	if w < 1 || h < 1 {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*b.Dx()/w
			dst.Set(x, y, img.At(sx, sy))
		}
	}
	return dst
}

// scanForMatch slides needle over haystack on a coarse stride and reports
// whether the best normalized similarity found meets threshold.
func scanForMatch(haystack, needle image.Image, threshold float64) bool {
	hb, nb := haystack.Bounds(), needle.Bounds()
	hw, hh := hb.Dx(), hb.Dy()
	nw, nh := nb.Dx(), nb.Dy()
	if nw == 0 || nh == 0 || nw > hw || nh > hh {
		return false
	}

	stride := maxInt(1, minInt(nw, nh)/8)
	for y := 0; y+nh <= hh; y += stride {
		for x := 0; x+nw <= hw; x += stride {
			if similarity(haystack, needle, x, y) >= threshold {
				return true
			}
		}
	}
	return false
}

// similarity returns a 0..1 normalized similarity between needle and the
// haystack region at offset (ox,oy), sampling on a coarse grid for speed.
func similarity(haystack, needle image.Image, ox, oy int) float64 {
	nb := needle.Bounds()
	const sampleStep = 4
	var total, matched float64
	for y := nb.Min.Y; y < nb.Max.Y; y += sampleStep {
		for x := nb.Min.X; x < nb.Max.X; x += sampleStep {
			nr, ng, nb8, _ := needle.At(x, y).RGBA()
			hr, hg, hb8, _ := haystack.At(ox+x-nb.Min.X, oy+y-nb.Min.Y).RGBA()
			total++
			if colorDist(nr, ng, nb8, hr, hg, hb8) < 0.1 {
				matched++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return matched / total
}

func colorDist(r1, g1, b1, r2, g2, b2 uint32) float64 {
	dr := float64(int64(r1)-int64(r2)) / 65535
	dg := float64(int64(g1)-int64(g2)) / 65535
	db := float64(int64(b1)-int64(b2)) / 65535
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
