package embedding

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func solidImage(w, h int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestPreprocessShape(t *testing.T) {
	t.Parallel()

	pixels := Preprocess(solidImage(640, 480, color.RGBA{R: 128, G: 128, B: 128, A: 255}), 224)
	if len(pixels) != 3*224*224 {
		t.Fatalf("got %d values, want %d", len(pixels), 3*224*224)
	}
}

func TestPreprocessNormalization(t *testing.T) {
	t.Parallel()

	// A pure white image maps every channel to (1 - mean) / std.
	pixels := Preprocess(solidImage(224, 224, color.RGBA{R: 255, G: 255, B: 255, A: 255}), 224)
	plane := 224 * 224
	for ch := 0; ch < 3; ch++ {
		want := (1 - clipMean[ch]) / clipStd[ch]
		got := pixels[ch*plane]
		if math.Abs(float64(got-want)) > 1e-3 {
			t.Fatalf("channel %d: got %f, want %f", ch, got, want)
		}
	}
}

func TestPreprocessHandlesNonSquareInput(t *testing.T) {
	t.Parallel()

	// Portrait and landscape inputs both crop to the full tensor.
	for _, dims := range [][2]int{{300, 900}, {900, 300}, {224, 224}, {10, 10}} {
		pixels := Preprocess(solidImage(dims[0], dims[1], color.RGBA{R: 50, G: 100, B: 150, A: 255}), 224)
		if len(pixels) != 3*224*224 {
			t.Fatalf("%dx%d: got %d values", dims[0], dims[1], len(pixels))
		}
		for i, v := range pixels {
			if math.IsNaN(float64(v)) {
				t.Fatalf("%dx%d: NaN at %d", dims[0], dims[1], i)
			}
		}
	}
}
