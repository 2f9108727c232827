// Package embedding runs a CLIP image encoder exported to ONNX and exposes
// it as ports.Embedder.
package embedding

import (
	"context"
	"fmt"
	"image"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"

	"TopPhotos/internal/config"
	"TopPhotos/internal/ports"
)

// CLIP preprocessing constants, per-channel mean and std used at training
// time.
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

var initOnce sync.Once

// Encoder wraps one ONNX Runtime session over the CLIP vision tower.
// Sessions are not safe for concurrent Run calls, so a mutex serializes
// inference; preprocessing runs outside the lock.
type Encoder struct {
	mu        sync.Mutex
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	output    *ort.Tensor[float32]
	imageSize int
	dimension int
}

var _ ports.Embedder = (*Encoder)(nil)

// NewEncoder loads the model and prepares reusable input/output tensors.
func NewEncoder(cfg config.EmbeddingConfig) (*Encoder, error) {
	var initErr error
	initOnce.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", initErr)
	}

	size := cfg.ImageSize
	if size <= 0 {
		size = 224
	}
	dim := cfg.Dimension
	if dim <= 0 {
		dim = 768
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dim)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{"pixel_values"}, []string{"image_embeds"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("load model %s: %w", cfg.ModelPath, err)
	}

	return &Encoder{
		session:   session,
		input:     input,
		output:    output,
		imageSize: size,
		dimension: dim,
	}, nil
}

// Dimension returns the embedding length the model produces.
func (e *Encoder) Dimension() int { return e.dimension }

// EmbedImage preprocesses img and runs one forward pass. The returned slice
// is a copy; the session's output buffer is reused across calls.
func (e *Encoder) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	pixels := Preprocess(img, e.imageSize)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	copy(e.input.GetData(), pixels)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run image encoder: %w", err)
	}

	out := make([]float32, e.dimension)
	copy(out, e.output.GetData())
	return out, nil
}

// Close releases the session and its tensors.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Destroy()
	e.input.Destroy()
	e.output.Destroy()
	return nil
}

// Preprocess converts an image to CLIP's input layout: resize so the shortest
// side equals size, center-crop to size x size, then normalize each channel
// into a CHW float tensor.
func Preprocess(img image.Image, size int) []float32 {
	scaled := resizeShortestSide(img, size)
	cropped := centerCrop(scaled, size)

	pixels := make([]float32, 3*size*size)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := cropped.At(cropped.Bounds().Min.X+x, cropped.Bounds().Min.Y+y).RGBA()
			i := y*size + x
			pixels[i] = (float32(r)/65535 - clipMean[0]) / clipStd[0]
			pixels[plane+i] = (float32(g)/65535 - clipMean[1]) / clipStd[1]
			pixels[2*plane+i] = (float32(b)/65535 - clipMean[2]) / clipStd[2]
		}
	}
	return pixels
}

func resizeShortestSide(img image.Image, size int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return image.NewRGBA(image.Rect(0, 0, size, size))
	}

	var newW, newH int
	if w < h {
		newW = size
		newH = h * size / w
	} else {
		newH = size
		newW = w * size / h
	}
	if newW == w && newH == h {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func centerCrop(img image.Image, size int) image.Image {
	b := img.Bounds()
	x0 := b.Min.X + (b.Dx()-size)/2
	y0 := b.Min.Y + (b.Dy()-size)/2

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), img, image.Point{X: x0, Y: y0}, draw.Src)
	return dst
}
