// Package preprocess implements the image transform pipeline feeding the
// scoring model.
//
// The deterministic variant (Inference) is shared bit-for-bit by
// training-time validation and serving-time inference: resize to a fixed
// square edge, convert to a channel-first float32 tensor in [0, 1], then
// normalize each channel with the fixed ImageNet constants. Any divergence
// between the two call sites silently skews predictions, so both must go
// through this package.
//
// The stochastic variant (Training) adds augmentation before the shared
// normalization and is used only while fitting parameters.
package preprocess

import (
	"bytes"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// #region constants
// DefaultImageSize is the canonical square edge the model is trained on.
const DefaultImageSize = 224

// MeanRGB and StdRGB are the per-channel normalization constants. They are
// recorded in every checkpoint; a checkpoint trained with different
// constants must not be served with these.
var (
	MeanRGB = [3]float32{0.485, 0.456, 0.406}
	StdRGB  = [3]float32{0.229, 0.224, 0.225}
)

// #endregion constants

// #region tensor
// Tensor is a channel-first float32 image tensor (C×H×W, RGB order).
type Tensor struct {
	C, H, W int
	Data    []float32 // index (c*H + y)*W + x
}

// At returns the element at channel c, row y, column x.
func (t *Tensor) At(c, y, x int) float32 {
	return t.Data[(c*t.H+y)*t.W+x]
}

// #endregion tensor

// #region decode
// Decode parses image bytes into a decoded image. JPEG, PNG, WebP and GIF
// are accepted.
func Decode(b []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// #endregion decode

// #region rgb
// ToRGB coerces any decoded image (grayscale, paletted, alpha-carrying) to
// a three-channel RGB raster. This step is required, not optional: the
// tensor layout assumes exactly three channels.
func ToRGB(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return dst
}

// #endregion rgb

// #region inference
// Inference is the deterministic transform: resize to size×size, scale to
// [0, 1] and normalize per channel. It is a pure function of the input
// image; identical input produces an identical tensor regardless of call
// order.
func Inference(img image.Image, size int) *Tensor {
	rgb := ToRGB(img)
	resized := scaleTo(rgb, size, size)
	return normalize(resized)
}

// #endregion inference

// #region helpers
// scaleTo resizes with Catmull-Rom resampling. The kernel choice is part of
// the preprocessing contract; changing it invalidates trained checkpoints.
func scaleTo(src *image.NRGBA, w, h int) *image.NRGBA {
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		return src
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// normalize converts an RGB raster to a channel-first tensor, scaling each
// channel to [0, 1] and applying (v - mean) / std.
func normalize(rgb *image.NRGBA) *Tensor {
	w := rgb.Bounds().Dx()
	h := rgb.Bounds().Dy()
	t := &Tensor{C: 3, H: h, W: w, Data: make([]float32, 3*h*w)}
	for y := 0; y < h; y++ {
		row := rgb.Pix[y*rgb.Stride : y*rgb.Stride+w*4]
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				v := float32(row[x*4+c]) / 255.0
				t.Data[(c*h+y)*w+x] = (v - MeanRGB[c]) / StdRGB[c]
			}
		}
	}
	return t
}

// #endregion helpers
