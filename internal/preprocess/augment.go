package preprocess

import (
	"image"
	"math"
	"math/rand"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// #region augment-constants
const (
	// enlargeMargin is added to each edge before the random crop so the crop
	// has room to move.
	enlargeMargin = 32

	flipProb       = 0.5
	maxRotationDeg = 15.0
	minCropScale   = 0.8

	jitterBrightness = 0.2
	jitterContrast   = 0.2
	jitterSaturation = 0.2
	jitterHue        = 0.1 // fraction of the hue circle
)

// #endregion augment-constants

// #region training
// Training applies the stochastic augmentation stack — randomized
// resize-then-crop, horizontal mirror, small-angle rotation and color
// jitter — followed by the same tensor conversion and normalization as
// Inference. All randomness comes from rng, so a fixed seed reproduces the
// exact augmented tensor. Training must never be used for validation,
// evaluation or serving.
func Training(img image.Image, size int, rng *rand.Rand) *Tensor {
	rgb := ToRGB(img)
	enlarged := scaleTo(rgb, size+enlargeMargin, size+enlargeMargin)
	out := randomResizedCrop(enlarged, size, rng)
	if rng.Float64() < flipProb {
		out = flipHorizontal(out)
	}
	angle := (rng.Float64()*2 - 1) * maxRotationDeg
	out = rotate(out, angle)
	out = colorJitter(out, rng)
	return normalize(out)
}

// #endregion training

// #region crop
// randomResizedCrop picks a sub-region covering minCropScale..1.0 of the
// source area with a mildly jittered aspect ratio, then rescales it to
// size×size.
func randomResizedCrop(src *image.NRGBA, size int, rng *rand.Rand) *image.NRGBA {
	sw := src.Bounds().Dx()
	sh := src.Bounds().Dy()
	area := float64(sw * sh)

	scale := minCropScale + rng.Float64()*(1.0-minCropScale)
	ratio := math.Exp((rng.Float64()*2 - 1) * math.Log(4.0/3.0))

	cw := int(math.Round(math.Sqrt(area * scale * ratio)))
	ch := int(math.Round(math.Sqrt(area * scale / ratio)))
	if cw > sw {
		cw = sw
	}
	if ch > sh {
		ch = sh
	}
	if cw < 1 {
		cw = 1
	}
	if ch < 1 {
		ch = 1
	}

	x0 := rng.Intn(sw - cw + 1)
	y0 := rng.Intn(sh - ch + 1)

	cropped := image.NewNRGBA(image.Rect(0, 0, cw, ch))
	xdraw.Draw(cropped, cropped.Bounds(), src, image.Pt(x0, y0), xdraw.Src)
	return scaleTo(cropped, size, size)
}

// #endregion crop

// #region flip
func flipHorizontal(src *image.NRGBA) *image.NRGBA {
	w := src.Bounds().Dx()
	h := src.Bounds().Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			si := y*src.Stride + (w-1-x)*4
			di := y*dst.Stride + x*4
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}

// #endregion flip

// #region rotate
// rotate turns the image by deg degrees about its center with bilinear
// resampling. Uncovered corners stay black, matching the zero fill the
// original training pipeline used.
func rotate(src *image.NRGBA, deg float64) *image.NRGBA {
	if deg == 0 {
		return src
	}
	w := src.Bounds().Dx()
	h := src.Bounds().Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))

	rad := deg * math.Pi / 180
	sin, cos := math.Sincos(rad)
	cx := float64(w) / 2
	cy := float64(h) / 2

	// src→dst affine: translate(center) · rotate · translate(-center)
	m := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	xdraw.ApproxBiLinear.Transform(dst, m, src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// #endregion rotate

// #region jitter
// colorJitter perturbs brightness, contrast, saturation and hue by bounded
// random factors.
func colorJitter(src *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	bf := 1 + (rng.Float64()*2-1)*jitterBrightness
	cf := 1 + (rng.Float64()*2-1)*jitterContrast
	sf := 1 + (rng.Float64()*2-1)*jitterSaturation
	hshift := (rng.Float64()*2 - 1) * jitterHue

	w := src.Bounds().Dx()
	h := src.Bounds().Dy()

	// Mean luma over the image anchors the contrast adjustment.
	var lumaSum float64
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for x := 0; x < w; x++ {
			r := float64(row[x*4]) / 255
			g := float64(row[x*4+1]) / 255
			b := float64(row[x*4+2]) / 255
			lumaSum += luma(r, g, b)
		}
	}
	meanLuma := lumaSum / float64(w*h)

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		srow := src.Pix[y*src.Stride : y*src.Stride+w*4]
		drow := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			r := float64(srow[x*4]) / 255
			g := float64(srow[x*4+1]) / 255
			b := float64(srow[x*4+2]) / 255

			r, g, b = r*bf, g*bf, b*bf
			r = (r-meanLuma)*cf + meanLuma
			g = (g-meanLuma)*cf + meanLuma
			b = (b-meanLuma)*cf + meanLuma

			l := luma(r, g, b)
			r = l + (r-l)*sf
			g = l + (g-l)*sf
			b = l + (b-l)*sf

			if hshift != 0 {
				hue, s, v := rgbToHSV(clamp01(r), clamp01(g), clamp01(b))
				hue = math.Mod(hue+hshift+1, 1)
				r, g, b = hsvToRGB(hue, s, v)
			}

			drow[x*4] = byte(clamp01(r)*255 + 0.5)
			drow[x*4+1] = byte(clamp01(g)*255 + 0.5)
			drow[x*4+2] = byte(clamp01(b)*255 + 0.5)
			drow[x*4+3] = srow[x*4+3]
		}
	}
	return dst
}

func luma(r, g, b float64) float64 {
	return 0.299*r + 0.587*g + 0.114*b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// rgbToHSV converts to hue/saturation/value with hue in [0, 1).
func rgbToHSV(r, g, b float64) (float64, float64, float64) {
	max := math.Max(r, math.Max(g, b))
	min := math.Min(r, math.Min(g, b))
	v := max
	d := max - min

	var s float64
	if max > 0 {
		s = d / max
	}

	var hue float64
	if d > 0 {
		switch max {
		case r:
			hue = math.Mod((g-b)/d, 6)
		case g:
			hue = (b-r)/d + 2
		default:
			hue = (r-g)/d + 4
		}
		hue /= 6
		if hue < 0 {
			hue++
		}
	}
	return hue, s, v
}

func hsvToRGB(hue, s, v float64) (float64, float64, float64) {
	i := math.Floor(hue * 6)
	f := hue*6 - i
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)

	switch int(i) % 6 {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}

// #endregion jitter
