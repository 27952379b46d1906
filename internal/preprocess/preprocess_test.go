package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestInferenceIsPure(t *testing.T) {
	raw := encodePNG(t, solidImage(50, 30, color.NRGBA{R: 120, G: 60, B: 200, A: 255}))

	img1, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	img2, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}

	a := Inference(img1, 32)
	// Unrelated call in between must not affect the next result.
	_ = Inference(img2, 16)
	b := Inference(img2, 32)

	if len(a.Data) != len(b.Data) {
		t.Fatalf("tensor sizes differ: %d vs %d", len(a.Data), len(b.Data))
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("tensor diverges at %d: %f vs %f", i, a.Data[i], b.Data[i])
		}
	}
}

func TestInferenceShapeAndNormalization(t *testing.T) {
	img := solidImage(64, 64, color.NRGBA{R: 255, G: 0, B: 128, A: 255})
	tensor := Inference(img, 32)

	if tensor.C != 3 || tensor.H != 32 || tensor.W != 32 {
		t.Fatalf("shape: got %dx%dx%d", tensor.C, tensor.H, tensor.W)
	}

	// Solid color survives resizing exactly, so every pixel of channel c is
	// (v/255 - mean_c) / std_c.
	values := [3]float32{255, 0, 128}
	for c := 0; c < 3; c++ {
		want := (values[c]/255 - MeanRGB[c]) / StdRGB[c]
		got := tensor.At(c, 16, 16)
		if math.Abs(float64(got-want)) > 1e-5 {
			t.Fatalf("channel %d: got %f, want %f", c, got, want)
		}
	}
}

func TestToRGBHandlesNonRGBSources(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			gray.SetGray(x, y, color.Gray{Y: 200})
		}
	}
	rgb := ToRGB(gray)
	r, g, b, _ := rgb.At(4, 4).RGBA()
	if r != g || g != b {
		t.Fatal("grayscale should map to equal RGB channels")
	}

	// Alpha-carrying source must still yield a 3-channel tensor.
	withAlpha := solidImage(8, 8, color.NRGBA{R: 10, G: 20, B: 30, A: 128})
	tensor := Inference(withAlpha, 8)
	if tensor.C != 3 {
		t.Fatalf("expected 3 channels, got %d", tensor.C)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not an image")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestTrainingIsSeedDeterministic(t *testing.T) {
	img := solidImage(80, 80, color.NRGBA{R: 90, G: 140, B: 40, A: 255})

	a := Training(img, 32, rand.New(rand.NewSource(7)))
	b := Training(img, 32, rand.New(rand.NewSource(7)))
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("same seed should reproduce the augmented tensor (index %d)", i)
		}
	}

	if a.C != 3 || a.H != 32 || a.W != 32 {
		t.Fatalf("augmented shape: got %dx%dx%d", a.C, a.H, a.W)
	}
}

func TestTrainingVariesAcrossSeeds(t *testing.T) {
	// A gradient image so geometric augmentation changes pixel values.
	img := image.NewNRGBA(image.Rect(0, 0, 80, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 80; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: byte(x * 3), G: byte(y * 3), B: 100, A: 255})
		}
	}

	a := Training(img, 32, rand.New(rand.NewSource(1)))
	b := Training(img, 32, rand.New(rand.NewSource(2)))
	same := true
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds should produce different augmentations")
	}
}
