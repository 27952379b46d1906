package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/danielpatrickdp/face-scorer/internal/score"
)

// writeFixture creates an images dir plus a label store covering n images,
// with every third metric omitted to exercise defaulting.
func writeFixture(t *testing.T, n int) (scoresPath, imagesDir string) {
	t.Helper()
	dir := t.TempDir()
	imagesDir = filepath.Join(dir, "images")
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		t.Fatal(err)
	}

	scores := map[string]map[string]int{}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("face_%03d.png", i)
		writePNG(t, filepath.Join(imagesDir, name), 8+i%3)

		rec := map[string]int{}
		for j, m := range score.Names {
			if (i+j)%3 == 0 {
				continue
			}
			rec[m] = (i*13 + j*7) % 101
		}
		scores[name] = rec
	}

	scoresPath = filepath.Join(dir, "scores.json")
	raw, _ := json.Marshal(map[string]any{"scores": scores})
	if err := os.WriteFile(scoresPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return scoresPath, imagesDir
}

func writePNG(t *testing.T, path string, size int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: byte(x * 20), G: byte(y * 20), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadJoinsLabelsAndImages(t *testing.T) {
	scoresPath, imagesDir := writeFixture(t, 10)
	src, report, err := Load(scoresPath, imagesDir)
	if err != nil {
		t.Fatal(err)
	}
	if src.Len() != 10 || report.Matched != 10 {
		t.Fatalf("expected 10 matched entries, got %d (report %+v)", src.Len(), report)
	}
}

func TestLoadDropsBadLabelsAndUnmatchedFiles(t *testing.T) {
	scoresPath, imagesDir := writeFixture(t, 4)

	// Append: one out-of-range record, one record without an image file.
	raw, _ := os.ReadFile(scoresPath)
	var lf struct {
		Scores map[string]map[string]int `json:"scores"`
	}
	json.Unmarshal(raw, &lf)
	writePNG(t, filepath.Join(imagesDir, "bad_range.png"), 8)
	lf.Scores["bad_range.png"] = map[string]int{"jawline": 150}
	lf.Scores["no_such_file.png"] = map[string]int{"jawline": 50}
	out, _ := json.Marshal(map[string]any{"scores": lf.Scores})
	os.WriteFile(scoresPath, out, 0o644)

	src, report, err := Load(scoresPath, imagesDir)
	if err != nil {
		t.Fatal(err)
	}
	if src.Len() != 4 {
		t.Fatalf("expected 4 valid entries, got %d", src.Len())
	}
	if report.BadLabels != 1 {
		t.Fatalf("expected 1 bad label, got %d", report.BadLabels)
	}
}

func TestSplitDisjointExhaustiveReproducible(t *testing.T) {
	scoresPath, imagesDir := writeFixture(t, 20)
	src, _, err := Load(scoresPath, imagesDir)
	if err != nil {
		t.Fatal(err)
	}

	train1, val1 := src.Split(0.2, 42)
	train2, val2 := src.Split(0.2, 42)

	if train1.Len() != 16 || val1.Len() != 4 {
		t.Fatalf("split sizes: train %d val %d", train1.Len(), val1.Len())
	}

	seen := map[string]int{}
	for _, e := range train1.Entries() {
		seen[e.ID]++
	}
	for _, e := range val1.Entries() {
		seen[e.ID]++
	}
	if len(seen) != 20 {
		t.Fatalf("split not exhaustive: %d unique ids", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("entry %s appears %d times across the split", id, n)
		}
	}

	// Same seed, same partition.
	for i, e := range train1.Entries() {
		if train2.Entries()[i].ID != e.ID {
			t.Fatal("same seed should reproduce the train side")
		}
	}
	for i, e := range val1.Entries() {
		if val2.Entries()[i].ID != e.ID {
			t.Fatal("same seed should reproduce the val side")
		}
	}

	// Different seed, different shuffle (with 20 entries a collision is
	// vanishingly unlikely).
	train3, _ := src.Split(0.2, 43)
	same := true
	for i, e := range train1.Entries() {
		if train3.Entries()[i].ID != e.ID {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds produced an identical split")
	}
}

func TestIteratorSkipsBadImage(t *testing.T) {
	scoresPath, imagesDir := writeFixture(t, 3)

	// Corrupt one image after the join.
	src, _, err := Load(scoresPath, imagesDir)
	if err != nil {
		t.Fatal(err)
	}
	victim := src.Entries()[1]
	if err := os.WriteFile(victim.Path, []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}

	it := src.Iter()
	var ok, failed int
	for {
		res, more := it.Next()
		if !more {
			break
		}
		if res.Err != nil {
			failed++
			if res.ID != victim.ID {
				t.Fatalf("wrong item failed: %s", res.ID)
			}
			continue
		}
		ok++
		if len(res.Item.Labels) != score.NumMetrics {
			t.Fatalf("dense labels wrong width: %d", len(res.Item.Labels))
		}
	}
	if ok != 2 || failed != 1 {
		t.Fatalf("expected 2 ok / 1 failed, got %d / %d", ok, failed)
	}

	// Restartable: a reset pass sees the same counts.
	it.Reset()
	count := 0
	for {
		_, more := it.Next()
		if !more {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("reset pass saw %d items, want 3", count)
	}
}

func TestBatchesDeterministicAssignment(t *testing.T) {
	scoresPath, imagesDir := writeFixture(t, 12)
	src, _, err := Load(scoresPath, imagesDir)
	if err != nil {
		t.Fatal(err)
	}

	cfg := LoaderConfig{BatchSize: 5, Workers: 3, ImageSize: 16, Augment: false, Seed: 42, Epoch: 2}

	collect := func() [][]string {
		var got [][]string
		for b := range src.Batches(context.Background(), cfg) {
			got = append(got, b.IDs)
		}
		return got
	}

	a := collect()
	b := collect()

	if len(a) != 3 {
		t.Fatalf("expected 3 batches of ≤5 over 12 items, got %d", len(a))
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			t.Fatal("batch sizes differ across identical runs")
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				t.Fatal("sample-to-batch assignment must be deterministic for a fixed seed and epoch")
			}
		}
	}

	// A different epoch reshuffles the assignment.
	cfg.Epoch = 3
	c := collect()
	same := true
	for i := range a {
		for j := range a[i] {
			if a[i][j] != c[i][j] {
				same = false
			}
		}
	}
	if same {
		t.Fatal("different epochs should produce different batch assignments")
	}
}

func TestBatchesCountSkippedItems(t *testing.T) {
	scoresPath, imagesDir := writeFixture(t, 6)
	src, _, err := Load(scoresPath, imagesDir)
	if err != nil {
		t.Fatal(err)
	}
	victim := src.Entries()[0]
	os.WriteFile(victim.Path, []byte("junk"), 0o644)

	total, skipped := 0, 0
	for b := range src.Batches(context.Background(), LoaderConfig{BatchSize: 4, Workers: 2, ImageSize: 16, Seed: 1}) {
		total += len(b.Tensors)
		skipped += b.Skipped
	}
	if total != 5 || skipped != 1 {
		t.Fatalf("expected 5 tensors / 1 skipped, got %d / %d", total, skipped)
	}
}

func TestBatchesUnwindOnCancel(t *testing.T) {
	scoresPath, imagesDir := writeFixture(t, 20)
	src, _, err := Load(scoresPath, imagesDir)
	if err != nil {
		t.Fatal(err)
	}

	before := runtime.NumGoroutine()
	ctx, cancel := context.WithCancel(context.Background())
	ch := src.Batches(ctx, LoaderConfig{BatchSize: 2, Workers: 2, ImageSize: 16, Seed: 3})

	// Take one batch, then walk away, as a failing consumer would.
	if _, ok := <-ch; !ok {
		t.Fatal("expected at least one batch")
	}
	cancel()

	// The channel must close rather than leave producers parked on the
	// prefetch window.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				goto drained
			}
		case <-deadline:
			t.Fatal("batch channel never closed after cancellation")
		}
	}
drained:
	for i := 0; i < 50; i++ {
		if runtime.NumGoroutine() <= before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("loader goroutines still running: %d, started with %d", runtime.NumGoroutine(), before)
}
