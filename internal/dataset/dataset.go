// Package dataset joins the label store against on-disk images and feeds
// the trainer, evaluator and preprocessing pipeline. One bad image or label
// never aborts a pass: failures travel as per-item results and are counted,
// so callers can tell "empty input" from "everything failed".
package dataset

import (
	"encoding/json"
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danielpatrickdp/face-scorer/internal/preprocess"
	"github.com/danielpatrickdp/face-scorer/internal/score"
)

// #region types
// Entry is one labeled image reference prior to decoding.
type Entry struct {
	ID     string // label store key, the image filename
	Path   string
	Labels score.Partial
}

// Source is a finite, restartable collection of entries.
type Source struct {
	entries []Entry
}

// Item is a decoded sample: the image, its dense target vector scaled to
// [0, 1] (missing metrics at 0.5) and its identifier.
type Item struct {
	ID     string
	Image  image.Image
	Labels [score.NumMetrics]float32
	Truth  score.Partial
}

// ItemResult carries either a decoded item or the reason it was skipped.
type ItemResult struct {
	ID   string
	Item *Item
	Err  error
}

// LoadReport summarizes the label join.
type LoadReport struct {
	LabeledRecords int // entries in the label store
	Matched        int // label records with an image on disk
	BadLabels      int // records rejected at the validation boundary
}

// #endregion types

// #region label-file
// labelFile is the on-disk label store shape: {"scores": {filename: {...}}}.
type labelFile struct {
	Scores map[string]map[string]int `json:"scores"`
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// #endregion label-file

// #region load
// Load reads the label store and joins it against images present in
// imagesDir. Records without a matching file are dropped silently (the
// store may describe images not yet organized); records failing validation
// are dropped and counted. Entries come back sorted by ID so the seeded
// split is a function of seed and content only.
func Load(scoresPath, imagesDir string) (*Source, LoadReport, error) {
	raw, err := os.ReadFile(scoresPath)
	if err != nil {
		return nil, LoadReport{}, fmt.Errorf("read label store: %w", err)
	}
	var lf labelFile
	if err := json.Unmarshal(raw, &lf); err != nil {
		return nil, LoadReport{}, fmt.Errorf("parse label store: %w", err)
	}

	report := LoadReport{LabeledRecords: len(lf.Scores)}

	var entries []Entry
	for name, rec := range lf.Scores {
		if !imageExtensions[strings.ToLower(filepath.Ext(name))] {
			report.BadLabels++
			continue
		}
		path := filepath.Join(imagesDir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		partial, err := score.ParsePartial(rec)
		if err != nil {
			report.BadLabels++
			continue
		}
		entries = append(entries, Entry{ID: name, Path: path, Labels: partial})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	report.Matched = len(entries)
	return &Source{entries: entries}, report, nil
}

// FromEntries builds a Source directly, for tests and synthetic runs.
func FromEntries(entries []Entry) *Source {
	return &Source{entries: entries}
}

// Len returns the number of entries.
func (s *Source) Len() int {
	return len(s.entries)
}

// Entries returns a copy of the entry list.
func (s *Source) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// #endregion load

// #region split
// Split holds out valFrac of the entries for validation. The full list is
// shuffled with the seed before windowing, so the same seed and entry list
// always produce the same disjoint, exhaustive partition.
func (s *Source) Split(valFrac float64, seed int64) (train, val *Source) {
	shuffled := s.Entries()
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	cut := int(float64(len(shuffled)) * (1 - valFrac))
	if cut < 0 {
		cut = 0
	}
	if cut > len(shuffled) {
		cut = len(shuffled)
	}
	return &Source{entries: shuffled[:cut]}, &Source{entries: shuffled[cut:]}
}

// #endregion split

// #region iterator
// Iterator walks a Source lazily, decoding one image at a time. Decode
// failures surface as per-item errors; iteration always continues.
type Iterator struct {
	src *Source
	pos int
}

// Iter starts a fresh pass over the source.
func (s *Source) Iter() *Iterator {
	return &Iterator{src: s}
}

// Next returns the next item result, or ok=false when the pass is done.
func (it *Iterator) Next() (ItemResult, bool) {
	if it.pos >= len(it.src.entries) {
		return ItemResult{}, false
	}
	e := it.src.entries[it.pos]
	it.pos++
	return decodeEntry(e), true
}

// Reset rewinds the iterator for another pass.
func (it *Iterator) Reset() {
	it.pos = 0
}

func decodeEntry(e Entry) ItemResult {
	raw, err := os.ReadFile(e.Path)
	if err != nil {
		return ItemResult{ID: e.ID, Err: fmt.Errorf("read %s: %w", e.ID, err)}
	}
	img, err := preprocess.Decode(raw)
	if err != nil {
		return ItemResult{ID: e.ID, Err: fmt.Errorf("decode %s: %w", e.ID, err)}
	}
	return ItemResult{ID: e.ID, Item: &Item{
		ID:     e.ID,
		Image:  img,
		Labels: e.Labels.Dense(),
		Truth:  e.Labels,
	}}
}

// #endregion iterator
