package dataset

import (
	"context"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/face-scorer/internal/preprocess"
	"github.com/danielpatrickdp/face-scorer/internal/score"
)

// #region loader-types
// Batch is one preprocessed training/validation batch. Tensors, Labels and
// IDs are parallel slices; Skipped counts items dropped for decode errors.
type Batch struct {
	Index   int
	Tensors []*preprocess.Tensor
	Labels  [][score.NumMetrics]float32
	IDs     []string
	Skipped int
}

// LoaderConfig controls batch assembly for one epoch.
type LoaderConfig struct {
	BatchSize int
	Workers   int
	ImageSize int
	Augment   bool
	Seed      int64
	Epoch     int
}

// #endregion loader-types

// #region batches
// Batches assigns every entry to exactly one batch — the assignment is a
// pure function of Seed and Epoch — then decodes and preprocesses batches
// on a bounded worker pool. Workers share no mutable state; each batch gets
// its own augmentation rng derived from (Seed, Epoch, batch index). Batches
// are delivered in index order with a bounded prefetch window, so parameter
// updates stay sequential and memory stays flat.
//
// Cancelling ctx unwinds the pipeline: the producer stops scheduling work,
// the consumer stops sending and closes the channel. A caller that stops
// receiving early must cancel ctx, or the pipeline goroutines block forever
// on the prefetch window.
func (s *Source) Batches(ctx context.Context, cfg LoaderConfig) <-chan Batch {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	order := rand.New(rand.NewSource(epochSeed(cfg.Seed, cfg.Epoch))).Perm(len(s.entries))
	numBatches := (len(order) + cfg.BatchSize - 1) / cfg.BatchSize

	slots := make([]chan Batch, numBatches)
	for i := range slots {
		slots[i] = make(chan Batch, 1)
	}

	// The prefetch window caps how many finished batches can sit undrained.
	window := make(chan struct{}, cfg.Workers*2)

	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	go func() {
		for bi := 0; bi < numBatches; bi++ {
			bi := bi
			select {
			case window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			g.Go(func() error {
				// Slot sends never block: capacity 1, single writer.
				slots[bi] <- s.buildBatch(bi, order[bi*cfg.BatchSize:min((bi+1)*cfg.BatchSize, len(order))], cfg)
				return nil
			})
		}
	}()

	out := make(chan Batch)
	go func() {
		defer close(out)
		for bi := 0; bi < numBatches; bi++ {
			var b Batch
			select {
			case b = <-slots[bi]:
			case <-ctx.Done():
				return
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
			<-window
		}
	}()
	return out
}

func (s *Source) buildBatch(index int, indices []int, cfg LoaderConfig) Batch {
	b := Batch{Index: index}
	rng := rand.New(rand.NewSource(epochSeed(cfg.Seed, cfg.Epoch)*31 + int64(index) + 1))
	for _, i := range indices {
		res := decodeEntry(s.entries[i])
		if res.Err != nil {
			b.Skipped++
			continue
		}
		var t *preprocess.Tensor
		if cfg.Augment {
			t = preprocess.Training(res.Item.Image, cfg.ImageSize, rng)
		} else {
			t = preprocess.Inference(res.Item.Image, cfg.ImageSize)
		}
		b.Tensors = append(b.Tensors, t)
		b.Labels = append(b.Labels, res.Item.Labels)
		b.IDs = append(b.IDs, res.Item.ID)
	}
	return b
}

func epochSeed(seed int64, epoch int) int64 {
	return seed*1_000_003 + int64(epoch)
}

// #endregion batches
