// Package train runs the full optimization loop: seeded split, augmented
// batch passes, AdamW updates, plateau learning-rate scheduling, early
// stopping and best-checkpoint persistence.
package train

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/face-scorer/internal/checkpoint"
	"github.com/danielpatrickdp/face-scorer/internal/dataset"
	"github.com/danielpatrickdp/face-scorer/internal/model"
	"github.com/danielpatrickdp/face-scorer/internal/nn"
	"github.com/danielpatrickdp/face-scorer/internal/score"
)

// ErrDiverged is returned when a loss goes non-finite; continuing would only
// corrupt the parameters further.
var ErrDiverged = errors.New("training diverged: non-finite loss")

// #region config
// Config holds every knob of a training run.
type Config struct {
	BatchSize         int     `json:"batchSize"`
	Epochs            int     `json:"epochs"`
	LearningRate      float64 `json:"learningRate"`
	WeightDecay       float64 `json:"weightDecay"`
	EarlyStopPatience int     `json:"earlyStopPatience"`
	PlateauPatience   int     `json:"plateauPatience"`
	PlateauFactor     float64 `json:"plateauFactor"`
	ValSplit          float64 `json:"valSplit"`
	Seed              int64   `json:"seed"`
	Workers           int     `json:"workers"`

	CheckpointPath string `json:"checkpointPath"`
	ExportPath     string `json:"exportPath"`

	Model model.Config `json:"model"`
}

// DefaultConfig returns the canonical hyperparameters.
func DefaultConfig() Config {
	return Config{
		BatchSize:         16,
		Epochs:            100,
		LearningRate:      1e-4,
		WeightDecay:       1e-4,
		EarlyStopPatience: 15,
		PlateauPatience:   5,
		PlateauFactor:     0.5,
		ValSplit:          0.2,
		Seed:              42,
		Workers:           4,
		CheckpointPath:    "best_model.ckpt",
		Model:             model.DefaultConfig(),
	}
}

// Validate checks the run parameters.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size %d must be positive", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs %d must be positive", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate %g must be positive", c.LearningRate)
	}
	if c.ValSplit <= 0 || c.ValSplit >= 1 {
		return fmt.Errorf("validation split %g must be in (0, 1)", c.ValSplit)
	}
	if c.PlateauFactor <= 0 || c.PlateauFactor >= 1 {
		return fmt.Errorf("plateau factor %g must be in (0, 1)", c.PlateauFactor)
	}
	if c.CheckpointPath == "" {
		return fmt.Errorf("checkpoint path must be set")
	}
	return c.Model.Validate()
}

// #endregion config

// #region recorder
// EpochStats is one epoch's summary, recorded for history and logging.
type EpochStats struct {
	Epoch        int
	TrainLoss    float64
	ValLoss      float64
	ValMAE       [score.NumMetrics]float64
	LR           float64
	Improved     bool
	SkippedTrain int
	SkippedVal   int
	Duration     time.Duration
}

// Recorder receives per-epoch stats. A failing recorder never aborts the
// run; persistence of history is best-effort next to the checkpoint itself.
type Recorder interface {
	RecordEpoch(stats EpochStats) error
}

// #endregion recorder

// #region trainer
// Result summarizes a finished run.
type Result struct {
	RunID       string
	BestEpoch   int
	BestValLoss float64
	EpochsRun   int
	Stopped     bool // early stop fired before the epoch budget
}

// Trainer owns one run over one dataset.
type Trainer struct {
	cfg   Config
	src   *dataset.Source
	rec   Recorder
	runID string
}

// New validates the config and prepares a run. rec may be nil.
func New(cfg Config, src *dataset.Source, rec Recorder) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("train config: %w", err)
	}
	if src.Len() < 2 {
		return nil, fmt.Errorf("dataset has %d entries, need at least 2 for a split", src.Len())
	}
	return &Trainer{cfg: cfg, src: src, rec: rec, runID: uuid.NewString()}, nil
}

// RunID identifies this run in logs, history and checkpoint metadata.
func (t *Trainer) RunID() string {
	return t.runID
}

// SetRecorder attaches a per-epoch recorder. Callers that need the run ID to
// open a history row set the recorder after New, before Run.
func (t *Trainer) SetRecorder(rec Recorder) {
	t.rec = rec
}

// Run executes the full loop. It returns ErrDiverged on non-finite losses
// and ctx.Err() when cancelled between epochs; the best checkpoint written
// so far survives either way.
func (t *Trainer) Run(ctx context.Context) (Result, error) {
	cfg := t.cfg
	res := Result{RunID: t.runID, BestEpoch: -1}

	trainSrc, valSrc := t.src.Split(cfg.ValSplit, cfg.Seed)
	if trainSrc.Len() == 0 || valSrc.Len() == 0 {
		return res, fmt.Errorf("split produced %d train / %d val entries; need both non-empty",
			trainSrc.Len(), valSrc.Len())
	}

	m, err := model.New(cfg.Model, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return res, err
	}
	opt := nn.NewAdamW(cfg.LearningRate, cfg.WeightDecay)

	stopper := progress{patience: cfg.EarlyStopPatience}
	scheduler := plateau{patience: cfg.PlateauPatience, factor: cfg.PlateauFactor}

	log.Printf("run %s: %d train / %d val entries, batch %d, lr %g",
		t.runID, trainSrc.Len(), valSrc.Len(), cfg.BatchSize, cfg.LearningRate)

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		start := time.Now()

		trainLoss, skippedTrain, err := t.trainEpoch(ctx, m, opt, trainSrc, epoch)
		if err != nil {
			return res, err
		}
		valLoss, valMAE, skippedVal, err := t.validate(ctx, m, valSrc, epoch)
		if err != nil {
			return res, err
		}
		if !isFinite(trainLoss) || !isFinite(valLoss) {
			return res, fmt.Errorf("epoch %d: train %g val %g: %w", epoch+1, trainLoss, valLoss, ErrDiverged)
		}

		if scheduler.observe(valLoss) {
			opt.LR *= cfg.PlateauFactor
			log.Printf("run %s epoch %d: plateau, lr reduced to %g", t.runID, epoch+1, opt.LR)
		}
		improved, stop := stopper.observe(valLoss)

		if improved {
			meta := checkpoint.Meta{
				RunID:   t.runID,
				Epoch:   epoch,
				ValLoss: valLoss,
				ValMAE:  valMAE,
				Model:   cfg.Model,
			}
			if err := checkpoint.Save(cfg.CheckpointPath, meta, m.Parameters()); err != nil {
				return res, fmt.Errorf("epoch %d: %w", epoch+1, err)
			}
			res.BestEpoch = epoch
			res.BestValLoss = valLoss
		}

		stats := EpochStats{
			Epoch:        epoch,
			TrainLoss:    trainLoss,
			ValLoss:      valLoss,
			ValMAE:       valMAE,
			LR:           opt.LR,
			Improved:     improved,
			SkippedTrain: skippedTrain,
			SkippedVal:   skippedVal,
			Duration:     time.Since(start),
		}
		if t.rec != nil {
			if err := t.rec.RecordEpoch(stats); err != nil {
				log.Printf("run %s epoch %d: record history: %v", t.runID, epoch+1, err)
			}
		}
		log.Printf("run %s epoch %d/%d: train %.4f val %.4f%s (%.1fs)",
			t.runID, epoch+1, cfg.Epochs, trainLoss, valLoss,
			mark(improved), stats.Duration.Seconds())

		res.EpochsRun = epoch + 1
		if stop {
			log.Printf("run %s: no improvement in %d epochs, stopping at epoch %d",
				t.runID, cfg.EarlyStopPatience, epoch+1)
			res.Stopped = true
			break
		}
	}

	t.export()
	return res, nil
}

// export rebuilds the portable graph from the best checkpoint. Failures are
// warnings: the checkpoint on disk stays authoritative.
func (t *Trainer) export() {
	if t.cfg.ExportPath == "" {
		return
	}
	meta, params, err := checkpoint.Load(t.cfg.CheckpointPath)
	if err != nil {
		log.Printf("run %s: export skipped, cannot reload checkpoint: %v", t.runID, err)
		return
	}
	if err := checkpoint.ExportGraph(t.cfg.ExportPath, meta, params); err != nil {
		log.Printf("run %s: export failed: %v", t.runID, err)
		return
	}
	log.Printf("run %s: exported inference graph to %s", t.runID, t.cfg.ExportPath)
}

// #endregion trainer

// #region passes
// trainEpoch runs one augmented pass with one optimizer step per batch. The
// loader pipeline is cancelled on any early return so its workers unwind.
func (t *Trainer) trainEpoch(ctx context.Context, m *model.Model, opt *nn.AdamW, src *dataset.Source, epoch int) (float64, int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := dataset.LoaderConfig{
		BatchSize: t.cfg.BatchSize,
		Workers:   t.cfg.Workers,
		ImageSize: t.cfg.Model.ImageSize,
		Augment:   true,
		Seed:      t.cfg.Seed,
		Epoch:     epoch,
	}
	// Dropout noise is seeded separately from batch assembly so the two
	// streams never correlate.
	rng := rand.New(rand.NewSource(t.cfg.Seed*7919 + int64(epoch)))

	var lossSum float64
	var samples, skipped int
	for batch := range src.Batches(ctx, cfg) {
		skipped += batch.Skipped
		if len(batch.Tensors) == 0 {
			continue
		}
		m.ZeroGrad()
		for i, tensor := range batch.Tensors {
			pred, act, err := m.ForwardTrain(tensor, rng)
			if err != nil {
				return 0, skipped, fmt.Errorf("epoch %d batch %d: %w", epoch+1, batch.Index, err)
			}
			target := batch.Labels[i]
			lossSum += float64(nn.MAELoss(pred[:], target[:]))
			samples++

			var dOut [score.NumMetrics]float32
			copy(dOut[:], nn.MAEGrad(pred[:], target[:], len(batch.Tensors)))
			m.Backward(act, dOut)
		}
		opt.Step(m.Layers())
	}
	if samples == 0 {
		return 0, skipped, fmt.Errorf("epoch %d: every training sample failed to decode", epoch+1)
	}
	return lossSum / float64(samples), skipped, nil
}

// validate runs one deterministic pass, no dropout, no augmentation, and
// reports the loss plus per-metric MAE in score units (×100).
func (t *Trainer) validate(ctx context.Context, m *model.Model, src *dataset.Source, epoch int) (float64, [score.NumMetrics]float64, int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mae [score.NumMetrics]float64
	cfg := dataset.LoaderConfig{
		BatchSize: t.cfg.BatchSize,
		Workers:   t.cfg.Workers,
		ImageSize: t.cfg.Model.ImageSize,
		Augment:   false,
		Seed:      t.cfg.Seed,
		Epoch:     epoch,
	}

	var lossSum float64
	var samples, skipped int
	for batch := range src.Batches(ctx, cfg) {
		skipped += batch.Skipped
		for i, tensor := range batch.Tensors {
			pred, err := m.Predict(tensor)
			if err != nil {
				return 0, mae, skipped, fmt.Errorf("epoch %d validation: %w", epoch+1, err)
			}
			target := batch.Labels[i]
			lossSum += float64(nn.MAELoss(pred[:], target[:]))
			for j := range pred {
				mae[j] += math.Abs(float64(pred[j]-target[j])) * 100
			}
			samples++
		}
	}
	if samples == 0 {
		return 0, mae, skipped, fmt.Errorf("epoch %d: every validation sample failed to decode", epoch+1)
	}
	for j := range mae {
		mae[j] /= float64(samples)
	}
	return lossSum / float64(samples), mae, skipped, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func mark(improved bool) string {
	if improved {
		return " *"
	}
	return ""
}

// #endregion passes
