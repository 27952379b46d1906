package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/danielpatrickdp/face-scorer/internal/config"
	"github.com/danielpatrickdp/face-scorer/internal/dataset"
	"github.com/danielpatrickdp/face-scorer/internal/history"
	"github.com/danielpatrickdp/face-scorer/internal/train"
)

// #region main
func main() {
	configPath := flag.String("config", config.EnvOr("FACE_SCORER_CONFIG", ""), "path to config YAML")
	scoresPath := flag.String("scores", "", "label store path (overrides config)")
	imagesDir := flag.String("images", "", "images directory (overrides config)")
	epochs := flag.Int("epochs", 0, "epoch budget (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *scoresPath != "" {
		cfg.Data.ScoresPath = *scoresPath
	}
	if *imagesDir != "" {
		cfg.Data.ImagesDir = *imagesDir
	}
	trainCfg := cfg.TrainConfig()
	if *epochs > 0 {
		trainCfg.Epochs = *epochs
	}

	src, report, err := dataset.Load(cfg.Data.ScoresPath, cfg.Data.ImagesDir)
	if err != nil {
		log.Fatalf("load dataset: %v", err)
	}
	log.Printf("dataset: %d labeled records, %d matched images, %d bad labels",
		report.LabeledRecords, report.Matched, report.BadLabels)

	store, err := history.NewStore(cfg.Data.HistoryDB)
	if err != nil {
		log.Fatalf("open history db: %v", err)
	}
	defer store.Close()

	// Ctrl-C finishes the current epoch, then the best checkpoint so far
	// stands as the run's result.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trainer, err := train.New(trainCfg, src, nil)
	if err != nil {
		log.Fatalf("configure trainer: %v", err)
	}
	runID := trainer.RunID()
	if err := store.StartRun(runID, trainCfg); err != nil {
		log.Fatalf("record run: %v", err)
	}
	trainer.SetRecorder(history.NewRunRecorder(store, runID))

	res, err := trainer.Run(ctx)
	status := history.StatusFinished
	switch {
	case errors.Is(err, context.Canceled):
		log.Printf("run interrupted after %d epochs", res.EpochsRun)
	case err != nil:
		status = history.StatusFailed
		if ferr := store.FinishRun(runID, status, res.BestEpoch, res.BestValLoss); ferr != nil {
			log.Printf("record run end: %v", ferr)
		}
		log.Fatalf("training: %v", err)
	}
	if err := store.FinishRun(runID, status, res.BestEpoch, res.BestValLoss); err != nil {
		log.Printf("record run end: %v", err)
	}

	log.Printf("run %s done: best epoch %d, val loss %.4f, %d epochs run",
		res.RunID, res.BestEpoch+1, res.BestValLoss, res.EpochsRun)
}

// #endregion main
