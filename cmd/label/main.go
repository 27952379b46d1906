package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	openai "github.com/sashabaranov/go-openai"

	"github.com/danielpatrickdp/face-scorer/internal/config"
	"github.com/danielpatrickdp/face-scorer/internal/labeler"
)

// #region main
func main() {
	configPath := flag.String("config", config.EnvOr("FACE_SCORER_CONFIG", ""), "path to config YAML")
	imagesDir := flag.String("images", "", "images directory (overrides config)")
	scoresPath := flag.String("scores", "", "label store path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *imagesDir != "" {
		cfg.Data.ImagesDir = *imagesDir
	}
	if *scoresPath != "" {
		cfg.Data.ScoresPath = *scoresPath
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Fatal("OPENAI_API_KEY is not set")
	}
	labelCfg, err := cfg.LabelerConfig()
	if err != nil {
		log.Fatalf("labeler config: %v", err)
	}

	// Interrupt stops between images; everything labeled so far is already
	// in the store.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := labeler.New(openai.NewClient(apiKey), labelCfg)
	labeled, skipped, err := l.Run(ctx, cfg.Data.ImagesDir, cfg.Data.ScoresPath)
	if err != nil && ctx.Err() == nil {
		log.Fatalf("labeling: %v", err)
	}
	log.Printf("labeled %d images, skipped %d", labeled, skipped)
}

// #endregion main
