package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/danielpatrickdp/face-scorer/internal/checkpoint"
	"github.com/danielpatrickdp/face-scorer/internal/config"
	"github.com/danielpatrickdp/face-scorer/internal/dataset"
	"github.com/danielpatrickdp/face-scorer/internal/eval"
)

// #region main
func main() {
	configPath := flag.String("config", config.EnvOr("FACE_SCORER_CONFIG", ""), "path to config YAML")
	ckptPath := flag.String("checkpoint", "", "checkpoint path (overrides config)")
	samples := flag.Int("samples", 0, "evaluate at most N entries (0 = all)")
	jsonOut := flag.Bool("json", false, "output report as JSON")
	verbose := flag.Bool("verbose", false, "also print the per-sample table")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *ckptPath != "" {
		cfg.Data.CheckpointPath = *ckptPath
	}
	evalCfg := cfg.EvalConfig()
	if *samples > 0 {
		evalCfg.Samples = *samples
	}

	m, meta, err := checkpoint.Restore(cfg.Data.CheckpointPath)
	if err != nil {
		log.Fatalf("restore checkpoint: %v", err)
	}
	log.Printf("checkpoint: run %s epoch %d, val loss %.4f", meta.RunID, meta.Epoch+1, meta.ValLoss)

	src, report, err := dataset.Load(cfg.Data.ScoresPath, cfg.Data.ImagesDir)
	if err != nil {
		log.Fatalf("load dataset: %v", err)
	}
	log.Printf("dataset: %d matched images", report.Matched)

	result, err := eval.NewHarness(evalCfg).Run(m, src)
	if err != nil {
		log.Fatalf("evaluate: %v", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			log.Fatalf("encode report: %v", err)
		}
	} else {
		printReport(result, *verbose)
	}

	// Non-zero exit on fail so CI gates on the verdict.
	if result.Verdict == eval.VerdictFail {
		os.Exit(1)
	}
}

func printReport(r eval.Report, verbose bool) {
	fmt.Printf("evaluated %d samples (%d skipped)\n\n", r.Samples, r.Skipped)

	if verbose {
		fmt.Printf("%-30s %8s %8s\n", "sample", "labeled", "mean_ae")
		for _, s := range r.PerSample {
			fmt.Printf("%-30s %8d %8.2f\n", s.ID, s.Labeled, s.MeanAE)
		}
		fmt.Println()
	}

	fmt.Printf("%-20s %6s %8s %8s  %s\n", "metric", "count", "mean_ae", "max_ae", "verdict")
	for _, m := range r.Metrics {
		fmt.Printf("%-20s %6d %8.2f %8.2f  %s\n", m.Name, m.Count, m.MeanAE, m.MaxAE, m.Verdict)
	}
	fmt.Printf("\noverall MAE %.2f, verdict %s\n", r.OverallMAE, r.Verdict)
}

// #endregion main
