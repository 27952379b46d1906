package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/face-scorer/internal/checkpoint"
	"github.com/danielpatrickdp/face-scorer/internal/history"
	"github.com/danielpatrickdp/face-scorer/internal/score"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to history.db")
	ckptPath := flag.String("checkpoint", "", "show checkpoint metadata instead of run history")
	last := flag.Int("last", 20, "show N most recent runs")
	runID := flag.String("run", "", "show one run's epoch curve")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	switch {
	case *ckptPath != "":
		if err := runCheckpointMode(*ckptPath, *jsonOut); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case *dbPath != "":
		store, err := history.NewStore(*dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open db: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		if *runID != "" {
			err = runCurveMode(store, *runID, *jsonOut)
		} else {
			err = runListMode(store, *last, *jsonOut)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/history.db [--last N] [--run id] [--json]")
		fmt.Fprintln(os.Stderr, "       inspect --checkpoint path/to/best_model.ckpt [--json]")
		os.Exit(2)
	}
}

// #endregion main

// #region list-mode

func runListMode(store *history.Store, last int, jsonOut bool) error {
	runs, err := store.ListRuns(last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(runs)
	}

	fmt.Printf("%-36s %-10s %-20s %10s %12s\n", "run_id", "status", "started", "best_epoch", "best_val")
	for _, r := range runs {
		fmt.Printf("%-36s %-10s %-20s %10d %12.4f\n",
			r.RunID, r.Status, r.StartedAt.Format(time.DateTime), r.BestEpoch+1, r.BestValLoss)
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
	}
	return nil
}

// #endregion list-mode

// #region curve-mode

func runCurveMode(store *history.Store, runID string, jsonOut bool) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	epochs, err := store.Epochs(runID)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(struct {
			Run    history.Run     `json:"run"`
			Epochs []history.Epoch `json:"epochs"`
		}{run, epochs})
	}

	fmt.Printf("run %s (%s)\n\n", run.RunID, run.Status)
	fmt.Printf("%6s %12s %12s %10s %9s\n", "epoch", "train_loss", "val_loss", "lr", "improved")
	for _, e := range epochs {
		marker := ""
		if e.Improved {
			marker = "*"
		}
		fmt.Printf("%6d %12.4f %12.4f %10.2g %9s\n", e.Epoch+1, e.TrainLoss, e.ValLoss, e.LR, marker)
	}
	return nil
}

// #endregion curve-mode

// #region checkpoint-mode

func runCheckpointMode(path string, jsonOut bool) error {
	meta, params, err := checkpoint.Load(path)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(meta)
	}

	fmt.Printf("checkpoint %s\n", path)
	fmt.Printf("  run:      %s (epoch %d)\n", meta.RunID, meta.Epoch+1)
	fmt.Printf("  val loss: %.4f\n", meta.ValLoss)
	fmt.Printf("  saved:    %s\n", meta.SavedAt.Format(time.DateTime))
	fmt.Printf("  model:    %dpx / %dpx patches, embed %d, hidden %d\n",
		meta.Model.ImageSize, meta.Model.PatchSize, meta.Model.EmbedDim, meta.Model.HiddenDim)

	fmt.Println("\n  per-metric val MAE:")
	for i, name := range score.Names {
		fmt.Printf("    %-20s %6.2f\n", name, meta.ValMAE[i])
	}

	total := 0
	for _, p := range params {
		n := 1
		for _, d := range p.Shape {
			n *= d
		}
		total += n
	}
	fmt.Printf("\n  parameters: %d tensors, %d values\n", len(params), total)
	return nil
}

// #endregion checkpoint-mode

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
