package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/face-scorer/internal/score"
	"github.com/danielpatrickdp/face-scorer/internal/train"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)
	cfg := train.DefaultConfig()

	if err := s.StartRun("run-1", cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	r, err := s.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusRunning || r.ConfigJSON == "" {
		t.Fatalf("fresh run: %+v", r)
	}

	if err := s.FinishRun("run-1", StatusFinished, 7, 0.123); err != nil {
		t.Fatalf("finish: %v", err)
	}
	r, err = s.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusFinished || r.BestEpoch != 7 || r.BestValLoss != 0.123 {
		t.Fatalf("finished run: %+v", r)
	}
	if r.FinishedAt.IsZero() {
		t.Fatal("finished run must carry a finish time")
	}
}

func TestEpochsComeBackInOrder(t *testing.T) {
	s := openStore(t)
	if err := s.StartRun("run-2", train.DefaultConfig()); err != nil {
		t.Fatal(err)
	}

	rec := NewRunRecorder(s, "run-2")
	// Insert out of order; reads must still come back sorted by epoch.
	for _, e := range []int{2, 0, 1} {
		stats := train.EpochStats{
			Epoch:     e,
			TrainLoss: 0.5 - float64(e)*0.1,
			ValLoss:   0.6 - float64(e)*0.1,
			ValMAE:    [score.NumMetrics]float64{1, 2, 3, 4, 5, 6, 7},
			LR:        1e-4,
			Improved:  e == 2,
			Duration:  1500 * time.Millisecond,
		}
		if err := rec.RecordEpoch(stats); err != nil {
			t.Fatalf("record epoch %d: %v", e, err)
		}
	}

	epochs, err := s.Epochs("run-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(epochs) != 3 {
		t.Fatalf("expected 3 epochs, got %d", len(epochs))
	}
	for i, e := range epochs {
		if e.Epoch != i {
			t.Fatalf("epoch %d out of order: %d", i, e.Epoch)
		}
	}
	last := epochs[2]
	if !last.Improved || last.ValMAE[6] != 7 || last.Duration != 1500*time.Millisecond {
		t.Fatalf("epoch row lost fields: %+v", last)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openStore(t)
	cfg := train.DefaultConfig()
	if err := s.StartRun("run-a", cfg); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := s.StartRun("run-b", cfg); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-b" {
		t.Fatalf("unexpected order: %+v", runs)
	}
}

func TestGetMissingRunFails(t *testing.T) {
	s := openStore(t)
	if _, err := s.GetRun("absent"); err == nil {
		t.Fatal("expected error for missing run")
	}
}
