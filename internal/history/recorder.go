package history

import "github.com/danielpatrickdp/face-scorer/internal/train"

// #region recorder
// RunRecorder adapts a Store to the trainer's per-epoch callback for one run.
type RunRecorder struct {
	store *Store
	runID string
}

// NewRunRecorder binds a store to a run ID.
func NewRunRecorder(store *Store, runID string) *RunRecorder {
	return &RunRecorder{store: store, runID: runID}
}

// RecordEpoch appends one epoch row.
func (r *RunRecorder) RecordEpoch(stats train.EpochStats) error {
	return r.store.AppendEpoch(r.runID, stats)
}

// #endregion recorder
