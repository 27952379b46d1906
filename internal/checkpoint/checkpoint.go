// Package checkpoint reads and writes the trainer's durable artifact: model
// parameters bound to the metric order, preprocessing constants and
// validation errors they were selected with. The trainer is the only
// writer; the evaluator and the serving path only read.
package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/danielpatrickdp/face-scorer/internal/model"
	"github.com/danielpatrickdp/face-scorer/internal/preprocess"
	"github.com/danielpatrickdp/face-scorer/internal/score"
)

// #region format
var magic = [4]byte{'F', 'S', 'C', 'M'}

// FormatVersion is bumped on any incompatible layout change.
const FormatVersion = 1

// Normalization records the preprocessing constants the parameters were
// trained against.
type Normalization struct {
	Mean [3]float32 `json:"mean"`
	Std  [3]float32 `json:"std"`
}

// ParamInfo describes one parameter blob in file order.
type ParamInfo struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// Meta is the checkpoint header, serialized as JSON ahead of the raw
// parameter blobs.
type Meta struct {
	RunID         string                    `json:"runId"`
	Epoch         int                       `json:"epoch"`
	ValLoss       float64                   `json:"valLoss"`
	ValMAE        [score.NumMetrics]float64 `json:"valMae"`
	Metrics       [score.NumMetrics]string  `json:"metrics"`
	Model         model.Config              `json:"model"`
	Normalization Normalization             `json:"normalization"`
	Params        []ParamInfo               `json:"params"`
	SavedAt       time.Time                 `json:"savedAt"`
}

// CurrentNormalization returns the constants the preprocessing pipeline
// uses right now.
func CurrentNormalization() Normalization {
	return Normalization{Mean: preprocess.MeanRGB, Std: preprocess.StdRGB}
}

// #endregion format

// #region save
// Save writes a checkpoint atomically: the file is built under a temporary
// name in the target directory and renamed into place, so a concurrently
// starting reader never observes a partial checkpoint.
func Save(path string, meta Meta, params []model.Param) error {
	meta.Metrics = score.Names
	meta.Normalization = CurrentNormalization()
	meta.Params = make([]ParamInfo, len(params))
	for i, p := range params {
		meta.Params[i] = ParamInfo{Name: p.Name, Shape: p.Shape}
	}
	if meta.SavedAt.IsZero() {
		meta.SavedAt = time.Now().UTC()
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	write := func(b []byte) error {
		_, werr := tmp.Write(b)
		return werr
	}

	var head [12]byte
	copy(head[:4], magic[:])
	binary.LittleEndian.PutUint32(head[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(head[8:12], uint32(len(metaJSON)))
	if err := write(head[:]); err == nil {
		err = write(metaJSON)
	}
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint header: %w", err)
	}

	for _, p := range params {
		if err := write(encodeFloats(p.Data)); err != nil {
			tmp.Close()
			return fmt.Errorf("write parameter %s: %w", p.Name, err)
		}
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename checkpoint into place: %w", err)
	}
	return nil
}

// #endregion save

// #region load
// Load reads a checkpoint file back into metadata and parameter tensors.
func Load(path string) (Meta, []model.Param, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if len(b) < 12 || [4]byte(b[:4]) != magic {
		return Meta{}, nil, fmt.Errorf("checkpoint %s: bad magic", path)
	}
	if v := binary.LittleEndian.Uint32(b[4:8]); v != FormatVersion {
		return Meta{}, nil, fmt.Errorf("checkpoint %s: format version %d, want %d", path, v, FormatVersion)
	}
	metaLen := int(binary.LittleEndian.Uint32(b[8:12]))
	if 12+metaLen > len(b) {
		return Meta{}, nil, fmt.Errorf("checkpoint %s: truncated metadata", path)
	}

	var meta Meta
	if err := json.Unmarshal(b[12:12+metaLen], &meta); err != nil {
		return Meta{}, nil, fmt.Errorf("unmarshal checkpoint meta: %w", err)
	}

	off := 12 + metaLen
	params := make([]model.Param, len(meta.Params))
	for i, info := range meta.Params {
		n := 1
		for _, d := range info.Shape {
			if d <= 0 {
				return Meta{}, nil, fmt.Errorf("checkpoint %s: parameter %s has invalid shape %v", path, info.Name, info.Shape)
			}
			n *= d
		}
		// Compare against the remaining bytes instead of computing off+n*4,
		// which can overflow for crafted shapes.
		if n <= 0 || n > (len(b)-off)/4 {
			return Meta{}, nil, fmt.Errorf("checkpoint %s: truncated parameter %s", path, info.Name)
		}
		end := off + n*4
		params[i] = model.Param{
			Name:  info.Name,
			Shape: info.Shape,
			Data:  decodeFloats(b[off:end]),
		}
		off = end
	}
	return meta, params, nil
}

// Restore loads a checkpoint and reconstructs a ready-to-serve model,
// rejecting checkpoints trained against a different metric order or
// architecture.
func Restore(path string) (*model.Model, Meta, error) {
	meta, params, err := Load(path)
	if err != nil {
		return nil, Meta{}, err
	}
	if meta.Metrics != score.Names {
		return nil, Meta{}, fmt.Errorf("checkpoint %s: metric order %v does not match canonical order", path, meta.Metrics)
	}
	m, err := model.New(meta.Model, nil)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if err := m.LoadParameters(params); err != nil {
		return nil, Meta{}, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return m, meta, nil
}

// #endregion load

// #region float-encoding
func encodeFloats(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFloats(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// #endregion float-encoding
