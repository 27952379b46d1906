package checkpoint

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danielpatrickdp/face-scorer/internal/model"
	"github.com/danielpatrickdp/face-scorer/internal/score"
)

// #region graph-types
// Graph is the portable inference export: a static description of the
// forward computation only, with no optimizer state. The batch dimension is
// dynamic ("batch"); weights are little-endian float32, base64-encoded.
type Graph struct {
	FormatVersion int           `json:"formatVersion"`
	ModelVersion  string        `json:"modelVersion"`
	Inputs        []GraphTensor `json:"inputs"`
	Outputs       []GraphTensor `json:"outputs"`
	Nodes         []GraphNode   `json:"nodes"`
	Normalization Normalization `json:"normalization"`
	Metrics       []string      `json:"metrics"`
}

// GraphTensor names a graph boundary tensor. Dimensions are ints or the
// string "batch".
type GraphTensor struct {
	Name  string `json:"name"`
	Shape []any  `json:"shape"`
}

// GraphNode is one operation in topological order.
type GraphNode struct {
	Op      string            `json:"op"`
	Name    string            `json:"name"`
	Attrs   map[string]any    `json:"attrs,omitempty"`
	Weights map[string]string `json:"weights,omitempty"` // name → base64 LE float32
}

// #endregion graph-types

// #region export
// ExportGraph writes the portable inference graph next to the checkpoint.
// Callers treat failure as a warning: the checkpoint stays authoritative.
func ExportGraph(path string, meta Meta, params []model.Param) error {
	byName := make(map[string]model.Param, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}
	weight := func(name string) (string, error) {
		p, ok := byName[name]
		if !ok {
			return "", fmt.Errorf("export: parameter %s missing from checkpoint", name)
		}
		return base64.StdEncoding.EncodeToString(encodeFloats(p.Data)), nil
	}

	cfg := meta.Model
	g := Graph{
		FormatVersion: FormatVersion,
		ModelVersion:  fmt.Sprintf("patchnet_v1-e%d", meta.Epoch+1),
		Inputs: []GraphTensor{
			{Name: "image", Shape: []any{"batch", 3, cfg.ImageSize, cfg.ImageSize}},
		},
		Outputs: []GraphTensor{
			{Name: "scores", Shape: []any{"batch", score.NumMetrics}},
		},
		Normalization: meta.Normalization,
		Metrics:       score.Names[:],
	}

	type layerSpec struct {
		op    string
		name  string
		attrs map[string]any
		w, b  string
	}
	layers := []layerSpec{
		{op: "patch_extract", name: "patches", attrs: map[string]any{"patchSize": cfg.PatchSize, "layout": "chw_row_major"}},
		{op: "dense", name: "patch_embed", w: "patch_embed.weight", b: "patch_embed.bias"},
		{op: "relu", name: "patch_relu"},
		{op: "mean_pool", name: "embed", attrs: map[string]any{"axis": "patches"}},
		{op: "dense", name: "head.hidden", w: "head.hidden.weight", b: "head.hidden.bias"},
		{op: "relu", name: "head_relu"},
		{op: "dense", name: "head.out", w: "head.out.weight", b: "head.out.bias"},
		{op: "sigmoid", name: "scores"},
	}
	for _, l := range layers {
		node := GraphNode{Op: l.op, Name: l.name, Attrs: l.attrs}
		if l.w != "" {
			wEnc, err := weight(l.w)
			if err != nil {
				return err
			}
			bEnc, err := weight(l.b)
			if err != nil {
				return err
			}
			node.Weights = map[string]string{"weight": wEnc, "bias": bEnc}
		}
		g.Nodes = append(g.Nodes, node)
	}

	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal export graph: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp export: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename export into place: %w", err)
	}
	return nil
}

// #endregion export
