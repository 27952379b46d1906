// Package config loads the YAML configuration shared by every binary. Each
// command overrides individual fields with flags; environment variables fill
// in secrets that never belong in a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/face-scorer/internal/eval"
	"github.com/danielpatrickdp/face-scorer/internal/labeler"
	"github.com/danielpatrickdp/face-scorer/internal/model"
	"github.com/danielpatrickdp/face-scorer/internal/train"
)

// #region sections
// Data locates the dataset and artifacts.
type Data struct {
	ScoresPath     string `yaml:"scoresPath"`
	ImagesDir      string `yaml:"imagesDir"`
	CheckpointPath string `yaml:"checkpointPath"`
	ExportPath     string `yaml:"exportPath"`
	HistoryDB      string `yaml:"historyDb"`
}

// Train mirrors the training hyperparameters.
type Train struct {
	BatchSize         int     `yaml:"batchSize"`
	Epochs            int     `yaml:"epochs"`
	LearningRate      float64 `yaml:"learningRate"`
	WeightDecay       float64 `yaml:"weightDecay"`
	EarlyStopPatience int     `yaml:"earlyStopPatience"`
	PlateauPatience   int     `yaml:"plateauPatience"`
	PlateauFactor     float64 `yaml:"plateauFactor"`
	ValSplit          float64 `yaml:"valSplit"`
	Seed              int64   `yaml:"seed"`
	Workers           int     `yaml:"workers"`
}

// Eval sets the evaluation sample and verdict thresholds.
type Eval struct {
	Samples      int     `yaml:"samples"`
	Seed         int64   `yaml:"seed"`
	ExcellentMAE float64 `yaml:"excellentMae"`
	PassMAE      float64 `yaml:"passMae"`
	WarnMAE      float64 `yaml:"warnMae"`
}

// Serve sets the HTTP listener.
type Serve struct {
	Addr string `yaml:"addr"`
}

// Label sets the vision-LLM labeling parameters. The API key comes from
// OPENAI_API_KEY, never from the file.
type Label struct {
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxRetries  int     `yaml:"maxRetries"`
	RetryDelay  string  `yaml:"retryDelay"`
}

// Config is the full application configuration.
type Config struct {
	Data  Data  `yaml:"data"`
	Train Train `yaml:"train"`
	Eval  Eval  `yaml:"eval"`
	Serve Serve `yaml:"serve"`
	Label Label `yaml:"label"`
}

// #endregion sections

// #region defaults
// Default returns the canonical configuration.
func Default() Config {
	tc := train.DefaultConfig()
	ec := eval.DefaultConfig()
	lc := labeler.DefaultConfig()
	return Config{
		Data: Data{
			ScoresPath:     "data/scores.json",
			ImagesDir:      "data/images",
			CheckpointPath: "artifacts/best_model.ckpt",
			ExportPath:     "artifacts/face_scorer.graph.json",
			HistoryDB:      "artifacts/history.db",
		},
		Train: Train{
			BatchSize:         tc.BatchSize,
			Epochs:            tc.Epochs,
			LearningRate:      tc.LearningRate,
			WeightDecay:       tc.WeightDecay,
			EarlyStopPatience: tc.EarlyStopPatience,
			PlateauPatience:   tc.PlateauPatience,
			PlateauFactor:     tc.PlateauFactor,
			ValSplit:          tc.ValSplit,
			Seed:              tc.Seed,
			Workers:           tc.Workers,
		},
		Eval: Eval{
			Seed:         ec.Seed,
			ExcellentMAE: ec.ExcellentMAE,
			PassMAE:      ec.PassMAE,
			WarnMAE:      ec.WarnMAE,
		},
		Serve: Serve{Addr: ":8000"},
		Label: Label{
			Model:       lc.Model,
			Temperature: lc.Temperature,
			MaxRetries:  lc.MaxRetries,
			RetryDelay:  lc.RetryDelay.String(),
		},
	}
}

// #endregion defaults

// #region load
// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged, so every binary runs without a config file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints the section types cannot.
func (c Config) Validate() error {
	if c.Data.ScoresPath == "" || c.Data.ImagesDir == "" {
		return fmt.Errorf("data.scoresPath and data.imagesDir must be set")
	}
	if c.Data.CheckpointPath == "" {
		return fmt.Errorf("data.checkpointPath must be set")
	}
	if _, err := c.LabelerConfig(); err != nil {
		return err
	}
	return c.TrainConfig().Validate()
}

// #endregion load

// #region converters
// TrainConfig assembles the trainer configuration.
func (c Config) TrainConfig() train.Config {
	return train.Config{
		BatchSize:         c.Train.BatchSize,
		Epochs:            c.Train.Epochs,
		LearningRate:      c.Train.LearningRate,
		WeightDecay:       c.Train.WeightDecay,
		EarlyStopPatience: c.Train.EarlyStopPatience,
		PlateauPatience:   c.Train.PlateauPatience,
		PlateauFactor:     c.Train.PlateauFactor,
		ValSplit:          c.Train.ValSplit,
		Seed:              c.Train.Seed,
		Workers:           c.Train.Workers,
		CheckpointPath:    c.Data.CheckpointPath,
		ExportPath:        c.Data.ExportPath,
		Model:             model.DefaultConfig(),
	}
}

// EvalConfig assembles the evaluator configuration.
func (c Config) EvalConfig() eval.Config {
	return eval.Config{
		Samples:      c.Eval.Samples,
		Seed:         c.Eval.Seed,
		ExcellentMAE: c.Eval.ExcellentMAE,
		PassMAE:      c.Eval.PassMAE,
		WarnMAE:      c.Eval.WarnMAE,
	}
}

// LabelerConfig assembles the labeler configuration.
func (c Config) LabelerConfig() (labeler.Config, error) {
	delay, err := time.ParseDuration(c.Label.RetryDelay)
	if err != nil {
		return labeler.Config{}, fmt.Errorf("label.retryDelay %q: %w", c.Label.RetryDelay, err)
	}
	return labeler.Config{
		Model:       c.Label.Model,
		Temperature: c.Label.Temperature,
		MaxRetries:  c.Label.MaxRetries,
		RetryDelay:  delay,
	}, nil
}

// #endregion converters

// #region env
// EnvOr returns the environment value for key, or def when unset.
func EnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// #endregion env
