// Package infer wraps a trained checkpoint behind a concurrency-safe scoring
// API for the serving path. The model loads lazily on first use; once loaded
// it is immutable and scoring is lock-free.
package infer

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/danielpatrickdp/face-scorer/internal/checkpoint"
	"github.com/danielpatrickdp/face-scorer/internal/model"
	"github.com/danielpatrickdp/face-scorer/internal/preprocess"
	"github.com/danielpatrickdp/face-scorer/internal/score"
)

// ErrModelUnavailable means no model is loaded and one could not be loaded
// right now. Callers translate it to a 503.
var ErrModelUnavailable = errors.New("model unavailable")

// BadInputError marks a request-side failure: undecodable or empty image
// bytes. Callers translate it to a 400.
type BadInputError struct {
	Err error
}

func (e *BadInputError) Error() string {
	return fmt.Sprintf("bad input: %v", e.Err)
}

func (e *BadInputError) Unwrap() error {
	return e.Err
}

// #region context
type loadedModel struct {
	model   *model.Model
	meta    checkpoint.Meta
	version string
}

// Context serves scoring requests from one checkpoint path.
type Context struct {
	checkpointPath string

	current atomic.Pointer[loadedModel]
	loading sync.Mutex
}

// NewContext prepares a context. The checkpoint is not touched until Load or
// the first Score call, so the service can start before training finishes.
func NewContext(checkpointPath string) *Context {
	return &Context{checkpointPath: checkpointPath}
}

// Load restores the checkpoint now. Safe to call repeatedly; only the first
// successful call does work unless Reload is used.
func (c *Context) Load() error {
	if c.current.Load() != nil {
		return nil
	}
	c.loading.Lock()
	defer c.loading.Unlock()
	if c.current.Load() != nil {
		return nil
	}
	return c.load()
}

// load restores from disk. Caller holds c.loading.
func (c *Context) load() error {
	m, meta, err := checkpoint.Restore(c.checkpointPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	lm := &loadedModel{
		model:   m,
		meta:    meta,
		version: fmt.Sprintf("patchnet_v1-e%d", meta.Epoch+1),
	}
	c.current.Store(lm)
	log.Printf("loaded checkpoint %s: run %s epoch %d (val loss %.4f)",
		c.checkpointPath, meta.RunID, meta.Epoch+1, meta.ValLoss)
	return nil
}

// Reload replaces the served model with the checkpoint currently on disk.
// In-flight Score calls keep the model they started with.
func (c *Context) Reload() error {
	c.loading.Lock()
	defer c.loading.Unlock()
	return c.load()
}

// Ready reports whether a model is loaded.
func (c *Context) Ready() bool {
	return c.current.Load() != nil
}

// Version returns the served model version, or "" when nothing is loaded.
func (c *Context) Version() string {
	if lm := c.current.Load(); lm != nil {
		return lm.version
	}
	return ""
}

// Meta returns the served checkpoint metadata.
func (c *Context) Meta() (checkpoint.Meta, bool) {
	if lm := c.current.Load(); lm != nil {
		return lm.meta, true
	}
	return checkpoint.Meta{}, false
}

// #endregion context

// #region score
// Score decodes, preprocesses and scores one image. When no model is loaded
// yet it attempts one non-blocking load: if another goroutine holds the load
// lock, this request fails fast with ErrModelUnavailable instead of queuing
// behind the disk read.
func (c *Context) Score(imageBytes []byte) (score.Record, string, error) {
	lm := c.current.Load()
	if lm == nil {
		if !c.loading.TryLock() {
			return score.Record{}, "", ErrModelUnavailable
		}
		err := error(nil)
		if c.current.Load() == nil {
			err = c.load()
		}
		c.loading.Unlock()
		if err != nil {
			return score.Record{}, "", err
		}
		lm = c.current.Load()
	}

	if len(imageBytes) == 0 {
		return score.Record{}, lm.version, &BadInputError{Err: errors.New("empty image")}
	}
	img, err := preprocess.Decode(imageBytes)
	if err != nil {
		return score.Record{}, lm.version, &BadInputError{Err: err}
	}

	tensor := preprocess.Inference(img, lm.model.Config().ImageSize)
	out, err := lm.model.Predict(tensor)
	if err != nil {
		return score.Record{}, lm.version, fmt.Errorf("predict: %w", err)
	}
	return score.Denormalize(out), lm.version, nil
}

// #endregion score
