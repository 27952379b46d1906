package train

// #region progress
// progress tracks best validation loss for checkpointing and early stopping.
// Only strict improvement counts; ties and regressions burn patience.
type progress struct {
	patience int

	best    float64
	started bool
	bad     int
}

// observe folds in one epoch's validation loss. improved means the loss is a
// new strict best; stop means patience epochs have passed without one.
func (p *progress) observe(loss float64) (improved, stop bool) {
	if !p.started || loss < p.best {
		p.best = loss
		p.started = true
		p.bad = 0
		return true, false
	}
	p.bad++
	return false, p.bad >= p.patience
}

// #endregion progress

// #region plateau
// plateau implements reduce-on-plateau learning rate scheduling: when the
// validation loss fails to improve for patience consecutive epochs, the rate
// is multiplied by factor and the counter resets.
type plateau struct {
	patience int
	factor   float64

	best    float64
	started bool
	bad     int
}

// observe folds in one epoch's validation loss and returns true when the
// learning rate should be reduced this epoch.
func (p *plateau) observe(loss float64) bool {
	if !p.started || loss < p.best {
		p.best = loss
		p.started = true
		p.bad = 0
		return false
	}
	p.bad++
	if p.bad >= p.patience {
		p.bad = 0
		return true
	}
	return false
}

// #endregion plateau
