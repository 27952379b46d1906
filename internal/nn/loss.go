package nn

// #region mae-loss
// MAELoss is the mean absolute error between a prediction and its target,
// averaged over the vector. L1 is the training criterion: it is robust to
// the noisy labels a vision-LLM produces.
func MAELoss(pred, target []float32) float32 {
	var sum float32
	for i := range pred {
		d := pred[i] - target[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float32(len(pred))
}

// MAEGrad returns dL/dpred for a batch-mean MAE loss: sign(pred-target)
// divided by (batch × width), so gradients from every sample in a batch sum
// to the batch-mean gradient.
func MAEGrad(pred, target []float32, batchSize int) []float32 {
	g := make([]float32, len(pred))
	n := float32(batchSize * len(pred))
	for i := range pred {
		switch {
		case pred[i] > target[i]:
			g[i] = 1 / n
		case pred[i] < target[i]:
			g[i] = -1 / n
		}
	}
	return g
}

// #endregion mae-loss
