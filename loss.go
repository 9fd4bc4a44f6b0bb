package theseus

import "github.com/pkg/errors"

// CrossEntropy is the token classification loss. Positions whose target is
// IgnoreIndex contribute neither loss nor gradient.
type CrossEntropy struct {
	IgnoreIndex int32

	probs   []float32
	losses  []float32
	targets []int32
	count   int
	n, v    int
}

// Forward returns the mean loss over the counted positions, or 0 when every
// position is ignored.
func (c *CrossEntropy) Forward(logits Tensor, targets []int32) (float32, error) {
	dims := logits.Dims()
	if len(dims) == 0 {
		return 0, kindf(ErrShape, "scores have no dimensions")
	}
	V := dims[len(dims)-1]
	N := logits.size() / V
	if len(targets) != N {
		return 0, kindf(ErrShape, "%d targets for %d score rows", len(targets), N)
	}
	for i, t := range targets {
		if t != c.IgnoreIndex && (t < 0 || int(t) >= V) {
			return 0, kindf(ErrShape, "target %d at position %d outside %d classes", t, i, V)
		}
	}
	if len(c.probs) != N*V {
		c.probs = make([]float32, N*V)
		c.losses = make([]float32, N)
	}
	c.targets, c.n, c.v = targets, N, V
	softmaxForward(c.probs, logits.data, N, V)
	c.count = crossEntropyForward(c.losses, logits.data, targets, c.IgnoreIndex, N, V)
	if c.count == 0 {
		return 0, nil
	}
	var sum float64
	for _, l := range c.losses {
		sum += float64(l)
	}
	return float32(sum / float64(c.count)), nil
}

// Counted is the number of positions the last Forward averaged over.
func (c *CrossEntropy) Counted() int {
	return c.count
}

// Backward returns the gradient of the last mean loss with respect to the scores.
func (c *CrossEntropy) Backward() ([]float32, error) {
	if c.targets == nil {
		return nil, errors.New("loss backward called before forward")
	}
	dlogits := make([]float32, c.n*c.v)
	if c.count == 0 {
		return dlogits, nil
	}
	dlosses := make([]float32, c.n)
	mean := 1.0 / float32(c.count)
	for i, t := range c.targets {
		if t != c.IgnoreIndex {
			dlosses[i] = mean
		}
	}
	crossentropySoftmaxBackward(dlogits, dlosses, c.probs, c.targets, c.n, c.v)
	return dlogits, nil
}
