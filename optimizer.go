package theseus

// AdamW updates parameter groups with decoupled weight decay and bias
// corrected moments. Moment buffers are allocated on the first step.
type AdamW struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Eps          float32
	WeightDecay  float32

	params []Parameter
	m, v   [][]float32
	t      int
}

func NewAdamW(params []Parameter, learningRate, beta1, beta2, eps, weightDecay float32) *AdamW {
	return &AdamW{
		LearningRate: learningRate,
		Beta1:        beta1,
		Beta2:        beta2,
		Eps:          eps,
		WeightDecay:  weightDecay,
		params:       params,
	}
}

// Step applies one update from the accumulated gradients.
func (opt *AdamW) Step() {
	if opt.m == nil {
		opt.m = make([][]float32, len(opt.params))
		opt.v = make([][]float32, len(opt.params))
		for i, p := range opt.params {
			opt.m[i] = make([]float32, len(p.Data))
			opt.v[i] = make([]float32, len(p.Data))
		}
	}
	opt.t++
	beta1, beta2, eps, lr, wd := opt.Beta1, opt.Beta2, opt.Eps, opt.LearningRate, opt.WeightDecay
	c1 := 1.0 - Pow(beta1, float32(opt.t))
	c2 := 1.0 - Pow(beta2, float32(opt.t))
	for i, p := range opt.params {
		mm, vm := opt.m[i], opt.v[i]
		for j, parameter := range p.Data {
			gradient := p.Grad[j]
			// Momentum update
			m := beta1*mm[j] + (1.0-beta1)*gradient
			// RMSprop update
			v := beta2*vm[j] + (1.0-beta2)*gradient*gradient
			mHat := m / c1
			vHat := v / c2
			mm[j] = m
			vm[j] = v
			p.Data[j] -= lr * (mHat/(Sqrt(vHat)+eps) + wd*parameter)
		}
	}
}

// Steps is the number of updates applied so far.
func (opt *AdamW) Steps() int { return opt.t }

// StepLR multiplies the optimizer learning rate by Gamma on every Step.
type StepLR struct {
	Optimizer *AdamW
	Gamma     float32
}

func (s *StepLR) Step() {
	s.Optimizer.LearningRate *= s.Gamma
}
