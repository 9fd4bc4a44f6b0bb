package theseus

import "math/rand"

// blockParams are the weights of one transformer block. Matrices are stored
// (out, in) as matmulForward expects.
type blockParams struct {
	LayerNorm1W  Tensor // (C)
	LayerNorm1B  Tensor // (C)
	QueryKeyValW Tensor // (3C, C)
	QueryKeyValB Tensor // (3C)
	AttProjW     Tensor // (C, C)
	AttProjB     Tensor // (C)
	Layer2NormW  Tensor // (C)
	Layer2NormB  Tensor // (C)
	FeedFwdW     Tensor // (4C, C)
	FeedFwdB     Tensor // (4C)
	FeedFwdProjW Tensor // (C, 4C)
	FeedFwdProjB Tensor // (C)
}

func blockParamsLen(C int) int {
	return sizeOf(
		[]int{C}, []int{C},
		[]int{3 * C, C}, []int{3 * C},
		[]int{C, C}, []int{C},
		[]int{C}, []int{C},
		[]int{4 * C, C}, []int{4 * C},
		[]int{C, 4 * C}, []int{C},
	)
}

func (p *blockParams) carve(a *arena, C int) {
	p.LayerNorm1W = a.take(C)
	p.LayerNorm1B = a.take(C)
	p.QueryKeyValW = a.take(3*C, C)
	p.QueryKeyValB = a.take(3 * C)
	p.AttProjW = a.take(C, C)
	p.AttProjB = a.take(C)
	p.Layer2NormW = a.take(C)
	p.Layer2NormB = a.take(C)
	p.FeedFwdW = a.take(4*C, C)
	p.FeedFwdB = a.take(4 * C)
	p.FeedFwdProjW = a.take(C, 4*C)
	p.FeedFwdProjB = a.take(C)
}

func (p *blockParams) init(rng *rand.Rand) {
	fill(p.LayerNorm1W.data, 1)
	fill(p.Layer2NormW.data, 1)
	for _, w := range []Tensor{p.QueryKeyValW, p.AttProjW, p.FeedFwdW, p.FeedFwdProjW} {
		normal(rng, w.data, initStd)
	}
}

// blockActs are the intermediate values of one block saved for the backward pass.
type blockActs struct {
	Layer1Act       Tensor // (B, T, C)
	LayerNorm1Mean  Tensor // (B, T)
	LayerNorm1Rstd  Tensor // (B, T)
	QueryKeyVal     Tensor // (B, T, 3C)
	AttentionInter  Tensor // (B, T, C)
	PreAttention    Tensor // (B, NH, T, T)
	Attention       Tensor // (B, NH, T, T)
	AttentionProj   Tensor // (B, T, C)
	Residual2       Tensor // (B, T, C)
	LayerNorm2Act   Tensor // (B, T, C)
	LayerNorm2Mean  Tensor // (B, T)
	LayerNorm2Rstd  Tensor // (B, T)
	FeedForward     Tensor // (B, T, 4C)
	FeedForwardGelu Tensor // (B, T, 4C)
	FeedForwardProj Tensor // (B, T, C)
	Residual3       Tensor // (B, T, C)
	Memory          []float32
}

func (a *blockActs) init(B, T, C, NH int) {
	n := sizeOf(
		[]int{B, T, C}, []int{B, T}, []int{B, T},
		[]int{B, T, 3 * C}, []int{B, T, C},
		[]int{B, NH, T, T}, []int{B, NH, T, T},
		[]int{B, T, C}, []int{B, T, C},
		[]int{B, T, C}, []int{B, T}, []int{B, T},
		[]int{B, T, 4 * C}, []int{B, T, 4 * C},
		[]int{B, T, C}, []int{B, T, C},
	)
	a.Memory = make([]float32, n)
	ar := &arena{mem: a.Memory}
	a.Layer1Act = ar.take(B, T, C)
	a.LayerNorm1Mean = ar.take(B, T)
	a.LayerNorm1Rstd = ar.take(B, T)
	a.QueryKeyVal = ar.take(B, T, 3*C)
	a.AttentionInter = ar.take(B, T, C)
	a.PreAttention = ar.take(B, NH, T, T)
	a.Attention = ar.take(B, NH, T, T)
	a.AttentionProj = ar.take(B, T, C)
	a.Residual2 = ar.take(B, T, C)
	a.LayerNorm2Act = ar.take(B, T, C)
	a.LayerNorm2Mean = ar.take(B, T)
	a.LayerNorm2Rstd = ar.take(B, T)
	a.FeedForward = ar.take(B, T, 4*C)
	a.FeedForwardGelu = ar.take(B, T, 4*C)
	a.FeedForwardProj = ar.take(B, T, C)
	a.Residual3 = ar.take(B, T, C)
	ar.done()
}

// block is one pre-LN transformer block. Its parameters and gradients are views
// into the owning encoder's memory; activations are its own so a block can run
// inside any encoder of the same width.
type block struct {
	C, NH  int
	Params blockParams
	Grads  blockParams
	// Memory and GradMemory are the contiguous spans backing Params and Grads.
	Memory     []float32
	GradMemory []float32

	acts, dacts blockActs
	B, T        int
	inp         []float32
}

func newBlock(params, grads *arena, C, NH int) *block {
	n := blockParamsLen(C)
	l := &block{
		C:          C,
		NH:         NH,
		Memory:     params.mem[:n:n],
		GradMemory: grads.mem[:n:n],
	}
	l.Params.carve(params, C)
	l.Grads.carve(grads, C)
	return l
}

// ensure sizes the activation buffers for a (B, T) batch, reusing them when the
// shape is unchanged.
func (l *block) ensure(B, T int) {
	if l.B == B && l.T == T && l.acts.Memory != nil {
		return
	}
	l.B, l.T = B, T
	l.acts.init(B, T, l.C, l.NH)
	l.dacts.init(B, T, l.C, l.NH)
}

// forward runs the block over inp (B, T, C) and returns its output, which stays
// valid until the next forward.
func (l *block) forward(inp []float32, mask []int32, B, T int) []float32 {
	l.ensure(B, T)
	l.inp = inp
	C, NH := l.C, l.NH
	p, a := l.Params, l.acts
	layernormForward(a.Layer1Act.data, a.LayerNorm1Mean.data, a.LayerNorm1Rstd.data, inp, p.LayerNorm1W.data, p.LayerNorm1B.data, B, T, C)
	matmulForward(a.QueryKeyVal.data, a.Layer1Act.data, p.QueryKeyValW.data, p.QueryKeyValB.data, B, T, C, 3*C)
	attentionForward(a.AttentionInter.data, a.PreAttention.data, a.Attention.data, a.QueryKeyVal.data, mask, B, T, C, NH)
	matmulForward(a.AttentionProj.data, a.AttentionInter.data, p.AttProjW.data, p.AttProjB.data, B, T, C, C)
	residualForward(a.Residual2.data, inp, a.AttentionProj.data, B*T*C)
	layernormForward(a.LayerNorm2Act.data, a.LayerNorm2Mean.data, a.LayerNorm2Rstd.data, a.Residual2.data, p.Layer2NormW.data, p.Layer2NormB.data, B, T, C)
	matmulForward(a.FeedForward.data, a.LayerNorm2Act.data, p.FeedFwdW.data, p.FeedFwdB.data, B, T, C, 4*C)
	geluForward(a.FeedForwardGelu.data, a.FeedForward.data, B*T*4*C)
	matmulForward(a.FeedForwardProj.data, a.FeedForwardGelu.data, p.FeedFwdProjW.data, p.FeedFwdProjB.data, B, T, 4*C, C)
	residualForward(a.Residual3.data, a.Residual2.data, a.FeedForwardProj.data, B*T*C)
	return a.Residual3.data
}

// backward takes the gradient of the block output and accumulates into dinp and
// the block's parameter gradients. It must follow a forward with the same shape.
func (l *block) backward(dinp, dout []float32, mask []int32, B, T int) {
	C, NH := l.C, l.NH
	p, g, a, d := l.Params, l.Grads, l.acts, l.dacts
	zero(d.Memory)
	residualBackward(d.Residual2.data, d.FeedForwardProj.data, dout, B*T*C)
	matmulBackward(d.FeedForwardGelu.data, g.FeedFwdProjW.data, g.FeedFwdProjB.data, d.FeedForwardProj.data, a.FeedForwardGelu.data, p.FeedFwdProjW.data, B, T, 4*C, C)
	geluBackward(d.FeedForward.data, a.FeedForward.data, d.FeedForwardGelu.data, B*T*4*C)
	matmulBackward(d.LayerNorm2Act.data, g.FeedFwdW.data, g.FeedFwdB.data, d.FeedForward.data, a.LayerNorm2Act.data, p.FeedFwdW.data, B, T, C, 4*C)
	layernormBackward(d.Residual2.data, g.Layer2NormW.data, g.Layer2NormB.data, d.LayerNorm2Act.data, a.Residual2.data, p.Layer2NormW.data, a.LayerNorm2Mean.data, a.LayerNorm2Rstd.data, B, T, C)
	residualBackward(dinp, d.AttentionProj.data, d.Residual2.data, B*T*C)
	matmulBackward(d.AttentionInter.data, g.AttProjW.data, g.AttProjB.data, d.AttentionProj.data, a.AttentionInter.data, p.AttProjW.data, B, T, C, C)
	attentionBackward(d.QueryKeyVal.data, d.PreAttention.data, d.Attention.data, d.AttentionInter.data, a.QueryKeyVal.data, a.Attention.data, mask, B, T, C, NH)
	matmulBackward(d.Layer1Act.data, g.QueryKeyValW.data, g.QueryKeyValB.data, d.QueryKeyVal.data, a.Layer1Act.data, p.QueryKeyValW.data, B, T, C, 3*C)
	layernormBackward(dinp, g.LayerNorm1W.data, g.LayerNorm1B.data, d.Layer1Act.data, l.inp, p.LayerNorm1W.data, a.LayerNorm1Mean.data, a.LayerNorm1Rstd.data, B, T, C)
}
